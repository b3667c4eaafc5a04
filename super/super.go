package super

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnwhiteh/minixcache/alloctbl"
	"github.com/jnwhiteh/minixcache/common"
)

type slot struct {
	sb     *common.Superblock // nil if the slot is free
	locked bool               // being read in or released
}

// Table is the mount table: one Superblock per loaded device, each holding
// the bitmap pages of its volume in the block cache.
type Table struct {
	m     sync.Mutex
	cond  *sync.Cond // broadcast when a slot is unlocked
	slots []slot

	cache   common.BlockCache
	rootDev common.Dev
}

var _ common.SuperTbl = (*Table)(nil)

func New(cache common.BlockCache, nsupers int) *Table {
	t := &Table{
		slots: make([]slot, nsupers),
		cache: cache,
	}
	t.cond = sync.NewCond(&t.m)
	return t
}

// RootDev returns the device mounted by MountRoot, or NO_DEV.
func (t *Table) RootDev() common.Dev {
	t.m.Lock()
	defer t.m.Unlock()
	return t.rootDev
}

// get returns the slot index of dev, waiting for a slot being read in or
// released. Must be called with t.m held.
func (t *Table) get(dev common.Dev) int {
	if dev == common.NO_DEV {
		return -1
	}
repeat:
	for {
		for i := range t.slots {
			s := &t.slots[i]
			if s.sb == nil || s.sb.Dev != dev {
				continue
			}
			if s.locked {
				t.cond.Wait()
				continue repeat
			}
			return i
		}
		return -1
	}
}

// Get returns the superblock of a loaded device, or nil.
func (t *Table) Get(dev common.Dev) *common.Superblock {
	t.m.Lock()
	defer t.m.Unlock()

	if i := t.get(dev); i >= 0 {
		return t.slots[i].sb
	}
	return nil
}

// MountedOn returns the superblock of the device mounted on rip, or nil.
func (t *Table) MountedOn(rip *common.Inode) *common.Superblock {
	t.m.Lock()
	defer t.m.Unlock()

	for _, s := range t.slots {
		if s.sb != nil && !s.locked && s.sb.Imount == rip && s.sb.Isup != rip {
			return s.sb
		}
	}
	return nil
}

// Load reads the superblock and bitmaps of dev into the table, or returns
// the superblock already there.
func (t *Table) Load(dev common.Dev) (*common.Superblock, error) {
	sb, _, err := t.load(dev)
	return sb, err
}

func (t *Table) load(dev common.Dev) (*common.Superblock, bool, error) {
	if dev == common.NO_DEV {
		return nil, false, common.ErrNoDevice
	}

	t.m.Lock()
	if i := t.get(dev); i >= 0 {
		sb := t.slots[i].sb
		t.m.Unlock()
		return sb, false, nil
	}
	free := -1
	for i := range t.slots {
		if t.slots[i].sb == nil {
			free = i
			break
		}
	}
	if free < 0 {
		t.m.Unlock()
		common.Fatalf("no free superblock slot for device %v", dev)
	}
	sb := &common.Superblock{Dev: dev}
	t.slots[free] = slot{sb: sb, locked: true}
	t.m.Unlock()

	err := t.readSuper(sb)

	t.m.Lock()
	defer t.m.Unlock()
	if err != nil {
		t.slots[free] = slot{}
	} else {
		t.slots[free].locked = false
	}
	t.cond.Broadcast()
	if err != nil {
		return nil, false, fmt.Errorf("(super) load %v: %w", dev, err)
	}

	zones, inodes := sb.Alloc.FreeCounts()
	slog.Debug("loaded superblock", "dev", dev,
		"zones", sb.Nzones, "free zones", zones,
		"inodes", sb.Ninodes, "free inodes", inodes)
	return sb, true, nil
}

// readSuper fills in sb from the device. On failure every page it took
// from the cache has been given back.
func (t *Table) readSuper(sb *common.Superblock) error {
	bp, err := t.cache.GetBlock(sb.Dev, common.SUPER_BLOCK, common.NORMAL)
	if err != nil {
		return err
	}
	dsb, err := common.ReadSuperblock(bp.Data)
	t.cache.PutBlock(bp)
	if err != nil {
		return err
	}
	if dsb.Magic != common.SUPER_MAGIC {
		return fmt.Errorf("magic %#x: %w", dsb.Magic, common.ErrBadMagic)
	}
	if dsb.Imap_blocks < 1 || dsb.Imap_blocks > common.I_MAP_SLOTS ||
		dsb.Zmap_blocks < 1 || dsb.Zmap_blocks > common.Z_MAP_SLOTS {
		return fmt.Errorf("bitmaps of %d+%d blocks: %w", dsb.Imap_blocks, dsb.Zmap_blocks, common.EINVAL)
	}
	sb.Disk_Superblock = *dsb

	block := common.START_BLOCK
	for i := 0; i < int(sb.Imap_blocks); i++ {
		bp, err := t.cache.GetBlock(sb.Dev, block, common.NORMAL)
		if err != nil {
			t.releaseMaps(sb)
			return err
		}
		sb.Imap = append(sb.Imap, bp)
		block++
	}
	for i := 0; i < int(sb.Zmap_blocks); i++ {
		bp, err := t.cache.GetBlock(sb.Dev, block, common.NORMAL)
		if err != nil {
			t.releaseMaps(sb)
			return err
		}
		sb.Zmap = append(sb.Zmap, bp)
		block++
	}

	// bit 0 of each map is reserved and never allocated
	sb.Imap[0].Data[0] |= 1
	sb.Zmap[0].Data[0] |= 1

	sb.Alloc = alloctbl.New(sb, t.cache)
	return nil
}

func (t *Table) releaseMaps(sb *common.Superblock) {
	for _, bp := range sb.Imap {
		t.cache.PutBlock(bp)
	}
	for _, bp := range sb.Zmap {
		t.cache.PutBlock(bp)
	}
	sb.Imap = nil
	sb.Zmap = nil
}

// Unload releases the bitmap pages of dev and frees its slot. A device with
// something mounted on it, or the root device, is refused. Unloading a
// device that is not loaded does nothing.
func (t *Table) Unload(dev common.Dev) error {
	t.m.Lock()
	if t.rootDev != common.NO_DEV && dev == t.rootDev {
		t.m.Unlock()
		slog.Error("root device changed: prepare for armageddon", "dev", dev)
		return fmt.Errorf("(super) unload %v: %w", dev, common.ErrRootDevice)
	}
	i := t.get(dev)
	if i < 0 {
		t.m.Unlock()
		return nil
	}
	sb := t.slots[i].sb
	if sb.Imount != nil {
		t.m.Unlock()
		slog.Warn("mounted disk changed", "dev", dev)
		return fmt.Errorf("(super) unload %v: %w", dev, common.EBUSY)
	}
	t.slots[i].locked = true
	t.m.Unlock()

	t.releaseMaps(sb)

	t.m.Lock()
	t.slots[i] = slot{}
	t.cond.Broadcast()
	t.m.Unlock()
	return nil
}
