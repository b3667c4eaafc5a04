package inode

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnwhiteh/minixcache/common"
)

type cacheSlot struct {
	inode *common.Inode // the inode itself

	count  int  // the number of holders
	locked bool // being read, written or changed by a holder
	mount  bool // a device is mounted on this inode

	wait *sync.Cond // broadcast when the slot is unlocked
}

// Cache is the in-memory inode table. Slots are reused by identity: an
// inode with no holders stays cached until its slot is needed.
type Cache struct {
	m     sync.Mutex
	slots []*cacheSlot
	last  int // where the search for an empty slot resumes

	bcache common.BlockCache
	supers common.SuperTbl
}

var _ common.InodeTbl = (*Cache)(nil)

func New(bcache common.BlockCache, supers common.SuperTbl, size int) *Cache {
	c := &Cache{
		slots:  make([]*cacheSlot, size),
		last:   size - 1,
		bcache: bcache,
		supers: supers,
	}

	for i := 0; i < len(c.slots); i++ {
		slot := new(cacheSlot)
		slot.inode = &common.Inode{Slot: i}
		slot.wait = sync.NewCond(&c.m)
		c.slots[i] = slot
	}

	return c
}

// All of the helpers below expect c.m to be held. The ones that wait or do
// I/O release it in the meantime.

func (c *Cache) waitOnInode(s *cacheSlot) {
	for s.locked {
		s.wait.Wait()
	}
}

func (c *Cache) lockInode(s *cacheSlot) {
	c.waitOnInode(s)
	s.locked = true
}

func (c *Cache) unlockInode(s *cacheSlot) {
	s.locked = false
	s.wait.Broadcast()
}

func (c *Cache) slot(rip *common.Inode) *cacheSlot {
	if rip.Slot < 0 || rip.Slot >= len(c.slots) || c.slots[rip.Slot].inode != rip {
		common.Fatalf("inode %d on %v does not belong to this table", rip.Inum, rip.Dev)
	}
	return c.slots[rip.Slot]
}

func (c *Cache) reset(s *cacheSlot) {
	*s.inode = common.Inode{Slot: s.inode.Slot}
	s.mount = false
}

// emptySlot claims a slot with no holders, preferring clean unlocked ones,
// and returns it cleared with a count of 1. A dirty slot is written back
// first; if that fails the error is returned and the slot stays dirty.
func (c *Cache) emptySlot() (*cacheSlot, error) {
	for {
		var s *cacheSlot
		for n := len(c.slots); n > 0; n-- {
			c.last = (c.last + 1) % len(c.slots)
			tmp := c.slots[c.last]
			if tmp.count == 0 {
				s = tmp
				if !tmp.inode.Dirty && !tmp.locked {
					break
				}
			}
		}

		if s == nil {
			c.dumpSlots()
			common.Fatalf("no free inodes in mem (%d slots)", len(c.slots))
		}

		c.waitOnInode(s)
		for s.inode.Dirty {
			if err := c.writeInode(s); err != nil {
				return nil, err
			}
			c.waitOnInode(s)
		}
		if s.count == 0 {
			c.reset(s)
			s.count = 1
			return s, nil
		}
	}
}

func (c *Cache) dumpSlots() {
	buf := bytes.NewBuffer(nil)
	for i, s := range c.slots {
		fmt.Fprintf(buf, "%v:%6d/%d\t", s.inode.Dev, s.inode.Inum, s.count)
		if i%4 == 3 {
			buf.WriteByte('\n')
		}
	}
	slog.Error("inode table", "slots", "\n"+buf.String())
}

// Load the disk fields of the inode in s from its inode table block.
func (c *Cache) readInode(s *cacheSlot) error {
	c.lockInode(s)
	rip := s.inode
	dev, inum := rip.Dev, rip.Inum
	c.m.Unlock()

	var dip common.Disk_Inode
	err := c.getDisk(dev, inum, &dip)

	c.m.Lock()
	if err == nil {
		rip.Disk_Inode = dip
		rip.Dirty = false
	}
	c.unlockInode(s)
	return err
}

// Write the disk fields of the inode in s to its inode table block if they
// are dirty.
func (c *Cache) writeInode(s *cacheSlot) error {
	c.lockInode(s)
	rip := s.inode
	if !rip.Dirty || rip.Dev == common.NO_DEV || rip.Pipe {
		c.unlockInode(s)
		return nil
	}
	dev, inum, dip := rip.Dev, rip.Inum, rip.Disk_Inode
	c.m.Unlock()

	err := c.putDisk(dev, inum, &dip)

	c.m.Lock()
	if err == nil {
		rip.Dirty = false
	}
	c.unlockInode(s)
	return err
}

func (c *Cache) inodeBlock(dev common.Dev, inum int) (*common.Superblock, int, error) {
	sb := c.supers.Get(dev)
	if sb == nil {
		return nil, 0, fmt.Errorf("(inode) inode %d on %v: %w", inum, dev, common.ErrNoDevice)
	}
	if inum < 1 || inum > int(sb.Ninodes) {
		return nil, 0, fmt.Errorf("(inode) inode %d on %v: %w", inum, dev, common.EINVAL)
	}
	return sb, sb.InodeBlock(inum), nil
}

func (c *Cache) getDisk(dev common.Dev, inum int, dip *common.Disk_Inode) error {
	_, bnum, err := c.inodeBlock(dev, inum)
	if err != nil {
		return err
	}
	bp, err := c.bcache.GetBlock(dev, bnum, common.NORMAL)
	if err != nil {
		return fmt.Errorf("(inode) unable to read i-node block: %w", err)
	}
	common.ReadInode(bp.Data, inum, dip)
	c.bcache.PutBlock(bp)
	return nil
}

func (c *Cache) putDisk(dev common.Dev, inum int, dip *common.Disk_Inode) error {
	_, bnum, err := c.inodeBlock(dev, inum)
	if err != nil {
		return err
	}
	bp, err := c.bcache.GetBlock(dev, bnum, common.NORMAL)
	if err != nil {
		return fmt.Errorf("(inode) unable to read i-node block: %w", err)
	}
	common.WriteInode(bp.Data, inum, dip)
	bp.SetDirty()
	c.bcache.PutBlock(bp)
	return nil
}

// lookup finds the cached inode (dev, inum) and takes a reference to it,
// following mounts to the root of the mounted device. On a miss it returns
// nil with the identity the caller should load; the final scan of a miss
// runs without dropping c.m.
func (c *Cache) lookup(dev common.Dev, inum int) (*common.Inode, common.Dev, int) {
	for i := 0; i < len(c.slots); {
		s := c.slots[i]
		rip := s.inode
		if rip.Dev != dev || rip.Inum != inum {
			i++
			continue
		}
		c.waitOnInode(s)
		if rip.Dev != dev || rip.Inum != inum {
			// the slot was reused while we waited
			i = 0
			continue
		}
		if s.mount {
			sb := c.supers.MountedOn(rip)
			if sb == nil {
				slog.Warn("mounted inode hasn't got sb", "dev", dev, "inum", inum)
				s.count++
				return rip, dev, inum
			}
			dev = sb.Dev
			inum = common.ROOT_INO
			i = 0
			continue
		}
		s.count++
		return rip, dev, inum
	}
	return nil, dev, inum
}

// GetInode returns inode inum of dev with a reference held. If a device is
// mounted on that inode, the root inode of the mounted device is returned
// instead. A free slot is only needed when the inode is not cached.
func (c *Cache) GetInode(dev common.Dev, inum int) (*common.Inode, error) {
	if dev == common.NO_DEV {
		return nil, fmt.Errorf("(inode) get inode %d: %w", inum, common.ErrNoDevice)
	}

	c.m.Lock()
	defer c.m.Unlock()

	var empty *cacheSlot
	for {
		rip, ldev, linum := c.lookup(dev, inum)
		if rip != nil {
			if empty != nil {
				c.release(empty)
			}
			return rip, nil
		}
		dev, inum = ldev, linum
		if empty != nil {
			break
		}

		// emptySlot may drop c.m to wait or write back, so look again
		var err error
		if empty, err = c.emptySlot(); err != nil {
			return nil, fmt.Errorf("(inode) get inode %d on %v: %w", inum, dev, err)
		}
	}

	rip := empty.inode
	rip.Dev = dev
	rip.Inum = inum
	if err := c.readInode(empty); err != nil {
		c.reset(empty)
		c.release(empty)
		return nil, err
	}
	return rip, nil
}

// Give back a slot claimed by emptySlot that was never used.
func (c *Cache) release(s *cacheSlot) {
	s.count--
	s.wait.Broadcast()
}

// PutInode drops a reference. Dropping the last reference to an inode with
// no links frees its zones and its inode number; a dirty inode is written
// back. If that write fails the reference is still dropped and the inode
// stays dirty in the cache.
func (c *Cache) PutInode(rip *common.Inode) error {
	if rip == nil {
		return nil
	}

	c.m.Lock()
	defer c.m.Unlock()

	s := c.slot(rip)
	c.waitOnInode(s)
	if s.count == 0 {
		common.Fatalf("iput: trying to free free inode %d on %v", rip.Inum, rip.Dev)
	}

	if rip.Pipe {
		s.wait.Broadcast()
		if s.count--; s.count > 0 {
			return nil
		}
		rip.PipeBuf = nil
		rip.Dirty = false
		rip.Pipe = false
		return nil
	}

	if rip.Dev == common.NO_DEV {
		s.count--
		return nil
	}

	if rip.IsBlock() {
		bdev := common.Dev(rip.Zone[0])
		c.m.Unlock()
		err := c.syncDev(bdev)
		c.m.Lock()
		if err != nil {
			slog.Warn("sync of block device failed", "dev", bdev, "error", err)
		}
		c.waitOnInode(s)
	}

	for {
		if s.count > 1 {
			s.count--
			return nil
		}
		if rip.Nlinks == 0 {
			return c.truncateAndFree(s)
		}
		if rip.Dirty {
			if err := c.writeInode(s); err != nil {
				s.count--
				slog.Warn("writing inode failed", "dev", rip.Dev, "inum", rip.Inum, "error", err)
				return fmt.Errorf("(inode) put inode %d on %v: %w", rip.Inum, rip.Dev, err)
			}
			c.waitOnInode(s)
			continue
		}
		s.count--
		return nil
	}
}

func (c *Cache) truncateAndFree(s *cacheSlot) error {
	rip := s.inode

	c.lockInode(s)
	c.m.Unlock()
	err := c.truncate(rip)
	c.m.Lock()
	c.unlockInode(s)
	if err != nil {
		slog.Warn("truncate failed", "dev", rip.Dev, "inum", rip.Inum, "error", err)
	}

	return c.freeInode(s)
}

// syncDev writes back everything cached for dev: its blocks, every dirty
// inode, then the blocks those inodes dirtied.
func (c *Cache) syncDev(dev common.Dev) error {
	if err := c.bcache.Flush(dev); err != nil {
		return err
	}
	if err := c.Sync(); err != nil {
		return err
	}
	return c.bcache.Flush(dev)
}

func (c *Cache) freeInode(s *cacheSlot) error {
	rip := s.inode
	if rip.Dev == common.NO_DEV {
		c.reset(s)
		s.count = 0
		return nil
	}
	if s.count > 1 {
		common.Fatalf("trying to free inode %d on %v with count=%d", rip.Inum, rip.Dev, s.count)
	}
	if rip.Nlinks != 0 {
		common.Fatalf("trying to free inode %d on %v with %d links", rip.Inum, rip.Dev, rip.Nlinks)
	}
	sb := c.supers.Get(rip.Dev)
	if sb == nil {
		common.Fatalf("trying to free inode %d on nonexistent device %v", rip.Inum, rip.Dev)
	}
	err := sb.Alloc.FreeInode(rip.Inum)

	c.reset(s)
	s.count = 0
	s.wait.Broadcast()
	return err
}

// Sync writes back every dirty inode. The first error is returned after
// all inodes were tried.
func (c *Cache) Sync() error {
	c.m.Lock()
	defer c.m.Unlock()

	var first error
	for _, s := range c.slots {
		c.waitOnInode(s)
		if s.inode.Dirty && !s.inode.Pipe {
			if err := c.writeInode(s); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Invalidate forgets every cached inode of dev, e.g. after its media was
// changed. Inodes still held keep their slots but lose their device.
func (c *Cache) Invalidate(dev common.Dev) {
	c.m.Lock()
	defer c.m.Unlock()

	for _, s := range c.slots {
		c.waitOnInode(s)
		if s.inode.Dev == dev {
			if s.count > 0 {
				slog.Warn("inode in use on removed disk", "dev", dev, "inum", s.inode.Inum)
			}
			s.inode.Dev = common.NO_DEV
			s.inode.Dirty = false
		}
	}
}
