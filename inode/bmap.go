package inode

import (
	"fmt"
	"time"

	"github.com/jnwhiteh/minixcache/common"
)

func now() uint32 { return uint32(time.Now().Unix()) }

// Bmap translates a block number within the file rip into a zone on its
// device. With create set, missing zones and indirect blocks are allocated
// on the way; otherwise a hole maps to NO_ZONE. The caller must hold a
// reference to rip but not its lock.
func (c *Cache) Bmap(rip *common.Inode, block int, create bool) (int, error) {
	if block < 0 {
		return common.NO_ZONE, fmt.Errorf("(inode) bmap block %d: %w", block, common.EINVAL)
	}
	if block >= common.MAX_FILE_BLOCKS {
		return common.NO_ZONE, fmt.Errorf("(inode) bmap block %d: %w", block, common.EFBIG)
	}

	c.LockInode(rip)
	defer c.UnlockInode(rip)

	sb := c.supers.Get(rip.Dev)
	if sb == nil {
		return common.NO_ZONE, fmt.Errorf("(inode) bmap on %v: %w", rip.Dev, common.ErrNoDevice)
	}
	return c.bmap(sb, rip, block, create)
}

// Fill an empty zone slot of the inode itself.
func (c *Cache) zoneSlot(sb *common.Superblock, rip *common.Inode, i int, create bool) (int, error) {
	if create && rip.Zone[i] == common.NO_ZONE {
		z, err := sb.Alloc.AllocZone()
		if err != nil {
			return common.NO_ZONE, err
		}
		rip.Zone[i] = uint16(z)
		rip.Ctime = now()
		rip.Dirty = true
	}
	return int(rip.Zone[i]), nil
}

// Look up (and with create, fill) entry index of the indirect block ind.
func (c *Cache) indirect(sb *common.Superblock, ind int, index int, create bool) (int, error) {
	bp, err := c.bcache.GetBlock(sb.Dev, ind, common.NORMAL)
	if err != nil {
		return common.NO_ZONE, err
	}
	defer c.bcache.PutBlock(bp)

	z := common.RdIndir(bp.Data, index, sb)
	if create && z == common.NO_ZONE {
		if z, err = sb.Alloc.AllocZone(); err != nil {
			return common.NO_ZONE, err
		}
		common.WrIndir(bp.Data, index, z)
		bp.SetDirty()
	}
	return z, nil
}

func (c *Cache) bmap(sb *common.Superblock, rip *common.Inode, block int, create bool) (int, error) {
	if block < common.NR_DZONES {
		return c.zoneSlot(sb, rip, block, create)
	}

	block -= common.NR_DZONES
	if block < common.NR_INDIRECTS {
		ind, err := c.zoneSlot(sb, rip, common.NR_DZONES, create)
		if err != nil || ind == common.NO_ZONE {
			return common.NO_ZONE, err
		}
		return c.indirect(sb, ind, block, create)
	}

	block -= common.NR_INDIRECTS
	dind, err := c.zoneSlot(sb, rip, common.NR_DZONES+1, create)
	if err != nil || dind == common.NO_ZONE {
		return common.NO_ZONE, err
	}
	ind, err := c.indirect(sb, dind, block/common.NR_INDIRECTS, create)
	if err != nil || ind == common.NO_ZONE {
		return common.NO_ZONE, err
	}
	return c.indirect(sb, ind, block%common.NR_INDIRECTS, create)
}

// Truncate frees every zone of a regular file or directory and sets its
// size to 0. The caller must hold a reference to rip but not its lock.
func (c *Cache) Truncate(rip *common.Inode) error {
	c.LockInode(rip)
	defer c.UnlockInode(rip)
	return c.truncate(rip)
}

func (c *Cache) truncate(rip *common.Inode) error {
	if !rip.IsRegular() && !rip.IsDir() {
		return nil
	}
	sb := c.supers.Get(rip.Dev)
	if sb == nil {
		return fmt.Errorf("(inode) truncate on %v: %w", rip.Dev, common.ErrNoDevice)
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for i := 0; i < common.NR_DZONES; i++ {
		if rip.Zone[i] != common.NO_ZONE {
			keep(sb.Alloc.FreeZone(int(rip.Zone[i])))
			rip.Zone[i] = common.NO_ZONE
		}
	}
	keep(c.freeInd(sb, int(rip.Zone[common.NR_DZONES])))
	keep(c.freeDind(sb, int(rip.Zone[common.NR_DZONES+1])))
	rip.Zone[common.NR_DZONES] = common.NO_ZONE
	rip.Zone[common.NR_DZONES+1] = common.NO_ZONE

	rip.Size = 0
	rip.Dirty = true
	rip.Mtime = now()
	rip.Ctime = rip.Mtime
	return first
}

// Free an indirect block and every zone it names.
func (c *Cache) freeInd(sb *common.Superblock, ind int) error {
	if ind == common.NO_ZONE {
		return nil
	}
	bp, err := c.bcache.GetBlock(sb.Dev, ind, common.NORMAL)
	if err != nil {
		return err
	}
	var first error
	for i := 0; i < common.NR_INDIRECTS; i++ {
		if z := common.RdIndir(bp.Data, i, sb); z != common.NO_ZONE {
			if err := sb.Alloc.FreeZone(z); err != nil && first == nil {
				first = err
			}
		}
	}
	c.bcache.PutBlock(bp)
	if err := sb.Alloc.FreeZone(ind); err != nil && first == nil {
		first = err
	}
	return first
}

// Free a double indirect block, its indirect blocks and their zones.
func (c *Cache) freeDind(sb *common.Superblock, dind int) error {
	if dind == common.NO_ZONE {
		return nil
	}
	bp, err := c.bcache.GetBlock(sb.Dev, dind, common.NORMAL)
	if err != nil {
		return err
	}
	var first error
	for i := 0; i < common.NR_INDIRECTS; i++ {
		if ind := common.RdIndir(bp.Data, i, sb); ind != common.NO_ZONE {
			if err := c.freeInd(sb, ind); err != nil && first == nil {
				first = err
			}
		}
	}
	c.bcache.PutBlock(bp)
	if err := sb.Alloc.FreeZone(dind); err != nil && first == nil {
		first = err
	}
	return first
}
