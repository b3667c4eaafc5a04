package alloctbl

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnwhiteh/minixcache/bitmap"
	"github.com/jnwhiteh/minixcache/common"
)

// AllocTbl allocates the zones and inode numbers of one loaded volume, using
// the bitmap pages the superblock keeps in the cache. Zone bit i stands for
// zone Firstdatazone-1+i and inode bit i for inode i+1; bit 0 of each map
// is reserved.
type AllocTbl struct {
	m     sync.Mutex
	sb    *common.Superblock
	cache common.BlockCache
}

var _ common.AllocTbl = (*AllocTbl)(nil)

func New(sb *common.Superblock, cache common.BlockCache) *AllocTbl {
	return &AllocTbl{sb: sb, cache: cache}
}

// AllocZone allocates the lowest free zone and returns it zero-filled and
// dirty in the cache, so its old contents never reach a file.
func (alloc *AllocTbl) AllocZone() (int, error) {
	sb := alloc.sb

	alloc.m.Lock()
	bit := bitmap.FindFirstZero(sb.Zmap)
	zone := bit + int(sb.Firstdatazone) - 1
	if bit == common.NO_BIT || zone >= int(sb.Nzones) {
		alloc.m.Unlock()
		slog.Warn("no space on device", "dev", sb.Dev)
		return common.NO_ZONE, fmt.Errorf("(alloctbl) alloc zone on %v: %w", sb.Dev, common.ENOSPC)
	}
	if bitmap.Set(sb.Zmap, bit) {
		alloc.m.Unlock()
		common.Fatalf("new block: zone bit %d already set on %v", bit, sb.Dev)
	}
	alloc.m.Unlock()

	cb, err := alloc.cache.GetBlock(sb.Dev, zone, common.NO_READ)
	if err != nil {
		alloc.m.Lock()
		bitmap.Clear(sb.Zmap, bit)
		alloc.m.Unlock()
		return common.NO_ZONE, fmt.Errorf("(alloctbl) alloc zone on %v: %w", sb.Dev, err)
	}
	alloc.cache.ClearBlock(cb)
	alloc.cache.PutBlock(cb)
	return zone, nil
}

// FreeZone returns a zone to the free map. A cached copy of the zone is
// dropped without being written. If somebody still holds that copy the
// zone is left allocated and EBUSY returned.
func (alloc *AllocTbl) FreeZone(zone int) error {
	sb := alloc.sb
	if zone < int(sb.Firstdatazone) || zone >= int(sb.Nzones) {
		common.Fatalf("trying to free zone %d not in datazone on %v", zone, sb.Dev)
	}

	if cb := alloc.cache.FindBlock(sb.Dev, zone); cb != nil {
		if !alloc.cache.Discard(cb) {
			return fmt.Errorf("(alloctbl) free zone %d on %v: %w", zone, sb.Dev, common.EBUSY)
		}
	}

	alloc.m.Lock()
	defer alloc.m.Unlock()
	bit := zone - int(sb.Firstdatazone) + 1
	if !bitmap.Clear(sb.Zmap, bit) {
		common.Fatalf("free block: zone %d already cleared on %v", zone, sb.Dev)
	}
	return nil
}

// AllocInode allocates the lowest free inode number.
func (alloc *AllocTbl) AllocInode() (int, error) {
	sb := alloc.sb

	alloc.m.Lock()
	defer alloc.m.Unlock()

	bit := bitmap.FindFirstZero(sb.Imap)
	if bit == common.NO_BIT || bit+1 > int(sb.Ninodes) {
		slog.Warn("out of i-nodes on device", "dev", sb.Dev)
		return common.NO_INODE, fmt.Errorf("(alloctbl) alloc inode on %v: %w", sb.Dev, common.ENOSPC)
	}
	if bitmap.Set(sb.Imap, bit) {
		common.Fatalf("new inode: bit %d already set on %v", bit, sb.Dev)
	}
	return bit + 1, nil
}

// FreeInode returns an inode number to the free map.
func (alloc *AllocTbl) FreeInode(inum int) error {
	sb := alloc.sb
	if inum < 1 || inum > int(sb.Ninodes) {
		slog.Warn("trying to free nonexistent inode", "dev", sb.Dev, "inum", inum)
		return fmt.Errorf("(alloctbl) free inode %d on %v: %w", inum, sb.Dev, common.EINVAL)
	}

	alloc.m.Lock()
	defer alloc.m.Unlock()
	if !bitmap.Clear(sb.Imap, inum-1) {
		common.Fatalf("free inode: inode %d already cleared on %v", inum, sb.Dev)
	}
	return nil
}

// FreeCounts returns the number of free zones and free inodes.
func (alloc *AllocTbl) FreeCounts() (zones int, inodes int) {
	sb := alloc.sb

	alloc.m.Lock()
	defer alloc.m.Unlock()
	zones = bitmap.CountZero(sb.Zmap, int(sb.Nzones)-int(sb.Firstdatazone)+1)
	inodes = bitmap.CountZero(sb.Imap, int(sb.Ninodes))
	return zones, inodes
}
