package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jnwhiteh/minixcache/bitmap"
	"github.com/jnwhiteh/minixcache/common"
	minixfs "github.com/jnwhiteh/minixcache/fs"
)

// checker rebuilds the bitmaps of a mounted volume from its inode table and
// compares them with the ones on disk.
type checker struct {
	fsys *minixfs.FileSystem
	sb   *common.Superblock
	out  io.Writer

	zones  map[int]int // zone -> inode that claims it
	inodes map[int]bool
	errors int
}

func newChecker(fsys *minixfs.FileSystem, dev common.Dev, out io.Writer) (*checker, error) {
	sb := fsys.Supers().Get(dev)
	if sb == nil {
		return nil, fmt.Errorf("%v is not mounted: %w", dev, common.ErrNotMounted)
	}
	return &checker{
		fsys:   fsys,
		sb:     sb,
		out:    out,
		zones:  make(map[int]int),
		inodes: make(map[int]bool),
	}, nil
}

func (ck *checker) report(format string, args ...interface{}) {
	ck.errors++
	fmt.Fprintf(ck.out, format+"\n", args...)
}

// chksuper checks the super block for reasonable contents.
func (ck *checker) chksuper() bool {
	sb := ck.sb
	ok := true
	needImap := (int(sb.Ninodes) + common.BITS_PER_BLOCK - 1) / common.BITS_PER_BLOCK
	if int(sb.Imap_blocks) < needImap {
		ck.report("need %d blocks for inode bitmap; only have %d", needImap, sb.Imap_blocks)
		ok = false
	}
	needZmap := (int(sb.Nzones) - int(sb.Firstdatazone) + common.BITS_PER_BLOCK) / common.BITS_PER_BLOCK
	if int(sb.Zmap_blocks) < needZmap {
		ck.report("need %d blocks for zone bitmap; only have %d", needZmap, sb.Zmap_blocks)
		ok = false
	}
	itable := (int(sb.Ninodes) + common.INODES_PER_BLOCK - 1) / common.INODES_PER_BLOCK
	first := common.START_BLOCK + int(sb.Imap_blocks) + int(sb.Zmap_blocks) + itable
	if int(sb.Firstdatazone) != first {
		ck.report("expected first data zone to be %d instead of %d", first, sb.Firstdatazone)
		ok = false
	}
	if sb.Log_zone_size != 0 {
		ck.report("zones of %d blocks are not supported", 1<<sb.Log_zone_size)
		ok = false
	}
	return ok
}

// claim records that inum uses zone.
func (ck *checker) claim(inum int, zone int) bool {
	if zone < int(ck.sb.Firstdatazone) || zone >= int(ck.sb.Nzones) {
		ck.report("inode %d: zone %d out of range", inum, zone)
		return false
	}
	if other, ok := ck.zones[zone]; ok {
		ck.report("inode %d: zone %d already used by inode %d", inum, zone, other)
		return false
	}
	ck.zones[zone] = inum
	return true
}

// indirect claims the zones named by an indirect block. With depth 1 those
// are themselves indirect blocks.
func (ck *checker) indirect(inum int, ind int, depth int) error {
	if !ck.claim(inum, ind) {
		return nil
	}
	bp, err := ck.fsys.Cache().GetBlock(ck.sb.Dev, ind, common.NORMAL)
	if err != nil {
		return err
	}
	zones := make([]int, 0, common.NR_INDIRECTS)
	for i := 0; i < common.NR_INDIRECTS; i++ {
		if z := int(binary.LittleEndian.Uint16(bp.Data[i*common.ZONE_NUM_SIZE:])); z != common.NO_ZONE {
			zones = append(zones, z)
		}
	}
	ck.fsys.Cache().PutBlock(bp)

	for _, z := range zones {
		if depth > 0 {
			if err := ck.indirect(inum, z, depth-1); err != nil {
				return err
			}
		} else {
			ck.claim(inum, z)
		}
	}
	return nil
}

// chkinode reads the inode straight from the inode table. Going through the
// inode cache would free an inode without links on release.
func (ck *checker) chkinode(inum int) error {
	bp, err := ck.fsys.Cache().GetBlock(ck.sb.Dev, ck.sb.InodeBlock(inum), common.NORMAL)
	if err != nil {
		return err
	}
	rip := new(common.Disk_Inode)
	common.ReadInode(bp.Data, inum, rip)
	ck.fsys.Cache().PutBlock(bp)

	if rip.Mode == 0 || rip.Nlinks == 0 {
		ck.report("inode %d: marked in use but has mode %06o and %d links", inum, rip.Mode, rip.Nlinks)
		return nil
	}
	ck.inodes[inum] = true
	if rip.IsBlock() || rip.IsChar() {
		return nil
	}
	for i := 0; i < common.NR_DZONES; i++ {
		if z := int(rip.Zone[i]); z != common.NO_ZONE {
			ck.claim(inum, z)
		}
	}
	if z := int(rip.Zone[common.NR_DZONES]); z != common.NO_ZONE {
		if err := ck.indirect(inum, z, 0); err != nil {
			return err
		}
	}
	if z := int(rip.Zone[common.NR_DZONES+1]); z != common.NO_ZONE {
		if err := ck.indirect(inum, z, 1); err != nil {
			return err
		}
	}
	return nil
}

// chkmaps compares the rebuilt maps with the disk maps. With repair set the
// disk maps are corrected in the cache.
func (ck *checker) chkmaps(repair bool) {
	sb := ck.sb
	for inum := 1; inum <= int(sb.Ninodes); inum++ {
		used := bitmap.Test(sb.Imap, inum-1)
		if used == ck.inodes[inum] || (inum == common.ROOT_INO && used) {
			continue
		}
		if used {
			ck.report("inode %d: marked in use but unreferenced", inum)
			if repair {
				bitmap.Clear(sb.Imap, inum-1)
			}
		} else {
			ck.report("inode %d: in use but marked free", inum)
			if repair {
				bitmap.Set(sb.Imap, inum-1)
			}
		}
	}

	for zone := int(sb.Firstdatazone); zone < int(sb.Nzones); zone++ {
		bit := zone - int(sb.Firstdatazone) + 1
		used := bitmap.Test(sb.Zmap, bit)
		_, claimed := ck.zones[zone]
		if used == claimed {
			continue
		}
		if used {
			ck.report("zone %d: marked in use but unreferenced", zone)
			if repair {
				bitmap.Clear(sb.Zmap, bit)
			}
		} else {
			ck.report("zone %d: in use by inode %d but marked free", zone, ck.zones[zone])
			if repair {
				bitmap.Set(sb.Zmap, bit)
			}
		}
	}
}

// run checks the whole volume and returns the number of problems found.
func (ck *checker) run(repair bool) (int, error) {
	if !ck.chksuper() {
		return ck.errors, nil
	}
	for inum := 1; inum <= int(ck.sb.Ninodes); inum++ {
		if !bitmap.Test(ck.sb.Imap, inum-1) {
			continue
		}
		if err := ck.chkinode(inum); err != nil {
			return ck.errors, fmt.Errorf("inode %d: %w", inum, err)
		}
	}
	ck.chkmaps(repair)
	return ck.errors, nil
}
