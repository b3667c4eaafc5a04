// Package mkfs writes an empty filesystem with a root directory owned by the
// superuser (uid 0) onto a block device.
package mkfs

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jnwhiteh/minixcache/common"
)

const MAX_BLOCKS = 0xffff // zone numbers are 16 bits wide

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Geometry computes the superblock for a volume of the given size. With
// inodes <= 0 one inode is provided for every three blocks.
func Geometry(blocks, inodes int) (*common.Disk_Superblock, error) {
	if blocks > MAX_BLOCKS {
		return nil, fmt.Errorf("(mkfs) %d blocks, at most %d allowed: %w", blocks, MAX_BLOCKS, common.EINVAL)
	}
	if inodes <= 0 {
		inodes = blocks / 3
	}
	// fill whole blocks of the inode table
	inodes = ceilDiv(inodes, common.INODES_PER_BLOCK) * common.INODES_PER_BLOCK
	if inodes > 0xffff {
		inodes = 0xffff / common.INODES_PER_BLOCK * common.INODES_PER_BLOCK
	}

	imap := ceilDiv(inodes, common.BITS_PER_BLOCK)
	itable := inodes / common.INODES_PER_BLOCK

	zmap := 1
	var first int
	for {
		first = common.START_BLOCK + imap + zmap + itable
		need := ceilDiv(blocks-first+1, common.BITS_PER_BLOCK)
		if need <= zmap {
			break
		}
		zmap = need
	}

	if imap > common.I_MAP_SLOTS || zmap > common.Z_MAP_SLOTS {
		return nil, fmt.Errorf("(mkfs) bitmaps need %d+%d blocks: %w", imap, zmap, common.EFBIG)
	}
	if first+1 >= blocks {
		return nil, fmt.Errorf("(mkfs) %d blocks leave no data zones: %w", blocks, common.ENOSPC)
	}

	return &common.Disk_Superblock{
		Ninodes:       uint16(inodes),
		Nzones:        uint16(blocks),
		Imap_blocks:   uint16(imap),
		Zmap_blocks:   uint16(zmap),
		Firstdatazone: uint16(first),
		Log_zone_size: 0,
		Max_size:      common.MAX_FILE_BLOCKS * common.BLOCK_SIZE,
		Magic:         common.SUPER_MAGIC,
	}, nil
}

// setRange sets bits [from, to) of a bitmap spread over consecutive blocks.
func setRange(blocks [][]byte, from, to int) {
	for i := from; i < to; i++ {
		b := blocks[i/common.BITS_PER_BLOCK]
		off := i % common.BITS_PER_BLOCK
		b[off/8] |= 1 << uint(off%8)
	}
}

func newBlocks(n int) [][]byte {
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = make([]byte, common.BLOCK_SIZE)
	}
	return blocks
}

// Format writes a new filesystem of the given size onto dev.
func Format(dev common.BlockDevice, blocks, inodes int) (*common.Disk_Superblock, error) {
	if blocks <= 0 || blocks > dev.Blocks() {
		return nil, fmt.Errorf("(mkfs) device has %d blocks, asked for %d: %w", dev.Blocks(), blocks, common.EINVAL)
	}
	sup, err := Geometry(blocks, inodes)
	if err != nil {
		return nil, err
	}
	first := int(sup.Firstdatazone)
	now := uint32(time.Now().Unix())

	boot := make([]byte, common.BLOCK_SIZE)
	super := make([]byte, common.BLOCK_SIZE)
	common.WriteSuperblock(super, sup)

	// bit 0 of the inode map is the root inode; bits past the last inode
	// are marked in use so they are never handed out
	imap := newBlocks(int(sup.Imap_blocks))
	setRange(imap, 0, 1)
	setRange(imap, int(sup.Ninodes), len(imap)*common.BITS_PER_BLOCK)

	// bit 0 of the zone map is reserved, bit 1 is the root directory
	zmap := newBlocks(int(sup.Zmap_blocks))
	setRange(zmap, 0, 2)
	setRange(zmap, blocks-first+1, len(zmap)*common.BITS_PER_BLOCK)

	itable := newBlocks(int(sup.Ninodes) / common.INODES_PER_BLOCK)
	root := &common.Disk_Inode{
		Mode:   common.I_DIRECTORY | 0755,
		Size:   2 * common.DIRENT_SIZE,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Nlinks: 2,
	}
	root.Zone[0] = uint16(first)
	common.WriteInode(itable[0], common.ROOT_INO, root)

	rootdir := make([]byte, common.BLOCK_SIZE)
	putDirent(rootdir, 0, common.ROOT_INO, ".")
	putDirent(rootdir, 1, common.ROOT_INO, "..")

	bnum := 0
	write := func(data []byte) error {
		if err := dev.WriteBlock(bnum, data); err != nil {
			return fmt.Errorf("(mkfs) write block %d: %w", bnum, err)
		}
		bnum++
		return nil
	}

	layout := [][]byte{boot, super}
	layout = append(layout, imap...)
	layout = append(layout, zmap...)
	layout = append(layout, itable...)
	layout = append(layout, rootdir)
	for _, data := range layout {
		if err := write(data); err != nil {
			return nil, err
		}
	}
	return sup, nil
}

func putDirent(data []byte, slot int, inum int, name string) {
	off := slot * common.DIRENT_SIZE
	binary.LittleEndian.PutUint16(data[off:], uint16(inum))
	copy(data[off+2:off+common.DIRENT_SIZE], name)
}
