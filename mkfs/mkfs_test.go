package mkfs_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/device"
	"github.com/jnwhiteh/minixcache/mkfs"
)

func TestGeometry(test *testing.T) {
	maxSize := uint32(common.MAX_FILE_BLOCKS * common.BLOCK_SIZE)
	tests := []struct {
		name           string
		blocks, inodes int
		want           common.Disk_Superblock
	}{
		{"small", 64, 16, common.Disk_Superblock{
			Ninodes: 16, Nzones: 64, Imap_blocks: 1, Zmap_blocks: 1,
			Firstdatazone: 5, Max_size: maxSize, Magic: common.SUPER_MAGIC,
		}},
		{"rounded up", 64, 17, common.Disk_Superblock{
			Ninodes: 32, Nzones: 64, Imap_blocks: 1, Zmap_blocks: 1,
			Firstdatazone: 6, Max_size: maxSize, Magic: common.SUPER_MAGIC,
		}},
		{"floppy", 1440, 0, common.Disk_Superblock{
			Ninodes: 480, Nzones: 1440, Imap_blocks: 1, Zmap_blocks: 1,
			Firstdatazone: 34, Max_size: maxSize, Magic: common.SUPER_MAGIC,
		}},
		{"largest", mkfs.MAX_BLOCKS, 0xffff, common.Disk_Superblock{
			Ninodes: 65520, Nzones: mkfs.MAX_BLOCKS, Imap_blocks: 8, Zmap_blocks: 8,
			Firstdatazone: 4113, Max_size: maxSize, Magic: common.SUPER_MAGIC,
		}},
	}

	for _, tt := range tests {
		test.Run(tt.name, func(test *testing.T) {
			got, err := mkfs.Geometry(tt.blocks, tt.inodes)
			require.NoError(test, err)
			if diff := cmp.Diff(&tt.want, got); diff != "" {
				test.Errorf("Geometry(%d, %d) mismatch (-want +got):\n%s", tt.blocks, tt.inodes, diff)
			}
		})
	}
}

func TestGeometryErrors(test *testing.T) {
	_, err := mkfs.Geometry(mkfs.MAX_BLOCKS+1, 0)
	assert.True(test, errors.Is(err, common.EINVAL), "expected EINVAL, got %v", err)

	_, err = mkfs.Geometry(6, 16)
	assert.True(test, errors.Is(err, common.ENOSPC), "expected ENOSPC, got %v", err)
}

func bit(data []byte, n int) bool {
	return data[n/8]&(1<<uint(n%8)) != 0
}

func TestFormat(test *testing.T) {
	dev := device.NewRamdisk(64)
	sup, err := mkfs.Format(dev, 64, 16)
	require.NoError(test, err)

	buf := make([]byte, common.BLOCK_SIZE)
	require.NoError(test, dev.ReadBlock(common.SUPER_BLOCK, buf))
	disk, err := common.ReadSuperblock(buf)
	require.NoError(test, err)
	if diff := cmp.Diff(sup, disk); diff != "" {
		test.Errorf("superblock on disk differs (-want +got):\n%s", diff)
	}

	// inode map: only the root inode and the bits past the last inode
	require.NoError(test, dev.ReadBlock(common.START_BLOCK, buf))
	assert.True(test, bit(buf, 0))
	for i := 1; i < 16; i++ {
		assert.False(test, bit(buf, i), "inode bit %d", i)
	}
	assert.True(test, bit(buf, 16))
	assert.True(test, bit(buf, common.BITS_PER_BLOCK-1))

	// zone map: reserved bit, the root directory, then the tail
	require.NoError(test, dev.ReadBlock(common.START_BLOCK+1, buf))
	assert.Equal(test, byte(0x03), buf[0])
	for i := 2; i < 60; i++ {
		assert.False(test, bit(buf, i), "zone bit %d", i)
	}
	assert.Equal(test, byte(0xf0), buf[7])
	assert.Equal(test, byte(0xff), buf[common.BLOCK_SIZE-1])

	require.NoError(test, dev.ReadBlock(common.START_BLOCK+2, buf))
	var root common.Disk_Inode
	common.ReadInode(buf, common.ROOT_INO, &root)
	want := common.Disk_Inode{
		Mode:   common.I_DIRECTORY | 0755,
		Size:   2 * common.DIRENT_SIZE,
		Atime:  root.Atime,
		Mtime:  root.Atime,
		Ctime:  root.Atime,
		Nlinks: 2,
	}
	want.Zone[0] = 5
	if diff := cmp.Diff(want, root, cmpopts.IgnoreUnexported(common.Disk_Inode{})); diff != "" {
		test.Errorf("root inode mismatch (-want +got):\n%s", diff)
	}
	assert.NotZero(test, root.Atime)

	require.NoError(test, dev.ReadBlock(5, buf))
	assert.EqualValues(test, common.ROOT_INO, binary.LittleEndian.Uint16(buf[0:]))
	assert.Equal(test, ".", string(buf[2:3]))
	assert.Equal(test, byte(0), buf[3])
	assert.EqualValues(test, common.ROOT_INO, binary.LittleEndian.Uint16(buf[common.DIRENT_SIZE:]))
	assert.Equal(test, "..", string(buf[common.DIRENT_SIZE+2:common.DIRENT_SIZE+4]))
}

func TestFormatTooLarge(test *testing.T) {
	dev := device.NewRamdisk(32)
	_, err := mkfs.Format(dev, 64, 16)
	assert.True(test, errors.Is(err, common.EINVAL), "expected EINVAL, got %v", err)
}
