package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/config"
	"github.com/jnwhiteh/minixcache/device"
	minixfs "github.com/jnwhiteh/minixcache/fs"
	"github.com/jnwhiteh/minixcache/testutils"
)

// writeFile puts a three block file on the volume and returns its zones.
func writeFile(test *testing.T, disk *device.Ramdisk) (int, []int) {
	fsys, err := minixfs.New(nil)
	require.NoError(test, err)
	require.NoError(test, fsys.AttachDevice(rootDev, disk))
	proc, err := fsys.MountRoot(rootDev)
	require.NoError(test, err)

	rip, err := fsys.NewInode(proc, rootDev, common.I_REGULAR|0644)
	require.NoError(test, err)
	var zones []int
	for i := 0; i < 3; i++ {
		z, err := fsys.Bmap(rip, i, true)
		require.NoError(test, err)
		zones = append(zones, z)
	}
	inum := rip.Inum
	require.NoError(test, fsys.PutInode(rip))
	require.NoError(test, fsys.Shutdown())
	return inum, zones
}

// flip toggles bit n of block bnum directly on the device.
func flip(test *testing.T, disk common.BlockDevice, bnum int, n int) {
	buf := make([]byte, common.BLOCK_SIZE)
	require.NoError(test, disk.ReadBlock(bnum, buf))
	buf[n/8] ^= 1 << uint(n%8)
	require.NoError(test, disk.WriteBlock(bnum, buf))
}

func TestCleanVolume(test *testing.T) {
	disk := testutils.NewFormattedDevice(test, 128, 32)
	writeFile(test, disk)

	var out bytes.Buffer
	n, err := chkdev(config.Default(), disk, &out, false)
	require.NoError(test, err)
	assert.Equal(test, 0, n, "unexpected report:\n%s", out.String())
	assert.Empty(test, out.String())
}

func TestRepairBitmaps(test *testing.T) {
	disk := testutils.NewFormattedDevice(test, 128, 32)
	inum, zones := writeFile(test, disk)

	sup, err := common.ReadSuperblock(disk.Bytes()[common.BLOCK_SIZE:])
	require.NoError(test, err)
	first := int(sup.Firstdatazone)
	imapBlock := common.START_BLOCK
	zmapBlock := common.START_BLOCK + int(sup.Imap_blocks)

	flip(test, disk, zmapBlock, zones[1]-first+1) // in use, marked free
	flip(test, disk, zmapBlock, 100-first+1)      // free, marked in use
	flip(test, disk, imapBlock, 20-1)             // unused inode marked in use

	var out bytes.Buffer
	n, err := chkdev(config.Default(), disk, &out, false)
	require.NoError(test, err)
	assert.Equal(test, 4, n, "report:\n%s", out.String())
	assert.Contains(test, out.String(), fmt.Sprintf("zone %d: in use by inode %d but marked free", zones[1], inum))
	assert.Contains(test, out.String(), "zone 100: marked in use but unreferenced")
	assert.Contains(test, out.String(), "inode 20: marked in use but unreferenced")

	// a check without repair leaves the disk alone
	out.Reset()
	n, err = chkdev(config.Default(), disk, &out, false)
	require.NoError(test, err)
	assert.Equal(test, 4, n)

	out.Reset()
	n, err = chkdev(config.Default(), disk, &out, true)
	require.NoError(test, err)
	assert.Equal(test, 4, n)

	out.Reset()
	n, err = chkdev(config.Default(), disk, &out, false)
	require.NoError(test, err)
	assert.Equal(test, 0, n, "still broken after repair:\n%s", out.String())
}

func TestBadSuperblock(test *testing.T) {
	disk := testutils.NewFormattedDevice(test, 128, 32)
	buf := make([]byte, common.BLOCK_SIZE)
	require.NoError(test, disk.ReadBlock(common.SUPER_BLOCK, buf))
	sup, err := common.ReadSuperblock(buf)
	require.NoError(test, err)
	sup.Firstdatazone++
	common.WriteSuperblock(buf, sup)
	require.NoError(test, disk.WriteBlock(common.SUPER_BLOCK, buf))

	var out bytes.Buffer
	n, err := chkdev(config.Default(), disk, &out, false)
	require.NoError(test, err)
	assert.Equal(test, 1, n)
	assert.Contains(test, out.String(), "expected first data zone")
}
