package common

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDev(test *testing.T) {
	d := MkDev(HD_MAJOR, 5)
	assert.Equal(test, HD_MAJOR, d.Major())
	assert.Equal(test, 5, d.Minor())
	assert.Equal(test, "03:05", d.String())
	assert.False(test, d.Removable())
	assert.True(test, MkDev(FLOPPY_MAJOR, 1).Removable())
}

func recoverFatal(fn func()) (x interface{}) {
	defer func() { x = recover() }()
	fn()
	return nil
}

func TestFatalf(test *testing.T) {
	x := recoverFatal(func() { Fatalf("bit %d freed twice", 7) })
	require.NotNil(test, x)
	assert.True(test, IsInvariant(x))

	err := x.(error)
	assert.Equal(test, "bit 7 freed twice", err.Error())
	var ie *InvariantError
	assert.True(test, errors.As(err, &ie))

	// %+v carries the stack of the caller
	assert.True(test, strings.Contains(fmt.Sprintf("%+v", err), "TestFatalf"))

	assert.False(test, IsInvariant("a string"))
	assert.False(test, IsInvariant(EIO))
	assert.False(test, IsInvariant(nil))
}

func TestMountErrorsWrap(test *testing.T) {
	for _, err := range []error{ErrAlreadyMounted, ErrMountBusy, ErrMountRoot, ErrMountedOn, ErrDeviceBusy, ErrRootDevice} {
		assert.True(test, errors.Is(err, EBUSY), "%v", err)
	}
	assert.True(test, errors.Is(ErrNotMounted, ENOENT))
	assert.True(test, errors.Is(ErrBadMagic, EINVAL))
	assert.True(test, errors.Is(ErrNoDevice, ENODEV))
}

func TestInodeEncoding(test *testing.T) {
	data := make([]byte, BLOCK_SIZE)
	in := Disk_Inode{Mode: I_REGULAR | 0644, Uid: 42, Size: 123456, Gid: 7, Nlinks: 3}
	in.Zone[0] = 99
	in.Zone[NR_DZONES+1] = 1000
	WriteInode(data, 18, &in) // second entry of its block

	assert.Equal(test, make([]byte, INODE_SIZE), data[:INODE_SIZE], "entry 17 untouched")

	var out Disk_Inode
	ReadInode(data, 18, &out)
	assert.Equal(test, in.Mode, out.Mode)
	assert.Equal(test, in.Size, out.Size)
	assert.Equal(test, in.Zone, out.Zone)
	assert.True(test, out.IsRegular())
	assert.False(test, out.IsDir())
}

func TestIndirect(test *testing.T) {
	sb := &Superblock{Disk_Superblock: Disk_Superblock{Firstdatazone: 10, Nzones: 100}}
	data := make([]byte, BLOCK_SIZE)

	WrIndir(data, 3, 50)
	assert.Equal(test, 50, RdIndir(data, 3, sb))
	assert.Equal(test, NO_ZONE, RdIndir(data, 4, sb))

	WrIndir(data, 5, 5)
	x := recoverFatal(func() { RdIndir(data, 5, sb) })
	assert.True(test, IsInvariant(x), "unexpected panic value %v", x)
}

func TestSuperblockEncoding(test *testing.T) {
	data := make([]byte, BLOCK_SIZE)
	sup := &Disk_Superblock{Ninodes: 32, Nzones: 128, Imap_blocks: 1, Zmap_blocks: 1, Firstdatazone: 6, Max_size: 1 << 20, Magic: SUPER_MAGIC}
	WriteSuperblock(data, sup)
	got, err := ReadSuperblock(data)
	require.NoError(test, err)
	assert.Equal(test, sup, got)

	sb := &Superblock{Disk_Superblock: *sup}
	assert.Equal(test, 4, sb.InodeBlock(1))
	assert.Equal(test, 4, sb.InodeBlock(INODES_PER_BLOCK))
	assert.Equal(test, 5, sb.InodeBlock(INODES_PER_BLOCK+1))
}
