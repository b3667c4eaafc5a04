package alloctbl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/minixcache/bcache"
	"github.com/jnwhiteh/minixcache/bitmap"
	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/testutils"
)

var dev0 = common.MkDev(common.HD_MAJOR, 0)

// A 64 block volume with 16 inodes: the data zones are 5..63 and zone 5
// holds the root directory.
const (
	testBlocks = 64
	testInodes = 16
	firstZone  = 5
)

func openTestTbl(test *testing.T, blocks common.BlockDevice) (*common.Superblock, *bcache.Cache) {
	cache := bcache.New(16, 7)
	require.NoError(test, cache.MountDevice(dev0, blocks))

	bp, err := cache.GetBlock(dev0, common.SUPER_BLOCK, common.NORMAL)
	require.NoError(test, err)
	dsb, err := common.ReadSuperblock(bp.Data)
	require.NoError(test, err)
	cache.PutBlock(bp)

	sb := &common.Superblock{Disk_Superblock: *dsb, Dev: dev0}
	imap, err := cache.GetBlock(dev0, common.START_BLOCK, common.NORMAL)
	require.NoError(test, err)
	zmap, err := cache.GetBlock(dev0, common.START_BLOCK+1, common.NORMAL)
	require.NoError(test, err)
	sb.Imap = []*common.CacheBlock{imap}
	sb.Zmap = []*common.CacheBlock{zmap}
	sb.Alloc = New(sb, cache)
	return sb, cache
}

func closeTestTbl(test *testing.T, sb *common.Superblock, cache *bcache.Cache) {
	cache.PutBlock(sb.Imap[0])
	cache.PutBlock(sb.Zmap[0])
	if err := cache.UnmountDevice(dev0); err != nil {
		testutils.ErrorHere(test, "Failed when unmounting device: %s", err)
	}
}

func TestFreeCounts(test *testing.T) {
	sb, cache := openTestTbl(test, testutils.NewFormattedDevice(test, testBlocks, testInodes))
	require.EqualValues(test, firstZone, sb.Firstdatazone)

	zones, inodes := sb.Alloc.FreeCounts()
	assert.Equal(test, testBlocks-firstZone-1, zones)
	assert.Equal(test, testInodes-1, inodes)

	closeTestTbl(test, sb, cache)
}

// Drain the volume, then free one zone and get exactly that zone back.
func TestAllocZoneDrain(test *testing.T) {
	sb, cache := openTestTbl(test, testutils.NewFormattedDevice(test, testBlocks, testInodes))
	alloc := sb.Alloc

	for want := firstZone + 1; want < testBlocks; want++ {
		z, err := alloc.AllocZone()
		require.NoError(test, err)
		if z != want {
			testutils.FatalHere(test, "expected zone %d, got %d", want, z)
		}
	}

	_, err := alloc.AllocZone()
	assert.True(test, errors.Is(err, common.ENOSPC), "expected ENOSPC, got %v", err)
	zones, _ := alloc.FreeCounts()
	assert.Equal(test, 0, zones)

	require.NoError(test, alloc.FreeZone(30))
	z, err := alloc.AllocZone()
	require.NoError(test, err)
	assert.Equal(test, 30, z)

	closeTestTbl(test, sb, cache)
}

// A new zone is handed out zero-filled whatever the device held there.
func TestAllocZoneClears(test *testing.T) {
	dev := testutils.NewFormattedDevice(test, testBlocks, testInodes)
	junk := make([]byte, common.BLOCK_SIZE)
	for i := range junk {
		junk[i] = 0xEE
	}
	require.NoError(test, dev.WriteBlock(firstZone+1, junk))

	sb, cache := openTestTbl(test, dev)

	z, err := sb.Alloc.AllocZone()
	require.NoError(test, err)
	require.Equal(test, firstZone+1, z)

	bp, err := cache.GetBlock(dev0, z, common.NORMAL)
	require.NoError(test, err)
	assert.Equal(test, make([]byte, common.BLOCK_SIZE), bp.Data)
	assert.True(test, bp.IsDirty())
	cache.PutBlock(bp)

	closeTestTbl(test, sb, cache)
}

// Freeing a zone drops its cached contents, unless somebody still holds
// them, in which case the zone stays allocated.
func TestFreeZoneCachedBlock(test *testing.T) {
	sb, cache := openTestTbl(test, testutils.NewFormattedDevice(test, testBlocks, testInodes))
	alloc := sb.Alloc

	z, err := alloc.AllocZone()
	require.NoError(test, err)
	bit := z - firstZone + 1

	bp, err := cache.GetBlock(dev0, z, common.NORMAL)
	require.NoError(test, err)
	err = alloc.FreeZone(z)
	assert.True(test, errors.Is(err, common.EBUSY), "expected EBUSY, got %v", err)
	assert.True(test, bitmap.Test(sb.Zmap, bit), "held zone was freed")
	cache.PutBlock(bp)

	require.NoError(test, alloc.FreeZone(z))
	assert.False(test, bitmap.Test(sb.Zmap, bit))
	assert.True(test, sb.Zmap[0].IsDirty())

	closeTestTbl(test, sb, cache)
}

func TestFreeZonePanics(test *testing.T) {
	sb, cache := openTestTbl(test, testutils.NewFormattedDevice(test, testBlocks, testInodes))
	alloc := sb.Alloc

	x := testutils.MustPanic(test, func() { alloc.FreeZone(firstZone - 1) })
	assert.True(test, common.IsInvariant(x), "unexpected panic value %v", x)

	x = testutils.MustPanic(test, func() { alloc.FreeZone(testBlocks) })
	assert.True(test, common.IsInvariant(x), "unexpected panic value %v", x)

	// already free
	x = testutils.MustPanic(test, func() { alloc.FreeZone(firstZone + 3) })
	assert.True(test, common.IsInvariant(x), "unexpected panic value %v", x)

	closeTestTbl(test, sb, cache)
}

func TestAllocInode(test *testing.T) {
	sb, cache := openTestTbl(test, testutils.NewFormattedDevice(test, testBlocks, testInodes))
	alloc := sb.Alloc

	for want := 2; want <= testInodes; want++ {
		inum, err := alloc.AllocInode()
		require.NoError(test, err)
		if inum != want {
			testutils.FatalHere(test, "expected inode %d, got %d", want, inum)
		}
	}
	_, err := alloc.AllocInode()
	assert.True(test, errors.Is(err, common.ENOSPC), "expected ENOSPC, got %v", err)

	require.NoError(test, alloc.FreeInode(5))
	inum, err := alloc.AllocInode()
	require.NoError(test, err)
	assert.Equal(test, 5, inum)

	assert.True(test, errors.Is(alloc.FreeInode(0), common.EINVAL))
	assert.True(test, errors.Is(alloc.FreeInode(testInodes+1), common.EINVAL))

	require.NoError(test, alloc.FreeInode(7))
	x := testutils.MustPanic(test, func() { alloc.FreeInode(7) })
	assert.True(test, common.IsInvariant(x), "unexpected panic value %v", x)

	closeTestTbl(test, sb, cache)
}
