package file_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/config"
	"github.com/jnwhiteh/minixcache/file"
	minixfs "github.com/jnwhiteh/minixcache/fs"
	"github.com/jnwhiteh/minixcache/testutils"
)

var rootDev = common.MkDev(common.HD_MAJOR, 1)

func openTestFS(test *testing.T) (*minixfs.FileSystem, *minixfs.Process) {
	fsys, err := minixfs.New(&config.Config{
		Buffers:     32,
		HashBuckets: 7,
		Inodes:      16,
		Supers:      2,
		LogLevel:    slog.LevelInfo,
	})
	require.NoError(test, err)
	require.NoError(test, fsys.AttachDevice(rootDev, testutils.NewFormattedDevice(test, 1024, 64)))
	proc, err := fsys.MountRoot(rootDev)
	if err != nil {
		testutils.FatalHere(test, "Failed when mounting root: %s", err)
	}
	return fsys, proc
}

func newFile(test *testing.T, fsys *minixfs.FileSystem, proc *minixfs.Process) *file.File {
	rip, err := fsys.NewInode(proc, rootDev, common.I_REGULAR|0644)
	require.NoError(test, err)
	f, err := fsys.Open(rip)
	require.NoError(test, err)
	return f
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}

func TestWriteRead(test *testing.T) {
	fsys, proc := openTestFS(test)
	f := newFile(test, fsys, proc)

	// straddles a block boundary
	data := pattern(3000, 1)
	n, err := f.WriteAt(data, 500)
	require.NoError(test, err)
	assert.Equal(test, len(data), n)

	st, err := f.Stat()
	require.NoError(test, err)
	assert.EqualValues(test, 3500, st.Size)

	got := make([]byte, 3000)
	n, err = f.ReadAt(got, 500)
	require.NoError(test, err)
	assert.Equal(test, 3000, n)
	assert.Equal(test, data, got)

	// the gap before the write reads as zeroes
	got = make([]byte, 500)
	_, err = f.ReadAt(got, 0)
	require.NoError(test, err)
	assert.Equal(test, make([]byte, 500), got)

	// reads stop at the end of the file
	got = make([]byte, 100)
	n, err = f.ReadAt(got, 3450)
	assert.Equal(test, io.EOF, err)
	assert.Equal(test, 50, n)
	n, err = f.ReadAt(got, 5000)
	assert.Equal(test, io.EOF, err)
	assert.Equal(test, 0, n)

	require.NoError(test, f.Close())
}

// A file written past the direct zones reads back through its indirect
// block, also after the cache has been emptied.
func TestLargeFile(test *testing.T) {
	fsys, proc := openTestFS(test)
	f := newFile(test, fsys, proc)
	inum := f.Inode().Inum

	data := pattern(12*common.BLOCK_SIZE, 7)
	_, err := f.WriteAt(data, 0)
	require.NoError(test, err)
	require.NoError(test, f.Sync())
	require.NoError(test, f.Close())

	fsys.Cache().Invalidate(rootDev)

	rip, err := fsys.GetInode(rootDev, inum)
	require.NoError(test, err)
	assert.NotEqual(test, uint16(common.NO_ZONE), rip.Zone[common.NR_DZONES])
	f, err = fsys.Open(rip)
	require.NoError(test, err)
	got := make([]byte, len(data))
	_, err = f.ReadAt(got, 0)
	require.NoError(test, err)
	assert.True(test, bytes.Equal(data, got), "contents differ after reload")
	require.NoError(test, f.Close())
}

// Overwriting a whole block that is no longer cached keeps the new data.
func TestOverwriteEvictedBlock(test *testing.T) {
	fsys, proc := openTestFS(test)
	f := newFile(test, fsys, proc)

	_, err := f.WriteAt(bytes.Repeat([]byte{0xAA}, common.BLOCK_SIZE), 0)
	require.NoError(test, err)
	require.NoError(test, f.Sync())
	fsys.Cache().Invalidate(rootDev)

	data := bytes.Repeat([]byte{0x55}, common.BLOCK_SIZE)
	_, err = f.WriteAt(data, 0)
	require.NoError(test, err)
	got := make([]byte, common.BLOCK_SIZE)
	_, err = f.ReadAt(got, 0)
	require.NoError(test, err)
	assert.True(test, bytes.Equal(data, got), "read back %x", got[:4])

	// and once more from the device
	require.NoError(test, f.Sync())
	fsys.Cache().Invalidate(rootDev)
	_, err = f.ReadAt(got, 0)
	require.NoError(test, err)
	assert.True(test, bytes.Equal(data, got), "read back %x", got[:4])

	require.NoError(test, f.Close())
}

func TestTruncate(test *testing.T) {
	fsys, proc := openTestFS(test)
	sb := fsys.Supers().Get(rootDev)
	before, _ := sb.Alloc.FreeCounts()

	f := newFile(test, fsys, proc)
	_, err := f.WriteAt(pattern(10*common.BLOCK_SIZE, 3), 0)
	require.NoError(test, err)
	during, _ := sb.Alloc.FreeCounts()
	assert.Equal(test, before-11, during, "ten data zones and an indirect block")

	require.NoError(test, f.Truncate())
	after, _ := sb.Alloc.FreeCounts()
	assert.Equal(test, before, after)

	st, err := f.Stat()
	require.NoError(test, err)
	assert.Zero(test, st.Size)
	require.NoError(test, f.Close())
}

// A zone whose block is still held stays allocated, and truncate says so.
func TestTruncateHeldZone(test *testing.T) {
	fsys, proc := openTestFS(test)
	sb := fsys.Supers().Get(rootDev)
	before, _ := sb.Alloc.FreeCounts()

	f := newFile(test, fsys, proc)
	_, err := f.WriteAt(pattern(common.BLOCK_SIZE, 4), 0)
	require.NoError(test, err)
	cb := fsys.Cache().FindBlock(rootDev, int(f.Inode().Zone[0]))
	require.NotNil(test, cb)

	err = f.Truncate()
	assert.True(test, errors.Is(err, common.EBUSY), "expected EBUSY, got %v", err)
	after, _ := sb.Alloc.FreeCounts()
	assert.Equal(test, before-1, after)
	fsys.Cache().PutBlock(cb)

	require.NoError(test, f.Close())
}

func TestOpenRefusals(test *testing.T) {
	fsys, proc := openTestFS(test)

	pipe, err := fsys.NewPipe()
	require.NoError(test, err)
	_, err = fsys.Open(pipe)
	assert.True(test, errors.Is(err, common.EINVAL))

	dev, err := fsys.NewInode(proc, rootDev, common.I_CHAR_SPECIAL|0600)
	require.NoError(test, err)
	_, err = fsys.Open(dev)
	assert.True(test, errors.Is(err, common.EINVAL))

	dir, err := fsys.Open(fsys.DupInode(proc.Root))
	require.NoError(test, err)
	_, err = dir.WriteAt([]byte("x"), 0)
	assert.True(test, errors.Is(err, common.EISDIR))

	// the root directory holds "." and ".."
	data := make([]byte, 2*common.DIRENT_SIZE)
	_, err = dir.ReadAt(data, 0)
	require.NoError(test, err)
	assert.Equal(test, ".", string(data[2:3]))
	require.NoError(test, dir.Close())
}

func TestDupClose(test *testing.T) {
	fsys, proc := openTestFS(test)
	f := newFile(test, fsys, proc)
	rip := f.Inode()

	assert.Same(test, f, f.Dup())
	require.NoError(test, f.Close())
	assert.Equal(test, 1, fsys.Inodes().RefCount(rip), "one handle left")

	require.NoError(test, f.Close())
	assert.Equal(test, 0, fsys.Inodes().RefCount(rip))

	assert.True(test, errors.Is(f.Close(), common.EBADF))
	_, err := f.ReadAt(make([]byte, 1), 0)
	assert.True(test, errors.Is(err, common.EBADF))
	_, err = f.WriteAt(make([]byte, 1), 0)
	assert.True(test, errors.Is(err, common.EBADF))

	x := testutils.MustPanic(test, func() { f.Dup() })
	assert.True(test, common.IsInvariant(x), "unexpected panic value %v", x)
}

// Unlinking an open file only frees it once the last handle is closed.
func TestUnlinkWhileOpen(test *testing.T) {
	fsys, proc := openTestFS(test)
	sb := fsys.Supers().Get(rootDev)
	_, before := sb.Alloc.FreeCounts()

	f := newFile(test, fsys, proc)
	_, err := f.WriteAt(pattern(100, 9), 0)
	require.NoError(test, err)

	rip := f.Inode()
	fsys.Inodes().LockInode(rip)
	rip.Nlinks = 0
	fsys.Inodes().UnlockInode(rip)

	got := make([]byte, 100)
	_, err = f.ReadAt(got, 0)
	require.NoError(test, err)
	assert.Equal(test, pattern(100, 9), got)

	require.NoError(test, f.Close())
	_, after := sb.Alloc.FreeCounts()
	assert.Equal(test, before, after)
}

func TestConcurrentReaders(test *testing.T) {
	fsys, proc := openTestFS(test)
	f := newFile(test, fsys, proc)
	data := pattern(20*common.BLOCK_SIZE, 5)
	_, err := f.WriteAt(data, 0)
	require.NoError(test, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pos := int64((i + j) % 20 * common.BLOCK_SIZE)
				got := make([]byte, common.BLOCK_SIZE)
				if _, err := f.ReadAt(got, pos); err != nil {
					test.Errorf("read at %d: %v", pos, err)
					return
				}
				if !bytes.Equal(data[pos:pos+common.BLOCK_SIZE], got) {
					test.Errorf("read at %d returned the wrong block", pos)
					return
				}
			}
		}(i)
	}
	// a writer in the middle of the readers
	_, err = f.WriteAt(data[:common.BLOCK_SIZE], 0)
	require.NoError(test, err)
	wg.Wait()

	require.NoError(test, f.Close())
}
