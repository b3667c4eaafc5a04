// Package file moves the contents of a held inode in and out of the block
// cache. Any number of reads may be outstanding at once; a write, a
// truncate or the final close waits for them to finish first.
package file

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/inode"
)

// File is an open file. It owns one reference to its inode, which the last
// Close gives back.
type File struct {
	itable *inode.Cache
	cache  common.BlockCache
	rip    *common.Inode // the underlying inode

	rw    sync.RWMutex // held shared by reads, exclusively by everything else
	m     sync.Mutex
	count int // the number of handles sharing this file
}

// Stat describes an open file.
type Stat struct {
	Dev    common.Dev
	Inum   int
	Mode   uint16
	Nlinks uint8
	Uid    uint16
	Gid    uint8
	Size   int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// Open takes over the caller's reference to rip. Only regular files and
// directories have contents that live in zones of their own device.
func Open(itable *inode.Cache, cache common.BlockCache, rip *common.Inode) (*File, error) {
	if rip.Pipe || (!rip.IsRegular() && !rip.IsDir()) {
		return nil, fmt.Errorf("(file) open inode %d mode %06o: %w", rip.Inum, rip.Mode, common.EINVAL)
	}
	return &File{itable: itable, cache: cache, rip: rip, count: 1}, nil
}

func (file *File) Inode() *common.Inode { return file.rip }

func (file *File) closed() bool {
	file.m.Lock()
	defer file.m.Unlock()
	return file.count == 0
}

func now() uint32 { return uint32(time.Now().Unix()) }

// ReadAt reads from the file starting at pos. Holes read as zeroes. Like
// io.ReaderAt it returns io.EOF with any short read.
func (file *File) ReadAt(buf []byte, pos int64) (int, error) {
	file.rw.RLock()
	defer file.rw.RUnlock()
	if file.closed() {
		return 0, common.EBADF
	}
	if pos < 0 {
		return 0, fmt.Errorf("(file) read at %d: %w", pos, common.EINVAL)
	}

	rip := file.rip
	file.itable.LockInode(rip)
	size := int64(rip.Size)
	file.itable.UnlockInode(rip)

	n := 0
	for n < len(buf) && pos < size {
		block := int(pos / common.BLOCK_SIZE)
		off := int(pos % common.BLOCK_SIZE)
		chunk := min(common.BLOCK_SIZE-off, len(buf)-n, int(size-pos))

		z, err := file.itable.Bmap(rip, block, false)
		if err != nil {
			return n, err
		}
		if z == common.NO_ZONE {
			clear(buf[n : n+chunk])
		} else {
			bp, err := file.cache.GetBlock(rip.Dev, z, common.NORMAL)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+chunk], bp.Data[off:])
			file.cache.PutBlock(bp)
		}
		n += chunk
		pos += int64(chunk)
	}

	file.itable.LockInode(rip)
	rip.Atime = now()
	rip.Dirty = true
	file.itable.UnlockInode(rip)

	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes buf at pos, allocating zones as needed and growing the
// file. A write that runs out of space returns what was written so far.
func (file *File) WriteAt(buf []byte, pos int64) (int, error) {
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.closed() {
		return 0, common.EBADF
	}
	if pos < 0 {
		return 0, fmt.Errorf("(file) write at %d: %w", pos, common.EINVAL)
	}
	rip := file.rip
	if rip.IsDir() {
		return 0, common.EISDIR
	}

	n := 0
	var err error
	for n < len(buf) {
		block := int(pos / common.BLOCK_SIZE)
		off := int(pos % common.BLOCK_SIZE)
		chunk := min(common.BLOCK_SIZE-off, len(buf)-n)

		var z int
		if z, err = file.itable.Bmap(rip, block, true); err != nil {
			break
		}
		mode := common.NORMAL
		if chunk == common.BLOCK_SIZE {
			mode = common.NO_READ
		}
		var bp *common.CacheBlock
		if bp, err = file.cache.GetBlock(rip.Dev, z, mode); err != nil {
			break
		}
		copy(bp.Data[off:], buf[n:n+chunk])
		if mode == common.NO_READ {
			file.cache.MarkUptodate(bp)
		}
		bp.SetDirty()
		file.cache.PutBlock(bp)

		n += chunk
		pos += int64(chunk)
	}

	if n > 0 {
		file.itable.LockInode(rip)
		if pos > int64(rip.Size) {
			rip.Size = uint32(pos)
		}
		rip.Mtime = now()
		rip.Ctime = rip.Mtime
		rip.Dirty = true
		file.itable.UnlockInode(rip)
	}
	return n, err
}

// Truncate throws away the contents of the file.
func (file *File) Truncate() error {
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.closed() {
		return common.EBADF
	}
	return file.itable.Truncate(file.rip)
}

func (file *File) Stat() (*Stat, error) {
	file.rw.RLock()
	defer file.rw.RUnlock()
	if file.closed() {
		return nil, common.EBADF
	}

	rip := file.rip
	file.itable.LockInode(rip)
	defer file.itable.UnlockInode(rip)
	return &Stat{
		Dev:    rip.Dev,
		Inum:   rip.Inum,
		Mode:   rip.Mode,
		Nlinks: rip.Nlinks,
		Uid:    rip.Uid,
		Gid:    rip.Gid,
		Size:   int64(rip.Size),
		Atime:  time.Unix(int64(rip.Atime), 0),
		Mtime:  time.Unix(int64(rip.Mtime), 0),
		Ctime:  time.Unix(int64(rip.Ctime), 0),
	}, nil
}

// Sync writes the inode and every dirty block of its device.
func (file *File) Sync() error {
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.closed() {
		return common.EBADF
	}
	if err := file.itable.FlushInode(file.rip); err != nil {
		return err
	}
	return file.cache.Flush(file.rip.Dev)
}

// Dup adds a handle to the file. Each handle must be closed.
func (file *File) Dup() *File {
	file.m.Lock()
	defer file.m.Unlock()
	if file.count == 0 {
		common.Fatalf("dup of closed file on inode %d", file.rip.Inum)
	}
	file.count++
	return file
}

// Close drops a handle. The last one pushes the inode back to its table and
// releases it.
func (file *File) Close() error {
	file.rw.Lock()
	defer file.rw.Unlock()

	file.m.Lock()
	if file.count == 0 {
		file.m.Unlock()
		return common.EBADF
	}
	file.count--
	last := file.count == 0
	file.m.Unlock()
	if !last {
		return nil
	}

	err := file.itable.FlushInode(file.rip)
	if perr := file.itable.PutInode(file.rip); err == nil {
		err = perr
	}
	return err
}
