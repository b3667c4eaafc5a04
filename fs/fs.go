// Package fs ties the block cache, the inode cache and the mount table
// together and is the surface the rest of a file system calls.
package fs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnwhiteh/minixcache/bcache"
	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/config"
	"github.com/jnwhiteh/minixcache/file"
	"github.com/jnwhiteh/minixcache/inode"
	"github.com/jnwhiteh/minixcache/super"
)

type FileSystem struct {
	bcache *bcache.Cache // the block cache for all devices
	supers *super.Table  // the mount table
	itable *inode.Cache  // the shared inode table

	m          sync.Mutex
	procs      map[int]*Process // the list of user processes
	pidcounter int              // the next available pid
}

// New builds the caches with the pool sizes from cfg. No device is attached
// yet.
func New(cfg *config.Config) (*FileSystem, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fs := new(FileSystem)
	fs.bcache = bcache.New(cfg.Buffers, cfg.HashBuckets)
	fs.supers = super.New(fs.bcache, cfg.Supers)
	fs.itable = inode.New(fs.bcache, fs.supers, cfg.Inodes)
	fs.procs = make(map[int]*Process)
	fs.pidcounter = ROOT_PROCESS
	return fs, nil
}

func (fs *FileSystem) Cache() *bcache.Cache { return fs.bcache }
func (fs *FileSystem) Supers() *super.Table { return fs.supers }
func (fs *FileSystem) Inodes() *inode.Cache { return fs.itable }
func (fs *FileSystem) RootDev() common.Dev { return fs.supers.RootDev() }

// AttachDevice makes bdev reachable as dev. Nothing is read until the device
// is mounted.
func (fs *FileSystem) AttachDevice(dev common.Dev, bdev common.BlockDevice) error {
	return fs.bcache.MountDevice(dev, bdev)
}

// DetachDevice writes back and forgets everything cached for dev. A device
// that is still mounted is refused.
func (fs *FileSystem) DetachDevice(dev common.Dev) error {
	if fs.supers.Get(dev) != nil {
		return fmt.Errorf("(fs) detach %v: %w", dev, common.EBUSY)
	}
	return fs.bcache.UnmountDevice(dev)
}

// MountRoot mounts dev as the root of the tree and returns the first
// process, whose root and working directory are the root inode.
func (fs *FileSystem) MountRoot(dev common.Dev) (*Process, error) {
	sb, err := fs.supers.MountRoot(dev, fs.itable)
	if err != nil {
		return nil, err
	}

	fs.m.Lock()
	defer fs.m.Unlock()

	proc := &Process{
		Pid:  fs.pidcounter,
		Root: fs.itable.DupInode(sb.Isup),
		Pwd:  fs.itable.DupInode(sb.Isup),
		fs:   fs,
	}
	fs.procs[proc.Pid] = proc
	fs.pidcounter++
	return proc, nil
}

// Mount attaches dev on the directory mp. The reference to mp passes to the
// mount and comes back through Unmount.
func (fs *FileSystem) Mount(dev common.Dev, mp *common.Inode) error {
	fs.CheckDiskChange(dev)
	return fs.supers.Mount(dev, mp, fs.itable)
}

func (fs *FileSystem) Unmount(dev common.Dev) error {
	return fs.supers.Unmount(dev, fs.itable)
}

func (fs *FileSystem) GetInode(dev common.Dev, inum int) (*common.Inode, error) {
	return fs.itable.GetInode(dev, inum)
}

func (fs *FileSystem) PutInode(rip *common.Inode) error {
	return fs.itable.PutInode(rip)
}

func (fs *FileSystem) DupInode(rip *common.Inode) *common.Inode {
	return fs.itable.DupInode(rip)
}

func (fs *FileSystem) Bmap(rip *common.Inode, block int, create bool) (int, error) {
	return fs.itable.Bmap(rip, block, create)
}

// NewInode allocates an inode on dev owned by the effective ids of proc.
func (fs *FileSystem) NewInode(proc *Process, dev common.Dev, mode uint16) (*common.Inode, error) {
	return fs.itable.NewInode(dev, mode, proc.Euid, proc.Egid)
}

func (fs *FileSystem) FreeInode(rip *common.Inode) error {
	return fs.itable.FreeInode(rip)
}

// Open returns an open file on rip. The caller's reference to rip passes to
// the file and is given back by its last Close.
func (fs *FileSystem) Open(rip *common.Inode) (*file.File, error) {
	return file.Open(fs.itable, fs.bcache, rip)
}

func (fs *FileSystem) NewPipe() (*common.Inode, error) {
	return fs.itable.NewPipe()
}

// Sync writes back the blocks of dev, then every dirty inode, then the
// blocks the inodes landed in.
func (fs *FileSystem) Sync(dev common.Dev) error {
	if err := fs.bcache.Flush(dev); err != nil {
		return err
	}
	if err := fs.itable.Sync(); err != nil {
		return err
	}
	return fs.bcache.Flush(dev)
}

// SyncAll writes back every dirty inode and block of every device.
func (fs *FileSystem) SyncAll() error {
	return errors.Join(fs.itable.Sync(), fs.bcache.Flush(common.NO_DEV))
}

// CheckDiskChange drops everything cached for a removable device whose
// media has been swapped. It reports whether that happened.
func (fs *FileSystem) CheckDiskChange(dev common.Dev) bool {
	if !dev.Removable() {
		return false
	}
	mc, ok := fs.bcache.Device(dev).(common.MediaChanger)
	if !ok || !mc.MediaChanged() {
		return false
	}

	slog.Info("disk change detected", "dev", dev)
	if err := fs.supers.Unload(dev); err != nil {
		slog.Warn("unable to unload changed disk", "dev", dev, "error", err)
	}
	fs.itable.Invalidate(dev)
	fs.bcache.Invalidate(dev)
	return true
}

// Shutdown releases the inodes of every process and writes everything back.
// Mounted devices stay loaded.
func (fs *FileSystem) Shutdown() error {
	fs.m.Lock()
	procs := make([]*Process, 0, len(fs.procs))
	for _, proc := range fs.procs {
		procs = append(procs, proc)
	}
	fs.m.Unlock()

	for _, proc := range procs {
		proc.Exit()
	}
	return fs.SyncAll()
}
