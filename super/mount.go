package super

import (
	"fmt"
	"log/slog"

	"github.com/jnwhiteh/minixcache/common"
)

// MountRoot loads the root device and makes its root inode the root of the
// whole tree. It may only be called once.
func (t *Table) MountRoot(dev common.Dev, itable common.InodeTbl) (*common.Superblock, error) {
	t.m.Lock()
	if t.rootDev != common.NO_DEV {
		t.m.Unlock()
		return nil, fmt.Errorf("(super) mount root %v: %w", dev, common.EBUSY)
	}
	t.m.Unlock()

	sb, err := t.Load(dev)
	if err != nil {
		return nil, fmt.Errorf("(super) unable to mount root: %w", err)
	}
	mi, err := itable.GetInode(dev, common.ROOT_INO)
	if err != nil {
		return nil, fmt.Errorf("(super) unable to read root i-node: %w", err)
	}

	t.m.Lock()
	t.rootDev = dev
	sb.Isup = mi
	sb.Imount = mi
	t.m.Unlock()

	zones, inodes := sb.Alloc.FreeCounts()
	slog.Info("mounted root",
		"dev", dev,
		"free blocks", fmt.Sprintf("%d/%d", zones, sb.Nzones),
		"free inodes", fmt.Sprintf("%d/%d", inodes, sb.Ninodes))
	return sb, nil
}

// Mount attaches the volume on dev to the directory mp. The caller's
// reference to mp is kept by the mount and given back by Unmount; if the
// mount fails the caller still owns it.
func (t *Table) Mount(dev common.Dev, mp *common.Inode, itable common.InodeTbl) error {
	if sb := t.Get(dev); sb != nil && t.mountPoint(sb) != nil {
		return mountError(dev, common.ErrAlreadyMounted)
	}
	if itable.RefCount(mp) != 1 {
		return mountError(dev, common.ErrMountBusy)
	}
	if mp.Inum == common.ROOT_INO {
		return mountError(dev, common.ErrMountRoot)
	}
	if !mp.IsDir() {
		return mountError(dev, common.ENOTDIR)
	}
	if itable.IsMounted(mp) {
		return mountError(dev, common.ErrMountedOn)
	}

	sb, fresh, err := t.load(dev)
	if err != nil {
		return err
	}

	t.m.Lock()
	if sb.Imount != nil {
		t.m.Unlock()
		return mountError(dev, common.ErrAlreadyMounted)
	}
	sb.Imount = mp
	t.m.Unlock()

	itable.SetMount(mp, true)
	slog.Debug("mounted device", "dev", dev, "on dev", mp.Dev, "on inum", mp.Inum, "loaded", fresh)
	return nil
}

// Unmount detaches the volume on dev from its mount point and unloads it.
// It fails while any inode of the volume is in use.
func (t *Table) Unmount(dev common.Dev, itable common.InodeTbl) error {
	t.m.Lock()
	root := t.rootDev
	t.m.Unlock()
	if root != common.NO_DEV && dev == root {
		return unmountError(dev, common.ErrRootDevice)
	}

	sb := t.Get(dev)
	if sb == nil || t.mountPoint(sb) == nil {
		return unmountError(dev, common.ErrNotMounted)
	}
	if mp := t.mountPoint(sb); mp != nil && !itable.IsMounted(mp) {
		slog.Warn("mounted inode has no mount flag", "dev", dev, "inum", mp.Inum)
	}

	// the busy check and the detach are one step for any concurrent lookup
	var mp, isup *common.Inode
	idle := itable.DetachIfIdle(dev, func() *common.Inode {
		t.m.Lock()
		defer t.m.Unlock()
		mp, isup = sb.Imount, sb.Isup
		sb.Imount, sb.Isup = nil, nil
		return mp
	})
	if !idle {
		return unmountError(dev, common.ErrDeviceBusy)
	}
	if mp == nil {
		return unmountError(dev, common.ErrNotMounted)
	}

	if err := itable.PutInode(mp); err != nil {
		slog.Warn("releasing mount point failed", "dev", mp.Dev, "inum", mp.Inum, "error", err)
	}
	if isup != nil {
		if err := itable.PutInode(isup); err != nil {
			slog.Warn("releasing mounted root failed", "dev", dev, "error", err)
		}
	}

	if err := t.Unload(dev); err != nil {
		return unmountError(dev, err)
	}
	if err := t.cache.Flush(dev); err != nil {
		return unmountError(dev, err)
	}
	return nil
}

func (t *Table) mountPoint(sb *common.Superblock) *common.Inode {
	t.m.Lock()
	defer t.m.Unlock()
	return sb.Imount
}

func mountError(dev common.Dev, err error) error {
	return fmt.Errorf("(super) mount %v: %w", dev, err)
}

func unmountError(dev common.Dev, err error) error {
	return fmt.Errorf("(super) unmount %v: %w", dev, err)
}
