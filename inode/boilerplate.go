package inode

import (
	"fmt"

	"github.com/jnwhiteh/minixcache/common"
)

// NewInode allocates an inode number on dev and returns the new inode with
// one link and one reference, owned by uid/gid and marked dirty.
func (c *Cache) NewInode(dev common.Dev, mode uint16, uid uint16, gid uint8) (*common.Inode, error) {
	c.m.Lock()
	defer c.m.Unlock()

	s, err := c.emptySlot()
	if err != nil {
		return nil, fmt.Errorf("(inode) new inode on %v: %w", dev, err)
	}
	sb := c.supers.Get(dev)
	if sb == nil {
		c.release(s)
		return nil, fmt.Errorf("(inode) new inode on %v: %w", dev, common.ErrNoDevice)
	}
	inum, err := sb.Alloc.AllocInode()
	if err != nil {
		c.release(s)
		return nil, err
	}

	t := now()
	rip := s.inode
	rip.Dev = dev
	rip.Inum = inum
	rip.Mode = mode
	rip.Uid = uid
	rip.Gid = gid
	rip.Nlinks = 1
	rip.Atime = t
	rip.Mtime = t
	rip.Ctime = t
	rip.Dirty = true
	return rip, nil
}

// FreeInode gives the inode number of rip back to its device and clears
// the slot. rip must have no links and at most one reference, which is
// consumed.
func (c *Cache) FreeInode(rip *common.Inode) error {
	if rip == nil {
		return nil
	}
	c.m.Lock()
	defer c.m.Unlock()
	return c.freeInode(c.slot(rip))
}

// DupInode adds a reference to an inode that is already held.
func (c *Cache) DupInode(rip *common.Inode) *common.Inode {
	c.m.Lock()
	defer c.m.Unlock()

	s := c.slot(rip)
	if s.count == 0 {
		common.Fatalf("dup of free inode %d on %v", rip.Inum, rip.Dev)
	}
	s.count++
	return rip
}

// FlushInode writes rip back to its inode table block if it is dirty.
func (c *Cache) FlushInode(rip *common.Inode) error {
	c.m.Lock()
	defer c.m.Unlock()
	return c.writeInode(c.slot(rip))
}

// LockInode gives the caller exclusive use of the disk fields of rip until
// UnlockInode. Do not call PutInode while holding the lock.
func (c *Cache) LockInode(rip *common.Inode) {
	c.m.Lock()
	defer c.m.Unlock()
	c.lockInode(c.slot(rip))
}

func (c *Cache) UnlockInode(rip *common.Inode) {
	c.m.Lock()
	defer c.m.Unlock()
	c.unlockInode(c.slot(rip))
}

func (c *Cache) RefCount(rip *common.Inode) int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.slot(rip).count
}

func (c *Cache) SetMount(rip *common.Inode, mounted bool) {
	c.m.Lock()
	defer c.m.Unlock()
	c.slot(rip).mount = mounted
}

func (c *Cache) IsMounted(rip *common.Inode) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.slot(rip).mount
}

// IsDeviceBusy reports whether any inode of dev is referenced.
func (c *Cache) IsDeviceBusy(dev common.Dev) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.deviceBusy(dev)
}

// DetachIfIdle runs detach and clears the mount flag of the inode it
// returns, unless an inode of dev is referenced. Both happen under the cache
// lock, so no lookup crosses the mount point between the check and the
// detach. It reports whether dev was idle.
func (c *Cache) DetachIfIdle(dev common.Dev, detach func() *common.Inode) bool {
	c.m.Lock()
	defer c.m.Unlock()

	if c.deviceBusy(dev) {
		return false
	}
	if mp := detach(); mp != nil {
		c.slot(mp).mount = false
	}
	return true
}

func (c *Cache) deviceBusy(dev common.Dev) bool {
	for _, s := range c.slots {
		if s.inode.Dev == dev && s.count > 0 {
			return true
		}
	}
	return false
}

// NewPipe returns an inode backed by an in-memory ring instead of a device.
// It starts with two references, one for each end.
func (c *Cache) NewPipe() (*common.Inode, error) {
	c.m.Lock()
	defer c.m.Unlock()

	s, err := c.emptySlot()
	if err != nil {
		return nil, fmt.Errorf("(inode) new pipe: %w", err)
	}
	rip := s.inode
	rip.PipeBuf = make([]byte, common.PIPE_SIZE)
	rip.PipeHead = 0
	rip.PipeTail = 0
	rip.Pipe = true
	s.count = 2
	return rip, nil
}
