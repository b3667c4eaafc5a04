package bcache

import (
	"fmt"
	"log/slog"

	"github.com/jnwhiteh/minixcache/common"
)

var _ common.BlockCache = (*Cache)(nil)

// Associate a BlockDevice with a device number so blocks can be read from
// and written to it.
func (c *Cache) MountDevice(dev common.Dev, bdev common.BlockDevice) error {
	c.m.Lock()
	defer c.m.Unlock()

	if dev == common.NO_DEV {
		return common.EINVAL
	}
	if _, ok := c.devices[dev]; ok {
		return fmt.Errorf("(bcache) mount device %v: %w", dev, common.EBUSY)
	}
	c.devices[dev] = bdev
	return nil
}

// Flush the blocks of a device and remove its association. Fails if any
// block of the device is still held.
func (c *Cache) UnmountDevice(dev common.Dev) error {
	c.m.Lock()
	defer c.m.Unlock()

	if _, ok := c.devices[dev]; !ok {
		return common.ErrNoDevice
	}
	for _, bp := range c.buf {
		if bp.Dev == dev && bp.count > 0 {
			return fmt.Errorf("(bcache) unmount device %v: %w", dev, common.EBUSY)
		}
	}
	if err := c.syncDev(dev); err != nil {
		return fmt.Errorf("(bcache) unmount device %v: %w", dev, err)
	}
	c.invalidate(dev)
	delete(c.devices, dev)
	return nil
}

// Device returns the BlockDevice registered for dev, or nil.
func (c *Cache) Device(dev common.Dev) common.BlockDevice {
	c.m.Lock()
	defer c.m.Unlock()
	return c.devices[dev]
}

// GetBlock returns the block (dev, bnum) with a reference held for the
// caller. With NORMAL the contents are read from the device if they are not
// already valid; with NO_READ the caller must fill the block and then call
// MarkUptodate or ClearBlock.
func (c *Cache) GetBlock(dev common.Dev, bnum int, mode int) (*common.CacheBlock, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if _, ok := c.devices[dev]; !ok {
		return nil, common.ErrNoDevice
	}

	bp, err := c.getblk(dev, bnum)
	if err != nil {
		return nil, fmt.Errorf("(bcache) get block %d on %v: %w", bnum, dev, err)
	}
	if mode == common.NO_READ {
		return bp.CacheBlock, nil
	}
	if err := c.readBlock(bp); err != nil {
		c.release(bp)
		return nil, fmt.Errorf("(bcache) read block %d on %v: %w: %w", bnum, dev, common.EIO, err)
	}
	return bp.CacheBlock, nil
}

// GetBlockAhead reads the block first like GetBlock and starts background
// reads of the blocks in ahead, which are released once loaded.
func (c *Cache) GetBlockAhead(dev common.Dev, first int, ahead ...int) (*common.CacheBlock, error) {
	for _, bnum := range ahead {
		c.ahead.Add(1)
		go func(bnum int) {
			defer c.ahead.Done()
			cb, err := c.GetBlock(dev, bnum, common.NORMAL)
			if err != nil {
				slog.Debug("read-ahead failed", "dev", dev, "block", bnum, "error", err)
				return
			}
			c.PutBlock(cb)
		}(bnum)
	}
	return c.GetBlock(dev, first, common.NORMAL)
}

// FindBlock returns the block (dev, bnum) with a reference held if it is
// resident, or nil. It never reads from the device or evicts.
func (c *Cache) FindBlock(dev common.Dev, bnum int) *common.CacheBlock {
	c.m.Lock()
	defer c.m.Unlock()

	if bp := c.getHashTable(dev, bnum); bp != nil {
		return bp.CacheBlock
	}
	return nil
}

// Release a block obtained from GetBlock or FindBlock.
func (c *Cache) PutBlock(cb *common.CacheBlock) {
	if cb == nil {
		return
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.release(c.buf[cb.Slot])
}

// MarkUptodate records that the caller filled a held block obtained with
// NO_READ, so later lookups do not read the device over it.
func (c *Cache) MarkUptodate(cb *common.CacheBlock) {
	c.m.Lock()
	defer c.m.Unlock()
	c.buf[cb.Slot].uptodate = true
}

// ClearBlock zero-fills a held block and marks it valid and dirty.
func (c *Cache) ClearBlock(cb *common.CacheBlock) {
	c.m.Lock()
	defer c.m.Unlock()

	clear(cb.Data)
	c.buf[cb.Slot].uptodate = true
	cb.SetDirty()
}

// Discard releases a held block and drops its contents, so a freed zone is
// never written back. If anybody else holds the block it is only released,
// and false is returned.
func (c *Cache) Discard(cb *common.CacheBlock) bool {
	c.m.Lock()
	defer c.m.Unlock()

	bp := c.buf[cb.Slot]
	dropped := false
	if bp.count == 1 {
		bp.ClearDirty()
		bp.uptodate = false
		dropped = true
	} else {
		slog.Warn("trying to free block in use", "dev", bp.Dev, "block", bp.Blocknr, "count", bp.count)
	}
	c.release(bp)
	return dropped
}

// Flush writes every dirty block of dev to its device. NO_DEV flushes all
// devices.
func (c *Cache) Flush(dev common.Dev) error {
	c.m.Lock()
	defer c.m.Unlock()

	if err := c.syncDev(dev); err != nil {
		return fmt.Errorf("(bcache) flush %v: %w", dev, err)
	}
	return nil
}

// Invalidate forgets the contents of every resident block of dev. Used when
// removable media has been changed.
func (c *Cache) Invalidate(dev common.Dev) {
	c.m.Lock()
	defer c.m.Unlock()
	c.invalidate(dev)
}

func (c *Cache) Stats() Stats {
	c.m.Lock()
	defer c.m.Unlock()
	return c.stats
}

// SetDebug turns on dumps of every block written by a flush.
func (c *Cache) SetDebug(on bool) {
	c.m.Lock()
	defer c.m.Unlock()
	c.showdebug = on
}

// Shutdown waits for read-ahead to finish. It fails while devices are still
// mounted.
func (c *Cache) Shutdown() error {
	c.ahead.Wait()

	c.m.Lock()
	defer c.m.Unlock()
	if len(c.devices) > 0 {
		return common.EBUSY
	}
	return nil
}
