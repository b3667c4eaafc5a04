package bcache

import (
	"log/slog"
	"sync"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/debug"
)

// An elaboration of the CacheBlock type, decorated with the members we need
// to manage the hash chains and the free list. Links are indices into the
// cache's buf slice; -1 terminates a hash chain.
type buf struct {
	*common.CacheBlock

	count    int  // the number of holders of this block
	uptodate bool // Data holds what is on the device
	locked   bool // device I/O in progress

	hnext, hprev int // hash chain
	fnext, fprev int // free list, circular, every buf is on it

	wait *sync.Cond // broadcast when the buf is unlocked
}

// Stats counts cache activity since the cache was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Reads     uint64
	Writes    uint64
	Waits     uint64 // times an acquire found every buffer held
}

type Cache struct {
	m     sync.Mutex
	avail *sync.Cond // broadcast whenever a block is released

	devices map[common.Dev]common.BlockDevice

	buf  []*buf // static list of cache blocks
	hash []int  // the buffer hash table
	free int    // the least recently claimed buffer

	ahead sync.WaitGroup // outstanding read-ahead
	stats Stats

	showdebug bool
}

// New creates a cache of nbufs blocks indexed through nhash hash chains.
func New(nbufs, nhash int) *Cache {
	c := &Cache{
		devices: make(map[common.Dev]common.BlockDevice),
		buf:     make([]*buf, nbufs),
		hash:    make([]int, nhash),
	}
	c.avail = sync.NewCond(&c.m)

	for i := range c.hash {
		c.hash[i] = -1
	}

	for i := 0; i < nbufs; i++ {
		bp := &buf{
			CacheBlock: &common.CacheBlock{
				Data: make([]byte, common.BLOCK_SIZE),
				Dev:  common.NO_DEV,
				Slot: i,
			},
			hnext: -1,
			hprev: -1,
			fnext: (i + 1) % nbufs,
			fprev: (i + nbufs - 1) % nbufs,
		}
		bp.wait = sync.NewCond(&c.m)
		c.buf[i] = bp
	}
	c.free = 0

	return c
}

func (c *Cache) hashfn(dev common.Dev, bnum int) int {
	return (int(dev) ^ bnum) % len(c.hash)
}

// Wait until bp has no I/O in flight. Must be called with c.m held, which
// is released while waiting.
func (c *Cache) waitOnBuffer(bp *buf) {
	for bp.locked {
		bp.wait.Wait()
	}
}

func (c *Cache) removeFromQueues(i int) {
	bp := c.buf[i]

	// remove from hash-queue
	if bp.hnext >= 0 {
		c.buf[bp.hnext].hprev = bp.hprev
	}
	if bp.hprev >= 0 {
		c.buf[bp.hprev].hnext = bp.hnext
	}
	if bp.Dev != common.NO_DEV {
		if h := c.hashfn(bp.Dev, bp.Blocknr); c.hash[h] == i {
			c.hash[h] = bp.hnext
		}
	}
	bp.hnext, bp.hprev = -1, -1

	// remove from free list
	if bp.fprev < 0 || bp.fnext < 0 {
		common.Fatalf("free block list corrupted at buffer %d", i)
	}
	c.buf[bp.fprev].fnext = bp.fnext
	c.buf[bp.fnext].fprev = bp.fprev
	if c.free == i {
		c.free = bp.fnext
	}
	bp.fnext, bp.fprev = -1, -1
}

func (c *Cache) insertIntoQueues(i int) {
	bp := c.buf[i]

	// put at end of free list
	if c.free == i {
		// the only buffer in the cache
		bp.fnext, bp.fprev = i, i
	} else {
		head := c.buf[c.free]
		bp.fnext = c.free
		bp.fprev = head.fprev
		c.buf[head.fprev].fnext = i
		head.fprev = i
	}

	// put the buffer in new hash-queue if it has a device
	if bp.Dev == common.NO_DEV {
		return
	}
	h := c.hashfn(bp.Dev, bp.Blocknr)
	bp.hnext = c.hash[h]
	bp.hprev = -1
	c.hash[h] = i
	if bp.hnext >= 0 {
		c.buf[bp.hnext].hprev = i
	}
}

func (c *Cache) findBuffer(dev common.Dev, bnum int) int {
	for i := c.hash[c.hashfn(dev, bnum)]; i >= 0; i = c.buf[i].hnext {
		if bp := c.buf[i]; bp.Dev == dev && bp.Blocknr == bnum {
			return i
		}
	}
	return -1
}

// getHashTable returns the resident block for (dev, bnum) with its count
// raised, or nil. The buffer may be repurposed while we wait for its I/O,
// so the identity is checked again afterwards.
func (c *Cache) getHashTable(dev common.Dev, bnum int) *buf {
	for {
		i := c.findBuffer(dev, bnum)
		if i < 0 {
			return nil
		}
		bp := c.buf[i]
		bp.count++
		c.waitOnBuffer(bp)
		if bp.Dev == dev && bp.Blocknr == bnum {
			return bp
		}
		bp.count--
		c.avail.Broadcast()
	}
}

// badness ranks eviction candidates: a clean unlocked buffer is free to
// take, a dirty one costs a write.
func badness(bp *buf) int {
	b := 0
	if bp.IsDirty() {
		b += 2
	}
	if bp.locked {
		b++
	}
	return b
}

// getblk returns the buffer for (dev, bnum) with its count raised. The
// contents are only valid if uptodate is set. Must be called with c.m held.
func (c *Cache) getblk(dev common.Dev, bnum int) (*buf, error) {
repeat:
	for {
		if bp := c.getHashTable(dev, bnum); bp != nil {
			c.stats.Hits++
			return bp, nil
		}

		var bp *buf
		i := c.free
		for {
			if tmp := c.buf[i]; tmp.count == 0 {
				if bp == nil || badness(tmp) < badness(bp) {
					bp = tmp
					if badness(tmp) == 0 {
						break
					}
				}
			}
			if i = c.buf[i].fnext; i == c.free {
				break
			}
		}

		if bp == nil {
			// every buffer is held; nothing we picked survives the wait
			c.stats.Waits++
			c.avail.Wait()
			continue repeat
		}

		c.waitOnBuffer(bp)
		if bp.count > 0 {
			continue repeat
		}

		// If the block taken is dirty, make it clean by writing it to the
		// disk. Avoid hysterisis by flushing all other dirty blocks for the
		// same device.
		for bp.IsDirty() {
			err := c.syncDev(bp.Dev)
			c.waitOnBuffer(bp)
			if bp.count > 0 {
				continue repeat
			}
			if err != nil {
				if bp.IsDirty() {
					return nil, err
				}
				slog.Warn("write-back of other blocks failed", "dev", bp.Dev, "victim", bp.Blocknr, "error", err)
			}
		}

		// Someone may have loaded the block while we slept
		if c.findBuffer(dev, bnum) >= 0 {
			continue repeat
		}

		if bp.Dev != common.NO_DEV {
			c.stats.Evictions++
			slog.Debug("evicting block", "dev", bp.Dev, "block", bp.Blocknr, "slot", bp.Slot)
		}
		c.stats.Misses++

		bp.count = 1
		bp.ClearDirty()
		bp.uptodate = false
		c.removeFromQueues(bp.Slot)
		bp.Dev = dev
		bp.Blocknr = bnum
		c.insertIntoQueues(bp.Slot)
		return bp, nil
	}
}

// readBlock fills bp from its device unless it is already valid. A dirty
// buffer holds newer data than the device and is never read over. The cache
// lock is dropped for the duration of the read; bp stays locked meanwhile
// so nobody else uses the half-read data.
func (c *Cache) readBlock(bp *buf) error {
	if bp.uptodate || bp.IsDirty() {
		return nil
	}
	bdev, ok := c.devices[bp.Dev]
	if !ok {
		return common.ErrNoDevice
	}

	bp.locked = true
	c.m.Unlock()
	err := bdev.ReadBlock(bp.Blocknr, bp.Data)
	c.m.Lock()
	bp.locked = false
	bp.wait.Broadcast()

	c.stats.Reads++
	if err != nil {
		slog.Warn("block read failed", "dev", bp.Dev, "block", bp.Blocknr, "error", err)
		return err
	}
	bp.uptodate = true
	return nil
}

// writeBlock writes bp to its device. The dirty flag is dropped before the
// write so that a holder dirtying the block again during the write is not
// lost, and restored if the write fails.
func (c *Cache) writeBlock(bp *buf, bdev common.BlockDevice) error {
	bp.locked = true
	bp.ClearDirty()
	c.m.Unlock()
	err := bdev.WriteBlock(bp.Blocknr, bp.Data)
	c.m.Lock()
	bp.locked = false
	bp.wait.Broadcast()

	c.stats.Writes++
	if err != nil {
		bp.SetDirty()
		slog.Warn("block write failed", "dev", bp.Dev, "block", bp.Blocknr, "error", err)
		return err
	}
	return nil
}

// syncDev writes every dirty block of dev, or of every device if dev is
// NO_DEV. The first write error is returned after all blocks were tried.
func (c *Cache) syncDev(dev common.Dev) error {
	var first error
	for _, bp := range c.buf {
		if dev != common.NO_DEV && bp.Dev != dev {
			continue
		}
		c.waitOnBuffer(bp)
		if bp.Dev == common.NO_DEV || (dev != common.NO_DEV && bp.Dev != dev) || !bp.IsDirty() {
			continue
		}
		bdev, ok := c.devices[bp.Dev]
		if !ok {
			if first == nil {
				first = common.ErrNoDevice
			}
			continue
		}
		if c.showdebug {
			debug.PrintBlock(bp.CacheBlock)
		}
		if err := c.writeBlock(bp, bdev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Cache) invalidate(dev common.Dev) {
	for _, bp := range c.buf {
		if bp.Dev != dev {
			continue
		}
		c.waitOnBuffer(bp)
		if bp.Dev == dev {
			bp.uptodate = false
			bp.ClearDirty()
		}
	}
}

func (c *Cache) release(bp *buf) {
	if bp.count == 0 {
		common.Fatalf("trying to free free buffer %d (dev %v, block %d)", bp.Slot, bp.Dev, bp.Blocknr)
	}
	bp.count--
	c.avail.Broadcast()
}
