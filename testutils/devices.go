package testutils

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/device"
	"github.com/jnwhiteh/minixcache/mkfs"
)

//////////////////////////////////////////////////////////////////////////////
// A ramdisk device with a certain number of blocks. Each block is filled
// with the bytes of the block number, so each byte in the first block
// contains a 0, the next block contains all 1, etc.
//////////////////////////////////////////////////////////////////////////////

func NewTestDevice(test testing.TB, blocks int) *device.Ramdisk {
	data := make([]byte, common.BLOCK_SIZE*blocks)
	for i := 0; i < blocks; i++ {
		for j := 0; j < common.BLOCK_SIZE; j++ {
			data[(i*common.BLOCK_SIZE)+j] = byte(i)
		}
	}
	dev, err := device.NewRamdiskFrom(data)
	if err != nil {
		ErrorLevel(test, 2, "Failed when creating ramdisk device: %s", err)
	}
	return dev
}

// NewFormattedDevice returns a ramdisk holding a freshly made filesystem
// with a root directory.
func NewFormattedDevice(test testing.TB, blocks, inodes int) *device.Ramdisk {
	dev := device.NewRamdisk(blocks)
	if _, err := mkfs.Format(dev, blocks, inodes); err != nil {
		ErrorLevel(test, 2, "Failed when formatting ramdisk device: %s", err)
	}
	return dev
}

//////////////////////////////////////////////////////////////////////////////
// A device that blocks on any read operation. It notifies of the block using
// the HasBlocked channel and waits to be unblocked on the Unblock channel
//////////////////////////////////////////////////////////////////////////////

type BlockingDevice struct {
	common.BlockDevice
	HasBlocked chan bool
	Unblock    chan bool
}

func NewBlockingDevice(bdev common.BlockDevice) *BlockingDevice {
	return &BlockingDevice{
		bdev,
		make(chan bool),
		make(chan bool),
	}
}

func (dev *BlockingDevice) ReadBlock(bnum int, buf []byte) error {
	dev.HasBlocked <- true
	<-dev.Unblock
	return dev.BlockDevice.ReadBlock(bnum, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A device that counts its operations and can be told to fail them.
//////////////////////////////////////////////////////////////////////////////

type CountingDevice struct {
	common.BlockDevice
	Reads      atomic.Int64
	Writes     atomic.Int64
	FailReads  atomic.Bool
	FailWrites atomic.Bool

	badWrites sync.Map // block numbers whose writes fail
}

func NewCountingDevice(bdev common.BlockDevice) *CountingDevice {
	return &CountingDevice{BlockDevice: bdev}
}

func (dev *CountingDevice) ReadBlock(bnum int, buf []byte) error {
	dev.Reads.Add(1)
	if dev.FailReads.Load() {
		return common.EIO
	}
	return dev.BlockDevice.ReadBlock(bnum, buf)
}

// FailWritesOf makes every later write of block bnum fail.
func (dev *CountingDevice) FailWritesOf(bnum int) {
	dev.badWrites.Store(bnum, true)
}

func (dev *CountingDevice) WriteBlock(bnum int, buf []byte) error {
	dev.Writes.Add(1)
	_, bad := dev.badWrites.Load(bnum)
	if bad || dev.FailWrites.Load() {
		return common.EIO
	}
	return dev.BlockDevice.WriteBlock(bnum, buf)
}
