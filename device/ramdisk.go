package device

import (
	"fmt"
	"sync"

	"github.com/jnwhiteh/minixcache/common"
)

// Ramdisk is a BlockDevice held in memory. Swapping its contents with
// SwapMedia makes it report a media change, like a floppy drive.
type Ramdisk struct {
	m       sync.RWMutex
	data    []byte
	changed bool
	closed  bool
}

var _ common.BlockDevice = (*Ramdisk)(nil)
var _ common.MediaChanger = (*Ramdisk)(nil)

// NewRamdisk creates a zero-filled ramdisk of the given number of blocks.
func NewRamdisk(blocks int) *Ramdisk {
	return &Ramdisk{data: make([]byte, blocks*common.BLOCK_SIZE)}
}

// NewRamdiskFrom wraps data, which must be a whole number of blocks.
func NewRamdiskFrom(data []byte) (*Ramdisk, error) {
	if len(data)%common.BLOCK_SIZE != 0 {
		return nil, fmt.Errorf("(ramdisk) %d bytes is not a whole number of blocks: %w", len(data), common.EINVAL)
	}
	return &Ramdisk{data: data}, nil
}

func (dev *Ramdisk) span(bnum int, buf []byte) (int, error) {
	if dev.closed {
		return 0, fmt.Errorf("(ramdisk) device closed: %w", common.EBADF)
	}
	if len(buf) != common.BLOCK_SIZE {
		return 0, fmt.Errorf("(ramdisk) buffer of %d bytes: %w", len(buf), common.EINVAL)
	}
	pos := bnum * common.BLOCK_SIZE
	if bnum < 0 || pos+common.BLOCK_SIZE > len(dev.data) {
		return 0, fmt.Errorf("(ramdisk) block %d out of range: %w", bnum, common.EIO)
	}
	return pos, nil
}

func (dev *Ramdisk) ReadBlock(bnum int, buf []byte) error {
	dev.m.RLock()
	defer dev.m.RUnlock()

	pos, err := dev.span(bnum, buf)
	if err != nil {
		return err
	}
	copy(buf, dev.data[pos:])
	return nil
}

func (dev *Ramdisk) WriteBlock(bnum int, buf []byte) error {
	dev.m.Lock()
	defer dev.m.Unlock()

	pos, err := dev.span(bnum, buf)
	if err != nil {
		return err
	}
	copy(dev.data[pos:], buf)
	return nil
}

func (dev *Ramdisk) Blocks() int {
	dev.m.RLock()
	defer dev.m.RUnlock()
	return len(dev.data) / common.BLOCK_SIZE
}

func (dev *Ramdisk) Close() error {
	dev.m.Lock()
	defer dev.m.Unlock()
	dev.closed = true
	return nil
}

// SwapMedia replaces the contents of the disk and flags a media change.
func (dev *Ramdisk) SwapMedia(data []byte) {
	dev.m.Lock()
	defer dev.m.Unlock()
	dev.data = data
	dev.changed = true
}

// MediaChanged reports whether SwapMedia was called since the last call.
func (dev *Ramdisk) MediaChanged() bool {
	dev.m.Lock()
	defer dev.m.Unlock()
	changed := dev.changed
	dev.changed = false
	return changed
}

// Bytes returns a copy of the disk contents.
func (dev *Ramdisk) Bytes() []byte {
	dev.m.RLock()
	defer dev.m.RUnlock()
	return append([]byte(nil), dev.data...)
}
