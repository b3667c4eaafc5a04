package device

import (
	"fmt"
	"io"

	"github.com/jnwhiteh/minixcache/common"
	"golang.org/x/sys/unix"
)

// File is a BlockDevice backed by an image file or a real block device
// node, accessed with positioned reads and writes.
type File struct {
	fd     int
	blocks int
	path   string
}

var _ common.BlockDevice = (*File)(nil)

// OpenFile opens an existing image. Its size decides the number of blocks.
func OpenFile(path string) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("(device-file) open %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("(device-file) stat %s: %w", path, err)
	}
	return &File{fd, int(stat.Size / common.BLOCK_SIZE), path}, nil
}

// CreateFile creates (or truncates) an image of the given number of blocks.
func CreateFile(path string, blocks int) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("(device-file) create %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(blocks)*common.BLOCK_SIZE); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("(device-file) size %s: %w", path, err)
	}
	return &File{fd, blocks, path}, nil
}

func (dev *File) check(bnum int, buf []byte) error {
	if len(buf) != common.BLOCK_SIZE {
		return fmt.Errorf("(device-file) buffer of %d bytes: %w", len(buf), common.EINVAL)
	}
	if bnum < 0 || bnum >= dev.blocks {
		return fmt.Errorf("(device-file) block %d out of range: %w", bnum, common.EIO)
	}
	return nil
}

func (dev *File) ReadBlock(bnum int, buf []byte) error {
	if err := dev.check(bnum, buf); err != nil {
		return err
	}
	n, err := unix.Pread(dev.fd, buf, int64(bnum)*common.BLOCK_SIZE)
	if err != nil {
		return fmt.Errorf("(device-file) read block %d: %w", bnum, err)
	}
	if n != len(buf) {
		return fmt.Errorf("(device-file) read block %d: %w", bnum, io.ErrUnexpectedEOF)
	}
	return nil
}

func (dev *File) WriteBlock(bnum int, buf []byte) error {
	if err := dev.check(bnum, buf); err != nil {
		return err
	}
	n, err := unix.Pwrite(dev.fd, buf, int64(bnum)*common.BLOCK_SIZE)
	if err != nil {
		return fmt.Errorf("(device-file) write block %d: %w", bnum, err)
	}
	if n != len(buf) {
		return fmt.Errorf("(device-file) write block %d: %w", bnum, io.ErrShortWrite)
	}
	return nil
}

func (dev *File) Blocks() int { return dev.blocks }

func (dev *File) Sync() error {
	return unix.Fsync(dev.fd)
}

func (dev *File) Close() error {
	if err := unix.Fsync(dev.fd); err != nil {
		unix.Close(dev.fd)
		return fmt.Errorf("(device-file) sync %s: %w", dev.path, err)
	}
	return unix.Close(dev.fd)
}
