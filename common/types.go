package common

import (
	"fmt"
	"sync/atomic"
)

// Dev identifies a block device as major<<8 | minor.
type Dev uint16

const NO_DEV Dev = 0

func MkDev(major, minor int) Dev {
	return Dev(major<<8 | minor&0xff)
}

func (d Dev) Major() int { return int(d >> 8) }
func (d Dev) Minor() int { return int(d & 0xff) }

// Removable reports whether the device can have its media swapped, in which
// case cached state must be checked against the drive before use.
func (d Dev) Removable() bool {
	return d.Major() == FLOPPY_MAJOR
}

func (d Dev) String() string {
	return fmt.Sprintf("%02x:%02x", d.Major(), d.Minor())
}

// Disk_Superblock is the superblock as stored in block 1 of a device.
type Disk_Superblock struct {
	Ninodes       uint16 // usable inodes on the minor device
	Nzones        uint16 // total device size, including bit maps etc.
	Imap_blocks   uint16 // # of blocks used by inode bit map
	Zmap_blocks   uint16 // # of blocks used by zone bit map
	Firstdatazone uint16 // number of first data zone
	Log_zone_size uint16 // log2 of blocks/zone
	Max_size      uint32 // maximum file size on this device
	Magic         uint16 // magic number to recognize super-blocks
}

// Disk_Inode is the inode as stored in the inode table.
type Disk_Inode struct {
	Mode   uint16 // file type, protection, etc.
	Uid    uint16 // user id of the file's owner
	Size   uint32 // current file size in bytes
	Atime  uint32 // when was file data last accessed
	Mtime  uint32 // when was file data last changed
	Ctime  uint32 // when was inode itself changed
	Gid    uint8  // group number
	Nlinks uint8  // how many links to this file
	Zone   [NR_ZONES]uint16
	_      [24]byte
}

func (d *Disk_Inode) IsDir() bool     { return d.Mode&I_TYPE == I_DIRECTORY }
func (d *Disk_Inode) IsRegular() bool { return d.Mode&I_TYPE == I_REGULAR }
func (d *Disk_Inode) IsBlock() bool   { return d.Mode&I_TYPE == I_BLOCK_SPECIAL }
func (d *Disk_Inode) IsChar() bool    { return d.Mode&I_TYPE == I_CHAR_SPECIAL }

// CacheBlock is the handle the block cache gives out for a resident block.
// Data always holds BLOCK_SIZE bytes. Holders that modify Data must call
// SetDirty before releasing the block.
type CacheBlock struct {
	Data    []byte
	Dev     Dev
	Blocknr int

	// Slot is the index of the owning entry in the cache arena, so the cache
	// can find its bookkeeping for a handle without searching.
	Slot int

	dirty atomic.Bool
}

func (cb *CacheBlock) SetDirty()     { cb.dirty.Store(true) }
func (cb *CacheBlock) ClearDirty()   { cb.dirty.Store(false) }
func (cb *CacheBlock) IsDirty() bool { return cb.dirty.Load() }

// Inode is an in-memory inode. The disk fields may only be changed by a
// holder, and only while the inode is locked in its table.
type Inode struct {
	Disk_Inode

	Dev   Dev
	Inum  int
	Dirty bool // the disk fields differ from the inode table

	// Pipe inodes are not backed by a device. They keep their contents in
	// PipeBuf with the ring cursors below.
	Pipe     bool
	PipeBuf  []byte
	PipeHead int
	PipeTail int

	// Slot is the index of this inode in the owning table.
	Slot int
}

// Superblock describes a loaded volume. It owns the bitmap pages of the
// volume for as long as it is loaded.
type Superblock struct {
	Disk_Superblock

	Dev   Dev
	Imap  []*CacheBlock // inode bitmap pages
	Zmap  []*CacheBlock // zone bitmap pages
	Alloc AllocTbl

	Isup   *Inode // root inode of this volume
	Imount *Inode // inode this volume is mounted on
}

// InodeBlock returns the block of the inode table that holds inum.
func (sb *Superblock) InodeBlock(inum int) int {
	return START_BLOCK + int(sb.Imap_blocks) + int(sb.Zmap_blocks) + (inum-1)/INODES_PER_BLOCK
}

// Pipe cursors are offsets into a ring of PIPE_SIZE bytes.
func (rip *Inode) PipeEmpty() bool { return rip.PipeHead == rip.PipeTail }
func (rip *Inode) PipeFull() bool  { return (rip.PipeHead-rip.PipeTail)&(PIPE_SIZE-1) == PIPE_SIZE-1 }
