package common

// BlockDevice is a random access device addressed in BLOCK_SIZE units.
type BlockDevice interface {
	ReadBlock(bnum int, buf []byte) error
	WriteBlock(bnum int, buf []byte) error
	Blocks() int
	Close() error
}

// MediaChanger is implemented by removable devices that can tell whether
// the media has been swapped since the last call.
type MediaChanger interface {
	MediaChanged() bool
}

// BlockCache is the only path to device bytes. Every handle returned by
// GetBlock or FindBlock must be given back with PutBlock (or Discard).
type BlockCache interface {
	MountDevice(dev Dev, bdev BlockDevice) error
	UnmountDevice(dev Dev) error
	Device(dev Dev) BlockDevice

	GetBlock(dev Dev, bnum int, mode int) (*CacheBlock, error)
	FindBlock(dev Dev, bnum int) *CacheBlock
	PutBlock(cb *CacheBlock)
	MarkUptodate(cb *CacheBlock)
	ClearBlock(cb *CacheBlock)
	Discard(cb *CacheBlock) bool

	Flush(dev Dev) error
	Invalidate(dev Dev)
}

// AllocTbl hands out zone and inode numbers on one volume.
type AllocTbl interface {
	AllocZone() (int, error)
	FreeZone(zone int) error
	AllocInode() (int, error)
	FreeInode(inum int) error
	FreeCounts() (zones int, inodes int)
}

// InodeTbl is the part of the inode cache the mount table calls into.
type InodeTbl interface {
	GetInode(dev Dev, inum int) (*Inode, error)
	PutInode(rip *Inode) error
	RefCount(rip *Inode) int
	SetMount(rip *Inode, mounted bool)
	IsMounted(rip *Inode) bool
	DetachIfIdle(dev Dev, detach func() *Inode) bool
}

// SuperTbl is the part of the mount table the inode cache calls into.
type SuperTbl interface {
	Get(dev Dev) *Superblock
	MountedOn(rip *Inode) *Superblock
}
