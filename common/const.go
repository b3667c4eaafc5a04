package common

// Geometry of the on-disk filesystem. All devices use a fixed 1024 byte
// block, so the cache can hand out plain byte slices.
const (
	BLOCK_SIZE     = 1024
	BITS_PER_BLOCK = BLOCK_SIZE * 8 // bits in one bitmap page
	I_MAP_SLOTS    = 8              // max inode bitmap pages per volume
	Z_MAP_SLOTS    = 8              // max zone bitmap pages per volume

	SUPER_MAGIC = 0x137F
	BOOT_BLOCK  = 0
	SUPER_BLOCK = 1
	START_BLOCK = 2 // first inode bitmap block

	ROOT_INO         = 1
	INODE_SIZE       = 64
	INODES_PER_BLOCK = BLOCK_SIZE / INODE_SIZE

	NR_ZONES      = 9 // zone slots in an inode
	NR_DZONES     = 7 // direct zones
	ZONE_NUM_SIZE = 2 // bytes in an indirect entry
	NR_INDIRECTS  = BLOCK_SIZE / ZONE_NUM_SIZE

	DIRSIZ      = 14
	DIRENT_SIZE = DIRSIZ + 2

	// largest file size in blocks
	MAX_FILE_BLOCKS = NR_DZONES + NR_INDIRECTS + NR_INDIRECTS*NR_INDIRECTS
)

const (
	NO_BLOCK = 0
	NO_ZONE  = 0
	NO_INODE = 0
	NO_BIT   = -1
)

// Read modes for GetBlock
const (
	NORMAL  = 0 // read the block from disk if it is not already valid
	NO_READ = 1 // the caller is about to overwrite the whole block
)

// Device majors
const (
	MEM_MAJOR    = 1
	FLOPPY_MAJOR = 2
	HD_MAJOR     = 3
)

// Inode mode bits
const (
	I_TYPE          = 0170000
	I_REGULAR       = 0100000
	I_BLOCK_SPECIAL = 0060000
	I_DIRECTORY     = 0040000
	I_CHAR_SPECIAL  = 0020000
	I_NAMED_PIPE    = 0010000
	I_SET_UID_BIT   = 0004000
	I_SET_GID_BIT   = 0002000
	ALL_MODES       = 0007777
	R_BIT           = 0000004
	W_BIT           = 0000002
	X_BIT           = 0000001
	I_NOT_ALLOC     = 0000000
)

// PIPE_SIZE is the size of the in-memory ring behind a pipe inode.
const PIPE_SIZE = 4096
