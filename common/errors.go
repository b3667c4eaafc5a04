package common

import (
	"errors"
	"fmt"
)

// The following string constants are taken from the Minix 3.1.0 source,
// specifically from lib/ansi/errlist.c.

var (
	EBADF     = errors.New("Bad file number")
	EBUSY     = errors.New("Resource busy")
	EEXIST    = errors.New("File exists")
	EFBIG     = errors.New("File too large")
	EINVAL    = errors.New("Invalid argument")
	EIO       = errors.New("I/O error")
	EISDIR    = errors.New("Is a directory")
	EMFILE    = errors.New("Too many open files")
	ENFILE    = errors.New("File table overflow")
	ENODEV    = errors.New("No such device")
	ENOENT    = errors.New("No such file or directory")
	ENOSPC    = errors.New("No space left on device")
	ENOTDIR   = errors.New("Not a directory")
	ENOTEMPTY = errors.New("Directory not empty")
	EPERM     = errors.New("Operation not permitted")
)

// Reasons a mount or unmount is refused. Each wraps the errno a caller
// would report, so errors.Is(err, EBUSY) still works.
var (
	ErrAlreadyMounted = fmt.Errorf("device is already mounted: %w", EBUSY)
	ErrMountBusy      = fmt.Errorf("mount point is in use: %w", EBUSY)
	ErrMountRoot      = fmt.Errorf("cannot mount on a root inode: %w", EBUSY)
	ErrMountedOn      = fmt.Errorf("mount point already has a device mounted: %w", EBUSY)
	ErrNotMounted     = fmt.Errorf("device is not mounted: %w", ENOENT)
	ErrDeviceBusy     = fmt.Errorf("device has inodes in use: %w", EBUSY)
	ErrRootDevice     = fmt.Errorf("cannot release the root device: %w", EBUSY)
	ErrBadMagic       = fmt.Errorf("bad superblock magic: %w", EINVAL)
	ErrNoDevice       = fmt.Errorf("device is not attached: %w", ENODEV)
)
