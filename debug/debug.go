package debug

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/jnwhiteh/minixcache/common"
)

// PrintBlock logs a hex dump of a cached block.
func PrintBlock(bp *common.CacheBlock) {
	slog.Debug("block data follows",
		"dev", bp.Dev,
		"block", bp.Blocknr,
		"dirty", bp.IsDirty(),
		"data", "\n"+hex.Dump(bp.Data))
}

// FprintInodeBlock writes a table of the allocated inodes held in an inode
// table block of the volume sb.
func FprintInodeBlock(w io.Writer, data []byte, bnum int, sb *common.Superblock) {
	first := (bnum-sb.InodeBlock(1))*common.INODES_PER_BLOCK + 1
	fmt.Fprintf(w, "%8s %-16s %6s %4s %4s %8s %s\n", "INODE #", "MODE", "NLINKS", "UID", "GID", "SIZE", "ZONES")
	for i := 0; i < common.INODES_PER_BLOCK; i++ {
		inum := first + i
		if inum > int(sb.Ninodes) {
			break
		}
		var dip common.Disk_Inode
		common.ReadInode(data, inum, &dip)
		if dip.Mode != 0 && dip.Nlinks != 0 {
			fmt.Fprintf(w, "%8d %16b %6d %4d %4d %8d %v\n", inum, dip.Mode, dip.Nlinks, dip.Uid, dip.Gid, dip.Size, dip.Zone)
		}
	}
}

// PrintInodeBlock logs the table written by FprintInodeBlock.
func PrintInodeBlock(bp *common.CacheBlock, sb *common.Superblock) {
	buf := bytes.NewBuffer(nil)
	FprintInodeBlock(buf, bp.Data, bp.Blocknr, sb)
	slog.Debug("inode block follows", "dev", bp.Dev, "block", bp.Blocknr, "data", "\n"+buf.String())
}

// FprintDirectory writes the entries of a directory block.
func FprintDirectory(w io.Writer, data []byte) {
	for off := 0; off+common.DIRENT_SIZE <= len(data); off += common.DIRENT_SIZE {
		inum := int(data[off]) | int(data[off+1])<<8
		name := bytes.TrimRight(data[off+2:off+common.DIRENT_SIZE], "\x00")
		if inum != 0 && len(name) > 0 {
			fmt.Fprintf(w, "Entry %4d: %-14q at inode %8d\n", off/common.DIRENT_SIZE, name, inum)
		}
	}
}

// PrintInode logs the in-memory fields of an inode.
func PrintInode(rip *common.Inode) {
	slog.Debug("inode",
		"dev", rip.Dev,
		"inum", rip.Inum,
		"mode", fmt.Sprintf("%06o", rip.Mode),
		"nlinks", rip.Nlinks,
		"size", rip.Size,
		"zones", rip.Zone,
		"dirty", rip.Dirty,
		"pipe", rip.Pipe)
}
