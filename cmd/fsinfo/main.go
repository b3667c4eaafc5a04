// This command prints the geometry, the free space and the inode table of
// a filesystem image, reading it through the caches.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/config"
	"github.com/jnwhiteh/minixcache/debug"
	"github.com/jnwhiteh/minixcache/device"
	"github.com/jnwhiteh/minixcache/fs"
	"github.com/jnwhiteh/minixcache/internal/logging"
)

var rootDev = common.MkDev(common.HD_MAJOR, 1)

func openDevice(filename string, useBolt bool) (common.BlockDevice, error) {
	if useBolt {
		return device.OpenBolt(filename, 0)
	}
	return device.OpenFile(filename)
}

// digest fingerprints the pages of a bitmap so two images can be compared
// at a glance.
func digest(pages []*common.CacheBlock) string {
	h := blake3.New()
	for _, bp := range pages {
		h.Write(bp.Data)
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func main() {
	var filename string
	var envfile string
	var useBolt bool
	var inodes bool
	var verbose bool

	flag.StringVar(&filename, "file", "minix.img", "the image filename")
	flag.StringVar(&envfile, "env", ".env", "configuration file")
	flag.BoolVar(&useBolt, "bolt", false, "the image is a bolt block store")
	flag.BoolVar(&inodes, "inodes", false, "dump the inode table")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	cfg, err := config.Load(envfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	bdev, err := openDevice(filename, useBolt)
	if err != nil {
		slog.Error("unable to open image", "file", filename, "error", err)
		os.Exit(1)
	}
	defer bdev.Close()

	fsys, err := fs.New(cfg)
	if err != nil {
		slog.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	if err := fsys.AttachDevice(rootDev, bdev); err != nil {
		slog.Error("unable to attach image", "error", err)
		os.Exit(1)
	}
	proc, err := fsys.MountRoot(rootDev)
	if err != nil {
		slog.Error("unable to mount image", "file", filename, "error", err)
		os.Exit(1)
	}
	defer proc.Exit()

	sb := fsys.Supers().Get(rootDev)
	zones, free := sb.Alloc.FreeCounts()
	w := os.Stdout
	fmt.Fprintf(w, "Size:            %s (%d blocks)\n", humanize.IBytes(uint64(sb.Nzones)*common.BLOCK_SIZE), sb.Nzones)
	fmt.Fprintf(w, "Inodes:          %d (%d free)\n", sb.Ninodes, free)
	fmt.Fprintf(w, "Zones:           %d (%d free, %s)\n", sb.Nzones, zones, humanize.IBytes(uint64(zones)*common.BLOCK_SIZE))
	fmt.Fprintf(w, "Imap blocks:     %d (%s)\n", sb.Imap_blocks, digest(sb.Imap))
	fmt.Fprintf(w, "Zmap blocks:     %d (%s)\n", sb.Zmap_blocks, digest(sb.Zmap))
	fmt.Fprintf(w, "First data zone: %d\n", sb.Firstdatazone)
	fmt.Fprintf(w, "Max file size:   %s\n", humanize.IBytes(uint64(sb.Max_size)))
	fmt.Fprintf(w, "Magic:           %#x\n", sb.Magic)

	// read the root directory through a second handle on it
	dir, err := fsys.Open(fsys.DupInode(proc.Root))
	if err != nil {
		slog.Error("unable to open root directory", "error", err)
		os.Exit(1)
	}
	st, err := dir.Stat()
	if err == nil {
		fmt.Fprintf(w, "\nRoot directory (%s):\n", humanize.IBytes(uint64(st.Size)))
		data := make([]byte, st.Size)
		if _, err := dir.ReadAt(data, 0); err != nil && err != io.EOF {
			slog.Error("unable to read root directory", "error", err)
		}
		debug.FprintDirectory(w, data)
	}
	if err := dir.Close(); err != nil {
		slog.Warn("closing root directory failed", "error", err)
	}

	if inodes {
		first := sb.InodeBlock(1)
		last := sb.InodeBlock(int(sb.Ninodes))
		for bnum := first; bnum <= last; bnum++ {
			bp, err := fsys.Cache().GetBlock(rootDev, bnum, common.NORMAL)
			if err != nil {
				slog.Error("unable to read inode table", "block", bnum, "error", err)
				break
			}
			fmt.Fprintf(w, "\nInode table block %d:\n", bnum)
			debug.FprintInodeBlock(w, bp.Data, bnum, sb)
			fsys.Cache().PutBlock(bp)
		}
	}

	stats := fsys.Cache().Stats()
	slog.Debug("block cache", "reads", stats.Reads, "hits", stats.Hits, "misses", stats.Misses)
}
