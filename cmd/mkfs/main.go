// This command is used to create a new minix filesystem image with a root
// directory owned by the superuser (uid 0).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/device"
	"github.com/jnwhiteh/minixcache/internal/logging"
	"github.com/jnwhiteh/minixcache/mkfs"
)

func main() {
	var inodeCount int
	var blockCount int
	var help bool
	var filename string
	var verbose bool

	flag.IntVar(&inodeCount, "inodecount", 0, "the number of inodes in the filesystem (0 for one per three blocks)")
	flag.IntVar(&blockCount, "size", 1440, "the size of the filesystem (in blocks)")
	flag.BoolVar(&help, "help", false, "display the usage for this command")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.StringVar(&filename, "file", "", "the image filename")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logging.Setup(os.Stderr, level)

	if len(filename) == 0 {
		slog.Error("must specify a filename")
		help = true
	}
	if help {
		fmt.Fprintf(os.Stderr, "Usage: %s -file <filename>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	if _, err := mkfs.Geometry(blockCount, inodeCount); err != nil {
		slog.Error("bad geometry", "blocks", blockCount, "inodes", inodeCount, "error", err)
		os.Exit(1)
	}

	dev, err := device.CreateFile(filename, blockCount)
	if err != nil {
		slog.Error("unable to create image", "file", filename, "error", err)
		os.Exit(1)
	}
	defer dev.Close()

	sup, err := mkfs.Format(dev, blockCount, inodeCount)
	if err != nil {
		slog.Error("unable to format image", "file", filename, "error", err)
		os.Exit(1)
	}
	if err := dev.Sync(); err != nil {
		slog.Error("unable to sync image", "file", filename, "error", err)
		os.Exit(1)
	}

	slog.Info("created filesystem",
		"file", filename,
		"size", humanize.IBytes(uint64(blockCount)*common.BLOCK_SIZE),
		"inodes", sup.Ninodes,
		"zones", sup.Nzones,
		"imap blocks", sup.Imap_blocks,
		"zmap blocks", sup.Zmap_blocks,
		"first data zone", sup.Firstdatazone)
}
