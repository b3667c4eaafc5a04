// This command checks the consistency of a minix file system: every zone
// and inode reachable from the inode table must be marked in the bitmaps,
// and nothing else. It does not walk directories.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/config"
	"github.com/jnwhiteh/minixcache/device"
	minixfs "github.com/jnwhiteh/minixcache/fs"
	"github.com/jnwhiteh/minixcache/internal/logging"
)

var rootDev = common.MkDev(common.HD_MAJOR, 1)

var repair = flag.Bool("repair", false, "repair the bitmaps")
var filename = flag.String("file", "minix.img", "the disk image to check")
var useBolt = flag.Bool("bolt", false, "the image is a bolt block store")
var envfile = flag.String("env", ".env", "configuration file")
var help = flag.Bool("help", false, "print usage information")

// chkdev checks the volume in bdev and returns the number of problems.
func chkdev(cfg *config.Config, bdev common.BlockDevice, out io.Writer, repair bool) (int, error) {
	fsys, err := minixfs.New(cfg)
	if err != nil {
		return 0, err
	}
	if err := fsys.AttachDevice(rootDev, bdev); err != nil {
		return 0, err
	}
	proc, err := fsys.MountRoot(rootDev)
	if err != nil {
		return 0, err
	}
	defer proc.Exit()

	ck, err := newChecker(fsys, rootDev, out)
	if err != nil {
		return 0, err
	}
	n, err := ck.run(repair)
	if err != nil {
		return n, err
	}
	if repair && n > 0 {
		if err := fsys.SyncAll(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func main() {
	flag.Parse()
	if *help {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*envfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	var bdev common.BlockDevice
	if *useBolt {
		bdev, err = device.OpenBolt(*filename, 0)
	} else {
		bdev, err = device.OpenFile(*filename)
	}
	if err != nil {
		slog.Error("couldn't open device to fsck", "file", *filename, "error", err)
		os.Exit(1)
	}
	defer bdev.Close()

	n, err := chkdev(cfg, bdev, os.Stdout, *repair)
	if err != nil {
		slog.Error("check failed", "file", *filename, "error", err)
		os.Exit(1)
	}
	if n > 0 {
		slog.Warn("problems found", "count", n, "repaired", *repair)
		os.Exit(1)
	}
	slog.Info("file system is clean", "file", *filename)
}
