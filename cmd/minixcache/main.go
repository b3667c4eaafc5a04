// This command drives the caches against an image: it mounts the image as
// root, creates files and fills their blocks, mounts a scratch floppy on a
// new directory, then syncs everything and reports the cache counters.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/jnwhiteh/minixcache/common"
	"github.com/jnwhiteh/minixcache/config"
	"github.com/jnwhiteh/minixcache/device"
	"github.com/jnwhiteh/minixcache/file"
	minixfs "github.com/jnwhiteh/minixcache/fs"
	"github.com/jnwhiteh/minixcache/internal/logging"
	"github.com/jnwhiteh/minixcache/mkfs"
)

var (
	rootDev   = common.MkDev(common.HD_MAJOR, 1)
	floppyDev = common.MkDev(common.FLOPPY_MAJOR, 0)
)

// openDevice opens the image, creating and formatting it when it does not
// exist yet.
func openDevice(filename string, useBolt bool, blocks int) (common.BlockDevice, error) {
	if useBolt {
		dev, err := device.OpenBolt(filename, blocks)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, common.BLOCK_SIZE)
		if err := dev.ReadBlock(common.SUPER_BLOCK, buf); err != nil {
			dev.Close()
			return nil, err
		}
		if sb, err := common.ReadSuperblock(buf); err == nil && sb.Magic == common.SUPER_MAGIC {
			return dev, nil
		}
		if _, err := mkfs.Format(dev, dev.Blocks(), 0); err != nil {
			dev.Close()
			return nil, err
		}
		return dev, nil
	}

	dev, err := device.OpenFile(filename)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	dev, err = device.CreateFile(filename, blocks)
	if err != nil {
		return nil, err
	}
	if _, err := mkfs.Format(dev, blocks, 0); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

// fill creates a file of the given number of blocks, each block holding
// its own index.
func fill(fsys *minixfs.FileSystem, proc *minixfs.Process, blocks int) (*file.File, error) {
	rip, err := fsys.NewInode(proc, rootDev, common.I_REGULAR|0644)
	if err != nil {
		return nil, err
	}
	f, err := fsys.Open(rip)
	if err != nil {
		fsys.PutInode(rip)
		return nil, err
	}

	data := make([]byte, common.BLOCK_SIZE)
	for i := 0; i < blocks; i++ {
		for j := range data {
			data[j] = byte(i)
		}
		if _, err := f.WriteAt(data, int64(i)*common.BLOCK_SIZE); err != nil {
			return f, err
		}
	}
	return f, nil
}

func run(cfg *config.Config, bdev common.BlockDevice, files, blocks int, remove bool) error {
	fsys, err := minixfs.New(cfg)
	if err != nil {
		return err
	}
	if err := fsys.AttachDevice(rootDev, bdev); err != nil {
		return err
	}
	proc, err := fsys.MountRoot(rootDev)
	if err != nil {
		return err
	}
	defer proc.Exit()

	for n := 0; n < files; n++ {
		f, err := fill(fsys, proc, blocks)
		if f != nil {
			if st, serr := f.Stat(); serr == nil {
				slog.Info("created file", "inum", st.Inum, "size", humanize.IBytes(uint64(st.Size)))
			}
			if remove {
				rip := f.Inode()
				fsys.Inodes().LockInode(rip)
				rip.Nlinks = 0
				fsys.Inodes().UnlockInode(rip)
			}
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if err != nil {
			return err
		}
	}

	// a scratch floppy mounted on a fresh directory
	floppy := device.NewRamdisk(360)
	if _, err := mkfs.Format(floppy, floppy.Blocks(), 0); err != nil {
		return err
	}
	if err := fsys.AttachDevice(floppyDev, floppy); err != nil {
		return err
	}
	mp, err := fsys.NewInode(proc, rootDev, common.I_DIRECTORY|0755)
	if err != nil {
		return err
	}
	if err := fsys.Mount(floppyDev, mp); err != nil {
		fsys.PutInode(mp)
		return err
	}
	if sb := fsys.Supers().Get(floppyDev); sb != nil {
		zones, inodes := sb.Alloc.FreeCounts()
		slog.Info("mounted floppy", "dev", floppyDev, "free zones", zones, "free inodes", inodes)
	}
	inum := mp.Inum
	if err := fsys.Unmount(floppyDev); err != nil {
		return err
	}
	if err := fsys.DetachDevice(floppyDev); err != nil {
		return err
	}

	// the directory has no entry anywhere, so drop it again
	if mp, err = fsys.GetInode(rootDev, inum); err != nil {
		return err
	}
	fsys.Inodes().LockInode(mp)
	mp.Nlinks = 0
	fsys.Inodes().UnlockInode(mp)
	if err := fsys.PutInode(mp); err != nil {
		return err
	}

	if err := fsys.SyncAll(); err != nil {
		return err
	}

	stats := fsys.Cache().Stats()
	sb := fsys.Supers().Get(rootDev)
	zones, inodes := sb.Alloc.FreeCounts()
	fmt.Printf("free:      %s in %d zones, %d inodes\n", humanize.IBytes(uint64(zones)*common.BLOCK_SIZE), zones, inodes)
	fmt.Printf("hits:      %s\n", humanize.Comma(int64(stats.Hits)))
	fmt.Printf("misses:    %s\n", humanize.Comma(int64(stats.Misses)))
	fmt.Printf("evictions: %s\n", humanize.Comma(int64(stats.Evictions)))
	fmt.Printf("reads:     %s\n", humanize.Comma(int64(stats.Reads)))
	fmt.Printf("writes:    %s\n", humanize.Comma(int64(stats.Writes)))
	fmt.Printf("waits:     %s\n", humanize.Comma(int64(stats.Waits)))
	return nil
}

func main() {
	var filename string
	var envfile string
	var useBolt bool
	var size int
	var files int
	var blocks int
	var remove bool

	flag.StringVar(&filename, "file", "minix.img", "the image filename, created if missing")
	flag.StringVar(&envfile, "env", ".env", "configuration file")
	flag.BoolVar(&useBolt, "bolt", false, "keep the image in a bolt block store")
	flag.IntVar(&size, "size", 8192, "size in blocks of a new image")
	flag.IntVar(&files, "files", 4, "files to create")
	flag.IntVar(&blocks, "blocks", 600, "blocks per file")
	flag.BoolVar(&remove, "rm", false, "unlink the files again")
	flag.Parse()

	cfg, err := config.Load(envfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	bdev, err := openDevice(filename, useBolt, size)
	if err != nil {
		slog.Error("unable to open image", "file", filename, "error", err)
		os.Exit(1)
	}

	err = run(cfg, bdev, files, blocks, remove)
	if cerr := bdev.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}
