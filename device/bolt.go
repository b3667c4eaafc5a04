package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jnwhiteh/minixcache/common"
	bolt "go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	sizeKey      = []byte("size")
)

// Bolt is a BlockDevice stored in a bolt database, one key per block that
// has ever been written. Blocks never written read as zeroes, so a large
// empty volume costs nothing.
type Bolt struct {
	db     *bolt.DB
	blocks int
}

var _ common.BlockDevice = (*Bolt)(nil)

func blockKey(bnum int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(bnum))
	return key
}

// OpenBolt opens or creates a block store at path. For a new store blocks
// sets the size; for an existing one blocks may be 0 to use the stored
// size.
func OpenBolt(path string, blocks int) (*Bolt, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("(device-bolt) open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(sizeKey); v != nil && blocks <= 0 {
			blocks = int(binary.BigEndian.Uint64(v))
			return nil
		}
		if blocks <= 0 {
			return fmt.Errorf("no size stored or given: %w", common.EINVAL)
		}
		return meta.Put(sizeKey, blockKey(blocks))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("(device-bolt) init %s: %w", path, err)
	}

	return &Bolt{db, blocks}, nil
}

func (dev *Bolt) check(bnum int, buf []byte) error {
	if len(buf) != common.BLOCK_SIZE {
		return fmt.Errorf("(device-bolt) buffer of %d bytes: %w", len(buf), common.EINVAL)
	}
	if bnum < 0 || bnum >= dev.blocks {
		return fmt.Errorf("(device-bolt) block %d out of range: %w", bnum, common.EIO)
	}
	return nil
}

func (dev *Bolt) ReadBlock(bnum int, buf []byte) error {
	if err := dev.check(bnum, buf); err != nil {
		return err
	}
	return dev.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(blockKey(bnum))
		if v == nil {
			clear(buf)
			return nil
		}
		copy(buf, v)
		return nil
	})
}

func (dev *Bolt) WriteBlock(bnum int, buf []byte) error {
	if err := dev.check(bnum, buf); err != nil {
		return err
	}
	data := append([]byte(nil), buf...)
	return dev.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blockKey(bnum), data)
	})
}

func (dev *Bolt) Blocks() int { return dev.blocks }

func (dev *Bolt) Close() error {
	return dev.db.Close()
}
