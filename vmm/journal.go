package vmm

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Journal persists registry entries across daemon restarts. Backends are
// never persisted; a reloaded VM is registered but not booted.
type Journal interface {
	Put(vmid uint64, path string) error
	Delete(vmid uint64) error
	Load() (map[uint64]string, error)
	Close() error
}

const schemaVersion = "v1"

var (
	bucketKeyVersion = []byte(schemaVersion)
	bucketKeyVMs     = []byte("vms")
)

func getBucket(tx *bolt.Tx, keys ...[]byte) *bolt.Bucket {
	bkt := tx.Bucket(keys[0])
	for _, key := range keys[1:] {
		if bkt == nil {
			break
		}
		bkt = bkt.Bucket(key)
	}
	return bkt
}

func createBucketIfNotExists(tx *bolt.Tx, keys ...[]byte) (*bolt.Bucket, error) {
	bkt, err := tx.CreateBucketIfNotExists(keys[0])
	if err != nil {
		return nil, err
	}
	for _, key := range keys[1:] {
		bkt, err = bkt.CreateBucketIfNotExists(key)
		if err != nil {
			return nil, err
		}
	}
	return bkt, nil
}

func vmKey(vmid uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, vmid)
	return k
}

// BoltJournal stores vmid -> disk image path in a bbolt database.
type BoltJournal struct {
	db *bolt.DB
}

// OpenBoltJournal opens or creates the database at path.
func OpenBoltJournal(path string) (*BoltJournal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open state db %s", path)
	}
	return &BoltJournal{db: db}, nil
}

func (j *BoltJournal) Put(vmid uint64, path string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bkt, err := createBucketIfNotExists(tx, bucketKeyVersion, bucketKeyVMs)
		if err != nil {
			return err
		}
		return bkt.Put(vmKey(vmid), []byte(path))
	})
}

// Delete removes vmid; a missing entry is not an error.
func (j *BoltJournal) Delete(vmid uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bkt := getBucket(tx, bucketKeyVersion, bucketKeyVMs)
		if bkt == nil {
			return nil
		}
		return bkt.Delete(vmKey(vmid))
	})
}

func (j *BoltJournal) Load() (map[uint64]string, error) {
	content := map[uint64]string{}
	err := j.db.View(func(tx *bolt.Tx) error {
		bkt := getBucket(tx, bucketKeyVersion, bucketKeyVMs)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return errors.Errorf("malformed key %x in bucket %s", k, bucketKeyVMs)
			}
			content[binary.BigEndian.Uint64(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (j *BoltJournal) Close() error {
	return j.db.Close()
}
