package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	merklesig "github.com/bwesterb/go-merklesig"
)

var (
	bucketBundles = []byte("bundles_by_root")
	metaKey       = []byte("m")
)

// Store backed by a bbolt database.  Every bundle gets a nested bucket,
// named by its root hash, with the meta record and one record per index.
type BoltStore struct {
	db *bolt.DB
}

// Opens (or creates) the bbolt archive at the given path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBundles)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", string(bucketBundles), err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) PutBundle(b *merklesig.Bundle) error {
	m, records, err := bundleRecords(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bundles := tx.Bucket(bucketBundles)
		if bundles.Bucket(b.Root) != nil {
			return ErrExists
		}
		bkt, err := bundles.CreateBucket(b.Root)
		if err != nil {
			return fmt.Errorf("create bundle bucket: %w", err)
		}
		if err := bkt.Put(metaKey, m.encode()); err != nil {
			return err
		}
		for i, rec := range records {
			if err := bkt.Put(indexKey(uint32(i)), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Returns the bucket of the given root and its meta record.
func boltBundle(tx *bolt.Tx, root []byte) (*bolt.Bucket, meta, error) {
	bkt := tx.Bucket(bucketBundles).Bucket(root)
	if bkt == nil {
		return nil, meta{}, ErrNotFound
	}
	m, err := decodeMeta(bkt.Get(metaKey))
	return bkt, m, err
}

func (s *BoltStore) Get(root []byte, index int) (
	msg []byte, entry *merklesig.SignedEntry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt, m, err := boltBundle(tx, root)
		if err != nil {
			return err
		}
		if index < 0 || uint64(index) >= uint64(m.count) {
			return ErrNotFound
		}
		// Values are only valid within the transaction; decodeRecord copies.
		msg, entry, err = decodeRecord(bkt.Get(indexKey(uint32(index))))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, entry, nil
}

func (s *BoltStore) Roots() ([][]byte, error) {
	var roots [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				roots = append(roots, append([]byte{}, k...))
			}
			return nil
		})
	})
	return roots, err
}

func (s *BoltStore) Bundle(root []byte) (*merklesig.Bundle, error) {
	var b *merklesig.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt, m, err := boltBundle(tx, root)
		if err != nil {
			return err
		}
		b, err = assembleBundle(m, func(i uint32) ([]byte, error) {
			rec := bkt.Get(indexKey(i))
			if rec == nil {
				return nil, fmt.Errorf("store: record %d is missing", i)
			}
			return rec, nil
		})
		return err
	})
	return b, err
}
