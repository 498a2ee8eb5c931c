package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	merklesig "github.com/bwesterb/go-merklesig"
)

// Key prefixes.  The meta record of a bundle lives at "m"+root and its
// records at "e"+root+index.
const (
	prefixMeta  = 'm'
	prefixEntry = 'e'
)

// Store backed by a LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB

	// Serializes PutBundle, so that its existence check and write are atomic.
	putMux sync.Mutex
}

// Opens (or creates) the LevelDB archive in the given directory.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func metaDBKey(root []byte) []byte {
	return append([]byte{prefixMeta}, root...)
}

func entryDBKey(root []byte, index uint32) []byte {
	key := append([]byte{prefixEntry}, root...)
	return append(key, indexKey(index)...)
}

func (s *LevelDBStore) PutBundle(b *merklesig.Bundle) error {
	m, records, err := bundleRecords(b)
	if err != nil {
		return err
	}
	s.putMux.Lock()
	defer s.putMux.Unlock()
	has, err := s.db.Has(metaDBKey(b.Root), nil)
	if err != nil {
		return err
	}
	if has {
		return ErrExists
	}

	batch := new(leveldb.Batch)
	for i, rec := range records {
		batch.Put(entryDBKey(b.Root, uint32(i)), rec)
	}
	batch.Put(metaDBKey(b.Root), m.encode())
	return s.db.Write(batch, nil)
}

func (s *LevelDBStore) loadMeta(root []byte) (meta, error) {
	buf, err := s.db.Get(metaDBKey(root), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return meta{}, ErrNotFound
	}
	if err != nil {
		return meta{}, err
	}
	return decodeMeta(buf)
}

func (s *LevelDBStore) record(root []byte, index uint32) ([]byte, error) {
	rec, err := s.db.Get(entryDBKey(root, index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("store: record %d is missing", index)
	}
	return rec, err
}

func (s *LevelDBStore) Get(root []byte, index int) ([]byte, *merklesig.SignedEntry, error) {
	m, err := s.loadMeta(root)
	if err != nil {
		return nil, nil, err
	}
	if index < 0 || uint64(index) >= uint64(m.count) {
		return nil, nil, ErrNotFound
	}
	rec, err := s.record(root, uint32(index))
	if err != nil {
		return nil, nil, err
	}
	return decodeRecord(rec)
}

func (s *LevelDBStore) Roots() ([][]byte, error) {
	var roots [][]byte
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixMeta}), nil)
	for iter.Next() {
		roots = append(roots, append([]byte{}, iter.Key()[1:]...))
	}
	err := iter.Error()
	iter.Release()
	return roots, err
}

func (s *LevelDBStore) Bundle(root []byte) (*merklesig.Bundle, error) {
	m, err := s.loadMeta(root)
	if err != nil {
		return nil, err
	}
	return assembleBundle(m, func(i uint32) ([]byte, error) {
		return s.record(root, i)
	})
}
