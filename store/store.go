// Package store archives signed bundles in a key-value database, indexed by
// root hash and leaf index, so that individual (message, entry) pairs can be
// looked up long after the signing session.
//
// Two backends are provided: bbolt (OpenBolt) and LevelDB (OpenLevelDB).
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	merklesig "github.com/bwesterb/go-merklesig"
	"github.com/bwesterb/go-merklesig/digest"
)

var (
	// Returned when a root or entry is not in the archive.
	ErrNotFound = errors.New("store: not found")

	// Returned by PutBundle when a bundle with the same root is archived.
	ErrExists = errors.New("store: bundle already archived")
)

// An archive of bundles.
type Store interface {
	// Stores all entries of the bundle under its root hash.
	PutBundle(b *merklesig.Bundle) error

	// Returns the message and entry at the given index of the bundle with
	// the given root hash.
	Get(root []byte, index int) ([]byte, *merklesig.SignedEntry, error)

	// Returns the root hashes of all archived bundles.
	Roots() ([][]byte, error)

	// Returns the complete bundle with the given root hash.
	Bundle(root []byte) (*merklesig.Bundle, error)

	Close() error
}

// Summary of an archived bundle.
type meta struct {
	alg   digest.ID
	count uint32
}

func (m meta) encode() []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf, uint16(m.alg))
	binary.BigEndian.PutUint32(buf[2:], m.count)
	return buf
}

func decodeMeta(buf []byte) (meta, error) {
	if len(buf) != 6 {
		return meta{}, fmt.Errorf("store: meta record has %d bytes", len(buf))
	}
	return meta{
		alg:   digest.ID(binary.BigEndian.Uint16(buf)),
		count: binary.BigEndian.Uint32(buf[2:]),
	}, nil
}

func indexKey(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// Encodes a message and its entry into one record.
func encodeRecord(msg []byte, entry *merklesig.SignedEntry) ([]byte, error) {
	entryBuf, err := entry.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4, 4+len(msg)+len(entryBuf))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	buf = append(buf, msg...)
	return append(buf, entryBuf...), nil
}

func decodeRecord(buf []byte) ([]byte, *merklesig.SignedEntry, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("store: record is truncated")
	}
	l := binary.BigEndian.Uint32(buf)
	if uint64(l) > uint64(len(buf)-4) {
		return nil, nil, fmt.Errorf("store: record is truncated")
	}
	msg := make([]byte, l)
	copy(msg, buf[4:])
	var entry merklesig.SignedEntry
	if err := entry.UnmarshalBinary(buf[4+l:]); err != nil {
		return nil, nil, fmt.Errorf("store: decode entry: %w", err)
	}
	return msg, &entry, nil
}

// Returns the records of the bundle, checking it first.
func bundleRecords(b *merklesig.Bundle) (meta, [][]byte, error) {
	if b == nil || len(b.Entries) == 0 || len(b.Entries) != len(b.Messages) {
		return meta{}, nil, fmt.Errorf("store: incomplete bundle")
	}
	records := make([][]byte, len(b.Entries))
	for i := range b.Entries {
		rec, err := encodeRecord(b.Messages[i], &b.Entries[i])
		if err != nil {
			return meta{}, nil, fmt.Errorf("store: encode entry %d: %w", i, err)
		}
		records[i] = rec
	}
	return meta{alg: b.Algorithm.ID(), count: uint32(len(records))}, records, nil
}

// Assembles a bundle from its meta record and a function returning the
// record at the given index.
func assembleBundle(m meta, get func(uint32) ([]byte, error)) (
	*merklesig.Bundle, error) {
	msgs := make([][]byte, m.count)
	vec := make(merklesig.SignedVector, m.count)
	for i := uint32(0); i < m.count; i++ {
		rec, err := get(i)
		if err != nil {
			return nil, err
		}
		msg, entry, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
		vec[i] = *entry
	}
	b, err := merklesig.NewBundle(msgs, vec)
	if err != nil {
		return nil, err
	}
	if b.Algorithm.ID() != m.alg {
		return nil, fmt.Errorf("store: bundle algorithm does not match meta record")
	}
	return b, nil
}
