// Package digest provides the hash algorithms the Merkle signature scheme is
// parametrised over.  An Algorithm is a small capability object: it can
// create a running hash context, knows its output size and has a stable
// numeric identifier so that it survives serialization.
package digest

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// Stable identifier of a hash algorithm.  These are written into proofs,
// so existing values must never be reassigned.
type ID uint16

const (
	SHA2_256    ID = 0x0001
	SHA2_384    ID = 0x0002
	SHA2_512    ID = 0x0003
	SHA2_512256 ID = 0x0004
	SHA3_256    ID = 0x0011
	SHA3_384    ID = 0x0012
	SHA3_512    ID = 0x0013
	SHAKE128    ID = 0x0021 // 32 byte output
	SHAKE256    ID = 0x0022 // 64 byte output
	BLAKE2b_256 ID = 0x0031
	BLAKE2b_512 ID = 0x0032
	BLAKE2s_256 ID = 0x0041
)

// A cryptographic hash algorithm.
type Algorithm interface {
	// Returns a fresh hash context.
	New() hash.Hash

	// Size of the digests in bytes.
	Size() int

	// Stable identifier of the algorithm.
	ID() ID

	// Name of the algorithm, eg. SHA2-512.
	Name() string
}

// Computes the digest of the concatenation of the given byte slices.
func Sum(alg Algorithm, parts ...[]byte) []byte {
	h := alg.New()
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

type algorithm struct {
	id   ID
	name string
	size int
	new  func() hash.Hash
}

func (a *algorithm) New() hash.Hash { return a.new() }
func (a *algorithm) Size() int      { return a.size }
func (a *algorithm) ID() ID         { return a.id }
func (a *algorithm) Name() string   { return a.name }
func (a *algorithm) String() string { return a.name }

// blake2 constructors only fail on oversized keys; we never pass one.
func mustBlake(f func([]byte) (hash.Hash, error)) func() hash.Hash {
	return func() hash.Hash {
		h, err := f(nil)
		if err != nil {
			panic(err)
		}
		return h
	}
}

// Built-in hash algorithms
var builtins = []*algorithm{
	{SHA2_256, "SHA2-256", sha256.Size, sha256.New},
	{SHA2_384, "SHA2-384", sha512.Size384, sha512.New384},
	{SHA2_512, "SHA2-512", sha512.Size, sha512.New},
	{SHA2_512256, "SHA2-512/256", sha512.Size256, sha512.New512_256},
	{SHA3_256, "SHA3-256", 32, sha3.New256},
	{SHA3_384, "SHA3-384", 48, sha3.New384},
	{SHA3_512, "SHA3-512", 64, sha3.New512},
	{SHAKE128, "SHAKE128", 32, func() hash.Hash { return sha3.NewShake128() }},
	{SHAKE256, "SHAKE256", 64, func() hash.Hash { return sha3.NewShake256() }},
	{BLAKE2b_256, "BLAKE2b-256", blake2b.Size256, mustBlake(blake2b.New256)},
	{BLAKE2b_512, "BLAKE2b-512", blake2b.Size, mustBlake(blake2b.New512)},
	{BLAKE2s_256, "BLAKE2s-256", blake2s.Size, mustBlake(blake2s.New256)},
}

var (
	// Returned (wrapped) by Register for a clashing identifier or name.
	ErrAlreadyRegistered = errors.New("digest: algorithm already registered")

	// Returned (wrapped) by Register for an algorithm that is unusable.
	ErrInvalidAlgorithm = errors.New("digest: invalid algorithm")
)

// The registry.  It is filled by variable initialization (rather than
// init()) so that the shorthands below can use it.
var registry = func() *registryT {
	r := &registryT{
		byName: make(map[string]Algorithm),
		byID:   make(map[ID]Algorithm),
	}
	for _, entry := range builtins {
		r.add(entry)
	}
	return r
}()

type registryT struct {
	mux    sync.RWMutex
	names  []string // in order of registration
	byName map[string]Algorithm
	byID   map[ID]Algorithm
}

func (r *registryT) add(alg Algorithm) {
	r.names = append(r.names, alg.Name())
	r.byName[alg.Name()] = alg
	r.byID[alg.ID()] = alg
}

// Adds a caller-supplied algorithm to the registry, so that proofs made
// with it can be decoded with FromID and Lookup.  The identifier and the
// name must not be in use yet.
func Register(alg Algorithm) error {
	if alg == nil {
		return fmt.Errorf("%w: nil", ErrInvalidAlgorithm)
	}
	if alg.Name() == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAlgorithm)
	}
	if alg.Size() <= 0 || len(alg.New().Sum(nil)) != alg.Size() {
		return fmt.Errorf("%w: %s does not produce %d byte digests",
			ErrInvalidAlgorithm, alg.Name(), alg.Size())
	}

	registry.mux.Lock()
	defer registry.mux.Unlock()
	if other, ok := registry.byID[alg.ID()]; ok {
		return fmt.Errorf("%w: identifier 0x%04x is taken by %s",
			ErrAlreadyRegistered, uint16(alg.ID()), other.Name())
	}
	if _, ok := registry.byName[alg.Name()]; ok {
		return fmt.Errorf("%w: name %s is taken", ErrAlreadyRegistered,
			alg.Name())
	}
	registry.add(alg)
	return nil
}

// Input hashed by Registered to compare two algorithms.
var fingerprintInput = []byte("go-merklesig digest fingerprint")

// Reports whether alg is the algorithm registered under its identifier,
// that is, whether FromID(alg.ID()) computes the same hash function.
func Registered(alg Algorithm) bool {
	if alg == nil {
		return false
	}
	reg := FromID(alg.ID())
	if reg == nil || reg.Name() != alg.Name() || reg.Size() != alg.Size() {
		return false
	}
	return bytes.Equal(Sum(reg, fingerprintInput), Sum(alg, fingerprintInput))
}

// Returns the algorithm with the given name (and nil if it is unknown).
func FromName(name string) Algorithm {
	registry.mux.RLock()
	defer registry.mux.RUnlock()
	return registry.byName[name]
}

// Returns the algorithm with the given identifier (and nil if it is unknown).
func FromID(id ID) Algorithm {
	registry.mux.RLock()
	defer registry.mux.RUnlock()
	return registry.byID[id]
}

// Like FromID, but returns an error for unknown identifiers.
func Lookup(id ID) (Algorithm, error) {
	alg := FromID(id)
	if alg == nil {
		return nil, fmt.Errorf("unknown hash algorithm 0x%04x", uint16(id))
	}
	return alg, nil
}

// List the names of all registered algorithms
func ListNames() []string {
	registry.mux.RLock()
	defer registry.mux.RUnlock()
	return append([]string(nil), registry.names...)
}

// Shorthands for the most common algorithms.
var (
	SHA256  = FromID(SHA2_256)
	SHA512  = FromID(SHA2_512)
	SHA3256 = FromID(SHA3_256)
)
