// Package merkle implements a binary Merkle authentication tree over an
// ordered list of leaves together with inclusion proofs.
//
// Leaves are hashed as H(0x00 || leaf) and internal nodes as
// H(0x01 || left || right), so that a leaf can never be confused with an
// internal node.  If a level has an odd number of nodes, the last node is
// promoted to the next level unchanged.
package merkle

import (
	"errors"
	"hash"

	"github.com/bwesterb/go-merklesig/digest"
	"github.com/bwesterb/go-merklesig/internal/pool"
)

const (
	leafPrefix     byte = 0x00
	internalPrefix byte = 0x01
)

var (
	// Returned by NewTree when there are no leaves.
	ErrEmptyTree = errors.New("merkle: cannot build a tree without leaves")

	// Returned by GenerateProof when the leaf is not in the tree.
	ErrLeafNotFound = errors.New("merkle: leaf not found in tree")

	// Returned by GenerateProof when the leaf occurs more than once.
	ErrAmbiguousLeaf = errors.New("merkle: leaf occurs more than once in tree")
)

// A value that can be stored in the tree.
//
// WriteHash must write exactly Bytes() into the hash: proofs carry Bytes()
// and recompute the leaf hash from it.
type Hashable interface {
	WriteHash(h hash.Hash)
	Bytes() []byte
}

// Immutable Merkle tree.  Safe for concurrent use.
type Tree struct {
	alg    digest.Algorithm
	levels [][][]byte // levels[0] are the leaf hashes; the last is the root
	values [][]byte   // encodings of the leaves
	lut    map[string]int
}

// Hash of a leaf.
func leafHash(h hash.Hash, leaf Hashable) []byte {
	h.Reset()
	h.Write([]byte{leafPrefix})
	leaf.WriteHash(h)
	return h.Sum(nil)
}

// Hash of an internal node.
func nodeHash(h hash.Hash, left, right []byte) []byte {
	h.Reset()
	h.Write([]byte{internalPrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Builds a tree over the given leaves, in order.  The leaves are hashed
// using the given number of threads (0 means one per CPU).
func NewTree(alg digest.Algorithm, leaves []Hashable, threads int) (*Tree, error) {
	if alg == nil {
		return nil, errors.New("merkle: no hash algorithm given")
	}
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	t := &Tree{
		alg:    alg,
		values: make([][]byte, len(leaves)),
	}

	// First, hash the leaves.
	level := make([][]byte, len(leaves))
	pool.For(threads, len(leaves), func(i int) {
		level[i] = leafHash(alg.New(), leaves[i])
		t.values[i] = leaves[i].Bytes()
	})
	t.levels = append(t.levels, level)

	// Next, the internal nodes and root.
	h := alg.New()
	for len(level) > 1 {
		next := make([][]byte, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next[i/2] = nodeHash(h, level[i], level[i+1])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		t.levels = append(t.levels, next)
		level = next
	}

	// Index of leaf hashes; -1 marks duplicates.
	t.lut = make(map[string]int, len(leaves))
	for i, lh := range t.levels[0] {
		if _, ok := t.lut[string(lh)]; ok {
			t.lut[string(lh)] = -1
		} else {
			t.lut[string(lh)] = i
		}
	}

	return t, nil
}

// Returns the root hash of the tree.
func (t *Tree) RootHash() []byte {
	root := t.levels[len(t.levels)-1][0]
	ret := make([]byte, len(root))
	copy(ret, root)
	return ret
}

// Returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.values)
}

// Returns the hash algorithm used by the tree.
func (t *Tree) Algorithm() digest.Algorithm {
	return t.alg
}

// Returns the index of the given leaf.
func (t *Tree) IndexOf(leaf Hashable) (int, error) {
	idx, ok := t.lut[string(leafHash(t.alg.New(), leaf))]
	if !ok {
		return 0, ErrLeafNotFound
	}
	if idx < 0 {
		return 0, ErrAmbiguousLeaf
	}
	return idx, nil
}

// Generates the inclusion proof for the given leaf.
func (t *Tree) GenerateProof(leaf Hashable) (*Proof, error) {
	idx, err := t.IndexOf(leaf)
	if err != nil {
		return nil, err
	}
	return t.ProofAt(idx)
}

// Generates the inclusion proof for the leaf at the given index.
func (t *Tree) ProofAt(idx int) (*Proof, error) {
	if idx < 0 || idx >= len(t.values) {
		return nil, ErrLeafNotFound
	}

	proof := &Proof{
		Algorithm: t.alg,
		RootHash:  t.RootHash(),
		Value:     append([]byte{}, t.values[idx]...),
	}

	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			side := Right
			if sibling < idx {
				side = Left
			}
			proof.Path = append(proof.Path, PathNode{
				Hash: append([]byte{}, level[sibling]...),
				Side: side,
			})
		}
		// Otherwise the node is promoted and there is no sibling.
		idx /= 2
	}

	return proof, nil
}
