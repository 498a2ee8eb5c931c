package merkle

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bwesterb/go-merklesig/digest"
)

// Version of the proof encoding.
const proofVersion byte = 1

// Returned when a proof cannot be decoded.
var ErrMalformedProof = errors.New("merkle: malformed proof")

// The side on which a sibling sits.
type Side byte

const (
	Left  Side = 0
	Right Side = 1
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// A sibling hash on the path from a leaf to the root.
type PathNode struct {
	Hash []byte
	Side Side
}

// Inclusion proof of a leaf.
type Proof struct {
	Algorithm digest.Algorithm
	RootHash  []byte

	// Sibling hashes, from the leaf up to the root.  Levels on which the
	// node was promoted without a sibling are skipped.
	Path []PathNode

	// Encoding of the leaf.
	Value []byte
}

// Recomputes the root hash from the leaf value and path.
func (p *Proof) computeRoot() []byte {
	h := p.Algorithm.New()
	h.Write([]byte{leafPrefix})
	h.Write(p.Value)
	cur := h.Sum(nil)
	for _, node := range p.Path {
		if node.Side == Left {
			cur = nodeHash(h, node.Hash, cur)
		} else {
			cur = nodeHash(h, cur, node.Hash)
		}
	}
	return cur
}

// Checks that the proof is well formed, that its path leads from its value
// to its root hash and that its root hash equals root.
func (p *Proof) Validate(root []byte) bool {
	if p == nil || p.Algorithm == nil {
		return false
	}
	n := p.Algorithm.Size()
	if len(p.RootHash) != n || len(root) != n {
		return false
	}
	for _, node := range p.Path {
		if len(node.Hash) != n || node.Side > Right {
			return false
		}
	}
	return subtle.ConstantTimeCompare(p.computeRoot(), p.RootHash)&
		subtle.ConstantTimeCompare(p.RootHash, root) == 1
}

// Encodes the proof.  The encoding starts with a version byte followed by
// the algorithm identifier, so that ParseProof can recover the algorithm.
// Returns an error if the proof is incomplete.
func (p *Proof) MarshalBinary() ([]byte, error) {
	if p.Algorithm == nil {
		return nil, errors.New("merkle: proof has no algorithm")
	}
	n := p.Algorithm.Size()
	if len(p.RootHash) != n {
		return nil, fmt.Errorf("merkle: root hash has %d bytes instead of %d",
			len(p.RootHash), n)
	}

	var buf bytes.Buffer
	var tmp [4]byte
	buf.WriteByte(proofVersion)
	binary.BigEndian.PutUint16(tmp[:2], uint16(p.Algorithm.ID()))
	buf.Write(tmp[:2])
	buf.Write(p.RootHash)
	binary.BigEndian.PutUint32(tmp[:], uint32(len(p.Path)))
	buf.Write(tmp[:])
	for _, node := range p.Path {
		if len(node.Hash) != n {
			return nil, fmt.Errorf("merkle: path hash has %d bytes instead of %d",
				len(node.Hash), n)
		}
		buf.WriteByte(byte(node.Side))
		buf.Write(node.Hash)
	}
	binary.BigEndian.PutUint32(tmp[:], uint32(len(p.Value)))
	buf.Write(tmp[:])
	buf.Write(p.Value)
	return buf.Bytes(), nil
}

// Decodes a proof encoded with MarshalBinary.
func (p *Proof) UnmarshalBinary(buf []byte) error {
	if len(buf) < 3 {
		return ErrMalformedProof
	}
	hdr := buf[:3]
	if hdr[0] != proofVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedProof, hdr[0])
	}
	alg, err := digest.Lookup(digest.ID(binary.BigEndian.Uint16(hdr[1:])))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	n := alg.Size()

	rest := buf[3:]
	take := func(l int) ([]byte, bool) {
		if l < 0 || len(rest) < l {
			return nil, false
		}
		ret := make([]byte, l)
		copy(ret, rest[:l])
		rest = rest[l:]
		return ret, true
	}
	// Reads a uint32 that must not exceed limit.  Compared as uint64, as
	// int may be 32 bits.
	takeCount := func(limit int) (int, bool) {
		b, ok := take(4)
		if !ok {
			return 0, false
		}
		x := binary.BigEndian.Uint32(b)
		if uint64(x) > uint64(limit) {
			return 0, false
		}
		return int(x), true
	}

	root, ok := take(n)
	if !ok {
		return ErrMalformedProof
	}
	count, ok := takeCount((len(rest) - 4) / (n + 1))
	if !ok {
		return ErrMalformedProof
	}
	path := make([]PathNode, count)
	for i := range path {
		side, _ := take(1)
		if Side(side[0]) > Right {
			return fmt.Errorf("%w: invalid side %d", ErrMalformedProof, side[0])
		}
		path[i].Side = Side(side[0])
		path[i].Hash, _ = take(n)
	}
	vlen, ok := takeCount(len(rest) - 4)
	if !ok {
		return ErrMalformedProof
	}
	value, ok := take(vlen)
	if !ok || len(rest) != 0 {
		return ErrMalformedProof
	}

	p.Algorithm = alg
	p.RootHash = root
	p.Path = path
	p.Value = value
	return nil
}

// Decodes a proof encoded with MarshalBinary.
func ParseProof(buf []byte) (*Proof, error) {
	var p Proof
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return &p, nil
}
