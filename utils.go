package merklesig

import (
	"encoding/binary"

	"github.com/bwesterb/go-merklesig/lamport"
	"github.com/bwesterb/go-merklesig/merkle"
)

// Appends x in Big Endian to buf.
func appendUint32(buf []byte, x uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], x)
	return append(buf, tmp[:]...)
}

// Appends the length of data as uint32 followed by data to buf.
func appendLenPrefixed(buf, data []byte) []byte {
	return append(appendUint32(buf, uint32(len(data))), data...)
}

// Reads values from a buffer.  After the first failure, all reads return
// zero values and ok() is false.
type decoder struct {
	buf    []byte
	failed bool
}

func (d *decoder) ok() bool { return !d.failed }

// Returns whether all of the buffer has been consumed without failure.
func (d *decoder) done() bool { return !d.failed && len(d.buf) == 0 }

func (d *decoder) bytes(n int) []byte {
	if d.failed || n < 0 || len(d.buf) < n {
		d.failed = true
		return nil
	}
	ret := make([]byte, n)
	copy(ret, d.buf[:n])
	d.buf = d.buf[n:]
	return ret
}

func (d *decoder) uint32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) uint16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) lenPrefixed() []byte {
	l := d.uint32()
	if uint64(l) > uint64(len(d.buf)) {
		d.failed = true
		return nil
	}
	return d.bytes(int(l))
}

// Returns the encoding of the entry: the length prefixed proof followed by
// the length prefixed signature.  The signature is decoded with the
// algorithm recorded in the proof.
func (entry *SignedEntry) MarshalBinary() ([]byte, error) {
	if entry.Proof == nil || entry.Signature == nil {
		return nil, errorf(Malformed, "entry is incomplete")
	}
	proof, err := entry.Proof.MarshalBinary()
	if err != nil {
		return nil, wrapErrorf(Malformed, err, "cannot encode proof")
	}
	sig, _ := entry.Signature.MarshalBinary()
	buf := make([]byte, 0, 8+len(proof)+len(sig))
	buf = appendLenPrefixed(buf, proof)
	return appendLenPrefixed(buf, sig), nil
}

// Decodes an entry encoded with MarshalBinary.
func (entry *SignedEntry) UnmarshalBinary(buf []byte) error {
	d := decoder{buf: buf}
	if err := entry.decode(&d); err != nil {
		return err
	}
	if !d.done() {
		return errorf(Malformed, "trailing data after signed entry")
	}
	return nil
}

func (entry *SignedEntry) decode(d *decoder) Error {
	proofBuf := d.lenPrefixed()
	sigBuf := d.lenPrefixed()
	if !d.ok() {
		return errorf(Malformed, "signed entry is truncated")
	}
	proof, err := merkle.ParseProof(proofBuf)
	if err != nil {
		return wrapErrorf(Malformed, err, "cannot parse inclusion proof")
	}
	sig, err := lamport.SignatureFromBytes(proof.Algorithm, sigBuf)
	if err != nil {
		return wrapErrorf(Malformed, err, "cannot parse signature")
	}
	entry.Proof = proof
	entry.Signature = sig
	return nil
}

// Returns the encoding of the vector: the number of entries followed by
// the length prefixed entries.
func (vec SignedVector) MarshalBinary() ([]byte, error) {
	buf := appendUint32(nil, uint32(len(vec)))
	for i := range vec {
		entryBuf, err := vec[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = appendLenPrefixed(buf, entryBuf)
	}
	return buf, nil
}

// Decodes a vector encoded with SignedVector.MarshalBinary.
func ParseSignedVector(buf []byte) (SignedVector, error) {
	d := decoder{buf: buf}
	vec, err := decodeVector(&d)
	if err != nil {
		return nil, err
	}
	if !d.done() {
		return nil, errorf(Malformed, "trailing data after signed vector")
	}
	return vec, nil
}

func decodeVector(d *decoder) (SignedVector, Error) {
	count := d.uint32()
	if !d.ok() || uint64(count) > uint64(len(d.buf)/4) {
		return nil, errorf(Malformed, "invalid number of entries")
	}
	vec := make(SignedVector, count)
	for i := range vec {
		entryBuf := d.lenPrefixed()
		if !d.ok() {
			return nil, errorf(Malformed, "entry %d is truncated", i)
		}
		if err := vec[i].UnmarshalBinary(entryBuf); err != nil {
			return nil, wrapErrorf(Malformed, err, "entry %d", i)
		}
	}
	return vec, nil
}
