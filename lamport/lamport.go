// Package lamport implements Lamport one-time signatures over an arbitrary
// hash algorithm.
//
// For an algorithm with n-byte digests a private key consists of 2*8n random
// n-byte preimages: one pair per bit of the message digest.  The public key
// is the list of their hashes.  A signature reveals, for every bit of the
// digest of the message, the preimage belonging to the value of that bit.
// Revealing preimages for two different messages leaks enough of the private
// key to forge, hence a PrivateKey refuses to sign more than once.
package lamport

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bwesterb/go-merklesig/digest"
)

var (
	// Returned when signing with a key that has already signed a message.
	ErrKeyConsumed = errors.New("lamport: private key has already been used")

	// Returned when an encoded key or signature has the wrong length.
	ErrInvalidLength = errors.New("lamport: encoding has wrong length")
)

// Lamport private key.  Can sign exactly one message.
type PrivateKey struct {
	mux   sync.Mutex
	alg   digest.Algorithm
	zeros []byte // preimages revealed for 0 bits
	ones  []byte // preimages revealed for 1 bits
	used  bool
	pk    *PublicKey
}

// Lamport public key
type PublicKey struct {
	alg   digest.Algorithm
	zeros []byte
	ones  []byte
}

// Lamport signature
type Signature struct {
	alg digest.Algorithm
	buf []byte // one revealed preimage per digest bit
}

// Number of bits signed, which is the number of preimage pairs.
func bits(alg digest.Algorithm) int {
	return 8 * alg.Size()
}

// Returns the size of the encoding of a public key for the given algorithm.
func PublicKeySize(alg digest.Algorithm) int {
	return 2 * bits(alg) * alg.Size()
}

// Returns the size of the encoding of a signature for the given algorithm.
func SignatureSize(alg digest.Algorithm) int {
	return bits(alg) * alg.Size()
}

// Generates a fresh key pair.  If rng is nil, crypto/rand is used.
func GenerateKey(alg digest.Algorithm, rng io.Reader) (*PrivateKey, error) {
	if alg == nil {
		return nil, errors.New("lamport: no hash algorithm given")
	}
	if rng == nil {
		rng = rand.Reader
	}
	n := alg.Size()
	half := bits(alg) * n
	buf := make([]byte, 2*half)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return nil, fmt.Errorf("lamport: reading randomness: %w", err)
	}

	sk := &PrivateKey{
		alg:   alg,
		zeros: buf[:half],
		ones:  buf[half:],
	}
	sk.pk = &PublicKey{
		alg:   alg,
		zeros: hashChunks(alg, sk.zeros),
		ones:  hashChunks(alg, sk.ones),
	}
	return sk, nil
}

// Hashes each n-byte chunk of in.
func hashChunks(alg digest.Algorithm, in []byte) []byte {
	n := alg.Size()
	out := make([]byte, 0, len(in))
	h := alg.New()
	for off := 0; off < len(in); off += n {
		h.Reset()
		h.Write(in[off : off+n])
		out = h.Sum(out)
	}
	return out
}

// Returns the value of the i-th bit of buf, most significant bit first.
func bit(buf []byte, i int) byte {
	return (buf[i/8] >> uint(7-i%8)) & 1
}

// Returns the public key belonging to this private key.  It remains
// available after the private key has been used.
func (sk *PrivateKey) PublicKey() *PublicKey {
	return sk.pk
}

// Returns the hash algorithm of this key.
func (sk *PrivateKey) Algorithm() digest.Algorithm {
	return sk.alg
}

// Returns whether this key has been used (or wiped).
func (sk *PrivateKey) Used() bool {
	sk.mux.Lock()
	defer sk.mux.Unlock()
	return sk.used
}

// Signs msg.  This consumes the private key: the preimages are erased and
// any further call returns ErrKeyConsumed.
func (sk *PrivateKey) Sign(msg []byte) (*Signature, error) {
	sk.mux.Lock()
	defer sk.mux.Unlock()

	if sk.used {
		return nil, ErrKeyConsumed
	}

	n := sk.alg.Size()
	mhash := digest.Sum(sk.alg, msg)
	sig := &Signature{
		alg: sk.alg,
		buf: make([]byte, bits(sk.alg)*n),
	}
	for i := 0; i < bits(sk.alg); i++ {
		src := sk.zeros
		if bit(mhash, i) == 1 {
			src = sk.ones
		}
		copy(sig.buf[i*n:(i+1)*n], src[i*n:(i+1)*n])
	}

	sk.wipe()
	return sig, nil
}

// Erases the private key without signing.
func (sk *PrivateKey) Wipe() {
	sk.mux.Lock()
	defer sk.mux.Unlock()
	sk.wipe()
}

func (sk *PrivateKey) wipe() {
	for i := range sk.zeros {
		sk.zeros[i] = 0
	}
	for i := range sk.ones {
		sk.ones[i] = 0
	}
	sk.zeros = nil
	sk.ones = nil
	sk.used = true
}

// Parses a public key from its canonical encoding, see Bytes().
func PublicKeyFromBytes(alg digest.Algorithm, buf []byte) (*PublicKey, error) {
	if len(buf) != PublicKeySize(alg) {
		return nil, ErrInvalidLength
	}
	half := len(buf) / 2
	pk := &PublicKey{
		alg:   alg,
		zeros: make([]byte, half),
		ones:  make([]byte, half),
	}
	copy(pk.zeros, buf[:half])
	copy(pk.ones, buf[half:])
	return pk, nil
}

// Returns the canonical encoding of the public key: the hashes of the
// zero-preimages followed by the hashes of the one-preimages.
func (pk *PublicKey) Bytes() []byte {
	ret := make([]byte, len(pk.zeros)+len(pk.ones))
	copy(ret, pk.zeros)
	copy(ret[len(pk.zeros):], pk.ones)
	return ret
}

// Same as Bytes().  Will never return an error.
func (pk *PublicKey) MarshalBinary() ([]byte, error) {
	return pk.Bytes(), nil
}

// Returns the hash algorithm of this key.
func (pk *PublicKey) Algorithm() digest.Algorithm {
	return pk.alg
}

// Returns whether both public keys are the same.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if other == nil || pk.alg.ID() != other.alg.ID() {
		return false
	}
	return subtle.ConstantTimeCompare(pk.zeros, other.zeros) == 1 &&
		subtle.ConstantTimeCompare(pk.ones, other.ones) == 1
}

// Check whether sig is a valid signature of msg under this public key.
func (pk *PublicKey) Verify(sig *Signature, msg []byte) bool {
	if sig == nil || sig.alg == nil || sig.alg.ID() != pk.alg.ID() {
		return false
	}
	n := pk.alg.Size()
	if len(sig.buf) != bits(pk.alg)*n ||
		len(pk.zeros) != len(sig.buf) || len(pk.ones) != len(sig.buf) {
		return false
	}

	mhash := digest.Sum(pk.alg, msg)
	h := pk.alg.New()
	var buf []byte
	ok := 1
	for i := 0; i < bits(pk.alg); i++ {
		expect := pk.zeros
		if bit(mhash, i) == 1 {
			expect = pk.ones
		}
		h.Reset()
		h.Write(sig.buf[i*n : (i+1)*n])
		buf = h.Sum(buf[:0])
		ok &= subtle.ConstantTimeCompare(buf, expect[i*n:(i+1)*n])
	}
	return ok == 1
}

// Parses a signature made with the given algorithm.
func SignatureFromBytes(alg digest.Algorithm, buf []byte) (*Signature, error) {
	if len(buf) != SignatureSize(alg) {
		return nil, ErrInvalidLength
	}
	sig := &Signature{alg: alg, buf: make([]byte, len(buf))}
	copy(sig.buf, buf)
	return sig, nil
}

// Returns the encoding of the signature.  Will never return an error.
func (sig *Signature) MarshalBinary() ([]byte, error) {
	ret := make([]byte, len(sig.buf))
	copy(ret, sig.buf)
	return ret, nil
}

// Returns the hash algorithm of this signature.
func (sig *Signature) Algorithm() digest.Algorithm {
	return sig.alg
}
