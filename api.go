// Go implementation of Merkle signatures: a batch of messages is signed
// with one fresh Lamport one-time key per message and the one-time public
// keys are bound together by a Merkle authentication tree.  A verifier only
// needs to trust the root hash of the tree.
package merklesig

// Contains majority of the API

import (
	"fmt"
	"hash"

	"github.com/hashicorp/go-multierror"

	"github.com/bwesterb/go-merklesig/digest"
	"github.com/bwesterb/go-merklesig/internal/pool"
	"github.com/bwesterb/go-merklesig/lamport"
	"github.com/bwesterb/go-merklesig/merkle"
)

// A Lamport public key as a leaf of the authentication tree.
type MerklePublicKey struct {
	Key *lamport.PublicKey
}

// The signature of one message of a batch together with the proof
// that its one-time public key is in the tree.
type SignedEntry struct {
	Signature *lamport.Signature
	Proof     *merkle.Proof
}

// Signed entries of a batch.  Entry i belongs to message i.
type SignedVector []SignedEntry

// Wraps the given public key.
func NewMerklePublicKey(pk *lamport.PublicKey) MerklePublicKey {
	return MerklePublicKey{Key: pk}
}

// Parses the encoding of a wrapped public key as found in Proof.Value.
func MerklePublicKeyFromBytes(alg digest.Algorithm, buf []byte) (
	MerklePublicKey, Error) {
	pk, err := lamport.PublicKeyFromBytes(alg, buf)
	if err != nil {
		return MerklePublicKey{}, wrapErrorf(Malformed, err,
			"cannot parse %s public key", alg.Name())
	}
	return MerklePublicKey{Key: pk}, nil
}

// Writes the canonical encoding of the public key into h.
func (mpk MerklePublicKey) WriteHash(h hash.Hash) {
	h.Write(mpk.Key.Bytes())
}

// Returns the canonical encoding of the public key.
func (mpk MerklePublicKey) Bytes() []byte {
	return mpk.Key.Bytes()
}

// Returns the one-time public key embedded in the proof.
func (entry *SignedEntry) PublicKey() (*lamport.PublicKey, Error) {
	if entry == nil || entry.Proof == nil || entry.Proof.Algorithm == nil {
		return nil, errorf(Malformed, "entry has no inclusion proof")
	}
	mpk, err := MerklePublicKeyFromBytes(entry.Proof.Algorithm, entry.Proof.Value)
	if err != nil {
		return nil, err
	}
	return mpk.Key, nil
}

// Returns the root hash claimed by the entry's proof.  This is not
// trusted: compare it to a root obtained out-of-band.
func (entry *SignedEntry) RootHash() []byte {
	if entry == nil || entry.Proof == nil {
		return nil
	}
	return entry.Proof.RootHash
}

// Returns the root hash shared by the entries, or nil if the vector is empty.
func (vec SignedVector) RootHash() []byte {
	if len(vec) == 0 {
		return nil
	}
	return vec[0].RootHash()
}

// Signs each message with a fresh one-time key using the given algorithm.
// See Context.Sign.
func Sign(messages [][]byte, alg digest.Algorithm) (SignedVector, error) {
	if alg == nil {
		return nil, errorf(SigningFailed, "no hash algorithm given")
	}
	ctx := NewContext(alg)
	if ctx == nil {
		return nil, errorf(SigningFailed,
			"hash algorithm %s (0x%04x) is not registered", alg.Name(),
			uint16(alg.ID()))
	}
	return ctx.Sign(messages)
}

// Checks that entry is a valid signature of message under trustedRoot.
//
// Both the inclusion proof and the signature are checked.  If one of them
// fails, the returned error matches ErrInclusionProofInvalid or
// ErrSignatureInvalid respectively.  If both fail, a *multierror.Error with
// both is returned, proof failure first, so that errors.Is matches either.
// Use KindOf to get the single reported cause: it is InclusionProofInvalid
// whenever the proof fails.
func Verify(message []byte, entry *SignedEntry, trustedRoot []byte) error {
	return verifyEntry(message, entry, trustedRoot)
}

// Like Verify, but records the outcome in the context's Metrics.
func (ctx *Context) Verify(message []byte, entry *SignedEntry,
	trustedRoot []byte) error {
	err := verifyEntry(message, entry, trustedRoot)
	ctx.metrics().observeVerify(err)
	return err
}

func verifyEntry(message []byte, entry *SignedEntry, trustedRoot []byte) error {
	var proofErr, sigErr error

	if entry == nil || !entry.Proof.Validate(trustedRoot) {
		proofErr = errorf(InclusionProofInvalid,
			"inclusion proof does not resolve to the trusted root")
	}

	// The signature is checked against the key in the proof, even if the
	// proof is invalid, so that both failures are reported.
	pk, err := entry.PublicKey()
	if err != nil {
		sigErr = wrapErrorf(SignatureInvalid, err,
			"no public key to verify the signature with")
	} else if !pk.Verify(entry.Signature, message) {
		sigErr = errorf(SignatureInvalid,
			"signature does not verify under the one-time public key")
	}

	switch {
	case proofErr != nil && sigErr != nil:
		log.Logf("Verification failed: both proof and signature are invalid")
		return multierror.Append(proofErr, sigErr)
	case proofErr != nil:
		log.Logf("Verification failed: %v", proofErr)
		return proofErr
	case sigErr != nil:
		log.Logf("Verification failed: %v", sigErr)
		return sigErr
	}
	return nil
}

// Verifies every entry of vec against the corresponding message.
// All failures are collected into a *multierror.Error.
func (ctx *Context) VerifyVector(messages [][]byte, vec SignedVector,
	trustedRoot []byte) error {
	if len(messages) != len(vec) {
		return errorf(Malformed, "%d messages but %d signed entries",
			len(messages), len(vec))
	}

	errs := make([]error, len(vec))
	pool.For(ctx.threads(), len(vec), func(i int) {
		errs[i] = ctx.Verify(messages[i], &vec[i], trustedRoot)
	})

	var result *multierror.Error
	for i, err := range errs {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("entry %d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}
