package merklesig

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bwesterb/go-merklesig/internal/pool"
	"github.com/bwesterb/go-merklesig/lamport"
	"github.com/bwesterb/go-merklesig/merkle"
)

// Signs each message with a fresh one-time key.
//
// The returned vector has one entry per message, in the same order, and all
// entries carry the same root hash.  The one-time private keys are erased
// before Sign returns, whether it succeeds or not.  Either all messages are
// signed or an Error is returned: an empty batch or a tree that cannot be
// built gives ErrTreeConstructionFailed, a key that cannot be found in the
// tree ErrProofGenerationFailed, and a key that cannot be generated or
// cannot sign ErrSigningFailed.
func (ctx *Context) Sign(messages [][]byte) (vec SignedVector, err error) {
	if ctx == nil {
		return nil, errorf(SigningFailed, "no context")
	}
	start := time.Now()
	defer func() {
		ctx.Metrics.observeSign(len(messages), time.Since(start), err)
	}()

	if ctx.alg == nil {
		return nil, errorf(SigningFailed, "context has no hash algorithm")
	}
	if len(messages) == 0 {
		return nil, errorf(TreeConstructionFailed,
			"cannot build an authentication tree over an empty batch")
	}
	log.Logf("Signing batch of %d messages with %s", len(messages), ctx.Name())

	// First, generate the one-time keys.
	sks, err2 := ctx.generateKeys(len(messages))
	defer func() {
		for _, sk := range sks {
			if sk != nil {
				sk.Wipe()
			}
		}
	}()
	if err2 != nil {
		return nil, err2
	}

	// Build the tree over the public keys.  All keys must exist by now.
	leaves := make([]merkle.Hashable, len(sks))
	for i, sk := range sks {
		leaves[i] = NewMerklePublicKey(sk.PublicKey())
	}
	tree, err3 := merkle.NewTree(ctx.alg, leaves, ctx.Threads)
	if err3 != nil {
		return nil, wrapErrorf(TreeConstructionFailed, err3,
			"cannot build authentication tree")
	}

	// Then the inclusion proofs, which only read the tree.
	proofs, err2 := ctx.generateProofs(tree, leaves)
	if err2 != nil {
		return nil, err2
	}

	// Finally sign each message with its own key.
	sigs, err2 := ctx.signMessages(sks, messages)
	if err2 != nil {
		return nil, err2
	}

	vec = make(SignedVector, len(messages))
	for i := range vec {
		vec[i] = SignedEntry{Signature: sigs[i], Proof: proofs[i]}
	}
	log.Logf("Signed %d messages under root %x", len(messages),
		tree.RootHash()[:8])
	return vec, nil
}

// Generates n one-time key pairs.
func (ctx *Context) generateKeys(n int) ([]*lamport.PrivateKey, Error) {
	sks := make([]*lamport.PrivateKey, n)
	errs := make([]error, n)

	threads := ctx.Threads
	if ctx.Rand != nil {
		threads = 1
	}
	pool.For(threads, n, func(i int) {
		sks[i], errs[i] = lamport.GenerateKey(ctx.alg, ctx.Rand)
	})

	if err := collect(errs); err != nil {
		return sks, wrapErrorf(SigningFailed, err,
			"cannot generate one-time keys")
	}
	return sks, nil
}

// Generates the inclusion proof of every leaf, checking that each leaf
// is found at its own position.
func (ctx *Context) generateProofs(tree *merkle.Tree,
	leaves []merkle.Hashable) ([]*merkle.Proof, Error) {
	proofs := make([]*merkle.Proof, len(leaves))
	errs := make([]error, len(leaves))

	pool.For(ctx.Threads, len(leaves), func(i int) {
		idx, err := tree.IndexOf(leaves[i])
		if err != nil {
			errs[i] = err
			return
		}
		if idx != i {
			errs[i] = errorf(ProofGenerationFailed,
				"leaf %d found at position %d", i, idx)
			return
		}
		proofs[i], errs[i] = tree.ProofAt(idx)
	})

	if err := collect(errs); err != nil {
		return nil, wrapErrorf(ProofGenerationFailed, err,
			"cannot generate inclusion proofs")
	}
	return proofs, nil
}

// Signs message i with key i.  The keys are consumed and dropped.
func (ctx *Context) signMessages(sks []*lamport.PrivateKey,
	messages [][]byte) ([]*lamport.Signature, Error) {
	sigs := make([]*lamport.Signature, len(sks))
	errs := make([]error, len(sks))

	pool.For(ctx.Threads, len(sks), func(i int) {
		sigs[i], errs[i] = sks[i].Sign(messages[i])
		sks[i] = nil
	})

	if err := collect(errs); err != nil {
		return nil, wrapErrorf(SigningFailed, err, "cannot sign batch")
	}
	return sigs, nil
}

// Combines the non-nil errors, in order.
func collect(errs []error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
