package merklesig

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"hash"
	"testing"

	"github.com/hashicorp/go-multierror"

	"github.com/bwesterb/go-merklesig/digest"
	"github.com/bwesterb/go-merklesig/lamport"
	"github.com/bwesterb/go-merklesig/merkle"
)

func toMessages(strs ...string) [][]byte {
	ret := make([][]byte, len(strs))
	for i, s := range strs {
		ret[i] = []byte(s)
	}
	return ret
}

func mustSign(messages [][]byte, t *testing.T) SignedVector {
	vec, err := Sign(messages, digest.SHA512)
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	if len(vec) != len(messages) {
		t.Fatalf("Sign() returned %d entries for %d messages",
			len(vec), len(messages))
	}
	return vec
}

func TestSignThenVerify(t *testing.T) {
	SetLogger(t)
	defer SetLogger(nil)

	msgs := toMessages("0", "1", "2")
	vec := mustSign(msgs, t)
	root := vec[2].Proof.RootHash
	for i := range msgs {
		if err := Verify(msgs[i], &vec[i], root); err != nil {
			t.Fatalf("Verify(%d): %v", i, err)
		}
	}
}

func TestSameRootHash(t *testing.T) {
	vec := mustSign(toMessages("I", "won't", "call", "you", "President"), t)
	root := vec.RootHash()
	for i := range vec {
		if !bytes.Equal(vec[i].Proof.RootHash, root) {
			t.Fatalf("entry %d has a different root hash", i)
		}
	}
}

func TestDifferentLeafKeys(t *testing.T) {
	vec := mustSign(toMessages("I", "won't", "call", "you", "President"), t)
	seen := make(map[string]bool)
	for i := range vec {
		leaf := string(vec[i].Proof.Value)
		if seen[leaf] {
			t.Fatalf("entry %d has a duplicate leaf key", i)
		}
		seen[leaf] = true
	}
}

// Checks that a proof survives serialization and that the embedded key can
// be re-wrapped.
func TestProofSerialization(t *testing.T) {
	msgs := toMessages("0", "1", "2")
	vec := mustSign(msgs, t)
	root := vec.RootHash()

	proofBytes, err := vec[2].Proof.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(): %v", err)
	}
	proof, err := merkle.ParseProof(proofBytes)
	if err != nil {
		t.Fatalf("ParseProof(): %v", err)
	}
	mpk, err2 := MerklePublicKeyFromBytes(proof.Algorithm, proof.Value)
	if err2 != nil {
		t.Fatalf("MerklePublicKeyFromBytes(): %v", err2)
	}
	if !mpk.Key.Equal(mustPublicKey(&vec[2], t)) {
		t.Fatalf("re-wrapped public key differs")
	}
	entry := SignedEntry{Signature: vec[2].Signature, Proof: proof}
	if err := Verify([]byte("2"), &entry, root); err != nil {
		t.Fatalf("Verify() after serialization: %v", err)
	}
}

func mustPublicKey(entry *SignedEntry, t *testing.T) *lamport.PublicKey {
	pk, err := entry.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey(): %v", err)
	}
	return pk
}

func TestEmptyBatch(t *testing.T) {
	vec, err := Sign(nil, digest.SHA256)
	if vec != nil {
		t.Fatalf("Sign() of empty batch returned a vector")
	}
	if !errors.Is(err, ErrTreeConstructionFailed) {
		t.Fatalf("Sign() of empty batch returned %v", err)
	}
	if KindOf(err) != TreeConstructionFailed {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
	if _, err = Sign([][]byte{}, digest.SHA256); !errors.Is(err, ErrTreeConstructionFailed) {
		t.Fatalf("Sign() of empty slice returned %v", err)
	}
}

func TestNoAlgorithm(t *testing.T) {
	if _, err := Sign(toMessages("a"), nil); !errors.Is(err, ErrSigningFailed) {
		t.Fatalf("Sign() without algorithm returned %v", err)
	}
}

func TestPositionalBinding(t *testing.T) {
	msgs := toMessages("a", "b", "c", "d")
	vec := mustSign(msgs, t)
	root := vec.RootHash()
	err := Verify(msgs[1], &vec[2], root)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify() of swapped message returned %v", err)
	}
	if errors.Is(err, ErrInclusionProofInvalid) {
		t.Fatalf("Verify() of swapped message blames the proof")
	}
}

func TestTamperedSignature(t *testing.T) {
	msgs := toMessages("x", "y", "z")
	vec := mustSign(msgs, t)
	root := vec.RootHash()

	sigBytes, _ := vec[1].Signature.MarshalBinary()
	sigBytes[17] ^= 0x04
	sig, _ := lamport.SignatureFromBytes(digest.SHA512, sigBytes)
	entry := SignedEntry{Signature: sig, Proof: vec[1].Proof}
	err := Verify(msgs[1], &entry, root)
	if KindOf(err) != SignatureInvalid || errors.Is(err, ErrInclusionProofInvalid) {
		t.Fatalf("Verify() of tampered signature returned %v", err)
	}
}

func TestTamperedLemma(t *testing.T) {
	msgs := toMessages("x", "y", "z")
	vec := mustSign(msgs, t)
	root := vec.RootHash()

	vec[0].Proof.Path[0].Hash[3] ^= 0x20
	err := Verify(msgs[0], &vec[0], root)
	if KindOf(err) != InclusionProofInvalid || errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify() of tampered lemma returned %v", err)
	}
}

func TestWrongRoot(t *testing.T) {
	msgs := toMessages("x", "y", "z")
	vec := mustSign(msgs, t)
	other := mustSign(msgs, t)
	err := Verify(msgs[0], &vec[0], other.RootHash())
	if !errors.Is(err, ErrInclusionProofInvalid) || errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify() against wrong root returned %v", err)
	}
}

func TestBothInvalid(t *testing.T) {
	msgs := toMessages("x", "y")
	vec := mustSign(msgs, t)
	other := mustSign(msgs, t)
	err := Verify([]byte("not x"), &vec[0], other.RootHash())
	if !errors.Is(err, ErrInclusionProofInvalid) || !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify() with both failures returned %v", err)
	}
	merr, ok := err.(*multierror.Error)
	if !ok || len(merr.Errors) != 2 {
		t.Fatalf("Verify() with both failures did not return both errors")
	}
	if KindOf(merr.Errors[0]) != InclusionProofInvalid ||
		KindOf(merr.Errors[1]) != SignatureInvalid {
		t.Fatalf("Verify() reported failures in the wrong order")
	}
	if KindOf(err) != InclusionProofInvalid {
		t.Fatalf("KindOf() of both failures is %v", KindOf(err))
	}
}

func TestMalformedEntry(t *testing.T) {
	root := make([]byte, 64)
	if err := Verify([]byte("x"), nil, root); !errors.Is(err, ErrInclusionProofInvalid) ||
		!errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify() of nil entry returned %v", err)
	}

	vec := mustSign(toMessages("x"), t)
	entry := SignedEntry{Signature: vec[0].Signature, Proof: vec[0].Proof}
	entry.Proof.Value = entry.Proof.Value[1:]
	err := Verify([]byte("x"), &entry, vec.RootHash())
	if !errors.Is(err, ErrSignatureInvalid) || !errors.Is(err, ErrMalformed) {
		t.Fatalf("Verify() with truncated key returned %v", err)
	}

	entry = SignedEntry{Proof: vec[0].Proof}
	if err = Verify([]byte("x"), &entry, vec.RootHash()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify() without signature returned %v", err)
	}
}

func TestSignAlgorithms(t *testing.T) {
	msgs := toMessages("alpha", "beta", "gamma", "delta", "epsilon")
	for _, name := range []string{"SHA2-256", "SHA3-256", "BLAKE2s-256", "SHAKE128"} {
		ctx := NewContextFromName(name)
		vec, err := ctx.Sign(msgs)
		if err != nil {
			t.Fatalf("%s Sign(): %v", name, err)
		}
		if err = ctx.VerifyVector(msgs, vec, vec.RootHash()); err != nil {
			t.Fatalf("%s VerifyVector(): %v", name, err)
		}
		if vec[0].Proof.Algorithm.ID() != ctx.Algorithm().ID() {
			t.Fatalf("%s proof carries the wrong algorithm", name)
		}
	}
}

func TestVerifyVector(t *testing.T) {
	ctx := NewContext(digest.SHA256)
	msgs := toMessages("a", "b", "c", "d", "e", "f")
	vec, err := ctx.Sign(msgs)
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	root := vec.RootHash()

	if err = ctx.VerifyVector(msgs[:5], vec, root); !errors.Is(err, ErrMalformed) {
		t.Fatalf("VerifyVector() with length mismatch returned %v", err)
	}

	msgs[1] = []byte("B")
	msgs[4] = []byte("E")
	err = ctx.VerifyVector(msgs, vec, root)
	merr, ok := err.(*multierror.Error)
	if !ok || len(merr.Errors) != 2 {
		t.Fatalf("VerifyVector() returned %v", err)
	}
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("VerifyVector() error does not match ErrSignatureInvalid")
	}
}

func TestEntryEncoding(t *testing.T) {
	msgs := toMessages("one", "two", "three")
	vec := mustSign(msgs, t)
	root := vec.RootHash()

	buf, err := vec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(): %v", err)
	}
	vec2, err := ParseSignedVector(buf)
	if err != nil {
		t.Fatalf("ParseSignedVector(): %v", err)
	}
	for i := range msgs {
		if err = Verify(msgs[i], &vec2[i], root); err != nil {
			t.Fatalf("Verify(%d) after decoding: %v", i, err)
		}
	}

	entryBuf, _ := vec[1].MarshalBinary()
	var entry SignedEntry
	if err = entry.UnmarshalBinary(entryBuf); err != nil {
		t.Fatalf("UnmarshalBinary(): %v", err)
	}
	if err = Verify(msgs[1], &entry, root); err != nil {
		t.Fatalf("Verify() of decoded entry: %v", err)
	}

	if err = entry.UnmarshalBinary(entryBuf[:len(entryBuf)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("UnmarshalBinary() of truncated entry returned %v", err)
	}
	if _, err = ParseSignedVector(append(buf, 0)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("ParseSignedVector() with trailing data returned %v", err)
	}
}

type sha224Alg struct{ id digest.ID }

func (a sha224Alg) New() hash.Hash { return sha256.New224() }
func (a sha224Alg) Size() int      { return sha256.Size224 }
func (a sha224Alg) ID() digest.ID  { return a.id }
func (a sha224Alg) Name() string   { return "SHA2-224" }

func TestCustomAlgorithm(t *testing.T) {
	alg := sha224Alg{0x7801}
	msgs := toMessages("first", "second", "third")

	if digest.FromID(alg.ID()) == nil {
		if _, err := Sign(msgs, alg); !errors.Is(err, ErrSigningFailed) {
			t.Fatalf("Sign() with an unregistered algorithm returned %v", err)
		}
		if NewContext(alg) != nil {
			t.Fatalf("NewContext() accepted an unregistered algorithm")
		}
		if err := digest.Register(alg); err != nil {
			t.Fatalf("Register(): %v", err)
		}
	}

	vec, err := Sign(msgs, alg)
	if err != nil {
		t.Fatalf("Sign(): %v", err)
	}
	root := vec.RootHash()
	if len(root) != sha256.Size224 {
		t.Fatalf("root hash has %d bytes", len(root))
	}

	buf, err := vec[2].MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(): %v", err)
	}
	var entry SignedEntry
	if err = entry.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary(): %v", err)
	}
	if entry.Proof.Algorithm.ID() != alg.ID() {
		t.Fatalf("decoded proof has algorithm 0x%04x", uint16(entry.Proof.Algorithm.ID()))
	}
	if err = Verify(msgs[2], &entry, root); err != nil {
		t.Fatalf("Verify() of decoded entry: %v", err)
	}
}

func TestImpostorAlgorithm(t *testing.T) {
	// Claims the identifier of SHA2-256, but hashes differently.
	alg := sha224Alg{digest.SHA2_256}
	if _, err := Sign(toMessages("a", "b"), alg); !errors.Is(err, ErrSigningFailed) {
		t.Fatalf("Sign() with a clashing identifier returned %v", err)
	}
}

func TestNilContext(t *testing.T) {
	ctx := NewContextFromName("no-such-alg")
	if _, err := ctx.Sign(toMessages("a")); !errors.Is(err, ErrSigningFailed) {
		t.Fatalf("Sign() on a nil context returned %v", err)
	}
	vec := mustSign(toMessages("a", "b"), t)
	if err := ctx.Verify([]byte("a"), &vec[0], vec.RootHash()); err != nil {
		t.Fatalf("Verify() on a nil context: %v", err)
	}
	if err := ctx.VerifyVector(toMessages("a", "b"), vec, vec.RootHash()); err != nil {
		t.Fatalf("VerifyVector() on a nil context: %v", err)
	}
}

func BenchmarkSign16_SHA256(b *testing.B) { benchmarkSign(digest.SHA256, 16, b) }
func BenchmarkSign16_SHA512(b *testing.B) { benchmarkSign(digest.SHA512, 16, b) }

func benchmarkSign(alg digest.Algorithm, n int, b *testing.B) {
	msgs := make([][]byte, n)
	for i := range msgs {
		msgs[i] = []byte{byte(i)}
	}
	ctx := NewContext(alg)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.Sign(msgs)
	}
}

func BenchmarkVerify_SHA256(b *testing.B) {
	msgs := [][]byte{[]byte("a"), []byte("b")}
	vec, _ := Sign(msgs, digest.SHA256)
	root := vec.RootHash()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Verify(msgs[0], &vec[0], root)
	}
}
