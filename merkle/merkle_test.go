package merkle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"testing"

	"github.com/bwesterb/go-merklesig/digest"
)

type testLeaf []byte

func (l testLeaf) WriteHash(h hash.Hash) { h.Write(l) }
func (l testLeaf) Bytes() []byte         { return []byte(l) }

func testLeaves(n int) []Hashable {
	ret := make([]Hashable, n)
	for i := 0; i < n; i++ {
		ret[i] = testLeaf(fmt.Sprintf("leaf %d", i))
	}
	return ret
}

func TestEmptyTree(t *testing.T) {
	if _, err := NewTree(digest.SHA256, nil, 1); err != ErrEmptyTree {
		t.Fatalf("NewTree without leaves returned %v", err)
	}
}

func TestSingleLeaf(t *testing.T) {
	alg := digest.SHA256
	tree, err := NewTree(alg, testLeaves(1), 1)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	expect := digest.Sum(alg, []byte{0}, []byte("leaf 0"))
	if !bytes.Equal(tree.RootHash(), expect) {
		t.Fatalf("root of single leaf tree is not its leaf hash")
	}
	proof, err := tree.ProofAt(0)
	if err != nil {
		t.Fatalf("ProofAt: %v", err)
	}
	if len(proof.Path) != 0 {
		t.Fatalf("proof of single leaf tree has %d path nodes", len(proof.Path))
	}
	if !proof.Validate(tree.RootHash()) {
		t.Fatalf("proof of single leaf tree does not validate")
	}
}

// Checks the root of a three leaf tree by hand, including the promotion
// of the odd node.
func TestThreeLeaves(t *testing.T) {
	alg := digest.SHA256
	tree, _ := NewTree(alg, testLeaves(3), 1)
	l0 := digest.Sum(alg, []byte{0}, []byte("leaf 0"))
	l1 := digest.Sum(alg, []byte{0}, []byte("leaf 1"))
	l2 := digest.Sum(alg, []byte{0}, []byte("leaf 2"))
	n01 := digest.Sum(alg, []byte{1}, l0, l1)
	root := digest.Sum(alg, []byte{1}, n01, l2)
	if !bytes.Equal(tree.RootHash(), root) {
		t.Fatalf("unexpected root hash")
	}
	proof, _ := tree.ProofAt(2)
	if len(proof.Path) != 1 || proof.Path[0].Side != Left ||
		!bytes.Equal(proof.Path[0].Hash, n01) {
		t.Fatalf("unexpected proof for promoted leaf")
	}
}

func testProofs(alg digest.Algorithm, n, threads int, t *testing.T) {
	leaves := testLeaves(n)
	tree, err := NewTree(alg, leaves, threads)
	if err != nil {
		t.Fatalf("%s NewTree(%d): %v", alg.Name(), n, err)
	}
	if tree.Len() != n {
		t.Fatalf("tree has %d leaves instead of %d", tree.Len(), n)
	}
	root := tree.RootHash()
	for i, leaf := range leaves {
		proof, err := tree.GenerateProof(leaf)
		if err != nil {
			t.Fatalf("%s GenerateProof(%d/%d): %v", alg.Name(), i, n, err)
		}
		if !bytes.Equal(proof.Value, leaf.Bytes()) {
			t.Fatalf("proof %d/%d carries the wrong value", i, n)
		}
		if !proof.Validate(root) {
			t.Fatalf("%s proof %d/%d does not validate", alg.Name(), i, n)
		}
	}
}

func TestProofs(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9, 31, 100} {
		testProofs(digest.SHA256, n, 1, t)
		testProofs(digest.SHA3256, n, 0, t)
	}
	testProofs(digest.FromID(digest.BLAKE2b_512), 17, 4, t)
}

func TestParallelSameRoot(t *testing.T) {
	leaves := testLeaves(200)
	t1, _ := NewTree(digest.SHA512, leaves, 1)
	t2, _ := NewTree(digest.SHA512, leaves, 0)
	if !bytes.Equal(t1.RootHash(), t2.RootHash()) {
		t.Fatalf("parallel tree construction changed the root")
	}
}

func TestLeafLookup(t *testing.T) {
	leaves := append(testLeaves(4), testLeaf("leaf 1"))
	tree, _ := NewTree(digest.SHA256, leaves, 1)
	if _, err := tree.GenerateProof(testLeaf("absent")); err != ErrLeafNotFound {
		t.Fatalf("absent leaf: %v", err)
	}
	if _, err := tree.GenerateProof(testLeaf("leaf 1")); err != ErrAmbiguousLeaf {
		t.Fatalf("duplicate leaf: %v", err)
	}
	if idx, err := tree.IndexOf(testLeaf("leaf 3")); err != nil || idx != 3 {
		t.Fatalf("IndexOf(leaf 3) = %d, %v", idx, err)
	}
	if _, err := tree.ProofAt(5); err != ErrLeafNotFound {
		t.Fatalf("ProofAt out of range: %v", err)
	}
}

func TestTamperedProof(t *testing.T) {
	tree, _ := NewTree(digest.SHA256, testLeaves(6), 1)
	root := tree.RootHash()
	proof, _ := tree.ProofAt(3)

	proof.Path[1].Hash[0] ^= 1
	if proof.Validate(root) {
		t.Fatalf("proof with flipped path bit validates")
	}
	proof.Path[1].Hash[0] ^= 1

	proof.Path[0].Side ^= 1
	if proof.Validate(root) {
		t.Fatalf("proof with flipped side validates")
	}
	proof.Path[0].Side ^= 1

	proof.Value = []byte("leaf 4")
	if proof.Validate(root) {
		t.Fatalf("proof with other value validates")
	}
	proof.Value = []byte("leaf 3")

	other := append([]byte{}, root...)
	other[len(other)-1] ^= 0x80
	if proof.Validate(other) {
		t.Fatalf("proof validates against the wrong root")
	}
	if proof.Validate(root[:5]) {
		t.Fatalf("proof validates against a truncated root")
	}
	if !proof.Validate(root) {
		t.Fatalf("restored proof does not validate")
	}

	var nilProof *Proof
	if nilProof.Validate(root) {
		t.Fatalf("nil proof validates")
	}
}

func TestProofEncoding(t *testing.T) {
	alg := digest.FromID(digest.SHA3_512)
	tree, _ := NewTree(alg, testLeaves(13), 1)
	proof, _ := tree.ProofAt(12)
	buf, err := proof.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	proof2, err := ParseProof(buf)
	if err != nil {
		t.Fatalf("ParseProof: %v", err)
	}
	if proof2.Algorithm.ID() != alg.ID() {
		t.Fatalf("algorithm did not survive encoding")
	}
	if !proof2.Validate(tree.RootHash()) {
		t.Fatalf("decoded proof does not validate")
	}
	buf2, _ := proof2.MarshalBinary()
	if !bytes.Equal(buf, buf2) {
		t.Fatalf("encoding is not stable")
	}

	for _, l := range []int{0, 2, 3, 10, len(buf) - 1} {
		if _, err := ParseProof(buf[:l]); err == nil {
			t.Fatalf("ParseProof accepted a proof truncated to %d bytes", l)
		}
	}
	if _, err := ParseProof(append(buf, 0)); err == nil {
		t.Fatalf("ParseProof accepted trailing data")
	}
	bad := append([]byte{}, buf...)
	bad[1], bad[2] = 0xff, 0xff
	if _, err := ParseProof(bad); err == nil {
		t.Fatalf("ParseProof accepted an unknown algorithm")
	}
}

func TestProofHugeLengths(t *testing.T) {
	alg := digest.SHA256
	tree, _ := NewTree(alg, testLeaves(5), 1)
	proof, _ := tree.ProofAt(3)
	buf, _ := proof.MarshalBinary()
	n := alg.Size()
	countOff := 3 + n
	valueOff := countOff + 4 + len(proof.Path)*(n+1)

	// Lengths with the top bit set would be negative as a 32 bit int.
	for _, x := range []uint32{0x80000000, 0xffffffff, uint32(len(buf))} {
		bad := append([]byte{}, buf...)
		binary.BigEndian.PutUint32(bad[countOff:], x)
		if _, err := ParseProof(bad); !errors.Is(err, ErrMalformedProof) {
			t.Fatalf("ParseProof with path length 0x%x returned %v", x, err)
		}
		bad = append([]byte{}, buf...)
		binary.BigEndian.PutUint32(bad[valueOff:], x)
		if _, err := ParseProof(bad); !errors.Is(err, ErrMalformedProof) {
			t.Fatalf("ParseProof with value length 0x%x returned %v", x, err)
		}
	}
}

func BenchmarkNewTree1000(b *testing.B) {
	leaves := testLeaves(1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewTree(digest.SHA256, leaves, 0)
	}
}
