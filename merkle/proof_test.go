package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func testAddr(b byte) common.Address {
	var a common.Address
	a[0] = b
	a[19] = b
	return a
}

// TestLeafHashDeterminism verifies that the leaf hash depends on every
// field and nothing else.
func TestLeafHashDeterminism(t *testing.T) {
	base := LeafHash(5, testAddr(0xAA), uint256.NewInt(1000))

	if got := LeafHash(5, testAddr(0xAA), uint256.NewInt(1000)); got != base {
		t.Errorf("same inputs produced different hashes: %s vs %s", got, base)
	}
	if got := LeafHash(6, testAddr(0xAA), uint256.NewInt(1000)); got == base {
		t.Error("index change did not change the hash")
	}
	if got := LeafHash(5, testAddr(0xAB), uint256.NewInt(1000)); got == base {
		t.Error("recipient change did not change the hash")
	}
	if got := LeafHash(5, testAddr(0xAA), uint256.NewInt(1001)); got == base {
		t.Error("amount change did not change the hash")
	}
}

// TestLeafHashDoubleHashed verifies the leaf hash is not a bare keccak of
// the encoding, so internal nodes cannot be replayed as leaves.
func TestLeafHashDoubleHashed(t *testing.T) {
	var buf [96]byte
	buf[31] = 5
	copy(buf[44:64], testAddr(0xAA).Bytes())
	word := uint256.NewInt(1000).Bytes32()
	copy(buf[64:96], word[:])

	single := common.BytesToHash(keccak256(buf[:]))
	if LeafHash(5, testAddr(0xAA), uint256.NewInt(1000)) == single {
		t.Fatal("leaf hash equals single keccak of the encoding")
	}
}

// TestHashPairCommutative verifies sorted-pair hashing is order-independent.
func TestHashPairCommutative(t *testing.T) {
	a := common.HexToHash("0x01")
	b := common.HexToHash("0x02")
	if HashPair(a, b) != HashPair(b, a) {
		t.Fatal("HashPair is not commutative")
	}
	if HashPair(a, b) == HashPair(a, a) {
		t.Fatal("distinct pairs collide")
	}
}

// TestVerifyProofRejectsMutations verifies that flipping any single bit of
// the proof or the leaf fields makes verification fail.
func TestVerifyProofRejectsMutations(t *testing.T) {
	entries := make([]Entry, 8)
	for i := range entries {
		entries[i] = Entry{Recipient: testAddr(byte(i + 1)), Amount: uint256.NewInt(uint64(100 * (i + 1)))}
	}
	tree, err := NewTree(entries)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	root := tree.Root()

	leaf, err := tree.Leaf(3)
	if err != nil {
		t.Fatalf("Leaf(3): %v", err)
	}
	proof, err := tree.Proof(3)
	if err != nil {
		t.Fatalf("Proof(3): %v", err)
	}
	if !VerifyProof(root, leaf.Hash(), proof) {
		t.Fatal("valid proof rejected")
	}

	// Flip one bit in each proof element in turn.
	for i := range proof {
		mutated := make([]common.Hash, len(proof))
		copy(mutated, proof)
		mutated[i][0] ^= 0x01
		if VerifyProof(root, leaf.Hash(), mutated) {
			t.Errorf("proof accepted with bit flipped in element %d", i)
		}
	}

	// Mutate each leaf field in turn.
	if VerifyProof(root, LeafHash(leaf.Index+1, leaf.Recipient, leaf.Amount), proof) {
		t.Error("proof accepted with wrong index")
	}
	if VerifyProof(root, LeafHash(leaf.Index, testAddr(0xFF), leaf.Amount), proof) {
		t.Error("proof accepted with wrong recipient")
	}
	wrong := new(uint256.Int).AddUint64(leaf.Amount, 1)
	if VerifyProof(root, LeafHash(leaf.Index, leaf.Recipient, wrong), proof) {
		t.Error("proof accepted with wrong amount")
	}

	// Truncated and extended proofs.
	if VerifyProof(root, leaf.Hash(), proof[:len(proof)-1]) {
		t.Error("truncated proof accepted")
	}
	extended := append(append([]common.Hash{}, proof...), common.HexToHash("0xdead"))
	if VerifyProof(root, leaf.Hash(), extended) {
		t.Error("extended proof accepted")
	}
}

// TestVerifyProofSingleLeaf verifies the degenerate one-leaf tree, whose
// root is the leaf hash and whose proof is empty.
func TestVerifyProofSingleLeaf(t *testing.T) {
	tree, err := NewTree([]Entry{{Recipient: testAddr(0x01), Amount: uint256.NewInt(42)}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	leaf, _ := tree.Leaf(0)
	if tree.Root() != leaf.Hash() {
		t.Error("single-leaf root should equal the leaf hash")
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("Proof(0): %v", err)
	}
	if len(proof) != 0 {
		t.Errorf("proof length = %d, want 0", len(proof))
	}
	if !VerifyProof(tree.Root(), leaf.Hash(), proof) {
		t.Error("empty proof rejected for single-leaf tree")
	}
}
