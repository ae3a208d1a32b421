// Package merkle implements the Merkle commitment scheme used by airdrop
// campaigns: keccak256 leaf hashing over (index, recipient, amount) and
// commutative sorted-pair inclusion proofs.
//
// Pair hashing sorts the two children before hashing, which makes the
// scheme order-independent: a proof carries only sibling hashes, never
// left/right position bits. Leaves are hashed twice (keccak of keccak) so
// that an internal node can never be presented as a leaf.
package merkle

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// keccak256 calculates the Keccak-256 hash of the concatenation of data.
func keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// LeafHash computes the Merkle leaf hash for one claim entitlement.
//
// The preimage is the ABI encoding of (uint256 index, address recipient,
// uint256 amount): three 32-byte words, index and amount big-endian, the
// address left-padded. The encoding is hashed twice.
func LeafHash(index uint64, recipient common.Address, amount *uint256.Int) common.Hash {
	var buf [96]byte
	binary.BigEndian.PutUint64(buf[24:32], index)
	copy(buf[44:64], recipient.Bytes())
	if amount != nil {
		word := amount.Bytes32()
		copy(buf[64:96], word[:])
	}
	return common.BytesToHash(keccak256(keccak256(buf[:])))
}

// HashPair hashes two nodes into their parent, sorting the pair first so
// that HashPair(a, b) == HashPair(b, a).
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(keccak256(a[:], b[:]))
}

// VerifyProof reports whether leaf is committed to by root, given the
// sibling hashes along the path from the leaf to the root.
//
// The proof length is not validated against any expected tree depth: a
// proof of the wrong length recomputes to the wrong root and is rejected
// by the final equality check.
func VerifyProof(root, leaf common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}
