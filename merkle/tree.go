// tree.go builds the full Merkle tree for a campaign from its recipient
// list and produces per-leaf inclusion proofs. The engine consumes trees at
// campaign creation; claim verification only ever needs the root.
package merkle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Tree construction errors.
var (
	ErrNoEntries       = errors.New("merkle: no entries")
	ErrNilAmount       = errors.New("merkle: entry has nil amount")
	ErrZeroAmount      = errors.New("merkle: entry has zero amount")
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Entry is one (recipient, amount) pair from the campaign's distribution
// list. Leaf indices are assigned by position: entry i becomes leaf i.
type Entry struct {
	Recipient common.Address
	Amount    *uint256.Int
}

// Leaf is one committed entitlement: the entry plus its assigned index.
type Leaf struct {
	Index     uint64
	Recipient common.Address
	Amount    *uint256.Int
}

// Hash returns the leaf's Merkle hash.
func (l Leaf) Hash() common.Hash {
	return LeafHash(l.Index, l.Recipient, l.Amount)
}

// Tree is a Merkle tree over a campaign's leaf set. Levels are stored
// bottom-up: levels[0] holds the leaf hashes, the last level holds only
// the root. An odd node at the end of a level is promoted to the next
// level unhashed, so proofs can be shorter than ceil(log2(n)).
//
// Trees are immutable after construction and safe for concurrent use.
type Tree struct {
	leaves      []Leaf
	levels      [][]common.Hash
	byRecipient map[common.Address][]uint64
}

// NewTree builds the tree for the given entries. The total committed
// amount is the sum of all entry amounts; duplicate recipients are
// allowed and receive distinct indices.
func NewTree(entries []Entry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	leaves := make([]Leaf, len(entries))
	hashes := make([]common.Hash, len(entries))
	byRecipient := make(map[common.Address][]uint64)
	for i, e := range entries {
		if e.Amount == nil {
			return nil, fmt.Errorf("%w: entry %d", ErrNilAmount, i)
		}
		if e.Amount.IsZero() {
			return nil, fmt.Errorf("%w: entry %d (%s)", ErrZeroAmount, i, e.Recipient)
		}
		leaves[i] = Leaf{Index: uint64(i), Recipient: e.Recipient, Amount: new(uint256.Int).Set(e.Amount)}
		hashes[i] = leaves[i].Hash()
		byRecipient[e.Recipient] = append(byRecipient[e.Recipient], uint64(i))
	}

	levels := [][]common.Hash{hashes}
	for len(levels[len(levels)-1]) > 1 {
		cur := levels[len(levels)-1]
		next := make([]common.Hash, 0, (len(cur)+1)/2)
		for i := 0; i+1 < len(cur); i += 2 {
			next = append(next, HashPair(cur[i], cur[i+1]))
		}
		if len(cur)%2 == 1 {
			// Promote the unpaired node.
			next = append(next, cur[len(cur)-1])
		}
		levels = append(levels, next)
	}

	return &Tree{leaves: leaves, levels: levels, byRecipient: byRecipient}, nil
}

// Root returns the tree's Merkle root.
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// TotalAmount returns the sum of all leaf amounts.
func (t *Tree) TotalAmount() *uint256.Int {
	total := new(uint256.Int)
	for _, l := range t.leaves {
		total.Add(total, l.Amount)
	}
	return total
}

// Leaf returns the leaf at the given index.
func (t *Tree) Leaf(index uint64) (Leaf, error) {
	if index >= uint64(len(t.leaves)) {
		return Leaf{}, fmt.Errorf("%w: index %d, tree has %d leaves", ErrIndexOutOfRange, index, len(t.leaves))
	}
	return t.leaves[index], nil
}

// Leaves returns a copy of all leaves in index order.
func (t *Tree) Leaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// LeavesOf returns the leaves assigned to the given recipient, in index
// order. A recipient appearing in multiple entries has multiple leaves.
func (t *Tree) LeavesOf(recipient common.Address) []Leaf {
	indices := t.byRecipient[recipient]
	out := make([]Leaf, 0, len(indices))
	for _, idx := range indices {
		out = append(out, t.leaves[idx])
	}
	return out
}

// Proof returns the sibling hashes proving the leaf at index, ordered from
// the leaf level upward. Promoted nodes contribute no sibling, so the
// proof for a tree of n leaves has at most ceil(log2(n)) elements.
func (t *Tree) Proof(index uint64) ([]common.Hash, error) {
	if index >= uint64(len(t.leaves)) {
		return nil, fmt.Errorf("%w: index %d, tree has %d leaves", ErrIndexOutOfRange, index, len(t.leaves))
	}

	var proof []common.Hash
	pos := int(index)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}
