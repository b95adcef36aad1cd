package harvest

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

// ErrRewardRange is returned for rewards that do not fit a signed 256-bit
// word.
var ErrRewardRange = fmt.Errorf("harvest: reward out of int256 range: %w", model.ErrInvalidAmount)

// Leaf hashes one vault's cumulative reward entry:
// keccak256(keccak256(vault ‖ int256(reward) ‖ uint256(unlockedMev))), every
// field left-padded to 32 bytes.
func Leaf(vault common.Address, reward *big.Int, unlockedMev *uint256.Int) (common.Hash, error) {
	if reward.CmpAbs(maxReward) >= 0 {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrRewardRange, reward)
	}
	if unlockedMev == nil {
		unlockedMev = new(uint256.Int)
	}
	signed := uint256.MustFromBig(new(big.Int).Abs(reward))
	if reward.Sign() < 0 {
		signed.Neg(signed)
	}
	r, mev := signed.Bytes32(), unlockedMev.Bytes32()
	enc := make([]byte, 0, 96)
	enc = append(enc, common.LeftPadBytes(vault.Bytes(), 32)...)
	enc = append(enc, r[:]...)
	enc = append(enc, mev[:]...)
	return crypto.Keccak256Hash(crypto.Keccak256(enc)), nil
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// VerifyProof checks a sorted-pair Merkle proof of leaf against root.
func VerifyProof(proof []common.Hash, root, leaf common.Hash) bool {
	h := leaf
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}

// Tree is a sorted-pair Merkle tree over reward leaves. Leaves are sorted so
// the root does not depend on entry order.
type Tree struct {
	layers [][]common.Hash
}

// NewTree builds a tree. An empty leaf set has the zero root.
func NewTree(leaves []common.Hash) *Tree {
	sorted := make([]common.Hash, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	t := &Tree{layers: [][]common.Hash{sorted}}
	for level := sorted; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.layers = append(t.layers, next)
		level = next
	}
	return t
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

// Proof returns the proof for leaf, or false if leaf is not in the tree.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, bool) {
	idx := -1
	for i, l := range t.layers[0] {
		if l == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	var proof []common.Hash
	for _, level := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		idx /= 2
	}
	return proof, true
}
