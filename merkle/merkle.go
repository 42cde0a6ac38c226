// Package merkle implements the sorted-pair keccak256 tree the settlement
// contract verifies against. Leaves are keccak256 of the solidity-packed
// (address, uint256 amount, uint256 nonce) tuple; every parent hashes its
// children with the smaller hash first, which keeps proofs compatible with
// OpenZeppelin's MerkleProof.verify.
package merkle

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrLeafNotFound = errors.New("merkle: leaf not in tree")

// Leaf computes keccak256(abi.encodePacked(user, amount, nonce)).
func Leaf(user common.Address, amount *big.Int, nonce uint64) common.Hash {
	var buf [84]byte
	copy(buf[0:20], user.Bytes())
	amount.FillBytes(buf[20:52])
	new(big.Int).SetUint64(nonce).FillBytes(buf[52:84])
	return crypto.Keccak256Hash(buf[:])
}

// hashPair is the commutative parent hash: the byte-wise smaller child goes
// first.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Tree is an immutable Merkle tree over a fixed leaf slice. levels[0] is the
// leaf level, the last level holds the single root.
type Tree struct {
	levels [][]common.Hash
}

// New builds the tree. An odd node at any level is promoted unchanged. A
// single-leaf tree has root == leaf. Building over zero leaves yields the
// zero root; callers never submit empty batches.
func New(leaves []common.Hash) *Tree {
	t := &Tree{}
	if len(leaves) == 0 {
		return t
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the tree root, or the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	if len(t.levels) == 0 {
		return common.Hash{}
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Prove returns the sibling path for the first occurrence of leaf. Levels
// where the node was promoted without a sibling contribute nothing.
func (t *Tree) Prove(leaf common.Hash) ([]common.Hash, error) {
	if len(t.levels) == 0 {
		return nil, ErrLeafNotFound
	}
	idx := -1
	for i, l := range t.levels[0] {
		if l == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrLeafNotFound
	}
	return t.ProveIndex(idx)
}

// ProveIndex returns the sibling path for the leaf at index i.
func (t *Tree) ProveIndex(i int) ([]common.Hash, error) {
	if len(t.levels) == 0 || i < 0 || i >= len(t.levels[0]) {
		return nil, ErrLeafNotFound
	}
	proof := make([]common.Hash, 0, len(t.levels))
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		i /= 2
	}
	return proof, nil
}

// Verify re-folds proof onto leaf with the sorted-pair rule and compares the
// result to root.
func Verify(proof []common.Hash, root, leaf common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}
