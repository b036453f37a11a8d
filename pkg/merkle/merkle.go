// Package merkle implements ordered Merkle proofs over manifest route leaves.
//
// Proofs carry an explicit left/right position for every sibling instead of
// sorting each pair, so the same proof format works for unbalanced trees and
// the hash is never commutative. Position bit i (LSB-first) places the running
// hash on the right of sibling i when set, on the left when clear.
package merkle

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// HashSize is the width of every node hash in bytes.
	HashSize = 32

	// MaxProofLen bounds proof depth so the positions bitfield fits in uint64.
	MaxProofLen = 64

	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	ErrProofTooLong = errors.New("merkle: proof exceeds maximum depth")
	ErrPositionBits = errors.New("merkle: positions bitfield has bits beyond proof length")
)

// EmptyRoot is the sentinel root of a manifest with no routes.
var EmptyRoot = sha256.Sum256([]byte("payrox.manifest.empty.v1"))

// LeafHash computes the order-sensitive leaf encoding of a single route:
// sha256(0x00 || selector || handler || codehash). The prefix byte separates
// the leaf domain from interior nodes.
func LeafHash(selector [4]byte, handler [20]byte, codehash [32]byte) [32]byte {
	buf := make([]byte, 0, 1+4+20+32)
	buf = append(buf, leafPrefix)
	buf = append(buf, selector[:]...)
	buf = append(buf, handler[:]...)
	buf = append(buf, codehash[:]...)
	return sha256.Sum256(buf)
}

func fold(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+2*HashSize)
	buf = append(buf, nodePrefix)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// ProcessProof folds leaf with each sibling in sequence and returns the
// recovered root. Bit i of positions selects the side of the running hash for
// sibling i: clear places it left, set places it right. Bits at or beyond
// len(proof) must be zero.
func ProcessProof(leaf [32]byte, proof [][32]byte, positions uint64) ([32]byte, error) {
	if len(proof) > MaxProofLen {
		return [32]byte{}, ErrProofTooLong
	}
	if len(proof) < MaxProofLen && positions>>uint(len(proof)) != 0 {
		return [32]byte{}, ErrPositionBits
	}
	node := leaf
	for i, sibling := range proof {
		if positions&(1<<uint(i)) != 0 {
			node = fold(sibling, node)
		} else {
			node = fold(node, sibling)
		}
	}
	return node, nil
}

// Verify reports whether (leaf, proof, positions) recovers root.
func Verify(leaf [32]byte, proof [][32]byte, positions uint64, root [32]byte) (bool, error) {
	got, err := ProcessProof(leaf, proof, positions)
	if err != nil {
		return false, err
	}
	return got == root, nil
}

// BuildRoot folds a leaf level up to its root. An odd level is padded by
// duplicating its last node, never by a zero leaf. An empty leaf set yields
// EmptyRoot.
func BuildRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, fold(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// BuildProof returns the sibling path and positions bitfield for leaves[index]
// in the tree BuildRoot constructs.
func BuildProof(leaves [][32]byte, index int) ([][32]byte, uint64, error) {
	if index < 0 || index >= len(leaves) {
		return nil, 0, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	var proof [][32]byte
	var positions uint64
	depth := 0
	for len(level) > 1 {
		if depth >= MaxProofLen {
			return nil, 0, ErrProofTooLong
		}
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		proof = append(proof, level[sibling])
		if index%2 == 1 {
			positions |= 1 << uint(depth)
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, fold(level[i], level[i+1]))
		}
		level = next
		index /= 2
		depth++
	}
	return proof, positions, nil
}
