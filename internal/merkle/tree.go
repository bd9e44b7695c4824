// Package merkle implements the append-only commitment tree used by the
// source locker's merklized accounting mode. The tree has a fixed depth with
// null-leaf padding: the root over zero leaves is the precomputed zero digest
// chain, and each Push incrementally folds the new leaf into the root.
package merkle

import (
	"crypto/sha256"
	"fmt"
)

// Depth fixes the tree height. Capacity is 2^Depth leaves per tree; a batch
// that would exceed it must be dispatched (resetting the tree) first.
const Depth = 32

// Digest is a tree node hash.
type Digest [32]byte

// zeroDigests[i] is the hash of a subtree of height i containing only null leaves.
var zeroDigests = func() [Depth + 1]Digest {
	var z [Depth + 1]Digest
	for i := 1; i <= Depth; i++ {
		z[i] = hashPair(z[i-1], z[i-1])
	}
	return z
}()

func hashPair(left, right Digest) Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// HashLeaf computes the leaf digest for raw leaf bytes. Leaves are
// domain-separated from interior nodes by a 0x00 prefix.
func HashLeaf(data []byte) Digest {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Tree is an incremental (push-only) merkle tree.
// Not thread-safe — owned by the single-threaded accumulator.
type Tree struct {
	// branch[i] holds the left sibling at height i for the current insertion path
	branch [Depth]Digest
	count  uint64
	root   Digest
}

// New returns an empty tree whose root is the all-null-leaf root.
func New() *Tree {
	return &Tree{root: zeroDigests[Depth]}
}

// Push appends a leaf and returns its index and the new root.
func (t *Tree) Push(leaf Digest) (index uint64, root Digest, err error) {
	if t.count >= 1<<Depth {
		return 0, Digest{}, fmt.Errorf("merkle tree full: %d leaves", t.count)
	}

	index = t.count
	t.count++

	// Fold the leaf upward, recording the first left sibling on the path
	node := leaf
	idx := index
	for height := 0; height < Depth; height++ {
		if idx%2 == 0 {
			t.branch[height] = node
			break
		}
		node = hashPair(t.branch[height], node)
		idx /= 2
	}

	t.root = t.computeRoot()
	return index, t.root, nil
}

func (t *Tree) computeRoot() Digest {
	var node Digest
	size := t.count
	for height := 0; height < Depth; height++ {
		if size%2 == 1 {
			node = hashPair(t.branch[height], node)
		} else {
			node = hashPair(node, zeroDigests[height])
		}
		size /= 2
	}
	return node
}

// Root returns the current commitment.
func (t *Tree) Root() Digest {
	return t.root
}

// Count returns the number of pushed leaves.
func (t *Tree) Count() uint64 {
	return t.count
}

// Reset abandons all leaves, returning the tree to its empty state.
// Called when a merklized batch is dispatched (tree fully drained).
func (t *Tree) Reset() {
	*t = Tree{root: zeroDigests[Depth]}
}
