package params

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// FilterSpec marks which leaves of a parameter tree receive gradient
// updates. It always covers the full tree: true means trainable.
type FilterSpec map[string]bool

// Freeze builds a filter over tree. A leaf is frozen when its path contains
// any of the component names as a substring; an empty name list trains
// everything.
func Freeze(tree *Tree, components []string) FilterSpec {
	spec := make(FilterSpec, tree.Len())
	for _, path := range tree.Paths() {
		frozen := false
		for _, c := range components {
			if c != "" && strings.Contains(path, c) {
				frozen = true
				break
			}
		}
		spec[path] = !frozen
	}
	return spec
}

// Trainable reports whether the leaf at path receives updates. Paths
// absent from the spec default to trainable, matching Freeze with no
// components.
func (f FilterSpec) Trainable(path string) bool {
	if f == nil {
		return true
	}
	v, ok := f[path]
	return !ok || v
}

// Partition splits tree into trainable and frozen subtrees according to
// spec. Leaves are shared with tree, not copied, so updating a partition
// leaf updates the model. Frozen leaves are structurally absent from the
// trainable subtree rather than zeroed.
func Partition(tree *Tree, spec FilterSpec) (trainable, frozen *Tree) {
	trainable = NewTree()
	frozen = NewTree()
	for _, p := range tree.Paths() {
		leaf, _ := tree.Leaf(p)
		if spec.Trainable(p) {
			trainable.MustAdd(p, leaf)
		} else {
			frozen.MustAdd(p, leaf)
		}
	}
	return trainable, frozen
}

// Combine merges two disjoint subtrees back into one tree, a's leaves
// first. Overlapping paths panic via MustAdd since partitions are disjoint
// by construction.
func Combine(a, b *Tree) *Tree {
	out := NewTree()
	for _, p := range a.Paths() {
		leaf, _ := a.Leaf(p)
		out.MustAdd(p, leaf)
	}
	for _, p := range b.Paths() {
		leaf, _ := b.Leaf(p)
		out.MustAdd(p, leaf)
	}
	return out
}

// GlobalNorm returns the single L2 norm across every leaf of the tree:
// sqrt of the sum of squared entries over all leaves.
func GlobalNorm(tree *Tree) float64 {
	sum := 0.0
	for _, p := range tree.Paths() {
		leaf, _ := tree.Leaf(p)
		v := Floats(leaf)
		sum += floats.Dot(v, v)
	}
	return math.Sqrt(sum)
}

// LeafNorm returns the L2 norm of the leaf at path, or 0 if absent.
func LeafNorm(tree *Tree, path string) float64 {
	leaf, ok := tree.Leaf(path)
	if !ok {
		return 0
	}
	v := Floats(leaf)
	return math.Sqrt(floats.Dot(v, v))
}

// Scale multiplies every leaf of the tree in place.
func Scale(tree *Tree, s float64) {
	for _, p := range tree.Paths() {
		leaf, _ := tree.Leaf(p)
		floats.Scale(s, Floats(leaf))
	}
}
