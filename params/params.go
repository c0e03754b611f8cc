package params

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Tree is a flat arena of named parameter leaves. Paths use dotted component
// names ("static_embedder.weight") and iteration order is insertion order, so
// serialization and optimizer slot layout are deterministic.
type Tree struct {
	paths  []string
	leaves map[string]*tensor.Dense
}

// NewTree returns an empty parameter tree.
func NewTree() *Tree {
	return &Tree{leaves: make(map[string]*tensor.Dense)}
}

// Add registers a leaf under path. Duplicate paths are rejected.
func (t *Tree) Add(path string, leaf *tensor.Dense) error {
	if leaf == nil {
		return fmt.Errorf("params: nil leaf for path %q", path)
	}
	if _, ok := t.leaves[path]; ok {
		return fmt.Errorf("params: duplicate leaf path %q", path)
	}
	t.paths = append(t.paths, path)
	t.leaves[path] = leaf
	return nil
}

// MustAdd is Add for construction-time trees where a duplicate is a bug.
func (t *Tree) MustAdd(path string, leaf *tensor.Dense) {
	if err := t.Add(path, leaf); err != nil {
		panic(err)
	}
}

// Leaf returns the tensor stored under path.
func (t *Tree) Leaf(path string) (*tensor.Dense, bool) {
	l, ok := t.leaves[path]
	return l, ok
}

// Paths returns the leaf paths in insertion order. The caller must not
// modify the returned slice.
func (t *Tree) Paths() []string {
	return t.paths
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.paths)
}

// NumParams returns the total element count across all leaves.
func (t *Tree) NumParams() int {
	n := 0
	for _, p := range t.paths {
		n += len(Floats(t.leaves[p]))
	}
	return n
}

// Clone deep-copies the tree: new leaves, new backing arrays.
func (t *Tree) Clone() *Tree {
	out := NewTree()
	for _, p := range t.paths {
		out.MustAdd(p, t.leaves[p].Clone().(*tensor.Dense))
	}
	return out
}

// Map builds a new tree by applying fn to every leaf, preserving order.
func (t *Tree) Map(fn func(path string, leaf *tensor.Dense) *tensor.Dense) *Tree {
	out := NewTree()
	for _, p := range t.paths {
		out.MustAdd(p, fn(p, t.leaves[p]))
	}
	return out
}

// Zip visits matching leaves of t and other in t's order. Every path of t
// must exist in other with an identical shape.
func (t *Tree) Zip(other *Tree, fn func(path string, a, b *tensor.Dense) error) error {
	for _, p := range t.paths {
		b, ok := other.leaves[p]
		if !ok {
			return fmt.Errorf("params: path %q missing from counterpart tree", p)
		}
		a := t.leaves[p]
		if !a.Shape().Eq(b.Shape()) {
			return fmt.Errorf("params: shape mismatch at %q: %v vs %v", p, a.Shape(), b.Shape())
		}
		if err := fn(p, a, b); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether two trees have identical paths, shapes and values.
func (t *Tree) Equal(other *Tree) bool {
	if t.Len() != other.Len() {
		return false
	}
	err := t.Zip(other, func(path string, a, b *tensor.Dense) error {
		av, bv := Floats(a), Floats(b)
		for i := range av {
			if av[i] != bv[i] {
				return fmt.Errorf("differs at %q", path)
			}
		}
		return nil
	})
	return err == nil
}

// Floats exposes a leaf's backing array. Mutations write through to the
// tensor; every leaf in a Tree is a float64 Dense by construction.
func Floats(leaf *tensor.Dense) []float64 {
	return leaf.Data().([]float64)
}

// ZerosLike returns a zero-filled tensor with the same shape as leaf.
func ZerosLike(leaf *tensor.Dense) *tensor.Dense {
	shape := leaf.Shape()
	dims := make([]int, len(shape))
	copy(dims, shape)
	return tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(dims...))
}
