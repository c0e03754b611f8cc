// Package optimizer implements the gradient-descent updates applied by the
// trainer. Optimizers carry per-leaf slot state keyed by parameter path, so
// state survives serialization and parameter freezing rebuilds cleanly.
package optimizer

import (
	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/params"
)

// Optimizer updates a trainable parameter tree in place from a matching
// gradient tree. Implementations are stateful and not safe for concurrent
// use.
type Optimizer interface {
	// Step applies one update. p and g must share paths and shapes; p's
	// leaves are mutated through their backing arrays.
	Step(p, g *params.Tree) error

	// Reset discards slot state and reinitializes it for the leaves of
	// shapes. Called when the trainable subtree changes, e.g. after
	// freezing a component.
	Reset(shapes *params.Tree)

	// StateLeaves exposes the slot tensors in a deterministic order for
	// serialization. The order is stable across Reset calls with the same
	// shape tree.
	StateLeaves() []*tensor.Dense

	// StepCount is the number of updates applied, used for bias
	// correction. SetStepCount restores it when loading a checkpoint.
	StepCount() uint64
	SetStepCount(n uint64)

	LearningRate() float64
	SetLearningRate(lr float64)

	Name() string
}

// slotState is the shared path-keyed slot bookkeeping used by the concrete
// optimizers. Each path owns `perPath` slot tensors, stored in path order.
type slotState struct {
	paths []string
	slots map[string][]*tensor.Dense
	per   int
}

func newSlotState(perPath int) slotState {
	return slotState{slots: make(map[string][]*tensor.Dense), per: perPath}
}

func (s *slotState) reset(shapes *params.Tree) {
	s.paths = append([]string(nil), shapes.Paths()...)
	s.slots = make(map[string][]*tensor.Dense, len(s.paths))
	for _, p := range s.paths {
		leaf, _ := shapes.Leaf(p)
		slots := make([]*tensor.Dense, s.per)
		for i := range slots {
			slots[i] = params.ZerosLike(leaf)
		}
		s.slots[p] = slots
	}
}

func (s *slotState) leaves() []*tensor.Dense {
	out := make([]*tensor.Dense, 0, len(s.paths)*s.per)
	for _, p := range s.paths {
		out = append(out, s.slots[p]...)
	}
	return out
}

func (s *slotState) empty() bool {
	return len(s.paths) == 0
}
