package data

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// Field names of the batch record, matching the dataset's column groups.
const (
	FieldDailyDynamic     = "x_dd"
	FieldIrregularDynamic = "x_di"
	FieldStatic           = "x_s"
	FieldTarget           = "y"
)

// Batch is one fully-materialized training batch: numeric tensors with one
// row per basin-sample, plus parallel label slices that are never fed to
// the model. Y may contain NaN for unobserved targets; those entries are
// excluded from the loss, never treated as zero.
type Batch struct {
	XD *tensor.Dense // daily dynamic inputs (batch, seq, nDaily)
	XI *tensor.Dense // irregular dynamic inputs (batch, seqIrr, nIrregular), NaN = unobserved
	XS *tensor.Dense // static catchment attributes (batch, nStatic)
	Y  *tensor.Dense // targets (batch, seq, nTargets), NaN = unobserved

	Basins []string
	Dates  []string
}

// Size returns the number of basin-samples in the batch.
func (b *Batch) Size() int {
	if b.XD == nil {
		return 0
	}
	return b.XD.Shape()[0]
}

// NumTargets returns the width of the target block.
func (b *Batch) NumTargets() int {
	if b.Y == nil {
		return 0
	}
	s := b.Y.Shape()
	return s[len(s)-1]
}

// LastTargets extracts y[:, -1, :] — the targets at the final timestep —
// as a fresh (batch, nTargets) tensor.
func (b *Batch) LastTargets() (*tensor.Dense, error) {
	if b.Y == nil {
		return nil, fmt.Errorf("data: batch has no target field %q", FieldTarget)
	}
	s := b.Y.Shape()
	if len(s) != 3 {
		return nil, fmt.Errorf("data: target field must be (batch, seq, targets), got %v", s)
	}
	n, seq, nt := s[0], s[1], s[2]
	src := b.Y.Data().([]float64)
	out := make([]float64, n*nt)
	for i := 0; i < n; i++ {
		copy(out[i*nt:(i+1)*nt], src[i*seq*nt+(seq-1)*nt:i*seq*nt+seq*nt])
	}
	return tensor.New(tensor.WithShape(n, nt), tensor.WithBacking(out)), nil
}

// Validate checks structural invariants the training core relies on.
func (b *Batch) Validate() error {
	if b.XD == nil || b.XS == nil || b.Y == nil {
		return fmt.Errorf("data: batch missing one of required fields %s/%s/%s",
			FieldDailyDynamic, FieldStatic, FieldTarget)
	}
	n := b.XD.Shape()[0]
	if b.XS.Shape()[0] != n || b.Y.Shape()[0] != n {
		return fmt.Errorf("data: inconsistent batch dimension across fields")
	}
	if b.XI != nil && b.XI.Shape()[0] != n {
		return fmt.Errorf("data: inconsistent batch dimension for %s", FieldIrregularDynamic)
	}
	if len(b.Basins) != 0 && len(b.Basins) != n {
		return fmt.Errorf("data: basin labels length %d does not match batch size %d", len(b.Basins), n)
	}
	return nil
}

// HasObservation reports whether any target entry in the batch is observed
// (non-NaN).
func (b *Batch) HasObservation() bool {
	if b.Y == nil {
		return false
	}
	for _, v := range b.Y.Data().([]float64) {
		if !math.IsNaN(v) {
			return true
		}
	}
	return false
}
