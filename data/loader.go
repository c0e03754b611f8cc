package data

import (
	"sync"

	"gorgonia.org/tensor"
)

// Dataset is the collaborator that owns normalization statistics. The
// inverse transform must be affine per target column; TargetScale exposes
// the slope so gradients can be chained through DenormalizeTarget.
type Dataset interface {
	// DenormalizeTarget maps normalized predictions (batch, nTargets) back
	// to physical units.
	DenormalizeTarget(y *tensor.Dense) (*tensor.Dense, error)
	// TargetScale returns d(denormalized)/d(normalized) for a target column.
	TargetScale(column int) float64
}

// Loader hands fully-materialized batches to the trainer. Batch retrieval
// is a blocking synchronous call; any worker parallelism lives behind this
// interface.
type Loader interface {
	// Next returns the next batch of the epoch, or (nil, nil) when the
	// epoch is exhausted.
	Next() (*Batch, error)
	// Reset rewinds the loader to the start of a new epoch.
	Reset()
	// Len returns the number of batches per epoch.
	Len() int
	// Shard reshapes a batch for the execution backend. The in-process
	// backend is single-device, so implementations may return the batch
	// unchanged.
	Shard(b *Batch) *Batch
	// Dataset exposes the owning dataset's transform hooks.
	Dataset() Dataset
}

// IdentityDataset is a Dataset whose normalization is the identity. Useful
// for tests and for targets trained in physical units.
type IdentityDataset struct{}

func (IdentityDataset) DenormalizeTarget(y *tensor.Dense) (*tensor.Dense, error) {
	return y, nil
}

func (IdentityDataset) TargetScale(int) float64 { return 1.0 }

// AffineDataset denormalizes with per-column y*scale + offset.
type AffineDataset struct {
	Scales  []float64
	Offsets []float64
}

func (d *AffineDataset) DenormalizeTarget(y *tensor.Dense) (*tensor.Dense, error) {
	s := y.Shape()
	n, nt := s[0], s[1]
	src := y.Data().([]float64)
	out := make([]float64, len(src))
	for i := 0; i < n; i++ {
		for j := 0; j < nt; j++ {
			out[i*nt+j] = src[i*nt+j]*d.Scales[j] + d.Offsets[j]
		}
	}
	return tensor.New(tensor.WithShape(n, nt), tensor.WithBacking(out)), nil
}

func (d *AffineDataset) TargetScale(column int) float64 { return d.Scales[column] }

// SliceLoader serves a fixed slice of batches in order. It satisfies Loader
// for tests and small in-memory runs.
type SliceLoader struct {
	batches  []*Batch
	dataset  Dataset
	position int
	mu       sync.Mutex
}

// NewSliceLoader wraps pre-built batches. A nil dataset defaults to the
// identity transform.
func NewSliceLoader(batches []*Batch, dataset Dataset) *SliceLoader {
	if dataset == nil {
		dataset = IdentityDataset{}
	}
	return &SliceLoader{batches: batches, dataset: dataset}
}

func (l *SliceLoader) Next() (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position >= len(l.batches) {
		return nil, nil
	}
	b := l.batches[l.position]
	l.position++
	return b, nil
}

func (l *SliceLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = 0
}

func (l *SliceLoader) Len() int { return len(l.batches) }

func (l *SliceLoader) Shard(b *Batch) *Batch { return b }

func (l *SliceLoader) Dataset() Dataset { return l.dataset }
