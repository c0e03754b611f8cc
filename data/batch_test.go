package data

import (
	"math"
	"testing"

	"gorgonia.org/tensor"
)

func makeBatch(n, seq, nt int) *Batch {
	count := func(size int) []float64 {
		out := make([]float64, size)
		for i := range out {
			out[i] = float64(i)
		}
		return out
	}
	return &Batch{
		XD: tensor.New(tensor.WithShape(n, seq, 2), tensor.WithBacking(count(n*seq*2))),
		XS: tensor.New(tensor.WithShape(n, 3), tensor.WithBacking(count(n*3))),
		Y:  tensor.New(tensor.WithShape(n, seq, nt), tensor.WithBacking(count(n*seq*nt))),
	}
}

func TestLastTargetsExtractsFinalTimestep(t *testing.T) {
	b := makeBatch(2, 3, 2)
	y, err := b.LastTargets()
	if err != nil {
		t.Fatalf("LastTargets: %v", err)
	}
	if s := y.Shape(); s[0] != 2 || s[1] != 2 {
		t.Fatalf("shape %v, want (2, 2)", s)
	}
	got := y.Data().([]float64)
	// Row-major (2, 3, 2): last timestep of row 0 is entries 4-5, of
	// row 1 entries 10-11.
	want := []float64{4, 5, 10, 11}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestValidateCatchesMismatchedRows(t *testing.T) {
	b := makeBatch(2, 3, 1)
	b.XS = tensor.New(tensor.WithShape(3, 3), tensor.WithBacking(make([]float64, 9)))
	if err := b.Validate(); err == nil {
		t.Fatal("mismatched batch dimension accepted")
	}
	b = makeBatch(2, 3, 1)
	b.Basins = []string{"one"}
	if err := b.Validate(); err == nil {
		t.Fatal("mismatched basin labels accepted")
	}
}

func TestHasObservation(t *testing.T) {
	b := makeBatch(1, 2, 1)
	if !b.HasObservation() {
		t.Fatal("fully observed batch reported unobserved")
	}
	yd := b.Y.Data().([]float64)
	for i := range yd {
		yd[i] = math.NaN()
	}
	if b.HasObservation() {
		t.Fatal("all-NaN batch reported observed")
	}
}

func TestSliceLoaderEpochDiscipline(t *testing.T) {
	batches := []*Batch{makeBatch(1, 2, 1), makeBatch(1, 2, 1)}
	l := NewSliceLoader(batches, nil)
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	seen := 0
	for {
		b, err := l.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if b == nil {
			break
		}
		seen++
	}
	if seen != 2 {
		t.Fatalf("drained %d batches, want 2", seen)
	}
	if b, _ := l.Next(); b != nil {
		t.Fatal("exhausted loader still yields batches")
	}

	l.Reset()
	if b, _ := l.Next(); b == nil {
		t.Fatal("Reset did not rewind the loader")
	}
}
