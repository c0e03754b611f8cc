package models

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

func testArgs() Args {
	return Args{
		Seed:            3,
		Targets:         []string{"ssc", "flux"},
		SeqLength:       3,
		DailyInSize:     2,
		IrregularInSize: 2,
		StaticInSize:    2,
		HiddenSize:      3,
	}
}

func testBatch(t *testing.T, args Args, seed int64) *data.Batch {
	t.Helper()
	src := rng.New(seed).Source()
	fill := func(size int) []float64 {
		out := make([]float64, size)
		for i := range out {
			out[i] = src.NormFloat64()
		}
		return out
	}
	n := 2
	xi := fill(n * args.SeqLength * args.IrregularInSize)
	xi[1] = math.NaN() // one unobserved irregular entry
	return &data.Batch{
		XD: tensor.New(tensor.WithShape(n, args.SeqLength, args.DailyInSize),
			tensor.WithBacking(fill(n*args.SeqLength*args.DailyInSize))),
		XI: tensor.New(tensor.WithShape(n, args.SeqLength, args.IrregularInSize),
			tensor.WithBacking(xi)),
		XS: tensor.New(tensor.WithShape(n, args.StaticInSize),
			tensor.WithBacking(fill(n*args.StaticInSize))),
		Y: tensor.New(tensor.WithShape(n, args.SeqLength, len(args.Targets)),
			tensor.WithBacking(fill(n*args.SeqLength*len(args.Targets)))),
	}
}

func TestMakeRejectsUnknownName(t *testing.T) {
	if _, err := Make("transformer", testArgs()); err == nil {
		t.Fatal("unknown model name accepted")
	}
}

func TestMakeValidatesGraphMatrix(t *testing.T) {
	args := testArgs()
	if _, err := Make("graph_lstm", args); err == nil {
		t.Fatal("graph_lstm without adjacency accepted")
	}
	args.GraphMatrix = &GraphMatrix{M: mat.NewDense(3, 3, nil)}
	if _, err := Make("graph_lstm", args); err == nil {
		t.Fatal("adjacency not matching daily_in_size accepted")
	}
}

func TestGraphMatrixJSONRoundTrip(t *testing.T) {
	g := &GraphMatrix{M: mat.NewDense(2, 2, []float64{0, 1, 0.5, 0})}
	b, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.HasPrefix(string(b), "[[") {
		t.Fatalf("adjacency must marshal as nested lists, got %s", b)
	}
	var back GraphMatrix
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !mat.Equal(g.M, back.M) {
		t.Fatal("adjacency changed across JSON round trip")
	}
}

func TestPredictShapeAndDeterminism(t *testing.T) {
	for _, name := range []string{"flexible_hybrid", "lstm_mlp_attn"} {
		args := testArgs()
		m, err := Make(name, args)
		if err != nil {
			t.Fatalf("%s: Make: %v", name, err)
		}
		b := testBatch(t, args, 5)
		p1, err := m.Predict(b, nil)
		if err != nil {
			t.Fatalf("%s: Predict: %v", name, err)
		}
		if s := p1.Shape(); s[0] != 2 || s[1] != len(args.Targets) {
			t.Fatalf("%s: prediction shape %v, want (2, %d)", name, s, len(args.Targets))
		}
		p2, err := m.Predict(b, nil)
		if err != nil {
			t.Fatalf("%s: second Predict: %v", name, err)
		}
		a, c := p1.Data().([]float64), p2.Data().([]float64)
		for i := range a {
			if a[i] != c[i] {
				t.Fatalf("%s: prediction not deterministic without keys", name)
			}
		}
	}
}

func TestSeedsReproduceInitialization(t *testing.T) {
	args := testArgs()
	a, _ := Make("lstm_mlp_attn", args)
	b, _ := Make("lstm_mlp_attn", args)
	if !a.Params().Equal(b.Params()) {
		t.Fatal("same seed produced different initial parameters")
	}
}

func TestComponentPathsCoverFreezeTargets(t *testing.T) {
	args := testArgs()
	m, _ := Make("lstm_mlp_attn", args)
	joined := strings.Join(m.Params().Paths(), " ")
	for _, component := range []string{"lstm.", "attention.", "static_embedder.", "irregular_encoder.", "head."} {
		if !strings.Contains(joined, component) {
			t.Errorf("no parameter path contains component %q", component)
		}
	}
}

func TestDropoutKeysAreReproducible(t *testing.T) {
	args := testArgs()
	args.DropoutRate = 0.5
	m, _ := Make("flexible_hybrid", args)
	b := testBatch(t, args, 5)
	keys := rng.New(17).Split(3)[1:]

	p1, err := m.Predict(b, keys)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	p2, _ := m.Predict(b, keys)
	x, y := p1.Data().([]float64), p2.Data().([]float64)
	for i := range x {
		if x[i] != y[i] {
			t.Fatal("same dropout keys produced different predictions")
		}
	}

	p3, _ := m.Predict(b, rng.New(18).Split(3)[1:])
	same := true
	for i := range x {
		if x[i] != p3.Data().([]float64)[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different dropout keys produced identical predictions")
	}
}

// TestBackwardMatchesFiniteDifference checks every model's analytic
// gradients against central differences of the scalar sum of squared
// predictions.
func TestBackwardMatchesFiniteDifference(t *testing.T) {
	for _, name := range []string{"flexible_hybrid", "lstm_mlp_attn", "graph_lstm"} {
		args := testArgs()
		if name == "graph_lstm" {
			args.GraphMatrix = &GraphMatrix{M: mat.NewDense(2, 2, []float64{0, 0.3, 0.2, 0})}
		}
		m, err := Make(name, args)
		if err != nil {
			t.Fatalf("%s: Make: %v", name, err)
		}
		b := testBatch(t, args, 7)
		tree := m.Params()

		// Flatten the parameter tree into one vector for gonum.
		var x0 []float64
		for _, p := range tree.Paths() {
			leaf, _ := tree.Leaf(p)
			x0 = append(x0, params.Floats(leaf)...)
		}
		setParams := func(x []float64) {
			off := 0
			for _, p := range tree.Paths() {
				leaf, _ := tree.Leaf(p)
				dst := params.Floats(leaf)
				copy(dst, x[off:off+len(dst)])
				off += len(dst)
			}
		}
		objective := func(x []float64) float64 {
			setParams(x)
			pred, err := m.Predict(b, nil)
			if err != nil {
				t.Fatalf("%s: Predict: %v", name, err)
			}
			sum := 0.0
			for _, v := range pred.Data().([]float64) {
				sum += v * v
			}
			return sum
		}

		setParams(x0)
		pred, err := m.Predict(b, nil)
		if err != nil {
			t.Fatalf("%s: Predict: %v", name, err)
		}
		pd := pred.Data().([]float64)
		dPred := make([]float64, len(pd))
		for i, v := range pd {
			dPred[i] = 2 * v
		}
		grads, err := m.Backward(tensor.New(tensor.WithShape(pred.Shape()...), tensor.WithBacking(dPred)))
		if err != nil {
			t.Fatalf("%s: Backward: %v", name, err)
		}

		numeric := fd.Gradient(nil, objective, x0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		setParams(x0)

		off := 0
		for _, p := range tree.Paths() {
			leaf, ok := grads.Leaf(p)
			if !ok {
				t.Fatalf("%s: gradient tree missing leaf %q", name, p)
			}
			g := params.Floats(leaf)
			for i, v := range g {
				n := numeric[off+i]
				if math.Abs(v-n) > 1e-4*(1+math.Abs(n)) {
					t.Errorf("%s: %s[%d] analytic %g vs numeric %g", name, p, i, v, n)
				}
			}
			off += len(g)
		}
	}
}
