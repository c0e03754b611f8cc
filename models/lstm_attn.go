package models

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

// lstmMLPAttn runs an LSTM over the daily inputs, pools the hidden
// sequence with learned attention, and concatenates the result with the
// static embedding and the irregular-observation encoding before a linear
// head. With a graph matrix attached it becomes the graph_lstm variant:
// daily inputs are first propagated through the fixed gauge-network
// adjacency.
type lstmMLPAttn struct {
	args  Args
	graph *GraphMatrix

	lstm      *lstmCell
	attn      *attnPool
	staticEmb *denseLayer
	staticAct tanhAct
	irrEnc    *denseLayer
	irrAct    reluAct
	drop      dropoutLayer
	head      *denseLayer

	tree   *params.Tree
	hasIrr bool
	batch  int
	seq    int
	width  int
}

func newLSTMMLPAttn(args Args, graph *GraphMatrix) (Model, error) {
	r := rng.New(args.Seed).Source()
	h := args.HiddenSize
	m := &lstmMLPAttn{
		args:   args,
		graph:  graph,
		hasIrr: args.IrregularInSize > 0,
		drop:   dropoutLayer{rate: args.DropoutRate},
	}
	m.lstm = newLSTMCell("lstm", args.DailyInSize, h, r)
	m.attn = newAttnPool("attention", h, r)
	m.staticEmb = newDenseLayer("static_embedder", args.StaticInSize, h, r)
	m.width = 2 * h
	if m.hasIrr {
		m.irrEnc = newDenseLayer("irregular_encoder", args.IrregularInSize, h, r)
		m.width = 3 * h
	}
	m.head = newDenseLayer("head", m.width, len(args.Targets), r)

	m.tree = params.NewTree()
	m.lstm.register(m.tree)
	m.attn.register(m.tree)
	m.staticEmb.register(m.tree)
	if m.hasIrr {
		m.irrEnc.register(m.tree)
	}
	m.head.register(m.tree)
	return m, nil
}

func (m *lstmMLPAttn) Params() *params.Tree { return m.tree }

func (m *lstmMLPAttn) Targets() []string { return m.args.Targets }

func (m *lstmMLPAttn) Predict(b *data.Batch, keys []rng.Key) (*tensor.Dense, error) {
	if err := checkBatch(b, m.args, m.hasIrr, keys); err != nil {
		return nil, err
	}
	n := b.Size()
	seq := b.XD.Shape()[1]
	m.batch = n
	m.seq = seq
	h := m.args.HiddenSize
	f := m.args.DailyInSize

	daily := b.XD.Data().([]float64)
	if m.graph != nil {
		daily = m.propagate(daily, n, seq, f)
	}

	hs := m.lstm.forward(daily, n, seq)
	ctx := m.attn.forward(hs, n, seq)
	se := m.staticAct.forward(m.staticEmb.forward(b.XS.Data().([]float64), n))

	concat := make([]float64, n*m.width)
	for i := 0; i < n; i++ {
		copy(concat[i*m.width:], ctx[i*h:(i+1)*h])
		copy(concat[i*m.width+h:], se[i*h:(i+1)*h])
	}
	if m.hasIrr {
		sIrr := b.XI.Shape()
		irr := maskedMeanOverTime(b.XI.Data().([]float64), n, sIrr[1], m.args.IrregularInSize)
		ie := m.irrAct.forward(m.irrEnc.forward(irr, n))
		for i := 0; i < n; i++ {
			copy(concat[i*m.width+2*h:], ie[i*h:(i+1)*h])
		}
	}

	dropped := m.drop.forward(concat, n, m.width, keys)
	out := m.head.forward(dropped, n)
	return tensor.New(tensor.WithShape(n, len(m.args.Targets)), tensor.WithBacking(out)), nil
}

func (m *lstmMLPAttn) Backward(dPred *tensor.Dense) (*params.Tree, error) {
	if m.batch == 0 {
		return nil, fmt.Errorf("models: Backward called before Predict")
	}
	n := m.batch
	h := m.args.HiddenSize
	grads := params.NewTree()

	dConcat := m.drop.backward(m.head.backward(dPred.Data().([]float64), grads))

	dCtx := make([]float64, n*h)
	dStatic := make([]float64, n*h)
	for i := 0; i < n; i++ {
		copy(dCtx[i*h:], dConcat[i*m.width:i*m.width+h])
		copy(dStatic[i*h:], dConcat[i*m.width+h:i*m.width+2*h])
	}

	dHs := m.attn.backward(dCtx, grads)
	m.lstm.backward(dHs, grads)
	m.staticEmb.backward(m.staticAct.backward(dStatic), grads)
	if m.hasIrr {
		dIrr := make([]float64, n*h)
		for i := 0; i < n; i++ {
			copy(dIrr[i*h:], dConcat[i*m.width+2*h:i*m.width+3*h])
		}
		m.irrEnc.backward(m.irrAct.backward(dIrr), grads)
	}
	return grads, nil
}

// propagate mixes each timestep's daily features through the adjacency:
// x <- x + A*x over the feature axis. The matrix is a fixed hyperparameter
// so no gradient flows through it.
func (m *lstmMLPAttn) propagate(x []float64, batch, seq, feat int) []float64 {
	a := m.graph.M
	out := make([]float64, len(x))
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			base := b*seq*feat + t*feat
			for i := 0; i < feat; i++ {
				v := x[base+i]
				for j := 0; j < feat; j++ {
					v += a.At(i, j) * x[base+j]
				}
				out[base+i] = v
			}
		}
	}
	return out
}
