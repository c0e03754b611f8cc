package models

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

// flexibleHybrid encodes each input group with its own dense encoder, then
// concatenates the embeddings through dropout into a linear head. It is
// the cheapest member of the model family and the reference for the call
// contract.
type flexibleHybrid struct {
	args Args

	dailyEnc  *denseLayer
	dailyAct  reluAct
	irrEnc    *denseLayer
	irrAct    reluAct
	staticEmb *denseLayer
	staticAct tanhAct
	drop      dropoutLayer
	head      *denseLayer

	tree   *params.Tree
	hasIrr bool
	batch  int
	width  int
}

func newFlexibleHybrid(args Args) (Model, error) {
	r := rng.New(args.Seed).Source()
	h := args.HiddenSize
	m := &flexibleHybrid{
		args:   args,
		hasIrr: args.IrregularInSize > 0,
		drop:   dropoutLayer{rate: args.DropoutRate},
	}
	m.dailyEnc = newDenseLayer("daily_encoder", args.DailyInSize, h, r)
	m.staticEmb = newDenseLayer("static_embedder", args.StaticInSize, h, r)
	m.width = 2 * h
	if m.hasIrr {
		m.irrEnc = newDenseLayer("irregular_encoder", args.IrregularInSize, h, r)
		m.width = 3 * h
	}
	m.head = newDenseLayer("head", m.width, len(args.Targets), r)

	m.tree = params.NewTree()
	m.dailyEnc.register(m.tree)
	if m.hasIrr {
		m.irrEnc.register(m.tree)
	}
	m.staticEmb.register(m.tree)
	m.head.register(m.tree)
	return m, nil
}

func (m *flexibleHybrid) Params() *params.Tree { return m.tree }

func (m *flexibleHybrid) Targets() []string { return m.args.Targets }

func (m *flexibleHybrid) Predict(b *data.Batch, keys []rng.Key) (*tensor.Dense, error) {
	if err := checkBatch(b, m.args, m.hasIrr, keys); err != nil {
		return nil, err
	}
	n := b.Size()
	seq := b.XD.Shape()[1]
	m.batch = n
	h := m.args.HiddenSize

	daily := meanOverTime(b.XD.Data().([]float64), n, seq, m.args.DailyInSize)
	de := m.dailyAct.forward(m.dailyEnc.forward(daily, n))

	se := m.staticAct.forward(m.staticEmb.forward(b.XS.Data().([]float64), n))

	concat := make([]float64, n*m.width)
	for i := 0; i < n; i++ {
		copy(concat[i*m.width:], de[i*h:(i+1)*h])
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

func (m *flexibleHybrid) Backward(dPred *tensor.Dense) (*params.Tree, error) {
	if m.batch == 0 {
		return nil, fmt.Errorf("models: Backward called before Predict")
	}
	n := m.batch
	h := m.args.HiddenSize
	grads := params.NewTree()

	dConcat := m.drop.backward(m.head.backward(dPred.Data().([]float64), grads))

	dDaily := make([]float64, n*h)
	dStatic := make([]float64, n*h)
	for i := 0; i < n; i++ {
		copy(dDaily[i*h:], dConcat[i*m.width:i*m.width+h])
		copy(dStatic[i*h:], dConcat[i*m.width+h:i*m.width+2*h])
	}
	m.dailyEnc.backward(m.dailyAct.backward(dDaily), grads)
	if m.hasIrr {
		dIrr := make([]float64, n*h)
		for i := 0; i < n; i++ {
			copy(dIrr[i*h:], dConcat[i*m.width+2*h:i*m.width+3*h])
		}
		m.irrEnc.backward(m.irrAct.backward(dIrr), grads)
	}
	m.staticEmb.backward(m.staticAct.backward(dStatic), grads)
	return grads, nil
}

// checkBatch validates the batch against the model hyperparameters and the
// per-sample key discipline.
func checkBatch(b *data.Batch, args Args, needIrr bool, keys []rng.Key) error {
	if err := b.Validate(); err != nil {
		return err
	}
	sd := b.XD.Shape()
	if len(sd) != 3 || sd[2] != args.DailyInSize {
		return fmt.Errorf("models: daily input shape %v does not match daily_in_size %d", sd, args.DailyInSize)
	}
	if b.XS.Shape()[1] != args.StaticInSize {
		return fmt.Errorf("models: static input width %d does not match static_in_size %d",
			b.XS.Shape()[1], args.StaticInSize)
	}
	if needIrr {
		if b.XI == nil {
			return fmt.Errorf("models: batch missing irregular input %s", data.FieldIrregularDynamic)
		}
		if b.XI.Shape()[2] != args.IrregularInSize {
			return fmt.Errorf("models: irregular input width %d does not match irregular_in_size %d",
				b.XI.Shape()[2], args.IrregularInSize)
		}
	}
	if keys != nil && len(keys) < b.Size() {
		return fmt.Errorf("models: %d sample keys for batch of %d", len(keys), b.Size())
	}
	return nil
}

// meanOverTime reduces (batch, seq, feat) to (batch, feat) by averaging
// over the time axis.
func meanOverTime(x []float64, batch, seq, feat int) []float64 {
	out := make([]float64, batch*feat)
	for b := 0; b < batch; b++ {
		for j := 0; j < feat; j++ {
			sum := 0.0
			for t := 0; t < seq; t++ {
				sum += x[b*seq*feat+t*feat+j]
			}
			out[b*feat+j] = sum / float64(seq)
		}
	}
	return out
}

// maskedMeanOverTime averages observed (non-NaN) entries over time,
// yielding zero for features with no observations.
func maskedMeanOverTime(x []float64, batch, seq, feat int) []float64 {
	out := make([]float64, batch*feat)
	for b := 0; b < batch; b++ {
		for j := 0; j < feat; j++ {
			sum := 0.0
			count := 0
			for t := 0; t < seq; t++ {
				v := x[b*seq*feat+t*feat+j]
				if !math.IsNaN(v) {
					sum += v
					count++
				}
			}
			if count > 0 {
				out[b*feat+j] = sum / float64(count)
			}
		}
	}
	return out
}
