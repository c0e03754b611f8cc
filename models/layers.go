package models

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

// denseLayer is a fully-connected layer y = x*W + b with cached input for
// the backward pass.
type denseLayer struct {
	name string
	w    *tensor.Dense // (in, out)
	b    *tensor.Dense // (out)

	in   int
	out  int
	inX  []float64 // cached input of the last forward, (batch, in)
	rows int
}

func newDenseLayer(name string, in, out int, r *rand.Rand) *denseLayer {
	wData := make([]float64, in*out)
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := range wData {
		wData[i] = (r.Float64()*2 - 1) * limit
	}
	return &denseLayer{
		name: name,
		w:    tensor.New(tensor.WithShape(in, out), tensor.WithBacking(wData)),
		b:    tensor.New(tensor.WithShape(out), tensor.WithBacking(make([]float64, out))),
		in:   in,
		out:  out,
	}
}

func (d *denseLayer) register(t *params.Tree) {
	t.MustAdd(d.name+".weight", d.w)
	t.MustAdd(d.name+".bias", d.b)
}

// forward computes (batch, in) -> (batch, out).
func (d *denseLayer) forward(x []float64, rows int) []float64 {
	d.inX = x
	d.rows = rows
	xm := mat.NewDense(rows, d.in, x)
	wm := mat.NewDense(d.in, d.out, params.Floats(d.w))
	var ym mat.Dense
	ym.Mul(xm, wm)
	y := make([]float64, rows*d.out)
	bias := params.Floats(d.b)
	for i := 0; i < rows; i++ {
		for j := 0; j < d.out; j++ {
			y[i*d.out+j] = ym.At(i, j) + bias[j]
		}
	}
	return y
}

// backward accumulates dW/db into grads and returns dX.
func (d *denseLayer) backward(dY []float64, grads *params.Tree) []float64 {
	xm := mat.NewDense(d.rows, d.in, d.inX)
	dym := mat.NewDense(d.rows, d.out, dY)
	wm := mat.NewDense(d.in, d.out, params.Floats(d.w))

	var dwm mat.Dense
	dwm.Mul(xm.T(), dym)
	dw := make([]float64, d.in*d.out)
	for i := 0; i < d.in; i++ {
		for j := 0; j < d.out; j++ {
			dw[i*d.out+j] = dwm.At(i, j)
		}
	}
	db := make([]float64, d.out)
	for i := 0; i < d.rows; i++ {
		for j := 0; j < d.out; j++ {
			db[j] += dY[i*d.out+j]
		}
	}
	grads.MustAdd(d.name+".weight", tensor.New(tensor.WithShape(d.in, d.out), tensor.WithBacking(dw)))
	grads.MustAdd(d.name+".bias", tensor.New(tensor.WithShape(d.out), tensor.WithBacking(db)))

	var dxm mat.Dense
	dxm.Mul(dym, wm.T())
	dx := make([]float64, d.rows*d.in)
	for i := 0; i < d.rows; i++ {
		for j := 0; j < d.in; j++ {
			dx[i*d.in+j] = dxm.At(i, j)
		}
	}
	return dx
}

// zeroGrads registers zero gradients for a layer that did not participate
// in the forward pass. Gradient trees always cover the full parameter set.
func (d *denseLayer) zeroGrads(grads *params.Tree) {
	grads.MustAdd(d.name+".weight", params.ZerosLike(d.w))
	grads.MustAdd(d.name+".bias", params.ZerosLike(d.b))
}

// reluAct is an elementwise ReLU with cached output.
type reluAct struct {
	out []float64
}

func (a *reluAct) forward(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		}
	}
	a.out = out
	return out
}

func (a *reluAct) backward(dOut []float64) []float64 {
	dx := make([]float64, len(dOut))
	for i, v := range dOut {
		if a.out[i] > 0 {
			dx[i] = v
		}
	}
	return dx
}

// tanhAct is an elementwise tanh with cached output.
type tanhAct struct {
	out []float64
}

func (a *tanhAct) forward(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Tanh(v)
	}
	a.out = out
	return out
}

func (a *tanhAct) backward(dOut []float64) []float64 {
	dx := make([]float64, len(dOut))
	for i, v := range dOut {
		dx[i] = v * (1 - a.out[i]*a.out[i])
	}
	return dx
}

// dropoutLayer applies inverted dropout with one key per sample, so a
// given (key, rate) pair always produces the same mask.
type dropoutLayer struct {
	rate float64
	mask []float64
}

func (d *dropoutLayer) forward(x []float64, rows, cols int, keys []rng.Key) []float64 {
	if d.rate == 0 || keys == nil {
		d.mask = nil
		return x
	}
	keep := 1 - d.rate
	mask := make([]float64, len(x))
	out := make([]float64, len(x))
	for i := 0; i < rows; i++ {
		src := keys[i].Source()
		for j := 0; j < cols; j++ {
			idx := i*cols + j
			if src.Float64() >= d.rate {
				mask[idx] = 1 / keep
			}
			out[idx] = x[idx] * mask[idx]
		}
	}
	d.mask = mask
	return out
}

func (d *dropoutLayer) backward(dOut []float64) []float64 {
	if d.mask == nil {
		return dOut
	}
	dx := make([]float64, len(dOut))
	for i, v := range dOut {
		dx[i] = v * d.mask[i]
	}
	return dx
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
