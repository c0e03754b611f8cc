package models

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/params"
)

// lstmCell is a single-layer LSTM unrolled over the daily input sequence.
// Gate activations and states are cached per timestep for backpropagation
// through time. Gradients flow to the weights only; the inputs are data,
// not parameters, so input gradients are not materialized.
type lstmCell struct {
	name     string
	features int
	units    int

	wf, wi, wc, wo *tensor.Dense // input weights (features, units)
	uf, ui, uc, uo *tensor.Dense // recurrent weights (units, units)
	bf, bi, bc, bo *tensor.Dense // biases (units)

	// forward caches
	inputs  []float64 // (batch, seq, features)
	batch   int
	seq     int
	hidden  [][]float64 // seq+1 of (batch, units)
	cell    [][]float64 // seq+1 of (batch, units)
	fGate   [][]float64
	iGate   [][]float64
	cCand   [][]float64
	oGate   [][]float64
}

func newLSTMCell(name string, features, units int, r *rand.Rand) *lstmCell {
	glorot := func(rows, cols int) *tensor.Dense {
		data := make([]float64, rows*cols)
		limit := math.Sqrt(6.0 / float64(rows+cols))
		for i := range data {
			data[i] = (r.Float64()*2 - 1) * limit
		}
		return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	}
	bias := func(fill float64) *tensor.Dense {
		data := make([]float64, units)
		for i := range data {
			data[i] = fill
		}
		return tensor.New(tensor.WithShape(units), tensor.WithBacking(data))
	}
	return &lstmCell{
		name:     name,
		features: features,
		units:    units,
		wf:       glorot(features, units),
		wi:       glorot(features, units),
		wc:       glorot(features, units),
		wo:       glorot(features, units),
		uf:       glorot(units, units),
		ui:       glorot(units, units),
		uc:       glorot(units, units),
		uo:       glorot(units, units),
		// forget gate bias starts at 1 for better gradient flow
		bf: bias(1),
		bi: bias(0),
		bc: bias(0),
		bo: bias(0),
	}
}

func (l *lstmCell) register(t *params.Tree) {
	t.MustAdd(l.name+".wf", l.wf)
	t.MustAdd(l.name+".wi", l.wi)
	t.MustAdd(l.name+".wc", l.wc)
	t.MustAdd(l.name+".wo", l.wo)
	t.MustAdd(l.name+".uf", l.uf)
	t.MustAdd(l.name+".ui", l.ui)
	t.MustAdd(l.name+".uc", l.uc)
	t.MustAdd(l.name+".uo", l.uo)
	t.MustAdd(l.name+".bf", l.bf)
	t.MustAdd(l.name+".bi", l.bi)
	t.MustAdd(l.name+".bc", l.bc)
	t.MustAdd(l.name+".bo", l.bo)
}

// forward consumes (batch, seq, features) and returns the full hidden
// sequence (batch, seq, units).
func (l *lstmCell) forward(x []float64, batch, seq int) []float64 {
	u := l.units
	f := l.features
	l.inputs = x
	l.batch = batch
	l.seq = seq
	l.hidden = make([][]float64, seq+1)
	l.cell = make([][]float64, seq+1)
	l.fGate = make([][]float64, seq)
	l.iGate = make([][]float64, seq)
	l.cCand = make([][]float64, seq)
	l.oGate = make([][]float64, seq)
	l.hidden[0] = make([]float64, batch*u)
	l.cell[0] = make([]float64, batch*u)

	wf, wi, wc, wo := params.Floats(l.wf), params.Floats(l.wi), params.Floats(l.wc), params.Floats(l.wo)
	uf, ui, uc, uo := params.Floats(l.uf), params.Floats(l.ui), params.Floats(l.uc), params.Floats(l.uo)
	bf, bi, bc, bo := params.Floats(l.bf), params.Floats(l.bi), params.Floats(l.bc), params.Floats(l.bo)

	out := make([]float64, batch*seq*u)
	for t := 0; t < seq; t++ {
		hPrev := l.hidden[t]
		cPrev := l.cell[t]
		ft := make([]float64, batch*u)
		it := make([]float64, batch*u)
		ct := make([]float64, batch*u)
		ot := make([]float64, batch*u)
		cNew := make([]float64, batch*u)
		hNew := make([]float64, batch*u)

		for b := 0; b < batch; b++ {
			xt := x[b*seq*f+t*f : b*seq*f+(t+1)*f]
			for k := 0; k < u; k++ {
				fVal, iVal, cVal, oVal := bf[k], bi[k], bc[k], bo[k]
				for j := 0; j < f; j++ {
					xv := xt[j]
					fVal += xv * wf[j*u+k]
					iVal += xv * wi[j*u+k]
					cVal += xv * wc[j*u+k]
					oVal += xv * wo[j*u+k]
				}
				for h := 0; h < u; h++ {
					hv := hPrev[b*u+h]
					fVal += hv * uf[h*u+k]
					iVal += hv * ui[h*u+k]
					cVal += hv * uc[h*u+k]
					oVal += hv * uo[h*u+k]
				}
				idx := b*u + k
				ft[idx] = sigmoid(fVal)
				it[idx] = sigmoid(iVal)
				ct[idx] = math.Tanh(cVal)
				ot[idx] = sigmoid(oVal)
				cNew[idx] = ft[idx]*cPrev[idx] + it[idx]*ct[idx]
				hNew[idx] = ot[idx] * math.Tanh(cNew[idx])
				out[b*seq*u+t*u+k] = hNew[idx]
			}
		}
		l.fGate[t] = ft
		l.iGate[t] = it
		l.cCand[t] = ct
		l.oGate[t] = ot
		l.cell[t+1] = cNew
		l.hidden[t+1] = hNew
	}
	return out
}

// backward runs BPTT given dHidden (batch, seq, units) and accumulates
// weight gradients into grads.
func (l *lstmCell) backward(dHidden []float64, grads *params.Tree) {
	batch, seq, u, f := l.batch, l.seq, l.units, l.features

	dwf := make([]float64, f*u)
	dwi := make([]float64, f*u)
	dwc := make([]float64, f*u)
	dwo := make([]float64, f*u)
	duf := make([]float64, u*u)
	dui := make([]float64, u*u)
	duc := make([]float64, u*u)
	duo := make([]float64, u*u)
	dbf := make([]float64, u)
	dbi := make([]float64, u)
	dbc := make([]float64, u)
	dbo := make([]float64, u)

	uf, ui, uc, uo := params.Floats(l.uf), params.Floats(l.ui), params.Floats(l.uc), params.Floats(l.uo)

	dh := make([]float64, batch*u)
	dc := make([]float64, batch*u)

	for t := seq - 1; t >= 0; t-- {
		for i := 0; i < batch; i++ {
			for k := 0; k < u; k++ {
				dh[i*u+k] += dHidden[i*seq*u+t*u+k]
			}
		}

		ft, it, ct, ot := l.fGate[t], l.iGate[t], l.cCand[t], l.oGate[t]
		cNew, cPrev, hPrev := l.cell[t+1], l.cell[t], l.hidden[t]

		dhPrev := make([]float64, batch*u)
		dcPrev := make([]float64, batch*u)

		for b := 0; b < batch; b++ {
			xt := l.inputs[b*seq*f+t*f : b*seq*f+(t+1)*f]
			for k := 0; k < u; k++ {
				idx := b*u + k
				o := ot[idx]
				tanhC := math.Tanh(cNew[idx])

				do := dh[idx] * tanhC * o * (1 - o)
				dcVal := dc[idx] + dh[idx]*o*(1-tanhC*tanhC)

				fv, iv, cand := ft[idx], it[idx], ct[idx]
				df := dcVal * cPrev[idx] * fv * (1 - fv)
				di := dcVal * cand * iv * (1 - iv)
				dCand := dcVal * iv * (1 - cand*cand)

				for j := 0; j < f; j++ {
					xv := xt[j]
					dwf[j*u+k] += df * xv
					dwi[j*u+k] += di * xv
					dwc[j*u+k] += dCand * xv
					dwo[j*u+k] += do * xv
				}
				for h := 0; h < u; h++ {
					hv := hPrev[b*u+h]
					duf[h*u+k] += df * hv
					dui[h*u+k] += di * hv
					duc[h*u+k] += dCand * hv
					duo[h*u+k] += do * hv

					dhPrev[b*u+h] += df*uf[h*u+k] + di*ui[h*u+k] + dCand*uc[h*u+k] + do*uo[h*u+k]
				}
				dbf[k] += df
				dbi[k] += di
				dbc[k] += dCand
				dbo[k] += do

				dcPrev[idx] = dcVal * fv
			}
		}
		dh = dhPrev
		dc = dcPrev
	}

	add := func(path string, shapeRows, shapeCols int, data []float64) {
		if shapeCols == 0 {
			grads.MustAdd(path, tensor.New(tensor.WithShape(shapeRows), tensor.WithBacking(data)))
			return
		}
		grads.MustAdd(path, tensor.New(tensor.WithShape(shapeRows, shapeCols), tensor.WithBacking(data)))
	}
	add(l.name+".wf", f, u, dwf)
	add(l.name+".wi", f, u, dwi)
	add(l.name+".wc", f, u, dwc)
	add(l.name+".wo", f, u, dwo)
	add(l.name+".uf", u, u, duf)
	add(l.name+".ui", u, u, dui)
	add(l.name+".uc", u, u, duc)
	add(l.name+".uo", u, u, duo)
	add(l.name+".bf", u, 0, dbf)
	add(l.name+".bi", u, 0, dbi)
	add(l.name+".bc", u, 0, dbc)
	add(l.name+".bo", u, 0, dbo)
}
