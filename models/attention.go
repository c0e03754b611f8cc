package models

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/params"
)

// attnPool pools a hidden sequence into a single context vector with a
// learned query: scores are dot products against the query, softmaxed over
// time, and used to weight the hidden states.
type attnPool struct {
	name  string
	units int
	query *tensor.Dense // (units)

	// forward caches
	hs     []float64 // (batch, seq, units)
	alphas []float64 // (batch, seq)
	batch  int
	seq    int
}

func newAttnPool(name string, units int, r *rand.Rand) *attnPool {
	data := make([]float64, units)
	scale := 1 / math.Sqrt(float64(units))
	for i := range data {
		data[i] = r.NormFloat64() * scale
	}
	return &attnPool{
		name:  name,
		units: units,
		query: tensor.New(tensor.WithShape(units), tensor.WithBacking(data)),
	}
}

func (a *attnPool) register(t *params.Tree) {
	t.MustAdd(a.name+".query", a.query)
}

// forward consumes (batch, seq, units) and returns (batch, units).
func (a *attnPool) forward(hs []float64, batch, seq int) []float64 {
	u := a.units
	q := params.Floats(a.query)
	a.hs = hs
	a.batch = batch
	a.seq = seq
	a.alphas = make([]float64, batch*seq)

	ctx := make([]float64, batch*u)
	for b := 0; b < batch; b++ {
		scores := make([]float64, seq)
		maxScore := math.Inf(-1)
		for t := 0; t < seq; t++ {
			s := 0.0
			for k := 0; k < u; k++ {
				s += hs[b*seq*u+t*u+k] * q[k]
			}
			scores[t] = s
			if s > maxScore {
				maxScore = s
			}
		}
		sum := 0.0
		for t := 0; t < seq; t++ {
			scores[t] = math.Exp(scores[t] - maxScore)
			sum += scores[t]
		}
		for t := 0; t < seq; t++ {
			alpha := scores[t] / sum
			a.alphas[b*seq+t] = alpha
			for k := 0; k < u; k++ {
				ctx[b*u+k] += alpha * hs[b*seq*u+t*u+k]
			}
		}
	}
	return ctx
}

// backward takes dCtx (batch, units), accumulates the query gradient into
// grads, and returns dHs (batch, seq, units).
func (a *attnPool) backward(dCtx []float64, grads *params.Tree) []float64 {
	u, batch, seq := a.units, a.batch, a.seq
	q := params.Floats(a.query)
	dq := make([]float64, u)
	dHs := make([]float64, batch*seq*u)

	for b := 0; b < batch; b++ {
		// dAlpha_t = dCtx . h_t
		dAlpha := make([]float64, seq)
		for t := 0; t < seq; t++ {
			for k := 0; k < u; k++ {
				dAlpha[t] += dCtx[b*u+k] * a.hs[b*seq*u+t*u+k]
			}
		}
		// softmax backward: dScore_t = alpha_t * (dAlpha_t - sum_t' alpha_t' dAlpha_t')
		dot := 0.0
		for t := 0; t < seq; t++ {
			dot += a.alphas[b*seq+t] * dAlpha[t]
		}
		for t := 0; t < seq; t++ {
			alpha := a.alphas[b*seq+t]
			dScore := alpha * (dAlpha[t] - dot)
			for k := 0; k < u; k++ {
				h := a.hs[b*seq*u+t*u+k]
				dq[k] += dScore * h
				dHs[b*seq*u+t*u+k] += alpha*dCtx[b*u+k] + dScore*q[k]
			}
		}
	}
	grads.MustAdd(a.name+".query", tensor.New(tensor.WithShape(u), tensor.WithBacking(dq)))
	return dHs
}
