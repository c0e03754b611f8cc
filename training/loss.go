package training

import (
	"errors"
	"fmt"
	"log"
	"math"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/data"
)

// ErrNaNLoss marks a batch whose loss came out NaN, typically because no
// target in the batch was observed. It is a per-batch failure, not a
// corrupted-state condition.
var ErrNaNLoss = errors.New("training: NaN loss")

// Unit conversions applied before the mass-balance residual: concentration
// mg/l -> kg/l, sediment flux short ton/day -> kg/day, discharge
// m^3/s -> l/day.
const (
	sscUnitScale  = 1e-6
	fluxUnitScale = 1 / (1.102 * 1e3)
	qUnitScale    = 24 * 3600 * 1000
)

// Target names required when the flux-agreement penalty is active.
const (
	TargetSSC  = "ssc"
	TargetFlux = "flux"
	TargetQ    = "usgs_q"
)

// LossEngine computes the masked multi-target loss and its gradient with
// respect to the normalized predictions. The weighted average skips target
// columns with no observations; a batch with no observations at all yields
// a NaN loss.
type LossEngine struct {
	kind            string
	weights         []float64
	agreementWeight float64
	huberDelta      float64
	targets         []string

	sscIdx, fluxIdx, qIdx int

	logger *log.Logger
}

// NewLossEngine validates the loss name, the weight vector and, when the
// agreement penalty is active, the presence of the mass-balance targets.
func NewLossEngine(cfg *Config, targets []string, logger *log.Logger) (*LossEngine, error) {
	switch cfg.Loss {
	case LossMSE, LossMAE, LossHuber:
	default:
		return nil, fmt.Errorf("training: %q is not a valid loss function name", cfg.Loss)
	}
	weights := cfg.TargetWeights
	if len(weights) == 0 {
		weights = make([]float64, len(targets))
		for i := range weights {
			weights[i] = 1
		}
	} else if len(weights) != len(targets) {
		return nil, fmt.Errorf("training: %d target_weights for %d targets", len(weights), len(targets))
	}
	e := &LossEngine{
		kind:            cfg.Loss,
		weights:         weights,
		agreementWeight: cfg.AgreementWeight,
		huberDelta:      cfg.HuberDelta,
		targets:         targets,
		sscIdx:          -1,
		fluxIdx:         -1,
		qIdx:            -1,
		logger:          logger,
	}
	if e.huberDelta <= 0 {
		e.huberDelta = 1.0
	}
	if e.agreementWeight > 0 {
		for i, t := range targets {
			switch t {
			case TargetSSC:
				e.sscIdx = i
			case TargetFlux:
				e.fluxIdx = i
			case TargetQ:
				e.qIdx = i
			}
		}
		if e.sscIdx < 0 || e.fluxIdx < 0 || e.qIdx < 0 {
			return nil, fmt.Errorf(
				"training: flux agreement requires targets %s, %s and %s", TargetSSC, TargetFlux, TargetQ)
		}
	}
	return e, nil
}

// Compute returns the scalar loss and dLoss/dPred for a (batch, nTargets)
// target/prediction pair. Unobserved targets (NaN in y) contribute nothing
// to either. A NaN loss is reported as ErrNaNLoss after the raw tensors
// are dumped to the log.
func (e *LossEngine) Compute(y, yPred *tensor.Dense, ds data.Dataset) (float64, *tensor.Dense, error) {
	sy := y.Shape()
	if !sy.Eq(yPred.Shape()) {
		return 0, nil, fmt.Errorf("training: target shape %v does not match prediction shape %v", sy, yPred.Shape())
	}
	n, nt := sy[0], sy[1]
	if nt != len(e.targets) {
		return 0, nil, fmt.Errorf("training: %d prediction columns for %d targets", nt, len(e.targets))
	}
	yd := y.Data().([]float64)
	pd := yPred.Data().([]float64)
	grad := make([]float64, n*nt)

	// Per-column masked means. A column with no valid entry gets a NaN
	// loss and is excluded from the weighted average below.
	colLoss := make([]float64, nt)
	colCount := make([]int, nt)
	for c := 0; c < nt; c++ {
		sum := 0.0
		count := 0
		for i := 0; i < n; i++ {
			yv := yd[i*nt+c]
			if math.IsNaN(yv) {
				continue
			}
			sum += e.element(yv, pd[i*nt+c])
			count++
		}
		if count == 0 {
			colLoss[c] = math.NaN()
		} else {
			colLoss[c] = sum / float64(count)
		}
		colCount[c] = count
	}

	sumW := 0.0
	weighted := 0.0
	for c := 0; c < nt; c++ {
		if math.IsNaN(colLoss[c]) {
			continue
		}
		weighted += e.weights[c] * colLoss[c]
		sumW += e.weights[c]
	}
	loss := weighted / sumW // sumW == 0 -> NaN, the defined failure mode

	for c := 0; c < nt; c++ {
		if colCount[c] == 0 || sumW == 0 {
			continue
		}
		scale := e.weights[c] / (sumW * float64(colCount[c]))
		for i := 0; i < n; i++ {
			yv := yd[i*nt+c]
			if math.IsNaN(yv) {
				continue
			}
			grad[i*nt+c] = scale * e.elementGrad(yv, pd[i*nt+c])
		}
	}

	if e.agreementWeight > 0 {
		a, err := e.agreement(yPred, ds, grad)
		if err != nil {
			return 0, nil, err
		}
		loss += e.agreementWeight * a
	}

	if math.IsNaN(loss) {
		if e.logger != nil {
			e.logger.Printf("NaN loss\ny: %v\ny_pred: %v", yd, pd)
		}
		return loss, nil, ErrNaNLoss
	}
	return loss, tensor.New(tensor.WithShape(n, nt), tensor.WithBacking(grad)), nil
}

// element evaluates the pointwise loss on one observed target.
func (e *LossEngine) element(y, p float64) float64 {
	r := y - p
	switch e.kind {
	case LossMAE:
		return math.Abs(r)
	case LossHuber:
		if math.Abs(r) <= e.huberDelta {
			return 0.5 * r * r
		}
		return e.huberDelta * (math.Abs(r) - 0.5*e.huberDelta)
	default: // mse
		return r * r
	}
}

// elementGrad is d(element)/d(prediction).
func (e *LossEngine) elementGrad(y, p float64) float64 {
	r := y - p
	switch e.kind {
	case LossMAE:
		return -sign(r)
	case LossHuber:
		if math.Abs(r) <= e.huberDelta {
			return -r
		}
		return -e.huberDelta * sign(r)
	default: // mse
		return -2 * r
	}
}

// agreement adds the physical-consistency penalty: the relative error of
// the predicted sediment flux against concentration times discharge, on
// denormalized predictions in common units. The gradient is accumulated
// into grad, chained through the dataset's affine denormalization.
func (e *LossEngine) agreement(yPred *tensor.Dense, ds data.Dataset, grad []float64) (float64, error) {
	denorm, err := ds.DenormalizeTarget(yPred)
	if err != nil {
		return 0, fmt.Errorf("training: denormalize predictions: %w", err)
	}
	dd := denorm.Data().([]float64)
	nt := len(e.targets)
	n := len(dd) / nt

	sum := 0.0
	w := e.agreementWeight
	for i := 0; i < n; i++ {
		ssc := dd[i*nt+e.sscIdx] * sscUnitScale
		flux := dd[i*nt+e.fluxIdx] * fluxUnitScale
		q := dd[i*nt+e.qIdx] * qUnitScale

		u := ssc * q
		s := (u + flux) / 2
		r := (u - flux) / s
		sum += r * r

		// d(mean r^2)/dr, then dr/du = 4*flux/(u+f)^2 and
		// dr/df = -4*u/(u+f)^2, chained through the unit and
		// normalization scales.
		dr := 2 * r / float64(n)
		sq := (u + flux) * (u + flux)
		du := dr * 4 * flux / sq
		df := dr * -4 * u / sq

		grad[i*nt+e.sscIdx] += w * du * q * sscUnitScale * ds.TargetScale(e.sscIdx)
		grad[i*nt+e.qIdx] += w * du * ssc * qUnitScale * ds.TargetScale(e.qIdx)
		grad[i*nt+e.fluxIdx] += w * df * fluxUnitScale * ds.TargetScale(e.fluxIdx)
	}
	return sum / float64(n), nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
