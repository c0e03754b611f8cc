package optimizer

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/params"
)

// AdamConfig holds the Adam hyperparameters. WeightDecay, when nonzero,
// applies decoupled decay to the parameters before the moment update
// (AdamW).
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam keeps first- and second-moment slots per parameter leaf and applies
// bias-corrected updates.
type Adam struct {
	config AdamConfig
	state  slotState
	step   uint64
}

// NewAdam creates an Adam optimizer. Slot state is allocated lazily on the
// first Step, or explicitly via Reset.
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("optimizer: learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("optimizer: betas must be in [0, 1), got %g/%g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("optimizer: epsilon must be positive, got %g", config.Epsilon)
	}
	return &Adam{config: config, state: newSlotState(2)}, nil
}

func (a *Adam) Name() string { return "Adam" }

func (a *Adam) LearningRate() float64 { return a.config.LearningRate }

func (a *Adam) SetLearningRate(lr float64) { a.config.LearningRate = lr }

func (a *Adam) StepCount() uint64 { return a.step }

func (a *Adam) SetStepCount(n uint64) { a.step = n }

// Reset rebuilds the moment slots for the given trainable tree and clears
// the step count.
func (a *Adam) Reset(shapes *params.Tree) {
	a.state.reset(shapes)
	a.step = 0
}

func (a *Adam) StateLeaves() []*tensor.Dense { return a.state.leaves() }

func (a *Adam) Step(p, g *params.Tree) error {
	if a.state.empty() {
		a.state.reset(p)
	}
	a.step++
	c := a.config
	bc1 := 1 - math.Pow(c.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(c.Beta2, float64(a.step))

	return p.Zip(g, func(path string, w, grad *tensor.Dense) error {
		slots, ok := a.state.slots[path]
		if !ok {
			return fmt.Errorf("optimizer: no slot state for %q, Reset after changing the trainable set", path)
		}
		m := params.Floats(slots[0])
		v := params.Floats(slots[1])
		wd := params.Floats(w)
		gd := params.Floats(grad)
		if len(m) != len(wd) {
			return fmt.Errorf("optimizer: slot size %d does not match leaf %q size %d", len(m), path, len(wd))
		}
		for i := range wd {
			if c.WeightDecay > 0 {
				wd[i] -= c.LearningRate * c.WeightDecay * wd[i]
			}
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*gd[i]
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*gd[i]*gd[i]
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			wd[i] -= c.LearningRate * mHat / (math.Sqrt(vHat) + c.Epsilon)
		}
		return nil
	})
}
