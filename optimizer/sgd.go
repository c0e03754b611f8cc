package optimizer

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/params"
)

// SGDConfig holds the SGD hyperparameters. A zero Momentum gives plain
// gradient descent.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
}

// SGD is stochastic gradient descent with optional classical momentum.
type SGD struct {
	config SGDConfig
	state  slotState
	step   uint64
}

func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("optimizer: learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("optimizer: momentum must be in [0, 1), got %g", config.Momentum)
	}
	return &SGD{config: config, state: newSlotState(1)}, nil
}

func (s *SGD) Name() string { return "SGD" }

func (s *SGD) LearningRate() float64 { return s.config.LearningRate }

func (s *SGD) SetLearningRate(lr float64) { s.config.LearningRate = lr }

func (s *SGD) StepCount() uint64 { return s.step }

func (s *SGD) SetStepCount(n uint64) { s.step = n }

func (s *SGD) Reset(shapes *params.Tree) {
	s.state.reset(shapes)
	s.step = 0
}

func (s *SGD) StateLeaves() []*tensor.Dense { return s.state.leaves() }

func (s *SGD) Step(p, g *params.Tree) error {
	if s.state.empty() {
		s.state.reset(p)
	}
	s.step++
	c := s.config
	return p.Zip(g, func(path string, w, grad *tensor.Dense) error {
		slots, ok := s.state.slots[path]
		if !ok {
			return fmt.Errorf("optimizer: no slot state for %q, Reset after changing the trainable set", path)
		}
		vel := params.Floats(slots[0])
		wd := params.Floats(w)
		gd := params.Floats(grad)
		for i := range wd {
			if c.Momentum > 0 {
				vel[i] = c.Momentum*vel[i] + gd[i]
				wd[i] -= c.LearningRate * vel[i]
			} else {
				wd[i] -= c.LearningRate * gd[i]
			}
		}
		return nil
	})
}
