package optimizer

import "math"

// Schedule maps an epoch index to a learning rate. The trainer queries the
// schedule at each epoch boundary and pushes the result into the optimizer.
type Schedule interface {
	LearningRate(epoch int) float64
}

// ConstantSchedule always returns the same rate.
type ConstantSchedule struct {
	Rate float64
}

func (s ConstantSchedule) LearningRate(int) float64 { return s.Rate }

// ExponentialDecay multiplies the initial rate by Rate^((epoch-Begin)/Steps)
// once epoch reaches Begin. Before Begin the rate stays at Initial.
type ExponentialDecay struct {
	Initial float64
	Rate    float64
	Begin   int
	Steps   int
}

func (s ExponentialDecay) LearningRate(epoch int) float64 {
	if epoch < s.Begin || s.Rate <= 0 {
		return s.Initial
	}
	steps := s.Steps
	if steps <= 0 {
		steps = 1
	}
	exp := float64(epoch-s.Begin) / float64(steps)
	return s.Initial * math.Pow(s.Rate, exp)
}
