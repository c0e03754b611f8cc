package training

import (
	"fmt"
	"math"

	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/models"
	"github.com/hydroml/hydrotrain/optimizer"
	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

// StepResult reports one successful optimization step. Grads holds the
// clipped trainable-leaf gradients, kept for gradient-health monitoring.
type StepResult struct {
	Loss  float64
	Grads *params.Tree
}

// ClipGradients rescales every leaf by min(maxNorm/globalNorm, 1), so the
// global L2 norm never exceeds maxNorm and is never increased. Returns the
// pre-clip norm.
func ClipGradients(grads *params.Tree, maxNorm float64) float64 {
	norm := params.GlobalNorm(grads)
	scale := math.Min(maxNorm/norm, 1)
	params.Scale(grads, scale)
	return norm
}

// MakeStep runs one optimization step: forward pass, loss, backward pass,
// freeze partition, gradient clipping and the optimizer update. The model
// parameters and optimizer state are only mutated after every fallible
// stage has succeeded, so a failed step leaves the trainer state intact.
func MakeStep(
	m models.Model,
	b *data.Batch,
	keys []rng.Key,
	opt optimizer.Optimizer,
	filter params.FilterSpec,
	ds data.Dataset,
	loss *LossEngine,
	maxGradNorm float64,
) (*StepResult, error) {
	pred, err := m.Predict(b, keys)
	if err != nil {
		return nil, fmt.Errorf("training: forward pass: %w", err)
	}
	y, err := b.LastTargets()
	if err != nil {
		return nil, err
	}
	lossVal, dPred, err := loss.Compute(y, pred, ds)
	if err != nil {
		return nil, err
	}
	grads, err := m.Backward(dPred)
	if err != nil {
		return nil, fmt.Errorf("training: backward pass: %w", err)
	}

	trainGrads, _ := params.Partition(grads, filter)
	if maxGradNorm > 0 {
		ClipGradients(trainGrads, maxGradNorm)
	}

	trainParams, _ := params.Partition(m.Params(), filter)
	if err := opt.Step(trainParams, trainGrads); err != nil {
		return nil, fmt.Errorf("training: optimizer step: %w", err)
	}
	return &StepResult{Loss: lossVal, Grads: trainGrads}, nil
}
