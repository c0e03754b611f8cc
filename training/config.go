// Package training implements the loss engine, the gradient pipeline and
// the Trainer state machine that drives epochs, checkpoints and failure
// handling.
package training

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hydroml/hydrotrain/models"
	"github.com/hydroml/hydrotrain/optimizer"
)

// Loss function names accepted by Config.Loss.
const (
	LossMSE   = "mse"
	LossMAE   = "mae"
	LossHuber = "huber"
)

// Config is the run configuration. It is persisted verbatim to
// config.json in the log directory so a run can be resumed or audited.
type Config struct {
	Model     string      `json:"model"`
	ModelArgs models.Args `json:"model_args"`

	NumEpochs   int `json:"num_epochs"`
	LogInterval int `json:"log_interval"`
	BatchSize   int `json:"batch_size"`

	InitialLR       float64 `json:"initial_lr"`
	DecayRate       float64 `json:"decay_rate"`
	TransitionBegin int     `json:"transition_begin"`

	Loss            string    `json:"loss"`
	TargetWeights   []float64 `json:"target_weights,omitempty"`
	AgreementWeight float64   `json:"agreement_weight"`
	HuberDelta      float64   `json:"huber_delta,omitempty"`
	MaxGradNorm     float64   `json:"max_grad_norm,omitempty"`

	StaticComponents []string `json:"static_components,omitempty"`

	Log   bool `json:"log"`
	Quiet bool `json:"quiet"`
}

// Validate checks the config and fills defaults (log_interval 5,
// huber_delta 1.0).
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("training: config requires a model name")
	}
	if err := c.ModelArgs.Validate(); err != nil {
		return err
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("training: num_epochs must be positive, got %d", c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("training: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.InitialLR <= 0 {
		return fmt.Errorf("training: initial_lr must be positive, got %g", c.InitialLR)
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 5
	}
	if c.HuberDelta == 0 {
		c.HuberDelta = 1.0
	}
	switch c.Loss {
	case LossMSE, LossMAE, LossHuber:
	default:
		return fmt.Errorf("training: %q is not a valid loss function name", c.Loss)
	}
	if len(c.TargetWeights) != 0 && len(c.TargetWeights) != len(c.ModelArgs.Targets) {
		return fmt.Errorf("training: %d target_weights for %d targets",
			len(c.TargetWeights), len(c.ModelArgs.Targets))
	}
	return nil
}

// Schedule builds the learning-rate schedule the config describes:
// exponential decay over num_epochs transition steps, flat before
// transition_begin.
func (c *Config) Schedule() optimizer.Schedule {
	if c.DecayRate <= 0 || c.DecayRate == 1 {
		return optimizer.ConstantSchedule{Rate: c.InitialLR}
	}
	return optimizer.ExponentialDecay{
		Initial: c.InitialLR,
		Rate:    c.DecayRate,
		Begin:   c.TransitionBegin,
		Steps:   c.NumEpochs,
	}
}

// SaveConfig writes the config as indented JSON.
func SaveConfig(path string, c *Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("training: marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("training: write config: %w", err)
	}
	return nil
}

// LoadConfig reads a config written by SaveConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("training: read config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("training: parse config %s: %w", path, err)
	}
	return &c, nil
}
