// Package models implements the model family trained by the harness. Every
// variant shares one call contract: a batch record plus per-sample
// randomness in, a (batch, nTargets) prediction out. Variant construction
// is keyed on a config-supplied name instead of an inheritance hierarchy.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

// Model is the black-box contract the trainer drives. Predict caches the
// forward intermediates; Backward consumes dLoss/dPred for the most recent
// Predict call and returns a gradient tree covering every parameter leaf.
// Models are not safe for concurrent use: the trainer owns the model and
// runs exactly one step at a time.
type Model interface {
	// Predict runs the forward pass. keys supplies one stochastic-layer
	// substream per sample; a nil slice disables dropout (inference).
	Predict(b *data.Batch, keys []rng.Key) (*tensor.Dense, error)
	// Backward propagates dPred (batch, nTargets) from the last Predict
	// call to parameter gradients, one leaf per parameter path.
	Backward(dPred *tensor.Dense) (*params.Tree, error)
	// Params returns the live parameter tree. Leaves are shared, so
	// optimizer updates write through to the model.
	Params() *params.Tree
	// Targets returns the ordered target names the model predicts.
	Targets() []string
}

// Args is the hyperparameter record persisted in checkpoint headers. Field
// names match the JSON the codec writes and reads back.
type Args struct {
	Seed            int64        `json:"seed"`
	Targets         []string     `json:"target"`
	SeqLength       int          `json:"seq_length"`
	DailyInSize     int          `json:"daily_in_size"`
	IrregularInSize int          `json:"irregular_in_size"`
	StaticInSize    int          `json:"static_in_size"`
	HiddenSize      int          `json:"hidden_size"`
	DropoutRate     float64      `json:"dropout_rate"`
	GraphMatrix     *GraphMatrix `json:"graph_matrix,omitempty"`
}

// Validate checks the invariants shared by all variants.
func (a Args) Validate() error {
	if len(a.Targets) == 0 {
		return fmt.Errorf("models: at least one target required")
	}
	if a.SeqLength <= 0 || a.DailyInSize <= 0 || a.StaticInSize <= 0 {
		return fmt.Errorf("models: seq_length, daily_in_size and static_in_size must be positive")
	}
	if a.HiddenSize <= 0 {
		return fmt.Errorf("models: hidden_size must be positive")
	}
	if a.DropoutRate < 0 || a.DropoutRate >= 1 {
		return fmt.Errorf("models: dropout_rate must be in [0, 1)")
	}
	return nil
}

// GraphMatrix is a fixed adjacency over the daily input features (the
// gauge network). It is a hyperparameter, not a trainable leaf, and it
// serializes as a nested JSON list so checkpoint headers stay JSON-safe.
type GraphMatrix struct {
	M *mat.Dense
}

func (g *GraphMatrix) MarshalJSON() ([]byte, error) {
	if g == nil || g.M == nil {
		return []byte("null"), nil
	}
	r, c := g.M.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = g.M.At(i, j)
		}
	}
	return json.Marshal(rows)
}

func (g *GraphMatrix) UnmarshalJSON(b []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(b, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		g.M = nil
		return nil
	}
	r, c := len(rows), len(rows[0])
	backing := make([]float64, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return fmt.Errorf("models: ragged graph matrix at row %d", i)
		}
		backing = append(backing, row...)
	}
	g.M = mat.NewDense(r, c, backing)
	return nil
}

// Make constructs a model variant by name. Unknown names are a hard
// configuration error.
func Make(name string, args Args) (Model, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case "flexible_hybrid":
		return newFlexibleHybrid(args)
	case "lstm_mlp_attn":
		return newLSTMMLPAttn(args, nil)
	case "graph_lstm":
		if args.GraphMatrix == nil || args.GraphMatrix.M == nil {
			return nil, fmt.Errorf("models: graph_lstm requires a graph_matrix")
		}
		if r, c := args.GraphMatrix.M.Dims(); r != args.DailyInSize || c != args.DailyInSize {
			return nil, fmt.Errorf("models: graph_matrix must be (%d, %d), got (%d, %d)",
				args.DailyInSize, args.DailyInSize, r, c)
		}
		return newLSTMMLPAttn(args, args.GraphMatrix)
	default:
		return nil, fmt.Errorf("models: %q is not a valid model name", name)
	}
}

// ParamCount returns the total trainable element count of a model.
func ParamCount(m Model) int {
	return m.Params().NumParams()
}
