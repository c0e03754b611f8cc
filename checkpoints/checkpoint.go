// Package checkpoints implements the on-disk training snapshot format. A
// snapshot is an epoch directory holding two files, each a single JSON
// header line followed by a raw little-endian float64 stream:
//
//	model.bin  model hyperparameters, then the weight leaves in tree order
//	state.bin  {epoch, loss_list}, then the optimizer step count and slots
//
// Snapshots are never mutated after creation; resuming always reads the
// highest-numbered epoch directory.
package checkpoints

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/hydroml/hydrotrain/models"
	"github.com/hydroml/hydrotrain/optimizer"
	"github.com/hydroml/hydrotrain/params"
)

// File names inside a snapshot directory.
const (
	ModelFile = "model.bin"
	StateFile = "state.bin"
)

var epochDirRe = regexp.MustCompile(`^epoch(\d+)`)

// Record is the trainer bookkeeping stored in the state header. The loss
// history always has exactly epoch entries.
type Record struct {
	Epoch       int       `json:"epoch"`
	LossHistory []float64 `json:"loss_list"`
}

// EpochDir returns the snapshot directory name for an epoch.
func EpochDir(logDir string, epoch int) string {
	return filepath.Join(logDir, fmt.Sprintf("epoch%03d", epoch))
}

// LastEpochDir returns the highest-numbered epoch directory under logDir,
// or "" when none exists. A missing log directory is treated the same as
// an empty one.
func LastEpochDir(logDir string) string {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return ""
	}
	best := -1
	bestName := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := epochDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= best {
			continue
		}
		best = n
		bestName = e.Name()
	}
	if best < 0 {
		return ""
	}
	return filepath.Join(logDir, bestName)
}

// Save writes a complete snapshot: model weights and trainer state.
func Save(dir string, args models.Args, m models.Model, rec Record, opt optimizer.Optimizer) error {
	if err := SaveModel(dir, args, m); err != nil {
		return err
	}
	return SaveTrainingState(dir, rec, opt)
}

// SaveModel writes model.bin: the hyperparameter record as one JSON line,
// then every parameter leaf in tree path order.
func SaveModel(dir string, args models.Args, m models.Model) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoints: create %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, ModelFile))
	if err != nil {
		return fmt.Errorf("checkpoints: create model file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeHeader(w, args); err != nil {
		return err
	}
	tree := m.Params()
	for _, p := range tree.Paths() {
		leaf, _ := tree.Leaf(p)
		if err := binary.Write(w, binary.LittleEndian, params.Floats(leaf)); err != nil {
			return fmt.Errorf("checkpoints: write leaf %q: %w", p, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoints: flush model file: %w", err)
	}
	return f.Sync()
}

// LoadModel rebuilds a model from model.bin: the factory constructs a
// shell from the stored hyperparameters, then the weight stream is
// overlaid leaf by leaf. The stream must match the shell exactly.
func LoadModel(dir, name string) (models.Args, models.Model, error) {
	f, err := os.Open(filepath.Join(dir, ModelFile))
	if err != nil {
		return models.Args{}, nil, fmt.Errorf("checkpoints: open model file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var args models.Args
	if err := readHeader(r, &args); err != nil {
		return models.Args{}, nil, err
	}
	m, err := models.Make(name, args)
	if err != nil {
		return models.Args{}, nil, fmt.Errorf("checkpoints: rebuild model shell: %w", err)
	}
	tree := m.Params()
	for _, p := range tree.Paths() {
		leaf, _ := tree.Leaf(p)
		if err := binary.Read(r, binary.LittleEndian, params.Floats(leaf)); err != nil {
			return models.Args{}, nil, fmt.Errorf("checkpoints: read leaf %q: %w", p, err)
		}
	}
	if err := expectEOF(r); err != nil {
		return models.Args{}, nil, fmt.Errorf("checkpoints: model stream larger than parameter tree: %w", err)
	}
	return args, m, nil
}

// SaveTrainingState writes state.bin: the Record as one JSON line, then
// the optimizer step count and slot leaves in their serialization order.
func SaveTrainingState(dir string, rec Record, opt optimizer.Optimizer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoints: create %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, StateFile))
	if err != nil {
		return fmt.Errorf("checkpoints: create state file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeHeader(w, rec); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, opt.StepCount()); err != nil {
		return fmt.Errorf("checkpoints: write step count: %w", err)
	}
	for i, leaf := range opt.StateLeaves() {
		if err := binary.Write(w, binary.LittleEndian, params.Floats(leaf)); err != nil {
			return fmt.Errorf("checkpoints: write state leaf %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoints: flush state file: %w", err)
	}
	return f.Sync()
}

// LoadTrainingState reads state.bin into opt, whose slot state must
// already be shaped for the current trainable subtree. A stream that does
// not match the slot shapes exactly is a hard error.
func LoadTrainingState(dir string, opt optimizer.Optimizer) (Record, error) {
	f, err := os.Open(filepath.Join(dir, StateFile))
	if err != nil {
		return Record{}, fmt.Errorf("checkpoints: open state file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var rec Record
	if err := readHeader(r, &rec); err != nil {
		return Record{}, err
	}
	var step uint64
	if err := binary.Read(r, binary.LittleEndian, &step); err != nil {
		return Record{}, fmt.Errorf("checkpoints: read step count: %w", err)
	}
	opt.SetStepCount(step)
	for i, leaf := range opt.StateLeaves() {
		if err := binary.Read(r, binary.LittleEndian, params.Floats(leaf)); err != nil {
			return Record{}, fmt.Errorf("checkpoints: read state leaf %d: %w", i, err)
		}
	}
	if err := expectEOF(r); err != nil {
		return Record{}, fmt.Errorf("checkpoints: state stream larger than optimizer state: %w", err)
	}
	return rec, nil
}

func writeHeader(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("checkpoints: marshal header: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("checkpoints: write header: %w", err)
	}
	return nil
}

func readHeader(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("checkpoints: read header: %w", err)
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("checkpoints: parse header: %w", err)
	}
	return nil
}

func expectEOF(r *bufio.Reader) error {
	if _, err := r.ReadByte(); err == io.EOF {
		return nil
	}
	return fmt.Errorf("unexpected trailing bytes")
}
