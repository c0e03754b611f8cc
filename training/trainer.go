package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hydroml/hydrotrain/checkpoints"
	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/models"
	"github.com/hydroml/hydrotrain/optimizer"
	"github.com/hydroml/hydrotrain/params"
	"github.com/hydroml/hydrotrain/rng"
)

// ErrTooManyFailures aborts a run after three consecutive batch failures,
// on the assumption that the trainer state is no longer trustworthy.
var ErrTooManyFailures = errors.New("training: too many consecutive batch failures")

// Gradient-health thresholds on per-leaf L2 norms.
const (
	vanishingGradNorm = 1e-6
	explodingGradNorm = 1e3
)

const maxConsecutiveFailures = 3

// Options configures where a Trainer logs and whether it resumes.
type Options struct {
	// LogParent is the directory under which a fresh timestamped run
	// directory is created. Ignored when LogDir or ContinueFrom is set.
	LogParent string
	// LogDir pins the run directory exactly.
	LogDir string
	// ContinueFrom resumes from the latest checkpoint in an existing run
	// directory, which also becomes the log directory.
	ContinueFrom string
}

// Trainer owns the training loop: the model, the optimizer and its
// schedule, the freeze filter, the carried PRNG key, and the epoch/loss
// bookkeeping that checkpoints persist.
type Trainer struct {
	cfg    *Config
	loader data.Loader

	model    models.Model
	opt      optimizer.Optimizer
	schedule optimizer.Schedule
	filter   params.FilterSpec
	loss     *LossEngine

	logDir  string
	logger  *log.Logger
	logFile *os.File

	trainKey    rng.Key
	epoch       int
	lossHistory []float64
}

// NewTrainer builds a trainer from a validated config, either fresh or
// resumed from the latest checkpoint under opts.ContinueFrom.
func NewTrainer(cfg *Config, loader data.Loader, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:      cfg,
		loader:   loader,
		schedule: cfg.Schedule(),
		trainKey: rng.New(cfg.ModelArgs.Seed + 1),
		logger:   log.New(io.Discard, "", 0),
	}
	if cfg.Log {
		if err := t.setupLogging(opts); err != nil {
			return nil, err
		}
	}

	lastDir := ""
	if opts.ContinueFrom != "" {
		lastDir = checkpoints.LastEpochDir(opts.ContinueFrom)
	}

	if lastDir != "" {
		args, m, err := checkpoints.LoadModel(lastDir, cfg.Model)
		if err != nil {
			return nil, err
		}
		cfg.ModelArgs = args
		t.model = m
	} else {
		m, err := models.Make(cfg.Model, cfg.ModelArgs)
		if err != nil {
			return nil, err
		}
		t.model = m
	}

	t.filter = params.Freeze(t.model.Params(), cfg.StaticComponents)

	adamCfg := optimizer.DefaultAdamConfig()
	adamCfg.LearningRate = cfg.InitialLR
	opt, err := optimizer.NewAdam(adamCfg)
	if err != nil {
		return nil, err
	}
	t.opt = opt
	trainable, _ := params.Partition(t.model.Params(), t.filter)
	t.opt.Reset(trainable)

	if lastDir != "" {
		rec, err := checkpoints.LoadTrainingState(lastDir, t.opt)
		if err != nil {
			return nil, err
		}
		t.epoch = rec.Epoch
		t.lossHistory = rec.LossHistory
		t.logger.Printf("resumed from %s at epoch %d", lastDir, t.epoch)
	}
	t.opt.SetLearningRate(t.schedule.LearningRate(t.epoch))

	t.loss, err = NewLossEngine(cfg, t.model.Targets(), t.logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trainer) setupLogging(opts Options) error {
	switch {
	case opts.LogDir != "":
		t.logDir = opts.LogDir
	case opts.ContinueFrom != "":
		t.logDir = opts.ContinueFrom
	case opts.LogParent != "":
		t.logDir = filepath.Join(opts.LogParent, "run_"+time.Now().Format("20060102_150405"))
	default:
		t.logDir = "run_" + time.Now().Format("20060102_150405")
	}
	if err := os.MkdirAll(t.logDir, 0o755); err != nil {
		return fmt.Errorf("training: create log dir: %w", err)
	}
	if err := SaveConfig(filepath.Join(t.logDir, "config.json"), t.cfg); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(t.logDir, "training.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("training: open log file: %w", err)
	}
	t.logFile = f
	t.logger = log.New(f, "", log.LstdFlags)
	return nil
}

// Close releases the log file. The trainer is unusable afterwards.
func (t *Trainer) Close() error {
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}

// Model returns the live model.
func (t *Trainer) Model() models.Model { return t.model }

// Epoch returns the number of completed epochs.
func (t *Trainer) Epoch() int { return t.epoch }

// LossHistory returns the per-epoch mean losses, one per completed epoch.
// The caller must not modify the returned slice.
func (t *Trainer) LossHistory() []float64 { return t.lossHistory }

// LogDir returns the run directory, or "" when logging is disabled.
func (t *Trainer) LogDir() string { return t.logDir }

// StartTraining runs epochs until num_epochs or stopAt is reached, the
// context is cancelled, or a fatal failure occurs. stopAt <= 0 means no
// early stop. Cancellation is observed at epoch boundaries only, with a
// final checkpoint written before returning.
func (t *Trainer) StartTraining(ctx context.Context, stopAt int) error {
	if stopAt <= 0 {
		stopAt = t.cfg.NumEpochs
	}
	for t.epoch < t.cfg.NumEpochs && t.epoch < stopAt {
		if err := ctx.Err(); err != nil {
			t.finish()
			return err
		}
		t.epoch++
		loss, badGrads, err := t.trainEpoch()
		if err != nil {
			return err
		}

		info := fmt.Sprintf("Epoch: %d, Loss: %.4f", t.epoch, loss)
		t.logger.Print(info)
		if t.cfg.Quiet {
			fmt.Println(info)
		}
		for kind, counts := range badGrads {
			if len(counts) == 0 {
				continue
			}
			warn := kind + " gradients detected:"
			for path, n := range counts {
				warn += fmt.Sprintf("\n\t%s: %d", path, n)
			}
			t.logger.Print(warn)
		}

		// History grows before the snapshot so a restored run always
		// has exactly epoch entries.
		t.lossHistory = append(t.lossHistory, loss)
		if t.cfg.Log && t.epoch%t.cfg.LogInterval == 0 {
			if err := t.SaveState(""); err != nil {
				return err
			}
		}
	}
	t.finish()
	return nil
}

func (t *Trainer) finish() {
	if t.cfg.Log && t.epoch%t.cfg.LogInterval != 0 {
		if err := t.SaveState(""); err != nil {
			t.logger.Printf("final checkpoint failed: %v", err)
		}
	}
	t.logger.Print("~~~ training stopped ~~~")
}

// trainEpoch runs one pass over the loader. It returns the mean loss over
// the successful batches of this epoch and the gradient-health tallies.
func (t *Trainer) trainEpoch() (float64, map[string]map[string]int, error) {
	t.opt.SetLearningRate(t.schedule.LearningRate(t.epoch))
	t.loader.Reset()

	consecutive := 0
	batchCount := 0
	lossSum := 0.0
	lossN := 0
	badGrads := map[string]map[string]int{
		"vanishing": {},
		"exploding": {},
	}

	for {
		b, err := t.loader.Next()
		if err != nil {
			return 0, nil, fmt.Errorf("training: load batch: %w", err)
		}
		if b == nil {
			break
		}
		b = t.loader.Shard(b)
		batchCount++

		// Subkey 0 is carried forward; the rest drive per-sample
		// stochastic layers, so a re-run with the same seed replays the
		// exact key sequence.
		keys := t.trainKey.Split(t.cfg.BatchSize + 1)
		t.trainKey = keys[0]

		res, err := MakeStep(t.model, b, keys[1:], t.opt, t.filter,
			t.loader.Dataset(), t.loss, t.cfg.MaxGradNorm)
		if err != nil {
			consecutive++
			t.recordFailure(batchCount, b, err)
			if consecutive >= maxConsecutiveFailures {
				return 0, nil, fmt.Errorf("%w (%d)", ErrTooManyFailures, consecutive)
			}
			continue
		}
		consecutive = 0
		lossSum += res.Loss
		lossN++

		for _, path := range res.Grads.Paths() {
			norm := params.LeafNorm(res.Grads, path)
			switch {
			case norm < vanishingGradNorm:
				badGrads["vanishing"][path]++
			case norm > explodingGradNorm:
				badGrads["exploding"][path]++
			}
		}
	}

	if lossN == 0 {
		return 0, badGrads, nil
	}
	return lossSum / float64(lossN), badGrads, nil
}

// batchRecord is the JSON description of a failed batch: the labels and
// field shapes, enough to re-extract the batch from the dataset.
type batchRecord struct {
	Basins []string         `json:"basins"`
	Dates  []string         `json:"dates"`
	Shapes map[string][]int `json:"shapes"`
}

// recordFailure persists everything needed to debug a failed batch: the
// current model and optimizer state, the batch labels, and the error text.
func (t *Trainer) recordFailure(batch int, b *data.Batch, cause error) {
	if !t.cfg.Log {
		fmt.Fprintf(os.Stderr, "batch %d failed: %v\n", batch, cause)
		return
	}
	dir := filepath.Join(t.logDir, "exceptions", fmt.Sprintf("epoch%d_batch%d", t.epoch, batch))
	if err := t.SaveState(dir); err != nil {
		t.logger.Printf("saving failure state: %v", err)
	}

	rec := batchRecord{
		Basins: b.Basins,
		Dates:  b.Dates,
		Shapes: map[string][]int{},
	}
	if b.XD != nil {
		rec.Shapes[data.FieldDailyDynamic] = b.XD.Shape()
	}
	if b.XI != nil {
		rec.Shapes[data.FieldIrregularDynamic] = b.XI.Shape()
	}
	if b.XS != nil {
		rec.Shapes[data.FieldStatic] = b.XS.Shape()
	}
	if b.Y != nil {
		rec.Shapes[data.FieldTarget] = b.Y.Shape()
	}
	if j, err := json.MarshalIndent(rec, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "batch.json"), j, 0o644); err != nil {
			t.logger.Printf("saving failure batch: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "exception.txt"), []byte(cause.Error()+"\n"), 0o644); err != nil {
		t.logger.Printf("saving failure trace: %v", err)
	}
	t.logger.Printf("batch failure caught, see %s for data, model state, and error", dir)
}

// SaveState snapshots the model and trainer state. An empty dir targets
// the canonical epoch directory under the run directory.
func (t *Trainer) SaveState(dir string) error {
	if dir == "" {
		dir = checkpoints.EpochDir(t.logDir, t.epoch)
	}
	rec := checkpoints.Record{Epoch: t.epoch, LossHistory: t.lossHistory}
	return checkpoints.Save(dir, t.cfg.ModelArgs, t.model, rec, t.opt)
}

// LoadState restores the trainer from a specific epoch directory: model
// weights, optimizer state, epoch counter and loss history. The freeze
// filter is rebuilt over the restored parameter tree.
func (t *Trainer) LoadState(epochDir string) error {
	args, m, err := checkpoints.LoadModel(epochDir, t.cfg.Model)
	if err != nil {
		return err
	}
	t.cfg.ModelArgs = args
	t.model = m
	t.filter = params.Freeze(t.model.Params(), t.cfg.StaticComponents)

	trainable, _ := params.Partition(t.model.Params(), t.filter)
	t.opt.Reset(trainable)
	rec, err := checkpoints.LoadTrainingState(epochDir, t.opt)
	if err != nil {
		return err
	}
	t.epoch = rec.Epoch
	t.lossHistory = rec.LossHistory
	t.opt.SetLearningRate(t.schedule.LearningRate(t.epoch))
	return nil
}

// LoadLastState restores the latest checkpoint under logDir. It reports
// false, nil when no checkpoint exists.
func (t *Trainer) LoadLastState(logDir string) (bool, error) {
	last := checkpoints.LastEpochDir(logDir)
	if last == "" {
		return false, nil
	}
	if err := t.LoadState(last); err != nil {
		return false, err
	}
	return true, nil
}

// FreezeComponents rebuilds the freeze filter: any parameter whose path
// contains one of the names stops receiving updates. The optimizer slots
// are re-initialized for the new trainable set, so accumulated moments are
// discarded.
func (t *Trainer) FreezeComponents(names []string) {
	t.filter = params.Freeze(t.model.Params(), names)
	trainable, _ := params.Partition(t.model.Params(), t.filter)
	t.opt.Reset(trainable)
}
