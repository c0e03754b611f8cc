package training

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hydroml/hydrotrain/checkpoints"
	"github.com/hydroml/hydrotrain/data"
	"github.com/hydroml/hydrotrain/models"
	"github.com/hydroml/hydrotrain/params"
)

func trainerConfig() *Config {
	return &Config{
		Model: "flexible_hybrid",
		ModelArgs: models.Args{
			Seed:         21,
			Targets:      []string{"ssc"},
			SeqLength:    4,
			DailyInSize:  3,
			StaticInSize: 2,
			HiddenSize:   4,
		},
		NumEpochs:   10,
		LogInterval: 5,
		BatchSize:   2,
		InitialLR:   0.01,
		DecayRate:   0.9,
		Loss:        LossMSE,
		Log:         true,
	}
}

func trainerLoader(cfg *Config, numBatches int) data.Loader {
	batches := make([]*data.Batch, numBatches)
	for i := range batches {
		batches[i] = syntheticBatch(cfg.BatchSize, cfg.ModelArgs.SeqLength,
			cfg.ModelArgs.DailyInSize, cfg.ModelArgs.StaticInSize,
			len(cfg.ModelArgs.Targets), int64(100+i))
	}
	return data.NewSliceLoader(batches, nil)
}

func nanLoader(cfg *Config, numBatches int) data.Loader {
	batches := make([]*data.Batch, numBatches)
	for i := range batches {
		b := syntheticBatch(cfg.BatchSize, cfg.ModelArgs.SeqLength,
			cfg.ModelArgs.DailyInSize, cfg.ModelArgs.StaticInSize,
			len(cfg.ModelArgs.Targets), int64(200+i))
		yd := b.Y.Data().([]float64)
		for j := range yd {
			yd[j] = math.NaN()
		}
		batches[i] = b
	}
	return data.NewSliceLoader(batches, nil)
}

func readRecord(t *testing.T, epochDir string) checkpoints.Record {
	t.Helper()
	f, err := os.Open(filepath.Join(epochDir, checkpoints.StateFile))
	if err != nil {
		t.Fatalf("open state file: %v", err)
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read state header: %v", err)
	}
	var rec checkpoints.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		t.Fatalf("parse state header: %v", err)
	}
	return rec
}

func TestCheckpointCadence(t *testing.T) {
	cfg := trainerConfig()
	logDir := filepath.Join(t.TempDir(), "run")
	tr, err := NewTrainer(cfg, trainerLoader(cfg, 3), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	if err := tr.StartTraining(context.Background(), 0); err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	if tr.Epoch() != 10 {
		t.Fatalf("epoch = %d, want 10", tr.Epoch())
	}
	if len(tr.LossHistory()) != 10 {
		t.Fatalf("loss history length = %d, want 10", len(tr.LossHistory()))
	}

	dirs, _ := filepath.Glob(filepath.Join(logDir, "epoch*"))
	if len(dirs) != 2 {
		t.Fatalf("snapshot dirs %v, want exactly epoch005 and epoch010", dirs)
	}
	for _, want := range []string{"epoch005", "epoch010"} {
		if _, err := os.Stat(filepath.Join(logDir, want)); err != nil {
			t.Errorf("missing snapshot %s", want)
		}
	}

	// Every snapshot's history has exactly epoch entries.
	for _, d := range dirs {
		rec := readRecord(t, d)
		if len(rec.LossHistory) != rec.Epoch {
			t.Errorf("%s: history length %d != epoch %d", d, len(rec.LossHistory), rec.Epoch)
		}
	}

	if _, err := os.Stat(filepath.Join(logDir, "config.json")); err != nil {
		t.Error("config.json not written")
	}
	if _, err := os.Stat(filepath.Join(logDir, "training.log")); err != nil {
		t.Error("training.log not written")
	}
}

func TestFinalSnapshotOffInterval(t *testing.T) {
	cfg := trainerConfig()
	cfg.NumEpochs = 7
	logDir := filepath.Join(t.TempDir(), "run")
	tr, err := NewTrainer(cfg, trainerLoader(cfg, 2), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	if err := tr.StartTraining(context.Background(), 0); err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	// epoch005 from the interval, epoch007 from the end-of-training save.
	for _, want := range []string{"epoch005", "epoch007"} {
		if _, err := os.Stat(filepath.Join(logDir, want)); err != nil {
			t.Errorf("missing snapshot %s", want)
		}
	}
}

func TestResumeRestoresProgress(t *testing.T) {
	cfg := trainerConfig()
	cfg.LogInterval = 2
	logDir := filepath.Join(t.TempDir(), "run")

	tr, err := NewTrainer(cfg, trainerLoader(cfg, 2), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	if err := tr.StartTraining(context.Background(), 4); err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	firstWeights := tr.Model().Params().Clone()
	tr.Close()

	resumedCfg := trainerConfig()
	resumedCfg.LogInterval = 2
	resumed, err := NewTrainer(resumedCfg, trainerLoader(resumedCfg, 2), Options{ContinueFrom: logDir})
	if err != nil {
		t.Fatalf("NewTrainer(resume): %v", err)
	}
	defer resumed.Close()

	if resumed.Epoch() != 4 {
		t.Fatalf("resumed epoch = %d, want 4", resumed.Epoch())
	}
	if len(resumed.LossHistory()) != 4 {
		t.Fatalf("resumed history length = %d, want 4", len(resumed.LossHistory()))
	}
	if !resumed.Model().Params().Equal(firstWeights) {
		t.Fatal("resumed weights differ from the saved snapshot")
	}

	if err := resumed.StartTraining(context.Background(), 6); err != nil {
		t.Fatalf("StartTraining(resume): %v", err)
	}
	if resumed.Epoch() != 6 || len(resumed.LossHistory()) != 6 {
		t.Fatalf("after resume: epoch %d, history %d", resumed.Epoch(), len(resumed.LossHistory()))
	}
}

func TestThreeConsecutiveFailuresAbort(t *testing.T) {
	cfg := trainerConfig()
	logDir := filepath.Join(t.TempDir(), "run")
	tr, err := NewTrainer(cfg, nanLoader(cfg, 5), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	err = tr.StartTraining(context.Background(), 0)
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("err = %v, want ErrTooManyFailures", err)
	}

	for batch := 1; batch <= 3; batch++ {
		dir := filepath.Join(logDir, "exceptions", fmt.Sprintf("epoch1_batch%d", batch))
		if _, err := os.Stat(filepath.Join(dir, "exception.txt")); err != nil {
			t.Errorf("missing failure record for batch %d: %v", batch, err)
		}
		if _, err := os.Stat(filepath.Join(dir, "batch.json")); err != nil {
			t.Errorf("missing batch record for batch %d: %v", batch, err)
		}
		if _, err := os.Stat(filepath.Join(dir, checkpoints.ModelFile)); err != nil {
			t.Errorf("missing model snapshot for batch %d: %v", batch, err)
		}
	}
	if _, err := os.Stat(filepath.Join(logDir, "exceptions", "epoch1_batch4")); !os.IsNotExist(err) {
		t.Error("a fourth batch ran after the failure budget was exhausted")
	}
}

func TestRecoveryResetsFailureCounter(t *testing.T) {
	cfg := trainerConfig()
	cfg.NumEpochs = 1
	logDir := filepath.Join(t.TempDir(), "run")

	// Alternate failing and healthy batches: failures never become
	// consecutive, so the epoch completes.
	good := trainerLoader(cfg, 3).(*data.SliceLoader)
	bad := nanLoader(cfg, 3).(*data.SliceLoader)
	var batches []*data.Batch
	for i := 0; i < 3; i++ {
		b1, _ := bad.Next()
		b2, _ := good.Next()
		batches = append(batches, b1, b2)
	}
	tr, err := NewTrainer(cfg, data.NewSliceLoader(batches, nil), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	if err := tr.StartTraining(context.Background(), 0); err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	if len(tr.LossHistory()) != 1 || math.IsNaN(tr.LossHistory()[0]) {
		t.Fatalf("history = %v, want one finite mean over successful batches", tr.LossHistory())
	}
}

func TestFreezeComponentsStopsUpdates(t *testing.T) {
	cfg := trainerConfig()
	cfg.NumEpochs = 2
	cfg.StaticComponents = []string{"static_embedder"}
	logDir := filepath.Join(t.TempDir(), "run")
	tr, err := NewTrainer(cfg, trainerLoader(cfg, 3), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	before := tr.Model().Params().Clone()
	if err := tr.StartTraining(context.Background(), 0); err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	for _, p := range tr.Model().Params().Paths() {
		after, _ := tr.Model().Params().Leaf(p)
		prior, _ := before.Leaf(p)
		av, pv := params.Floats(after), params.Floats(prior)
		changed := false
		for i := range av {
			if av[i] != pv[i] {
				changed = true
				break
			}
		}
		frozen := !tr.filter.Trainable(p)
		if frozen && changed {
			t.Errorf("frozen leaf %q was updated", p)
		}
		if !frozen && !changed {
			t.Errorf("trainable leaf %q never moved", p)
		}
	}
}

func TestCancelledContextStopsBeforeEpoch(t *testing.T) {
	cfg := trainerConfig()
	logDir := filepath.Join(t.TempDir(), "run")
	tr, err := NewTrainer(cfg, trainerLoader(cfg, 2), Options{LogDir: logDir})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.StartTraining(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if tr.Epoch() != 0 {
		t.Fatalf("epoch advanced to %d after cancellation", tr.Epoch())
	}
}
