// Package finetune drives the simulated fine-tuning loop. No
// gradients flow: each step tokenizes a real batch, paces itself, and
// follows a deterministic loss curve so identical inputs reproduce
// identical runs.
package finetune

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// Loss curve shape: exponential decay from lossStart toward lossFloor
// over the run, with a small seeded jitter per step.
const (
	lossStart  = 2.8
	lossFloor  = 0.6
	lossDecay  = 3.0
	lossJitter = 0.02
)

// stepDelay stands in for the work a real optimizer step would do.
const stepDelay = 10 * time.Millisecond

type Result struct {
	Steps          int
	Tokens         int
	FinalLoss      float64
	Elapsed        time.Duration
	CheckpointPath string
}

// lossAt is the smooth part of the curve at progress in (0, 1].
func lossAt(progress float64) float64 {
	return lossFloor + (lossStart-lossFloor)*math.Exp(-lossDecay*progress)
}

// Run iterates Epochs over the dataset in batches, tokenizing each
// example through the model's tokenizer and recording a simulated
// loss per step. With cfg.SaveCheckpoint it writes a Q4_K GGUF
// checkpoint into cfg.OutputDir; otherwise it only reports where the
// checkpoint would go.
func Run(ctx context.Context, m *model.Model, tok tokenizer.Tokenizer, ds *dataset.Dataset, cfg *config.Config) (*Result, error) {
	batches := ds.Batches(cfg.BatchSize)
	totalSteps := cfg.Epochs * len(batches)
	if totalSteps == 0 {
		return nil, fmt.Errorf("finetune: dataset %s has no examples", ds.Source)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = int64(ds.Fingerprint())
	}
	rng := rand.New(rand.NewSource(seed))

	log := logger.Log.With("finetune")
	log.Info("starting simulated fine-tuning; no gradients are computed",
		"model", m.Info.Name,
		"examples", len(ds.Examples),
		"epochs", cfg.Epochs,
		"batch_size", cfg.BatchSize,
		"learning_rate", cfg.LearningRate,
		"steps", totalSteps,
		"seed", seed)

	bar := progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("Fine-tuning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	start := time.Now()
	res := &Result{}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			stepStart := time.Now()
			for _, ex := range batch {
				ids, err := tok.Encode(ex.Text, true)
				if err != nil {
					return nil, fmt.Errorf("finetune: encode %s: %w", ex.ID, err)
				}
				res.Tokens += len(ids)
			}
			time.Sleep(stepDelay)

			res.Steps++
			progress := float64(res.Steps) / float64(totalSteps)
			loss := lossAt(progress) + (rng.Float64()*2-1)*lossJitter
			res.FinalLoss = loss

			metrics.RecordFinetuneStep(loss, time.Since(stepStart))
			bar.Describe(fmt.Sprintf("Fine-tuning [epoch %d/%d, loss %.4f]", epoch, cfg.Epochs, loss))
			_ = bar.Add(1)

			log.Debug("step done",
				"epoch", epoch,
				"step", res.Steps,
				"loss", loss,
				"tokens", res.Tokens)
		}
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	res.Elapsed = time.Since(start)

	ckptPath := filepath.Join(cfg.OutputDir, checkpointName(m.Info.Name))
	if cfg.SaveCheckpoint {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("finetune: create output dir: %w", err)
		}
		if err := saveCheckpoint(m, ckptPath, res, cfg); err != nil {
			return nil, err
		}
		res.CheckpointPath = ckptPath
		log.Info("checkpoint written", "path", ckptPath)
	} else {
		log.Info("model and tokenizer would be saved here; pass -save to write them",
			"output_dir", cfg.OutputDir,
			"checkpoint", ckptPath)
	}

	log.Info("fine-tuning finished",
		"steps", res.Steps,
		"tokens", res.Tokens,
		"final_loss", res.FinalLoss,
		"elapsed", res.Elapsed)
	return res, nil
}
