// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package training drives the contrastive training loop: shuffled gradient
// epochs over a paired dataset, each followed by a forward-only validation
// pass. The trainer owns the optimizer; the model owns the parameters.
package training

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"go.uber.org/zap"

	"github.com/antflydb/sawfly/lib/clip"
	"github.com/antflydb/sawfly/lib/dataset"
)

// Config holds the training hyperparameters.
type Config struct {
	// Epochs is the number of passes over the training set.
	Epochs int

	// BatchSize is the number of pairs per gradient step. Minimum 2: the
	// contrastive loss needs in-batch negatives.
	BatchSize int

	// LearningRate for AdamW.
	LearningRate float64

	// WeightDecay for AdamW. Zero disables decay.
	WeightDecay float64

	// ValInterval is the number of steps between progress log lines within
	// an epoch; each line reports the average loss over its own window.
	// Zero means log only at epoch end.
	ValInterval int

	// Seed drives the per-epoch shuffle. Epoch e shuffles with Seed+e, so
	// runs are reproducible and epochs are not identically ordered.
	Seed int64
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize < 2 {
		return fmt.Errorf("batch_size must be >= 2, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0, got %g", c.WeightDecay)
	}
	if c.ValInterval < 0 {
		return fmt.Errorf("val_interval must be >= 0, got %d", c.ValInterval)
	}
	return nil
}

// MetricsSink receives per-step and per-validation loss observations.
// Implementations must be cheap; the trainer calls them on the hot path.
type MetricsSink interface {
	ObserveTrainLoss(loss float64)
	ObserveValidationLoss(loss float64)
}

// NopSink discards all observations.
type NopSink struct{}

var _ MetricsSink = NopSink{}

func (NopSink) ObserveTrainLoss(float64)      {}
func (NopSink) ObserveValidationLoss(float64) {}

// Result summarizes a training run.
type Result struct {
	// EpochTrainLoss and EpochValLoss are sample-weighted average losses,
	// one entry per epoch.
	EpochTrainLoss []float64
	EpochValLoss   []float64

	// BestEpoch (0-based) and BestValLoss identify the epoch with the lowest
	// validation loss, for reporting.
	BestEpoch   int
	BestValLoss float64

	// FinalParameters is the model state after the last epoch. This is the
	// state a run persists.
	FinalParameters []clip.Parameter
}

// Trainer runs contrastive epochs against a model. Not safe for concurrent
// use.
type Trainer struct {
	model  *clip.Model
	cfg    Config
	logger *zap.Logger
	sink   MetricsSink
}

// NewTrainer creates a trainer for the model.
func NewTrainer(model *clip.Model, cfg Config, logger *zap.Logger, sink MetricsSink) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Trainer{model: model, cfg: cfg, logger: logger, sink: sink}, nil
}

// avgMeter accumulates a sample-weighted running average, so partial batches
// do not skew the reported loss.
type avgMeter struct {
	sum   float64
	count int
}

func (m *avgMeter) update(loss float64, n int) {
	m.sum += loss * float64(n)
	m.count += n
}

func (m *avgMeter) average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Run trains for the configured number of epochs and validates after each.
// The context aborts between steps; a cancelled run returns the error with
// whatever epochs completed discarded.
func (t *Trainer) Run(ctx context.Context, train, val *dataset.Dataset) (*Result, error) {
	if train.Len() < 2 {
		return nil, fmt.Errorf("training set must have at least 2 samples, got %d", train.Len())
	}
	if val.Len() == 0 {
		return nil, fmt.Errorf("validation set is empty")
	}
	if err := train.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training set: %w", err)
	}
	if err := val.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validation set: %w", err)
	}

	opt := optimizers.Adam().
		LearningRate(t.cfg.LearningRate).
		WeightDecay(t.cfg.WeightDecay).
		Done()
	step, err := t.model.NewTrainStep(opt)
	if err != nil {
		return nil, fmt.Errorf("building train step: %w", err)
	}

	result := &Result{BestEpoch: -1}
	t.logger.Info("Starting training",
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("batchSize", t.cfg.BatchSize),
		zap.Int("trainSamples", train.Len()),
		zap.Int("valSamples", val.Len()),
		zap.Float64("learningRate", t.cfg.LearningRate))

	for epoch := range t.cfg.Epochs {
		start := time.Now()

		trainLoss, err := t.trainEpoch(ctx, step, train, epoch)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valLoss, err := t.validate(ctx, val)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		result.EpochTrainLoss = append(result.EpochTrainLoss, trainLoss)
		result.EpochValLoss = append(result.EpochValLoss, valLoss)

		if result.BestEpoch < 0 || valLoss < result.BestValLoss {
			result.BestEpoch = epoch
			result.BestValLoss = valLoss
		}

		t.logger.Info("Epoch complete",
			zap.Int("epoch", epoch),
			zap.Float64("trainLoss", trainLoss),
			zap.Float64("valLoss", valLoss),
			zap.Float64("bestValLoss", result.BestValLoss),
			zap.Duration("elapsed", time.Since(start)))
	}

	params, err := t.model.Parameters()
	if err != nil {
		return nil, fmt.Errorf("capturing final parameters: %w", err)
	}
	result.FinalParameters = params
	return result, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, step *clip.TrainStep, train *dataset.Dataset, epoch int) (float64, error) {
	rng := rand.New(rand.NewSource(t.cfg.Seed + int64(epoch)))
	batches, err := train.TrainBatches(t.cfg.BatchSize, rng)
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		return 0, fmt.Errorf("no usable training batches")
	}

	// The window meter resets at every progress line; the epoch meter runs
	// for the whole epoch.
	var epochMeter, windowMeter avgMeter
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		loss, err := step.Run(b.Images, b.Texts)
		if err != nil {
			return 0, fmt.Errorf("step %d: %w", i, err)
		}
		epochMeter.update(loss, b.Size())
		windowMeter.update(loss, b.Size())
		t.sink.ObserveTrainLoss(loss)

		if t.cfg.ValInterval > 0 && (i+1)%t.cfg.ValInterval == 0 {
			t.logger.Debug("Training progress",
				zap.Int("epoch", epoch),
				zap.Int("step", i+1),
				zap.Int("steps", len(batches)),
				zap.Float64("windowLoss", windowMeter.average()))
			windowMeter = avgMeter{}
		}
	}
	return epochMeter.average(), nil
}

func (t *Trainer) validate(ctx context.Context, val *dataset.Dataset) (float64, error) {
	batches, err := val.SequentialBatches(t.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var meter avgMeter
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		loss, err := t.model.Loss(b.Images, b.Texts)
		if err != nil {
			return 0, err
		}
		meter.update(loss, b.Size())
		t.sink.ObserveValidationLoss(loss)
	}
	return meter.average(), nil
}
