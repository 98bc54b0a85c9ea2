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

// Package sawfly trains a CLIP-style dual-encoder over precomputed feature
// vectors and serves calibrated similarity retrieval over the result. The
// pipeline is: extract features (frozen external encoders), train the
// projection heads contrastively, build an embedding index with corpus
// statistics, then query it.
package sawfly

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/antflydb/sawfly/lib/clip"
	"github.com/antflydb/sawfly/lib/dataset"
	"github.com/antflydb/sawfly/lib/index"
	"github.com/antflydb/sawfly/lib/retrieval"
	"github.com/antflydb/sawfly/lib/training"
)

// RunExtract reads a JSON array of samples from inputPath, extracts text
// features from each sample's caption and image features from each sample's
// ref through the configured embedding server, and writes the paired dataset
// to cfg.DataDir.
func RunExtract(ctx context.Context, logger *zap.Logger, cfg Config, inputPath string) error {
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading input samples: %w", err)
	}
	var samples []dataset.Sample
	if err := sonic.Unmarshal(raw, &samples); err != nil {
		return fmt.Errorf("decoding input samples: %w", err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("no samples in %s", inputPath)
	}

	captions := make([]string, len(samples))
	refs := make([]string, len(samples))
	for i, s := range samples {
		if s.Caption == "" {
			return fmt.Errorf("sample %q has no caption", s.ID)
		}
		if s.Ref == "" {
			return fmt.Errorf("sample %q has no image ref", s.ID)
		}
		captions[i] = s.Caption
		refs[i] = s.Ref
	}

	batch := cfg.ExtractBatch
	if batch <= 0 {
		batch = 32
	}

	textEx, err := newCachedRemote(cfg, cfg.TextModel, logger)
	if err != nil {
		return err
	}
	defer textEx.Stop()
	imageEx, err := newCachedRemote(cfg, cfg.ImageModel, logger)
	if err != nil {
		return err
	}
	defer imageEx.Stop()

	start := time.Now()
	texts, err := dataset.ExtractInBatches(ctx, textEx, captions, batch)
	if err != nil {
		return fmt.Errorf("extracting text features: %w", err)
	}
	images, err := dataset.ExtractInBatches(ctx, imageEx, refs, batch)
	if err != nil {
		return fmt.Errorf("extracting image features: %w", err)
	}

	d := &dataset.Dataset{Samples: samples, Images: images, Texts: texts}
	if err := d.Save(cfg.DataDir); err != nil {
		return fmt.Errorf("saving dataset: %w", err)
	}

	logger.Info("Extracted paired features",
		zap.Int("samples", len(samples)),
		zap.Int("imageDim", d.ImageDim()),
		zap.Int("textDim", d.TextDim()),
		zap.String("dataDir", cfg.DataDir),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func newCachedRemote(cfg Config, model string, logger *zap.Logger) (*CachedExtractor, error) {
	remote, err := dataset.NewRemoteExtractor(dataset.RemoteConfig{
		Endpoint: cfg.ExtractEndpoint,
		Model:    model,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating extractor for %q: %w", model, err)
	}
	return NewCachedExtractor(remote, model, cfg.CacheTTL, logger), nil
}

// RunTrain loads the paired dataset from cfg.DataDir, trains a fresh model,
// and saves the final parameters to cfg.ModelDir.
func RunTrain(ctx context.Context, logger *zap.Logger, cfg Config) (*training.Result, error) {
	d, err := dataset.Load(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}

	valFraction := cfg.ValFraction
	if valFraction <= 0 {
		valFraction = 0.2
	}
	train, val, err := d.Split(valFraction, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("splitting dataset: %w", err)
	}

	modelCfg := cfg.ModelConfig()
	if modelCfg.ImageEmbedding == 0 {
		modelCfg.ImageEmbedding = d.ImageDim()
	}
	if modelCfg.TextEmbedding == 0 {
		modelCfg.TextEmbedding = d.TextDim()
	}
	if modelCfg.ImageEmbedding != d.ImageDim() || modelCfg.TextEmbedding != d.TextDim() {
		return nil, fmt.Errorf("configured dimensions (%d image, %d text) do not match dataset (%d image, %d text)",
			modelCfg.ImageEmbedding, modelCfg.TextEmbedding, d.ImageDim(), d.TextDim())
	}

	model, err := clip.NewModel(modelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating model: %w", err)
	}

	trainer, err := training.NewTrainer(model, cfg.TrainingConfig(), logger, PrometheusSink{})
	if err != nil {
		return nil, err
	}
	result, err := trainer.Run(ctx, train, val)
	if err != nil {
		return nil, err
	}

	// The artifact is the final epoch's state; the best epoch is reported
	// in the logs and the result.
	if err := model.Save(cfg.ModelDir); err != nil {
		return nil, fmt.Errorf("saving model: %w", err)
	}

	logger.Info("Training complete",
		zap.Int("bestEpoch", result.BestEpoch),
		zap.Float64("bestValLoss", result.BestValLoss),
		zap.Float64("finalValLoss", result.EpochValLoss[len(result.EpochValLoss)-1]),
		zap.String("modelDir", cfg.ModelDir))
	return result, nil
}

// RunBuildIndex projects the dataset through the saved model and writes the
// embedding index to cfg.IndexDir.
func RunBuildIndex(ctx context.Context, logger *zap.Logger, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	model, err := clip.Load(cfg.ModelDir, logger)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	d, err := dataset.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}

	ix, err := index.Build(model, d, index.BuildOptions{
		BatchSize: cfg.BatchSize,
		StatsSeed: cfg.Seed,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := ix.Save(cfg.IndexDir); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}

	logger.Info("Index written",
		zap.Int("records", ix.Len()),
		zap.String("indexDir", cfg.IndexDir))
	return nil
}

// SearchQuery selects one of three query forms, checked in order: free text
// (extracted remotely, projected through the model), a corpus position, or a
// pre-projected vector.
type SearchQuery struct {
	// Text is a free-text query. Requires the extraction endpoint and the
	// saved model.
	Text string

	// Position is a corpus row to use as the query. Negative means unset.
	Position int

	// Vector is a pre-projected query embedding.
	Vector []float32

	// QueryModality is the modality of the query embedding. Free text is
	// always ModalityText.
	QueryModality retrieval.Modality

	// Target is the modality to rank.
	Target retrieval.Modality

	// K is the number of matches to return.
	K int
}

// RunSearch loads the index (and the model when the query needs projection)
// and returns the top-K calibrated matches.
func RunSearch(ctx context.Context, logger *zap.Logger, cfg Config, q SearchQuery) ([]retrieval.Match, error) {
	ix, err := index.Load(cfg.IndexDir)
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	var model *clip.Model
	if q.Text != "" {
		model, err = clip.Load(cfg.ModelDir, logger)
		if err != nil {
			return nil, fmt.Errorf("loading model: %w", err)
		}
	}

	engine, err := retrieval.NewEngine(ix, model, logger)
	if err != nil {
		return nil, err
	}

	RecordSearch(string(q.Target))
	switch {
	case q.Text != "":
		ex, err := newCachedRemote(cfg, cfg.TextModel, logger)
		if err != nil {
			return nil, err
		}
		defer ex.Stop()
		features, err := ex.Extract(ctx, []string{q.Text})
		if err != nil {
			return nil, fmt.Errorf("extracting query features: %w", err)
		}
		return engine.QueryText(features[0], q.Target, q.K)
	case q.Position >= 0:
		return engine.QueryByPosition(q.Position, q.QueryModality, q.Target, q.K)
	case len(q.Vector) > 0:
		return engine.QueryVector(q.Vector, q.QueryModality, q.Target, q.K)
	default:
		return nil, fmt.Errorf("query needs text, a position, or a vector")
	}
}

// RunStats loads the index and writes its corpus statistics as JSON to w.
// When matrixPath is non-empty the full cross-modal similarity matrix is
// also exported there.
func RunStats(logger *zap.Logger, cfg Config, w io.Writer, matrixPath string) error {
	ix, err := index.Load(cfg.IndexDir)
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}

	raw, err := sonic.MarshalIndent(ix.Stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding statistics: %w", err)
	}
	if _, err := w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("writing statistics: %w", err)
	}

	if matrixPath != "" {
		f, err := os.Create(matrixPath)
		if err != nil {
			return fmt.Errorf("creating matrix file: %w", err)
		}
		defer f.Close()
		if err := ix.ExportSimilarityMatrix(f); err != nil {
			return err
		}
		logger.Info("Exported similarity matrix",
			zap.Int("records", ix.Len()),
			zap.String("path", matrixPath))
	}
	return nil
}
