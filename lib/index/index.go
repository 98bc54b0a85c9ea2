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

// Package index stores projected embeddings for a corpus, paired with corpus
// similarity statistics. The corpus is an append-only arena of records; each
// record carries its own image and text embedding, so metadata and embeddings
// cannot drift apart. All embeddings are unit-norm, so dot product is cosine
// similarity.
package index

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/sawfly/lib/clip"
	"github.com/antflydb/sawfly/lib/dataset"
)

// Record is one indexed sample: metadata plus its projected embeddings. A
// record enters the arena only whole, with both embeddings attached.
type Record struct {
	ID    string    `json:"id"`
	Label string    `json:"label,omitempty"`
	Ref   string    `json:"ref,omitempty"`
	Image []float32 `json:"-"`
	Text  []float32 `json:"-"`
}

// Index is a built embedding corpus: the record arena and the similarity
// statistics used to calibrate match quality.
type Index struct {
	Records []Record
	Stats   *CorpusStatistics
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	return len(ix.Records)
}

// Dim returns the shared embedding dimension, 0 for an empty index.
func (ix *Index) Dim() int {
	if len(ix.Records) == 0 {
		return 0
	}
	return len(ix.Records[0].Image)
}

// ImageTable returns the image embeddings as a dense table. Row i aliases
// Records[i].Image.
func (ix *Index) ImageTable() [][]float32 {
	table := make([][]float32, len(ix.Records))
	for i := range ix.Records {
		table[i] = ix.Records[i].Image
	}
	return table
}

// TextTable returns the text embeddings as a dense table. Row i aliases
// Records[i].Text.
func (ix *Index) TextTable() [][]float32 {
	table := make([][]float32, len(ix.Records))
	for i := range ix.Records {
		table[i] = ix.Records[i].Text
	}
	return table
}

// Validate checks that every record carries both embeddings at the shared
// dimension.
func (ix *Index) Validate() error {
	dim := ix.Dim()
	if len(ix.Records) > 0 && dim == 0 {
		return fmt.Errorf("record 0 has no image embedding")
	}
	for i := range ix.Records {
		if len(ix.Records[i].Image) != dim {
			return fmt.Errorf("image embedding %d has dimension %d, expected %d", i, len(ix.Records[i].Image), dim)
		}
		if len(ix.Records[i].Text) != dim {
			return fmt.Errorf("text embedding %d has dimension %d, expected %d", i, len(ix.Records[i].Text), dim)
		}
	}
	if ix.Stats == nil {
		return fmt.Errorf("missing corpus statistics")
	}
	return nil
}

// BuildOptions configures Build.
type BuildOptions struct {
	// BatchSize for projection passes. Zero means 64.
	BatchSize int

	// StatsSampleSize caps how many records feed the pairwise similarity
	// statistics. Zero means 1000.
	StatsSampleSize int

	// StatsSeed drives the statistics sampling when the corpus is larger
	// than StatsSampleSize.
	StatsSeed int64

	// Logger for logging (nil = no logging).
	Logger *zap.Logger
}

// Build projects a paired dataset through a trained model and computes the
// corpus statistics. The dataset needs at least 2 samples: a single record
// has no pairwise similarity distribution to calibrate against.
func Build(model *clip.Model, d *dataset.Dataset, opts BuildOptions) (*Index, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	if d.Len() < 2 {
		return nil, fmt.Errorf("index needs at least 2 samples, got %d", d.Len())
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	start := time.Now()
	ix := &Index{Records: make([]Record, 0, d.Len())}

	batches, err := d.SequentialBatches(batchSize)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		imgs, err := model.ProjectImages(b.Images)
		if err != nil {
			return nil, fmt.Errorf("projecting image batch: %w", err)
		}
		txts, err := model.ProjectTexts(b.Texts)
		if err != nil {
			return nil, fmt.Errorf("projecting text batch: %w", err)
		}
		for k := range imgs {
			s := d.Samples[len(ix.Records)]
			ix.Records = append(ix.Records, Record{
				ID:    s.ID,
				Label: s.Label,
				Ref:   s.Ref,
				Image: imgs[k],
				Text:  txts[k],
			})
		}
	}

	ix.Stats, err = ComputeStatistics(ix.ImageTable(), ix.TextTable(), opts.StatsSampleSize, opts.StatsSeed)
	if err != nil {
		return nil, fmt.Errorf("computing corpus statistics: %w", err)
	}

	logger.Info("Built embedding index",
		zap.Int("records", ix.Len()),
		zap.Int("dim", ix.Dim()),
		zap.Int("statsSample", ix.Stats.SampleSize),
		zap.Duration("elapsed", time.Since(start)))
	return ix, nil
}

// Dot returns the dot product of two equal-length vectors. On unit-norm
// embeddings this is cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
