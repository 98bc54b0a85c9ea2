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

// Package retrieval ranks indexed embeddings against a query and calibrates
// each score against the corpus similarity distribution: a raw cosine of 0.3
// means nothing until you know where it falls among the corpus's own pairs.
package retrieval

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/sawfly/lib/clip"
	"github.com/antflydb/sawfly/lib/index"
)

// Modality names one side of the dual encoder.
type Modality string

const (
	ModalityImage Modality = "image"
	ModalityText  Modality = "text"
)

func (m Modality) valid() bool {
	return m == ModalityImage || m == ModalityText
}

// Quality tiers, from the corpus percentile the score reaches. Evaluation is
// descending and half-open: a score equal to a percentile boundary lands in
// the higher tier.
const (
	QualityExcellent = "Excellent match (top 5%)"
	QualityVeryGood  = "Very good match (top 10%)"
	QualityGood      = "Good match (top 25%)"
	QualityModerate  = "Moderate match"
	QualityWeak      = "Weak match"
)

// Match is one ranked retrieval result.
type Match struct {
	// Record is the matched corpus record.
	Record index.Record

	// Position is the record's row in the index.
	Position int

	// Score is the raw cosine similarity.
	Score float64

	// NormalizedScore is the raw score rescaled to a 0-100 corpus-relative
	// range using the query modality's similarity distribution. Zero when
	// the distribution has no spread.
	NormalizedScore float64

	// Quality is the calibrated tier string.
	Quality string
}

// Engine answers similarity queries against a built index. The model is
// optional: without it only pre-projected vector and by-position queries
// work, with it raw feature vectors can be projected first. Safe for
// concurrent queries once constructed, except when the model is shared with
// a concurrent trainer.
type Engine struct {
	ix     *index.Index
	model  *clip.Model
	logger *zap.Logger

	// Dense views over the record arena, built once at construction.
	images [][]float32
	texts  [][]float32
}

// NewEngine creates a query engine over the index.
func NewEngine(ix *index.Index, model *clip.Model, logger *zap.Logger) (*Engine, error) {
	if err := ix.Validate(); err != nil {
		return nil, fmt.Errorf("invalid index: %w", err)
	}
	if ix.Len() == 0 {
		return nil, fmt.Errorf("index is empty")
	}
	if model != nil {
		if model.Config().ProjectionDim != ix.Dim() {
			return nil, fmt.Errorf("model projects to dimension %d but index holds dimension %d",
				model.Config().ProjectionDim, ix.Dim())
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		ix:     ix,
		model:  model,
		logger: logger,
		images: ix.ImageTable(),
		texts:  ix.TextTable(),
	}, nil
}

// Statistics returns the corpus similarity statistics the engine calibrates
// against.
func (e *Engine) Statistics() *index.CorpusStatistics {
	return e.ix.Stats
}

// QueryText projects raw text features through the model's text head and
// ranks the target modality. Requires a model.
func (e *Engine) QueryText(features []float32, target Modality, k int) ([]Match, error) {
	emb, err := e.projectQuery(features, ModalityText)
	if err != nil {
		return nil, err
	}
	return e.search(emb, ModalityText, target, k)
}

// QueryImage projects raw image features through the model's image head and
// ranks the target modality. Requires a model.
func (e *Engine) QueryImage(features []float32, target Modality, k int) ([]Match, error) {
	emb, err := e.projectQuery(features, ModalityImage)
	if err != nil {
		return nil, err
	}
	return e.search(emb, ModalityImage, target, k)
}

// QueryVector ranks the target modality against an already-projected
// embedding. The vector is L2-normalized here, so callers may pass
// unnormalized data.
func (e *Engine) QueryVector(vec []float32, queryModality, target Modality, k int) ([]Match, error) {
	if len(vec) != e.ix.Dim() {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", e.ix.Dim(), len(vec))
	}
	return e.search(normalize(vec), queryModality, target, k)
}

// QueryByPosition uses a stored embedding as the query: record pos's
// queryModality embedding against every target embedding. The record itself
// stays in the results; for same-modality queries it ranks first with
// similarity 1.
func (e *Engine) QueryByPosition(pos int, queryModality, target Modality, k int) ([]Match, error) {
	if pos < 0 || pos >= e.ix.Len() {
		return nil, fmt.Errorf("position %d out of range [0, %d)", pos, e.ix.Len())
	}
	if !queryModality.valid() {
		return nil, fmt.Errorf("unknown query modality %q", queryModality)
	}
	emb := e.ix.Records[pos].Text
	if queryModality == ModalityImage {
		emb = e.ix.Records[pos].Image
	}
	return e.search(emb, queryModality, target, k)
}

func (e *Engine) projectQuery(features []float32, m Modality) ([]float32, error) {
	if e.model == nil {
		return nil, fmt.Errorf("engine has no model: raw %s features cannot be projected", m)
	}
	var (
		out [][]float32
		err error
	)
	if m == ModalityText {
		out, err = e.model.ProjectTexts([][]float32{features})
	} else {
		out, err = e.model.ProjectImages([][]float32{features})
	}
	if err != nil {
		return nil, fmt.Errorf("projecting %s query: %w", m, err)
	}
	return out[0], nil
}

func (e *Engine) search(query []float32, queryModality, target Modality, k int) ([]Match, error) {
	if !queryModality.valid() {
		return nil, fmt.Errorf("unknown query modality %q", queryModality)
	}
	if !target.valid() {
		return nil, fmt.Errorf("unknown target modality %q", target)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(query) != e.ix.Dim() {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", e.ix.Dim(), len(query))
	}

	table := e.images
	if target == ModalityText {
		table = e.texts
	}
	dist := e.distribution(queryModality)

	start := time.Now()
	scores := make([]float64, len(table))
	for i, emb := range table {
		scores[i] = index.Dot(query, emb)
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	// Stable sort keeps equal scores in corpus order, so results are
	// deterministic.
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if k > len(order) {
		k = len(order)
	}
	matches := make([]Match, k)
	for i, pos := range order[:k] {
		matches[i] = Match{
			Record:          e.ix.Records[pos],
			Position:        pos,
			Score:           scores[pos],
			NormalizedScore: normalizedScore(scores[pos], dist),
			Quality:         EvaluateMatch(scores[pos], dist),
		}
	}

	e.logger.Debug("Similarity search",
		zap.String("queryModality", string(queryModality)),
		zap.String("target", string(target)),
		zap.Int("k", k),
		zap.Int("corpus", e.ix.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return matches, nil
}

// distribution picks the calibration distribution for a query modality.
// Cross-modal queries calibrate against the query modality's own pairwise
// distribution as a proxy for the expected similarity range; the cross-modal
// distribution lives in Statistics for inspection, not calibration.
func (e *Engine) distribution(queryModality Modality) index.Distribution {
	if queryModality == ModalityImage {
		return e.ix.Stats.ImageToImage
	}
	return e.ix.Stats.TextToText
}

// EvaluateMatch maps a raw similarity to a quality tier, checking percentile
// thresholds in descending order.
func EvaluateMatch(score float64, dist index.Distribution) string {
	switch {
	case score >= dist.P95:
		return QualityExcellent
	case score >= dist.P90:
		return QualityVeryGood
	case score >= dist.P75:
		return QualityGood
	case score >= dist.P50:
		return QualityModerate
	default:
		return QualityWeak
	}
}

// normalizedScore rescales a raw similarity to a 0-100 corpus-relative scale
// over the calibration distribution's observed range.
func normalizedScore(score float64, dist index.Distribution) float64 {
	spread := dist.Max - dist.Min
	if spread == 0 {
		return 0
	}
	return (score - dist.Min) / spread * 100
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
