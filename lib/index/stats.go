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

package index

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// DefaultStatsSampleSize caps how many records feed the pairwise statistics.
// Pairwise cost is quadratic; 1000 samples give ~1M cross-modal pairs, enough
// for stable percentiles.
const DefaultStatsSampleSize = 1000

// Distribution summarizes one set of pairwise similarities. Percentiles use
// linear interpolation between closest ranks.
type Distribution struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P25  float64 `json:"p25"`
	P50  float64 `json:"p50"`
	P75  float64 `json:"p75"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
}

// CorpusStatistics calibrates raw similarity scores against what the corpus
// actually produces. Cross-modal pairs (text query against image embeddings
// and vice versa) share one distribution; same-modality lookups each get
// their own, since intra-modality similarities run much higher.
type CorpusStatistics struct {
	SampleSize   int          `json:"sample_size"`
	CrossModal   Distribution `json:"cross_modal"`
	ImageToImage Distribution `json:"image_to_image"`
	TextToText   Distribution `json:"text_to_text"`
}

// ComputeStatistics samples up to sampleSize records (seeded, deterministic)
// and computes the three similarity distributions. Requires at least 2
// records.
func ComputeStatistics(images, texts [][]float32, sampleSize int, seed int64) (*CorpusStatistics, error) {
	if len(images) != len(texts) {
		return nil, fmt.Errorf("embedding table length mismatch: %d images vs %d texts", len(images), len(texts))
	}
	n := len(images)
	if n < 2 {
		return nil, fmt.Errorf("statistics need at least 2 records, got %d", n)
	}
	if sampleSize <= 0 {
		sampleSize = DefaultStatsSampleSize
	}

	sampleImages, sampleTexts := images, texts
	if n > sampleSize {
		// Each modality draws its own sample of rows.
		rng := rand.New(rand.NewSource(seed))
		sampleImages = sampleRows(images, rng, sampleSize)
		sampleTexts = sampleRows(texts, rng, sampleSize)
		n = sampleSize
	}

	// Cross-modal: every sampled text against every sampled image.
	cross := make([]float64, 0, n*n)
	for _, t := range sampleTexts {
		for _, im := range sampleImages {
			cross = append(cross, Dot(t, im))
		}
	}

	// Intra-modality: the full pairwise matrix, diagonal included. The
	// self-similarity of 1 anchors Max, so a self-match normalizes to 100.
	intra := func(table [][]float32) []float64 {
		sims := make([]float64, 0, n*n)
		for _, a := range table {
			for _, b := range table {
				sims = append(sims, Dot(a, b))
			}
		}
		return sims
	}

	return &CorpusStatistics{
		SampleSize:   n,
		CrossModal:   summarize(cross),
		ImageToImage: summarize(intra(sampleImages)),
		TextToText:   summarize(intra(sampleTexts)),
	}, nil
}

// sampleRows picks size distinct rows of the table, in positional order.
func sampleRows(table [][]float32, rng *rand.Rand, size int) [][]float32 {
	perm := rng.Perm(len(table))[:size]
	sort.Ints(perm)
	out := make([][]float32, size)
	for i, idx := range perm {
		out[i] = table[idx]
	}
	return out
}

func summarize(sims []float64) Distribution {
	sorted := make([]float64, len(sims))
	copy(sorted, sims)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	// Sample variance (n-1 denominator), matching the torch.std default.
	var variance float64
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	if len(sorted) > 1 {
		variance /= float64(len(sorted) - 1)
	}

	return Distribution{
		Mean: mean,
		Std:  math.Sqrt(variance),
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		P25:  quantile(sorted, 0.25),
		P50:  quantile(sorted, 0.50),
		P75:  quantile(sorted, 0.75),
		P90:  quantile(sorted, 0.90),
		P95:  quantile(sorted, 0.95),
	}
}

// quantile interpolates linearly between the two closest ranks of a sorted
// slice, matching the torch.quantile default.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
