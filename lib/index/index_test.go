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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/sawfly/lib/clip"
	"github.com/antflydb/sawfly/lib/dataset"
)

// unitVectors builds n random unit-norm vectors of the given dimension.
func unitVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		var norm float64
		for j := range v {
			v[j] = float32(rng.NormFloat64())
			norm += float64(v[j]) * float64(v[j])
		}
		norm = math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
		out[i] = v
	}
	return out
}

// testIndex builds a small synthetic index without a model.
func testIndex(t *testing.T, n, dim int) *Index {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n*100 + dim)))
	images := unitVectors(rng, n, dim)
	texts := unitVectors(rng, n, dim)
	stats, err := ComputeStatistics(images, texts, 0, 0)
	require.NoError(t, err)

	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			ID:    fmt.Sprintf("r%d", i),
			Label: fmt.Sprintf("label%d", i%2),
			Image: images[i],
			Text:  texts[i],
		}
	}
	return &Index{Records: records, Stats: stats}
}

func TestBuild(t *testing.T) {
	model, err := clip.NewModel(clip.Config{
		ImageEmbedding: 12,
		TextEmbedding:  8,
		ProjectionDim:  4,
		Seed:           3,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	n := 7
	d := &dataset.Dataset{
		Samples: make([]dataset.Sample, n),
		Images:  make([][]float32, n),
		Texts:   make([][]float32, n),
	}
	for i := range n {
		d.Samples[i] = dataset.Sample{ID: fmt.Sprintf("s%d", i), Label: "animal", Ref: fmt.Sprintf("img/%d.jpg", i)}
		d.Images[i] = make([]float32, 12)
		d.Texts[i] = make([]float32, 8)
		for j := range d.Images[i] {
			d.Images[i][j] = float32(rng.NormFloat64())
		}
		for j := range d.Texts[i] {
			d.Texts[i][j] = float32(rng.NormFloat64())
		}
	}

	// Batch size 3 forces a partial final batch.
	ix, err := Build(model, d, BuildOptions{BatchSize: 3, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, ix.Validate())
	assert.Equal(t, n, ix.Len())
	assert.Equal(t, 4, ix.Dim())
	assert.Equal(t, "s3", ix.Records[3].ID)
	assert.Equal(t, "img/3.jpg", ix.Records[3].Ref)

	// Batched projection must equal whole-dataset projection.
	whole, err := model.ProjectImages(d.Images)
	require.NoError(t, err)
	require.Len(t, ix.Records, len(whole))
	for i := range whole {
		for j := range whole[i] {
			assert.InDelta(t, whole[i][j], ix.Records[i].Image[j], 1e-6)
		}
	}

	// Embeddings are unit-norm, so all similarities live in [-1, 1].
	assert.GreaterOrEqual(t, ix.Stats.CrossModal.Min, -1.0000001)
	assert.LessOrEqual(t, ix.Stats.CrossModal.Max, 1.0000001)
}

func TestBuild_RejectsTinyDataset(t *testing.T) {
	model, err := clip.NewModel(clip.Config{ImageEmbedding: 4, TextEmbedding: 4, ProjectionDim: 2}, nil)
	require.NoError(t, err)

	d := &dataset.Dataset{
		Samples: []dataset.Sample{{ID: "only"}},
		Images:  [][]float32{make([]float32, 4)},
		Texts:   [][]float32{make([]float32, 4)},
	}
	_, err = Build(model, d, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 samples")
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, testIndex(t, 4, 3).Validate())
	})

	t.Run("missing stats", func(t *testing.T) {
		ix := testIndex(t, 4, 3)
		ix.Stats = nil
		err := ix.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing corpus statistics")
	})

	t.Run("missing text embedding", func(t *testing.T) {
		ix := testIndex(t, 4, 3)
		ix.Records[2].Text = nil
		err := ix.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "text embedding 2")
	})

	t.Run("ragged embedding", func(t *testing.T) {
		ix := testIndex(t, 4, 3)
		ix.Records[1].Image = ix.Records[1].Image[:2]
		err := ix.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image embedding 1")
	})

	t.Run("no embeddings", func(t *testing.T) {
		ix := testIndex(t, 4, 3)
		ix.Records[0].Image = nil
		err := ix.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "record 0 has no image embedding")
	})
}

func TestTables_AliasRecords(t *testing.T) {
	ix := testIndex(t, 4, 3)
	images := ix.ImageTable()
	texts := ix.TextTable()
	require.Len(t, images, 4)
	require.Len(t, texts, 4)
	for i := range ix.Records {
		assert.Equal(t, ix.Records[i].Image, images[i])
		assert.Equal(t, ix.Records[i].Text, texts[i])
	}
}

func TestDot(t *testing.T) {
	assert.InDelta(t, 1.0, Dot([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -2.0, Dot([]float32{1, -1}, []float32{-1, 1}), 1e-9)
}
