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

package dataset

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeDataset builds n paired samples with recognizable values: image vector
// i is all float32(i), text vector i is all float32(-i).
func makeDataset(n, imgDim, txtDim int) *Dataset {
	d := &Dataset{
		Samples: make([]Sample, n),
		Images:  make([][]float32, n),
		Texts:   make([][]float32, n),
	}
	for i := range n {
		d.Samples[i] = Sample{ID: fmt.Sprintf("s%d", i), Label: fmt.Sprintf("label%d", i%3)}
		d.Images[i] = make([]float32, imgDim)
		d.Texts[i] = make([]float32, txtDim)
		for j := range d.Images[i] {
			d.Images[i][j] = float32(i)
		}
		for j := range d.Texts[i] {
			d.Texts[i][j] = float32(-i)
		}
	}
	return d
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, makeDataset(5, 4, 3).Validate())
	})

	t.Run("empty", func(t *testing.T) {
		assert.NoError(t, (&Dataset{}).Validate())
	})

	t.Run("length mismatch", func(t *testing.T) {
		d := makeDataset(5, 4, 3)
		d.Texts = d.Texts[:4]
		err := d.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "table length mismatch")
	})

	t.Run("ragged image table", func(t *testing.T) {
		d := makeDataset(5, 4, 3)
		d.Images[2] = d.Images[2][:2]
		err := d.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image vector 2 has dimension 2, expected 4")
	})
}

func TestSplit_Deterministic(t *testing.T) {
	d := makeDataset(10, 4, 3)

	trainA, valA, err := d.Split(0.2, 7)
	require.NoError(t, err)
	trainB, valB, err := d.Split(0.2, 7)
	require.NoError(t, err)

	assert.Equal(t, trainA.Samples, trainB.Samples)
	assert.Equal(t, valA.Samples, valB.Samples)
	assert.Equal(t, 8, trainA.Len())
	assert.Equal(t, 2, valA.Len())
}

func TestSplit_PreservesPairing(t *testing.T) {
	d := makeDataset(20, 4, 3)
	train, val, err := d.Split(0.25, 13)
	require.NoError(t, err)

	// The sample's index is recoverable from its vectors; every row of both
	// subsets must still pair image i with text -i.
	for _, sub := range []*Dataset{train, val} {
		for i := range sub.Len() {
			assert.Equal(t, sub.Images[i][0], -sub.Texts[i][0],
				"sample %s lost its image/text pairing", sub.Samples[i].ID)
		}
	}
}

func TestSplit_SmallFractionStillValidates(t *testing.T) {
	d := makeDataset(10, 2, 2)
	train, val, err := d.Split(0.01, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, val.Len(), "a positive fraction must yield at least one validation sample")
	assert.Equal(t, 9, train.Len())
}

func TestSplit_InvalidFraction(t *testing.T) {
	d := makeDataset(4, 2, 2)
	_, _, err := d.Split(1.0, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation fraction")
}

func TestTrainBatches(t *testing.T) {
	d := makeDataset(10, 2, 2)

	t.Run("covers all samples once", func(t *testing.T) {
		batches, err := d.TrainBatches(4, rand.New(rand.NewSource(3)))
		require.NoError(t, err)
		require.Len(t, batches, 3) // 4 + 4 + 2

		seen := map[int]bool{}
		for _, b := range batches {
			require.Equal(t, len(b.Images), len(b.Texts))
			for i, idx := range b.Indices {
				assert.False(t, seen[idx], "index %d appeared twice", idx)
				seen[idx] = true
				assert.Equal(t, d.Images[idx], b.Images[i])
				assert.Equal(t, d.Texts[idx], b.Texts[i])
			}
		}
		assert.Len(t, seen, 10)
	})

	t.Run("drops single-pair tail", func(t *testing.T) {
		d9 := makeDataset(9, 2, 2)
		batches, err := d9.TrainBatches(4, rand.New(rand.NewSource(3)))
		require.NoError(t, err)
		require.Len(t, batches, 2, "9 samples at batch 4 leave a 1-pair tail that must be dropped")
		for _, b := range batches {
			assert.GreaterOrEqual(t, b.Size(), 2)
		}
	})

	t.Run("deterministic for a seed", func(t *testing.T) {
		a, err := d.TrainBatches(4, rand.New(rand.NewSource(5)))
		require.NoError(t, err)
		b, err := d.TrainBatches(4, rand.New(rand.NewSource(5)))
		require.NoError(t, err)
		require.Equal(t, len(a), len(b))
		for i := range a {
			assert.Equal(t, a[i].Indices, b[i].Indices)
		}
	})

	t.Run("rejects batch size below 2", func(t *testing.T) {
		_, err := d.TrainBatches(1, rand.New(rand.NewSource(0)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch size must be >= 2")
	})
}

func TestSequentialBatches(t *testing.T) {
	d := makeDataset(5, 2, 2)
	batches, err := d.SequentialBatches(2)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1}, batches[0].Indices)
	assert.Equal(t, []int{2, 3}, batches[1].Indices)
	assert.Equal(t, []int{4}, batches[2].Indices, "sequential batching keeps every sample")
}

func TestSubset_OutOfRange(t *testing.T) {
	d := makeDataset(3, 2, 2)
	_, err := d.Subset([]int{0, 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
