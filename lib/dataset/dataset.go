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

// Package dataset holds paired image/text feature vectors for contrastive
// training. A dataset is column-oriented: sample metadata, image features,
// and text features are parallel slices, and position is the pairing — row i
// of the image table and row i of the text table describe the same sample.
package dataset

import (
	"fmt"
	"math/rand"
)

// Sample is the metadata of one image/text pair. The feature vectors live in
// the dataset's parallel tables, not here.
type Sample struct {
	// ID uniquely identifies the sample within the dataset.
	ID string `json:"id"`

	// Label is an optional class or category name.
	Label string `json:"label,omitempty"`

	// Caption is the text the text features were extracted from.
	Caption string `json:"caption,omitempty"`

	// Ref is an opaque pointer back to the source asset (path, URL, key).
	Ref string `json:"ref,omitempty"`
}

// Dataset is a set of paired samples. Images[i] and Texts[i] belong to
// Samples[i]; that positional correspondence is the only ground truth the
// contrastive loss sees, so it must never be broken independently.
type Dataset struct {
	Samples []Sample
	Images  [][]float32
	Texts   [][]float32
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// Validate checks the pairing invariant: all three tables have the same
// length and each feature table has a uniform dimension.
func (d *Dataset) Validate() error {
	if len(d.Images) != len(d.Samples) || len(d.Texts) != len(d.Samples) {
		return fmt.Errorf("table length mismatch: %d samples, %d image vectors, %d text vectors",
			len(d.Samples), len(d.Images), len(d.Texts))
	}
	if err := uniformDim(d.Images, "image"); err != nil {
		return err
	}
	return uniformDim(d.Texts, "text")
}

func uniformDim(table [][]float32, modality string) error {
	if len(table) == 0 {
		return nil
	}
	dim := len(table[0])
	for i, v := range table {
		if len(v) != dim {
			return fmt.Errorf("%s vector %d has dimension %d, expected %d", modality, i, len(v), dim)
		}
	}
	return nil
}

// ImageDim returns the image feature dimension, 0 for an empty dataset.
func (d *Dataset) ImageDim() int {
	if len(d.Images) == 0 {
		return 0
	}
	return len(d.Images[0])
}

// TextDim returns the text feature dimension, 0 for an empty dataset.
func (d *Dataset) TextDim() int {
	if len(d.Texts) == 0 {
		return 0
	}
	return len(d.Texts[0])
}

// Subset returns a new dataset holding the given rows, sharing the
// underlying vectors.
func (d *Dataset) Subset(indices []int) (*Dataset, error) {
	sub := &Dataset{
		Samples: make([]Sample, len(indices)),
		Images:  make([][]float32, len(indices)),
		Texts:   make([][]float32, len(indices)),
	}
	for i, idx := range indices {
		if idx < 0 || idx >= d.Len() {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.Len())
		}
		sub.Samples[i] = d.Samples[idx]
		sub.Images[i] = d.Images[idx]
		sub.Texts[i] = d.Texts[idx]
	}
	return sub, nil
}

// Split partitions the dataset into train and validation subsets with a
// seeded shuffle. valFraction of the samples (at least 1 when the fraction is
// positive) go to validation. The split is deterministic for a given seed.
func (d *Dataset) Split(valFraction float64, seed int64) (train, val *Dataset, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in [0, 1), got %g", valFraction)
	}
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}

	perm := rand.New(rand.NewSource(seed)).Perm(d.Len())
	nVal := int(float64(d.Len()) * valFraction)
	if valFraction > 0 && nVal == 0 && d.Len() > 1 {
		nVal = 1
	}

	val, err = d.Subset(perm[:nVal])
	if err != nil {
		return nil, nil, err
	}
	train, err = d.Subset(perm[nVal:])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// Batch is one slice of paired feature vectors. Indices point back into the
// source dataset.
type Batch struct {
	Images  [][]float32
	Texts   [][]float32
	Indices []int
}

// Size returns the number of pairs in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// TrainBatches shuffles the dataset with rng and slices it into batches of
// batchSize. A trailing batch of a single pair is dropped: one pair gives the
// contrastive loss nothing to contrast against.
func (d *Dataset) TrainBatches(batchSize int, rng *rand.Rand) ([]Batch, error) {
	if batchSize < 2 {
		return nil, fmt.Errorf("training batch size must be >= 2, got %d", batchSize)
	}
	batches := d.slice(batchSize, rng.Perm(d.Len()))
	if n := len(batches); n > 0 && batches[n-1].Size() < 2 {
		batches = batches[:n-1]
	}
	return batches, nil
}

// SequentialBatches slices the dataset in order, keeping every sample. Used
// for validation and index building, where no gradient step happens.
func (d *Dataset) SequentialBatches(batchSize int) ([]Batch, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	order := make([]int, d.Len())
	for i := range order {
		order[i] = i
	}
	return d.slice(batchSize, order), nil
}

func (d *Dataset) slice(batchSize int, order []int) []Batch {
	var batches []Batch
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		b := Batch{
			Images:  make([][]float32, 0, end-start),
			Texts:   make([][]float32, 0, end-start),
			Indices: make([]int, 0, end-start),
		}
		for _, idx := range order[start:end] {
			b.Images = append(b.Images, d.Images[idx])
			b.Texts = append(b.Texts, d.Texts[idx])
			b.Indices = append(b.Indices, idx)
		}
		batches = append(batches, b)
	}
	return batches
}
