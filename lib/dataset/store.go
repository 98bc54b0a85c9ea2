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
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/antflydb/sawfly/lib/codec"
)

const (
	samplesFile = "samples.json"
	imagesFile  = "images.bin"
	textsFile   = "texts.bin"
)

// Save writes the dataset to dir: sample metadata as JSON, feature tables as
// binary vector files. The directory is created if needed.
func (d *Dataset) Save(dir string) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid dataset: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dataset directory: %w", err)
	}

	raw, err := sonic.MarshalIndent(d.Samples, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding samples: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, samplesFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing samples: %w", err)
	}

	if err := writeTable(filepath.Join(dir, imagesFile), d.Images); err != nil {
		return err
	}
	return writeTable(filepath.Join(dir, textsFile), d.Texts)
}

// Load reads a dataset written by Save and validates the pairing invariant.
func Load(dir string) (*Dataset, error) {
	raw, err := os.ReadFile(filepath.Join(dir, samplesFile))
	if err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	var samples []Sample
	if err := sonic.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("decoding samples: %w", err)
	}

	images, err := readTable(filepath.Join(dir, imagesFile))
	if err != nil {
		return nil, err
	}
	texts, err := readTable(filepath.Join(dir, textsFile))
	if err != nil {
		return nil, err
	}

	d := &Dataset{Samples: samples, Images: images, Texts: texts}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("dataset at %s is inconsistent: %w", dir, err)
	}
	return d, nil
}

func writeTable(path string, table [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := codec.SerializeFloatArrays(f, table); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func readTable(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	table, err := codec.DeserializeFloatArrays(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return table, nil
}
