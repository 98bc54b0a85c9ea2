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
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/antflydb/sawfly/lib/codec"
)

const (
	recordsFile     = "records.json"
	imageEmbedsFile = "image_embeddings.bin"
	textEmbedsFile  = "text_embeddings.bin"
)

// recordsManifest is the JSON sidecar holding record metadata and statistics;
// the embeddings live in the binary table files and are stitched back onto
// the records on load.
type recordsManifest struct {
	Records []Record          `json:"records"`
	Stats   *CorpusStatistics `json:"stats"`
}

// Save writes the index to dir. The directory is created if needed.
func (ix *Index) Save(dir string) error {
	if err := ix.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid index: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	raw, err := sonic.MarshalIndent(recordsManifest{Records: ix.Records, Stats: ix.Stats}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, recordsFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing records: %w", err)
	}

	if err := writeTable(filepath.Join(dir, imageEmbedsFile), ix.ImageTable()); err != nil {
		return err
	}
	return writeTable(filepath.Join(dir, textEmbedsFile), ix.TextTable())
}

// Load reads an index written by Save and validates it.
func Load(dir string) (*Index, error) {
	raw, err := os.ReadFile(filepath.Join(dir, recordsFile))
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	var man recordsManifest
	if err := sonic.Unmarshal(raw, &man); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}

	images, err := readTable(filepath.Join(dir, imageEmbedsFile))
	if err != nil {
		return nil, err
	}
	texts, err := readTable(filepath.Join(dir, textEmbedsFile))
	if err != nil {
		return nil, err
	}
	if len(images) != len(man.Records) || len(texts) != len(man.Records) {
		return nil, fmt.Errorf("index at %s is inconsistent: %d records, %d image embeddings, %d text embeddings",
			dir, len(man.Records), len(images), len(texts))
	}
	for i := range man.Records {
		man.Records[i].Image = images[i]
		man.Records[i].Text = texts[i]
	}

	ix := &Index{Records: man.Records, Stats: man.Stats}
	if err := ix.Validate(); err != nil {
		return nil, fmt.Errorf("index at %s is inconsistent: %w", dir, err)
	}
	return ix, nil
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

// similarityMatrix is the JSON shape of ExportSimilarityMatrix.
type similarityMatrix struct {
	IDs    []string    `json:"ids"`
	Matrix [][]float64 `json:"matrix"`
}

// ExportSimilarityMatrix writes the full cross-modal similarity matrix as
// JSON: Matrix[i][j] is the similarity of record i's text embedding to
// record j's image embedding. Intended for inspection and offline analysis
// of small corpora; cost is quadratic.
func (ix *Index) ExportSimilarityMatrix(w io.Writer) error {
	if err := ix.Validate(); err != nil {
		return err
	}
	out := similarityMatrix{
		IDs:    make([]string, ix.Len()),
		Matrix: make([][]float64, ix.Len()),
	}
	for i := range ix.Records {
		out.IDs[i] = ix.Records[i].ID
		row := make([]float64, ix.Len())
		for j := range ix.Records {
			row[j] = Dot(ix.Records[i].Text, ix.Records[j].Image)
		}
		out.Matrix[i] = row
	}
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("encoding similarity matrix: %w", err)
	}
	return nil
}
