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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ix := testIndex(t, 5, 4)

	require.NoError(t, ix.Save(dir))
	assert.FileExists(t, filepath.Join(dir, "records.json"))
	assert.FileExists(t, filepath.Join(dir, "image_embeddings.bin"))
	assert.FileExists(t, filepath.Join(dir, "text_embeddings.bin"))

	loaded, err := Load(dir)
	require.NoError(t, err)
	// Record equality covers metadata and both embeddings.
	assert.Equal(t, ix.Records, loaded.Records)
	require.NotNil(t, loaded.Stats)
	assert.InDelta(t, ix.Stats.CrossModal.P90, loaded.Stats.CrossModal.P90, 1e-12)
}

func TestIndexSave_RejectsInvalid(t *testing.T) {
	ix := testIndex(t, 3, 4)
	ix.Stats = nil
	err := ix.Save(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to save invalid index")
}

func TestIndexLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading records")
}

func TestIndexLoad_Inconsistent(t *testing.T) {
	dir := t.TempDir()
	ix := testIndex(t, 3, 4)
	require.NoError(t, ix.Save(dir))

	// Truncate the image table behind the manifest's back.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image_embeddings.bin"),
		[]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0o644))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent")
}

func TestExportSimilarityMatrix(t *testing.T) {
	ix := testIndex(t, 3, 4)

	var buf bytes.Buffer
	require.NoError(t, ix.ExportSimilarityMatrix(&buf))

	var out similarityMatrix
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out.IDs, 3)
	require.Len(t, out.Matrix, 3)
	assert.Equal(t, "r1", out.IDs[1])
	for i, row := range out.Matrix {
		require.Len(t, row, 3)
		for j, sim := range row {
			assert.InDelta(t, Dot(ix.Records[i].Text, ix.Records[j].Image), sim, 1e-9)
		}
	}
}
