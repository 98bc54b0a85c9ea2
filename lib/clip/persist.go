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

package clip

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/antflydb/sawfly/lib/codec"
)

const (
	manifestFile = "model.json"
	weightsFile  = "model.bin"

	manifestVersion = 1
)

// manifest is the JSON sidecar describing the binary weights file: the model
// configuration and the ordered parameter layout. Weights round-trip
// bit-exactly; the manifest makes the binary file self-describing.
type manifest struct {
	Version    int         `json:"version"`
	Config     Config      `json:"config"`
	Parameters []Parameter `json:"parameters"`
}

// Save writes the model to dir as model.json (manifest) and model.bin
// (weights, one vector table row per parameter in manifest order). The
// directory is created if needed.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}

	params, err := m.Parameters()
	if err != nil {
		return fmt.Errorf("capturing parameters: %w", err)
	}

	rows := make([][]float32, len(params))
	for i, p := range params {
		rows[i] = p.Data
	}
	wf, err := os.Create(filepath.Join(dir, weightsFile))
	if err != nil {
		return fmt.Errorf("creating weights file: %w", err)
	}
	defer wf.Close()
	if err := codec.SerializeFloatArrays(wf, rows); err != nil {
		return fmt.Errorf("writing weights: %w", err)
	}
	if err := wf.Close(); err != nil {
		return fmt.Errorf("closing weights file: %w", err)
	}

	man := manifest{Version: manifestVersion, Config: m.cfg, Parameters: params}
	raw, err := sonic.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	m.logger.Info("Saved model", zap.String("dir", dir), zap.Int("parameters", len(params)))
	return nil
}

// Load reads a model saved by Save. The manifest's parameter layout must
// match what its config produces; the weights file must match the manifest.
func Load(dir string, logger *zap.Logger) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var man manifest
	if err := sonic.Unmarshal(raw, &man); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if man.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported model version %d", man.Version)
	}

	wf, err := os.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, fmt.Errorf("opening weights file: %w", err)
	}
	defer wf.Close()
	rows, err := codec.DeserializeFloatArrays(wf)
	if err != nil {
		return nil, fmt.Errorf("reading weights: %w", err)
	}
	if len(rows) != len(man.Parameters) {
		return nil, fmt.Errorf("weights row count mismatch: manifest lists %d parameters, file has %d rows",
			len(man.Parameters), len(rows))
	}

	params := make([]Parameter, len(man.Parameters))
	for i, p := range man.Parameters {
		params[i] = Parameter{Name: p.Name, Shape: p.Shape, Data: rows[i]}
	}

	m, err := NewModelFromParameters(man.Config, params, logger)
	if err != nil {
		return nil, fmt.Errorf("restoring model from %s: %w", dir, err)
	}
	return m, nil
}
