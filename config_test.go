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

package sawfly

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/antflydb/sawfly/lib/clip"
)

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("image_embedding", 2048)
	v.Set("text_embedding", 768)
	v.Set("projection_dim", 256)
	v.Set("projection_variant", "residual")
	v.Set("dropout", 0.1)
	v.Set("epochs", 4)
	v.Set("batch_size", 32)
	v.Set("learning_rate", 1e-3)
	v.Set("weight_decay", 1e-3)
	v.Set("val_interval", 50)
	v.Set("val_fraction", 0.2)
	v.Set("device", "go")
	v.Set("seed", int64(42))
	v.Set("model_dir", "/tmp/model")
	v.Set("data_dir", "/tmp/data")
	v.Set("index_dir", "/tmp/index")
	v.Set("extract_endpoint", "http://localhost:11434")
	v.Set("image_model", "clip-vit-base-patch32")
	v.Set("text_model", "all-minilm")
	v.Set("extract_batch", 16)
	v.Set("cache_ttl", "5m")

	cfg := ConfigFromViper(v)
	assert.Equal(t, 2048, cfg.ImageEmbedding)
	assert.Equal(t, 768, cfg.TextEmbedding)
	assert.Equal(t, "residual", cfg.ProjectionVariant)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, "/tmp/index", cfg.IndexDir)
	assert.Equal(t, 16, cfg.ExtractBatch)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)

	mc := cfg.ModelConfig()
	assert.Equal(t, clip.VariantResidual, mc.Variant)
	assert.Equal(t, 256, mc.ProjectionDim)
	assert.Equal(t, "go", mc.Device)
	assert.NoError(t, mc.Validate())

	tc := cfg.TrainingConfig()
	assert.Equal(t, 4, tc.Epochs)
	assert.Equal(t, 32, tc.BatchSize)
	assert.Equal(t, 1e-3, tc.LearningRate)
	assert.Equal(t, int64(42), tc.Seed)
	assert.NoError(t, tc.Validate())
}
