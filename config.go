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
	"time"

	"github.com/spf13/viper"

	"github.com/antflydb/sawfly/lib/clip"
	"github.com/antflydb/sawfly/lib/training"
)

// Config is the application configuration, assembled from flags, environment
// and config file through viper.
type Config struct {
	// Model hyperparameters.
	ImageEmbedding    int     `json:"image_embedding"`
	TextEmbedding     int     `json:"text_embedding"`
	ProjectionDim     int     `json:"projection_dim"`
	ProjectionVariant string  `json:"projection_variant"`
	Dropout           float64 `json:"dropout"`

	// Training hyperparameters.
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	ValInterval  int     `json:"val_interval"`
	ValFraction  float64 `json:"val_fraction"`

	// Device selects the gomlx engine ("go" or "xla").
	Device string `json:"device"`

	// Seed drives initialization, splits, shuffles, and stats sampling.
	Seed int64 `json:"seed"`

	// Artifact directories.
	ModelDir string `json:"model_dir"`
	DataDir  string `json:"data_dir"`
	IndexDir string `json:"index_dir"`

	// Feature extraction backend.
	ExtractEndpoint string        `json:"extract_endpoint"`
	ImageModel      string        `json:"image_model"`
	TextModel       string        `json:"text_model"`
	ExtractBatch    int           `json:"extract_batch"`
	CacheTTL        time.Duration `json:"cache_ttl"`
}

// ConfigFromViper reads the application config from viper's resolved state.
func ConfigFromViper(v *viper.Viper) Config {
	return Config{
		ImageEmbedding:    v.GetInt("image_embedding"),
		TextEmbedding:     v.GetInt("text_embedding"),
		ProjectionDim:     v.GetInt("projection_dim"),
		ProjectionVariant: v.GetString("projection_variant"),
		Dropout:           v.GetFloat64("dropout"),
		Epochs:            v.GetInt("epochs"),
		BatchSize:         v.GetInt("batch_size"),
		LearningRate:      v.GetFloat64("learning_rate"),
		WeightDecay:       v.GetFloat64("weight_decay"),
		ValInterval:       v.GetInt("val_interval"),
		ValFraction:       v.GetFloat64("val_fraction"),
		Device:            v.GetString("device"),
		Seed:              v.GetInt64("seed"),
		ModelDir:          v.GetString("model_dir"),
		DataDir:           v.GetString("data_dir"),
		IndexDir:          v.GetString("index_dir"),
		ExtractEndpoint:   v.GetString("extract_endpoint"),
		ImageModel:        v.GetString("image_model"),
		TextModel:         v.GetString("text_model"),
		ExtractBatch:      v.GetInt("extract_batch"),
		CacheTTL:          v.GetDuration("cache_ttl"),
	}
}

// ModelConfig maps the application config to the model's own config.
func (c Config) ModelConfig() clip.Config {
	return clip.Config{
		ImageEmbedding: c.ImageEmbedding,
		TextEmbedding:  c.TextEmbedding,
		ProjectionDim:  c.ProjectionDim,
		Variant:        clip.Variant(c.ProjectionVariant),
		Dropout:        c.Dropout,
		Seed:           c.Seed,
		Device:         c.Device,
	}
}

// TrainingConfig maps the application config to the trainer's config.
func (c Config) TrainingConfig() training.Config {
	return training.Config{
		Epochs:       c.Epochs,
		BatchSize:    c.BatchSize,
		LearningRate: c.LearningRate,
		WeightDecay:  c.WeightDecay,
		ValInterval:  c.ValInterval,
		Seed:         c.Seed,
	}
}
