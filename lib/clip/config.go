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

import "fmt"

// Variant selects the projection head architecture. The original model had
// several near-identical head definitions; they collapse to two shapes
// selected by configuration.
type Variant string

const (
	// VariantLinear is the canonical head: affine projection + LayerNorm.
	VariantLinear Variant = "linear"

	// VariantResidual adds GELU -> fc -> dropout with a skip connection
	// around them, before the LayerNorm.
	VariantResidual Variant = "residual"
)

// Config holds the model hyperparameters. Dimensions describe the feature
// vectors produced by the external encoders; the model itself never sees raw
// images or text.
type Config struct {
	// ImageEmbedding is the input dimension of image feature vectors (e.g. 2048).
	ImageEmbedding int `json:"image_embedding"`

	// TextEmbedding is the input dimension of text feature vectors (e.g. 768).
	TextEmbedding int `json:"text_embedding"`

	// ProjectionDim is the shared embedding space dimension D (e.g. 256).
	ProjectionDim int `json:"projection_dim"`

	// Variant selects the projection head architecture (default linear).
	Variant Variant `json:"variant,omitempty"`

	// Dropout is the dropout rate used by the residual head variant during
	// training. Ignored by the linear variant.
	Dropout float64 `json:"dropout,omitempty"`

	// Seed drives parameter initialization. Two models built with the same
	// config produce identical initial parameters.
	Seed int64 `json:"seed"`

	// Device is the gomlx backend configuration string ("go" for the pure Go
	// engine, "xla" for hardware acceleration). Empty means "go".
	Device string `json:"device,omitempty"`
}

// Validate reports configuration errors. These are fatal at construction
// time, not runtime-recoverable.
func (c *Config) Validate() error {
	if c.ImageEmbedding <= 0 {
		return fmt.Errorf("image_embedding must be positive, got %d", c.ImageEmbedding)
	}
	if c.TextEmbedding <= 0 {
		return fmt.Errorf("text_embedding must be positive, got %d", c.TextEmbedding)
	}
	if c.ProjectionDim <= 0 {
		return fmt.Errorf("projection_dim must be positive, got %d", c.ProjectionDim)
	}
	switch c.Variant {
	case "", VariantLinear, VariantResidual:
	default:
		return fmt.Errorf("unknown projection variant %q", c.Variant)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	return nil
}

// variant returns the effective head variant.
func (c *Config) variant() Variant {
	if c.Variant == "" {
		return VariantLinear
	}
	return c.Variant
}

// device returns the effective gomlx backend configuration.
func (c *Config) device() string {
	if c.Device == "" {
		return "go"
	}
	return c.Device
}
