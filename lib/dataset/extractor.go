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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/antflydb/sawfly/lib/codec"
)

// FeatureExtractor turns raw inputs (captions, image references) into fixed
// feature vectors. The contrastive model trains on these vectors; the
// extractors themselves are frozen.
type FeatureExtractor interface {
	Extract(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbedderExtractor adapts an in-process embeddings.Embedder to the
// FeatureExtractor interface, treating every input as text content.
type EmbedderExtractor struct {
	embedder embeddings.Embedder
}

var _ FeatureExtractor = (*EmbedderExtractor)(nil)

// NewEmbedderExtractor wraps an in-process embedder.
func NewEmbedderExtractor(embedder embeddings.Embedder) *EmbedderExtractor {
	return &EmbedderExtractor{embedder: embedder}
}

// Extract embeds the inputs as text.
func (e *EmbedderExtractor) Extract(ctx context.Context, inputs []string) ([][]float32, error) {
	contents := make([][]ai.ContentPart, len(inputs))
	for i, in := range inputs {
		contents[i] = []ai.ContentPart{ai.TextContent{Text: in}}
	}
	return e.embedder.Embed(ctx, contents)
}

// RemoteConfig configures a RemoteExtractor.
type RemoteConfig struct {
	// Endpoint is the base URL of the embedding server (e.g. http://localhost:11434).
	Endpoint string

	// Model is the embedding model name sent with every request.
	Model string

	// Timeout bounds each HTTP request. Zero means 120s.
	Timeout time.Duration

	// Logger for logging (nil = no logging).
	Logger *zap.Logger
}

// RemoteExtractor calls an embedding server's /api/embed endpoint. The
// request is the Ollama-compatible JSON form; the response is requested as
// the binary float table format, which round-trips without JSON float noise.
type RemoteExtractor struct {
	endpoint string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

var _ FeatureExtractor = (*RemoteExtractor)(nil)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewRemoteExtractor creates an extractor backed by a remote embedding server.
func NewRemoteExtractor(cfg RemoteConfig) (*RemoteExtractor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteExtractor{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// Extract embeds the inputs through the remote server. The result has one
// vector per input, in input order.
func (e *RemoteExtractor) Extract(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	body, err := sonic.Marshal(embedRequest{Model: e.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/octet-stream")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embed endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embed endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var embeds [][]float32
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var er embedResponse
		if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&er); err != nil {
			return nil, fmt.Errorf("decoding embed response: %w", err)
		}
		embeds = er.Embeddings
	} else {
		embeds, err = codec.DeserializeFloatArrays(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding binary embed response: %w", err)
		}
	}

	if len(embeds) != len(inputs) {
		return nil, fmt.Errorf("embed endpoint returned %d vectors for %d inputs", len(embeds), len(inputs))
	}

	e.logger.Debug("Extracted features",
		zap.String("model", e.model),
		zap.Int("inputs", len(inputs)),
		zap.Duration("elapsed", time.Since(start)))
	return embeds, nil
}

// ExtractInBatches runs the extractor over inputs in chunks of batchSize,
// preserving order. Useful for large corpora where a single request would be
// too big for the server.
func ExtractInBatches(ctx context.Context, ex FeatureExtractor, inputs []string, batchSize int) ([][]float32, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	out := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		end := min(start+batchSize, len(inputs))
		vecs, err := ex.Extract(ctx, inputs[start:end])
		if err != nil {
			return nil, fmt.Errorf("extracting batch starting at %d: %w", start, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
