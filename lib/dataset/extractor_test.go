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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/sawfly/lib/codec"
)

// embedServer fakes the /api/embed endpoint, answering each input with a
// 2-dim vector derived from its position.
func embedServer(t *testing.T, binary bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req embedRequest
		require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Model)

		embeds := make([][]float32, len(req.Input))
		for i := range embeds {
			embeds[i] = []float32{float32(i), float32(i) + 0.5}
		}

		if binary {
			w.Header().Set("Content-Type", "application/octet-stream")
			require.NoError(t, codec.SerializeFloatArrays(w, embeds))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, sonic.ConfigDefault.NewEncoder(w).Encode(embedResponse{
			Model:      req.Model,
			Embeddings: embeds,
		}))
	}))
}

func TestRemoteExtractor_BinaryResponse(t *testing.T) {
	srv := embedServer(t, true)
	defer srv.Close()

	ex, err := NewRemoteExtractor(RemoteConfig{
		Endpoint: srv.URL,
		Model:    "all-minilm",
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	vecs, err := ex.Extract(context.Background(), []string{"a cat", "a dog", "a bird"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1, 1.5}, vecs[1])
}

func TestRemoteExtractor_JSONResponse(t *testing.T) {
	srv := embedServer(t, false)
	defer srv.Close()

	ex, err := NewRemoteExtractor(RemoteConfig{Endpoint: srv.URL + "/", Model: "all-minilm"})
	require.NoError(t, err)

	vecs, err := ex.Extract(context.Background(), []string{"a cat", "a dog"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 0.5}, vecs[0])
}

func TestRemoteExtractor_EmptyInput(t *testing.T) {
	ex, err := NewRemoteExtractor(RemoteConfig{Endpoint: "http://localhost:1", Model: "m"})
	require.NoError(t, err)

	vecs, err := ex.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs, "empty input must not hit the network")
}

func TestRemoteExtractor_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found: nope", http.StatusNotFound)
	}))
	defer srv.Close()

	ex, err := NewRemoteExtractor(RemoteConfig{Endpoint: srv.URL, Model: "nope"})
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestRemoteExtractor_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_ = codec.SerializeFloatArrays(w, [][]float32{{1, 2}})
	}))
	defer srv.Close()

	ex, err := NewRemoteExtractor(RemoteConfig{Endpoint: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 1 vectors for 2 inputs")
}

func TestNewRemoteExtractor_Validation(t *testing.T) {
	_, err := NewRemoteExtractor(RemoteConfig{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")

	_, err = NewRemoteExtractor(RemoteConfig{Endpoint: "http://x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

// fakeExtractor records the batch sizes it was called with.
type fakeExtractor struct {
	calls [][]string
	fail  bool
}

func (f *fakeExtractor) Extract(_ context.Context, inputs []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("backend unavailable")
	}
	f.calls = append(f.calls, inputs)
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in))}
	}
	return out, nil
}

func TestExtractInBatches(t *testing.T) {
	f := &fakeExtractor{}
	inputs := []string{"a", "bb", "ccc", "dddd", "eeeee"}

	vecs, err := ExtractInBatches(context.Background(), f, inputs, 2)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, []float32{3}, vecs[2])
	assert.Len(t, f.calls, 3)
	assert.Equal(t, []string{"eeeee"}, f.calls[2])
}

func TestExtractInBatches_PropagatesError(t *testing.T) {
	_, err := ExtractInBatches(context.Background(), &fakeExtractor{fail: true}, []string{"a"}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extracting batch starting at 0")
}
