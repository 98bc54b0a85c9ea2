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

// Command sawfly trains a CLIP-style dual-encoder over precomputed feature
// vectors and queries the resulting embedding index.
//
// Usage:
//
//	sawfly extract --input samples.json   # Extract paired features
//	sawfly train                          # Train the projection heads
//	sawfly index                          # Build the embedding index
//	sawfly search --text "a red bicycle"  # Query the index
//	sawfly stats                          # Inspect corpus statistics
package main

import (
	"io"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/antflydb/sawfly/cmd/cmd"
	"github.com/bytedance/sonic"
)

func init() {
	// Configure the JSON wrapper to use bytedance/sonic for performance
	json.SetConfig(json.Config{
		Marshal:         sonic.Marshal,
		Unmarshal:       sonic.Unmarshal,
		MarshalString:   sonic.MarshalString,
		UnmarshalString: sonic.UnmarshalString,
		NewEncoder: func(w io.Writer) json.Encoder {
			return sonic.ConfigDefault.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return sonic.ConfigDefault.NewDecoder(r)
		},
	})
}

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the
// snapshot, if you're using the --snapshot flag
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
