// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/sawfly"
	"github.com/antflydb/sawfly/lib/retrieval"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	searchText     string
	searchPosition int
	searchModality string
	searchTarget   string
	searchTopK     int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query the embedding index",
	Long: `Rank indexed embeddings against a query and print the calibrated matches
as JSON.

The query is either free text (extracted through the embedding server, then
projected through the trained model) or a corpus position whose stored
embedding becomes the query.

Examples:
  # Find images for a text query
  sawfly search --text "a red bicycle leaning against a wall"

  # Find images similar to record 17's image
  sawfly search --position 17 --query-modality image --target image

  # Find captions for record 4's image
  sawfly search --position 4 --query-modality image --target text --top-k 3`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	f := searchCmd.Flags()
	f.StringVar(&searchText, "text", "", "free-text query")
	f.IntVar(&searchPosition, "position", -1, "corpus position to use as the query")
	f.StringVar(&searchModality, "query-modality", "text", "modality of the query embedding (text, image)")
	f.StringVar(&searchTarget, "target", "image", "modality to rank (text, image)")
	f.IntVar(&searchTopK, "top-k", 5, "number of matches to return")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	matches, err := sawfly.RunSearch(ctx, logger, sawfly.ConfigFromViper(viper.GetViper()), sawfly.SearchQuery{
		Text:          searchText,
		Position:      searchPosition,
		QueryModality: retrieval.Modality(searchModality),
		Target:        retrieval.Modality(searchTarget),
		K:             searchTopK,
	})
	if err != nil {
		return err
	}

	enc := sonic.ConfigDefault.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(matches)
}
