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
	"os/signal"
	"syscall"

	"github.com/antflydb/sawfly"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var extractInput string

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract paired image/text features",
	Long: `Extract feature vectors for a manifest of captioned images through an
embedding server and write the paired dataset.

The input is a JSON array of samples:

  [{"id": "s0", "label": "dog", "caption": "a brown dog", "ref": "images/0.jpg"}]

Captions go through the text model, refs through the image model. The two
feature tables are written side by side; row i of each belongs to sample i.`,
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVar(&extractInput, "input", "", "path to the JSON sample manifest (required)")
	_ = extractCmd.MarkFlagRequired("input")

	extractCmd.Flags().String("image-model", "clip-vit-base-patch32", "embedding model for image refs")
	extractCmd.Flags().Int("extract-batch", 32, "inputs per extraction request")
	extractCmd.Flags().Duration("cache-ttl", sawfly.FeatureCacheTTL, "feature cache TTL")

	mustBindPFlag("image_model", extractCmd.Flags().Lookup("image-model"))
	mustBindPFlag("extract_batch", extractCmd.Flags().Lookup("extract-batch"))
	mustBindPFlag("cache_ttl", extractCmd.Flags().Lookup("cache-ttl"))
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	return sawfly.RunExtract(ctx, logger, sawfly.ConfigFromViper(viper.GetViper()), extractInput)
}
