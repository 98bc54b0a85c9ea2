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
	"os"

	"github.com/antflydb/sawfly"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statsMatrixPath string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print corpus similarity statistics",
	Long: `Print the index's similarity distributions (cross-modal, image-to-image,
text-to-text) as JSON. These are the distributions match quality is
calibrated against.

With --matrix, the full cross-modal similarity matrix is also exported;
intended for small corpora, cost is quadratic in index size.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsMatrixPath, "matrix", "", "also export the similarity matrix to this file")
}

func runStats(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	return sawfly.RunStats(logger, sawfly.ConfigFromViper(viper.GetViper()), os.Stdout, statsMatrixPath)
}
