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
	"fmt"
	"os"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main from the build's ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sawfly",
	Short: "Contrastive dual-encoder training and retrieval",
	Long: `Sawfly trains CLIP-style projection heads over precomputed image and
text feature vectors and serves calibrated similarity retrieval over the
resulting embedding index.

Configuration comes from flags, a sawfly.yaml config file, and SAWFLY_*
environment variables, in that order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("model-dir", "./artifacts/model", "directory for saved model weights")
	pf.String("data-dir", "./artifacts/data", "directory for the extracted paired dataset")
	pf.String("index-dir", "./artifacts/index", "directory for the embedding index")
	pf.String("device", "go", "gomlx engine (go, xla)")
	pf.Int64("seed", 42, "seed for initialization, splits, and shuffles")
	pf.String("extract-endpoint", "http://localhost:11434", "embedding server base URL")
	pf.String("text-model", "all-minilm", "embedding model for captions and text queries")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "console", "log style (console, json)")

	mustBindPFlag("model_dir", pf.Lookup("model-dir"))
	mustBindPFlag("data_dir", pf.Lookup("data-dir"))
	mustBindPFlag("index_dir", pf.Lookup("index-dir"))
	mustBindPFlag("device", pf.Lookup("device"))
	mustBindPFlag("seed", pf.Lookup("seed"))
	mustBindPFlag("extract_endpoint", pf.Lookup("extract-endpoint"))
	mustBindPFlag("text_model", pf.Lookup("text-model"))
	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
}

func initConfig() {
	viper.SetConfigName("sawfly")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.sawfly")
	viper.SetEnvPrefix("SAWFLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}

// newLogger builds the process logger from the resolved log config.
func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}
