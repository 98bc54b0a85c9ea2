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
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/sawfly"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the contrastive projection heads",
	Long: `Train the dual-encoder projection heads on the extracted paired dataset.

Each epoch runs shuffled gradient steps over the training split followed by a
forward-only pass over the validation split. The parameters of the epoch with
the lowest validation loss are saved. Dimensions left at 0 are taken from the
dataset.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	f := trainCmd.Flags()
	f.Int("image-embedding", 0, "image feature dimension (0 = from dataset)")
	f.Int("text-embedding", 0, "text feature dimension (0 = from dataset)")
	f.Int("projection-dim", 256, "shared embedding dimension")
	f.String("projection-variant", "linear", "projection head variant (linear, residual)")
	f.Float64("dropout", 0.1, "dropout rate for the residual head variant")
	f.Int("epochs", 4, "training epochs")
	f.Int("batch-size", 32, "pairs per gradient step (minimum 2)")
	f.Float64("learning-rate", 1e-3, "AdamW learning rate")
	f.Float64("weight-decay", 1e-3, "AdamW weight decay")
	f.Int("val-interval", 50, "steps between running-loss log lines (0 = epoch end only)")
	f.Float64("val-fraction", 0.2, "fraction of samples held out for validation")
	f.Int("health-port", 4200, "health/metrics server port")

	mustBindPFlag("image_embedding", f.Lookup("image-embedding"))
	mustBindPFlag("text_embedding", f.Lookup("text-embedding"))
	mustBindPFlag("projection_dim", f.Lookup("projection-dim"))
	mustBindPFlag("projection_variant", f.Lookup("projection-variant"))
	mustBindPFlag("dropout", f.Lookup("dropout"))
	mustBindPFlag("epochs", f.Lookup("epochs"))
	mustBindPFlag("batch_size", f.Lookup("batch-size"))
	mustBindPFlag("learning_rate", f.Lookup("learning-rate"))
	mustBindPFlag("weight_decay", f.Lookup("weight-decay"))
	mustBindPFlag("val_interval", f.Lookup("val-interval"))
	mustBindPFlag("val_fraction", f.Lookup("val-fraction"))
	mustBindPFlag("health_port", f.Lookup("health-port"))
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	// Expose liveness and Prometheus metrics for the duration of the run.
	ready := &atomic.Bool{}
	ready.Store(true)
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	_, err := sawfly.RunTrain(ctx, logger, sawfly.ConfigFromViper(viper.GetViper()))
	return err
}
