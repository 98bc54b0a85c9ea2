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

import "github.com/prometheus/client_golang/prometheus"

var (
	trainLossGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "train_loss",
			Help:      "Contrastive loss of the most recent training step.",
		},
	)
	validationLossGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "validation_loss",
			Help:      "Contrastive loss of the most recent validation batch.",
		},
	)
	trainStepOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "train_step_ops_total",
			Help:      "The total number of gradient steps taken.",
		},
	)

	extractionRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "extraction_request_ops_total",
			Help:      "The total number of feature extraction requests.",
		},
		[]string{"model"},
	)
	extractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "extraction_duration_seconds",
			Help:      "Feature extraction request duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "cache_hits_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "cache_misses_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"cache"},
	)

	searchOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "sawfly",
			Name:      "search_ops_total",
			Help:      "The total number of similarity searches.",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(
		trainLossGauge,
		validationLossGauge,
		trainStepOps,
		extractionRequestOps,
		extractionDuration,
		cacheHits,
		cacheMisses,
		searchOps,
	)
}

// RecordCacheHit increments the hit counter for the named cache.
func RecordCacheHit(cache string) {
	cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments the miss counter for the named cache.
func RecordCacheMiss(cache string) {
	cacheMisses.WithLabelValues(cache).Inc()
}

// RecordExtraction records one extraction request against a model.
func RecordExtraction(model string, seconds float64) {
	extractionRequestOps.WithLabelValues(model).Inc()
	extractionDuration.WithLabelValues(model).Observe(seconds)
}

// RecordSearch counts one similarity search against a target modality.
func RecordSearch(target string) {
	searchOps.WithLabelValues(target).Inc()
}

// PrometheusSink exports training losses as Prometheus metrics.
type PrometheusSink struct{}

// ObserveTrainLoss records a gradient-step loss.
func (PrometheusSink) ObserveTrainLoss(loss float64) {
	trainLossGauge.Set(loss)
	trainStepOps.Inc()
}

// ObserveValidationLoss records a validation-batch loss.
func (PrometheusSink) ObserveValidationLoss(loss float64) {
	validationLossGauge.Set(loss)
}
