package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsFile is the Prometheus textfile written next to the plots.
const MetricsFile = "metrics.prom"

// TrainingMetrics holds the Prometheus series exported per epoch.
type TrainingMetrics struct {
	EpochGauge        prometheus.Gauge
	LossGauge         *prometheus.GaugeVec
	AUROCGauge        *prometheus.GaugeVec
	AUPRCGauge        *prometheus.GaugeVec
	F1Gauge           *prometheus.GaugeVec
	LearningRateGauge prometheus.Gauge
	GradNormGauge     prometheus.Gauge
	EpochDuration     prometheus.Histogram
	SamplesTotal      *prometheus.CounterVec

	registry *prometheus.Registry
	path     string
}

// NewTrainingMetrics registers the training series on a fresh registry
// labelled with runID. Each epoch rewrites path.
func NewTrainingMetrics(path, runID string) (*TrainingMetrics, error) {
	m := &TrainingMetrics{registry: prometheus.NewRegistry(), path: path}
	m.initMetrics(prometheus.Labels{"run_id": runID})
	if err := m.registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register training metrics: %w", err)
	}
	return m, nil
}

func (m *TrainingMetrics) initMetrics(constLabels prometheus.Labels) {
	m.EpochGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "ecgvision_training_epoch",
		Help:        "Zero-based index of the last completed epoch.",
		ConstLabels: constLabels,
	})
	m.LossGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "ecgvision_training_loss",
		Help:        "Mean focal loss of the last completed epoch.",
		ConstLabels: constLabels,
	}, []string{"phase"})
	m.AUROCGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "ecgvision_training_auroc",
		Help:        "Area under the ROC curve of the last completed epoch.",
		ConstLabels: constLabels,
	}, []string{"phase"})
	m.AUPRCGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "ecgvision_training_auprc",
		Help:        "Average precision of the last completed epoch.",
		ConstLabels: constLabels,
	}, []string{"phase"})
	m.F1Gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "ecgvision_training_micro_f1",
		Help:        "Micro F1 at the inference threshold.",
		ConstLabels: constLabels,
	}, []string{"phase"})
	m.LearningRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "ecgvision_training_learning_rate",
		Help:        "Learning rate used during the last completed epoch.",
		ConstLabels: constLabels,
	})
	m.GradNormGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "ecgvision_training_grad_norm",
		Help:        "Pre-clip gradient norm of the last training batch.",
		ConstLabels: constLabels,
	})
	m.EpochDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "ecgvision_training_epoch_duration_seconds",
		Help:        "Wall time per epoch.",
		Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		ConstLabels: constLabels,
	})
	m.SamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "ecgvision_training_samples_total",
		Help:        "Samples processed, partitioned by phase.",
		ConstLabels: constLabels,
	}, []string{"phase"})
}

// Describe implements the prometheus.Collector interface.
func (m *TrainingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.EpochGauge.Describe(ch)
	m.LossGauge.Describe(ch)
	m.AUROCGauge.Describe(ch)
	m.AUPRCGauge.Describe(ch)
	m.F1Gauge.Describe(ch)
	m.LearningRateGauge.Describe(ch)
	m.GradNormGauge.Describe(ch)
	m.EpochDuration.Describe(ch)
	m.SamplesTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *TrainingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.EpochGauge.Collect(ch)
	m.LossGauge.Collect(ch)
	m.AUROCGauge.Collect(ch)
	m.AUPRCGauge.Collect(ch)
	m.F1Gauge.Collect(ch)
	m.LearningRateGauge.Collect(ch)
	m.GradNormGauge.Collect(ch)
	m.EpochDuration.Collect(ch)
	m.SamplesTotal.Collect(ch)
}

// Registry exposes the registry for gathering in tests.
func (m *TrainingMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEpoch updates every series from r.
func (m *TrainingMetrics) RecordEpoch(r EpochRecord) {
	m.EpochGauge.Set(float64(r.Epoch))
	m.LossGauge.WithLabelValues("train").Set(r.TrainLoss)
	m.LossGauge.WithLabelValues("valid").Set(r.ValidLoss)
	m.AUROCGauge.WithLabelValues("train").Set(r.Train.AUROC)
	m.AUROCGauge.WithLabelValues("valid").Set(r.Valid.AUROC)
	m.AUPRCGauge.WithLabelValues("train").Set(r.Train.AUPRC)
	m.AUPRCGauge.WithLabelValues("valid").Set(r.Valid.AUPRC)
	m.F1Gauge.WithLabelValues("train").Set(r.Train.MicroF1)
	m.F1Gauge.WithLabelValues("valid").Set(r.Valid.MicroF1)
	m.LearningRateGauge.Set(r.LearningRate)
	m.GradNormGauge.Set(r.GradNorm)
	m.EpochDuration.Observe(r.Duration.Seconds())
	m.SamplesTotal.WithLabelValues("train").Add(float64(r.TrainSamples))
	m.SamplesTotal.WithLabelValues("valid").Add(float64(r.ValidSamples))
}

func (m *TrainingMetrics) ObserveEpoch(_ context.Context, r EpochRecord, _ []EpochRecord) error {
	m.RecordEpoch(r)
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	return prometheus.WriteToTextfile(m.path, m.registry)
}
