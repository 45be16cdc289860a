// Package classifier trains, persists and runs the multi-label ECG image
// classifier.
package classifier

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/ecgvision/ecgvision/engine"
	"github.com/ecgvision/ecgvision/internal/config"
	"github.com/ecgvision/ecgvision/vision/preprocessing"
)

// Score transforms applied to model outputs before thresholding.
const (
	ScoreRaw     = "raw"
	ScoreSigmoid = "sigmoid"
	ScoreSoftmax = "softmax"
)

// Options are shared by Train, LoadModel and the runners. Zero values
// select defaults.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Backbone overrides model.backbone.
	Backbone Backbone
	// Execution overrides runtime.device and runtime.workers.
	Execution *engine.ExecutionContext
	// Out receives progress bars and tables; defaults to stdout.
	Out io.Writer
}

func (o Options) config() *config.Config {
	if o.Config != nil {
		return o.Config
	}
	def := config.Default()
	return &def
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) out() io.Writer {
	if o.Out != nil {
		return o.Out
	}
	return os.Stdout
}

func (o Options) execution() (engine.ExecutionContext, error) {
	if o.Execution != nil {
		return *o.Execution, nil
	}
	cfg := o.config()
	return engine.NewExecutionContext(cfg.Runtime.Device, cfg.Runtime.Workers)
}

// Model is a trained classifier ready for inference.
type Model struct {
	engine    *engine.ModelEngine
	classes   []string
	processor *preprocessing.ImageProcessor
	threshold float64
	score     string
}

// Classes returns the label vocabulary in output order
func (m *Model) Classes() []string {
	return m.classes
}

// ImageSize returns the square input edge length
func (m *Model) ImageSize() int {
	return m.processor.TargetSize()
}

// Threshold returns the decision threshold applied to scores
func (m *Model) Threshold() float64 {
	return m.threshold
}

// Engine exposes the underlying model engine
func (m *Model) Engine() *engine.ModelEngine {
	return m.engine
}

// Forward runs preprocessed CHW images through the network and returns
// one row of scores per image.
func (m *Model) Forward(images []float32) ([][]float32, error) {
	sample := m.engine.SampleSize()
	if len(images) == 0 || len(images)%sample != 0 {
		return nil, fmt.Errorf("input holds %d values, not a multiple of %d", len(images), sample)
	}
	n := len(images) / sample
	flat, err := m.engine.Predict(images, n)
	if err != nil {
		return nil, err
	}
	classes := len(m.classes)
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = transformScores(flat[i*classes:(i+1)*classes], m.score)
	}
	return rows, nil
}

// Close releases the graphs held by the model
func (m *Model) Close() error {
	return m.engine.Close()
}

// transformScores maps raw outputs through the selected score transform,
// returning a new slice.
func transformScores(raw []float32, mode string) []float32 {
	out := make([]float32, len(raw))
	switch mode {
	case ScoreSigmoid:
		for i, v := range raw {
			out[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case ScoreSoftmax:
		maxV := math.Inf(-1)
		for _, v := range raw {
			maxV = math.Max(maxV, float64(v))
		}
		var sum float64
		for i, v := range raw {
			e := math.Exp(float64(v) - maxV)
			out[i] = float32(e)
			sum += e
		}
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	default:
		copy(out, raw)
	}
	return out
}
