package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/internal/errors"
	"github.com/ecgvision/ecgvision/vision/dataset"
)

// Run classifies one record. record is the header path without its
// extension. The returned signal is always nil; labels maps every class to
// 1 when its score reaches the model threshold and 0 otherwise.
func Run(ctx context.Context, record string, model *Model) ([]float32, map[string]int, error) {
	if model == nil {
		return nil, nil, errors.Validation("model is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	header, err := dataset.LoadHeader(filepath.Dir(record), filepath.Base(record))
	if err != nil {
		return nil, nil, err
	}
	scores, err := model.scoreHeader(header)
	if err != nil {
		return nil, nil, err
	}

	return nil, thresholdLabels(model.classes, scores, model.threshold), nil
}

// thresholdLabels maps classes[i] to 1 when scores[i] >= threshold.
func thresholdLabels(classes []string, scores []float32, threshold float64) map[string]int {
	labels := make(map[string]int, len(classes))
	for i, c := range classes {
		if float64(scores[i]) >= threshold {
			labels[c] = 1
		} else {
			labels[c] = 0
		}
	}
	return labels
}

func (m *Model) scoreHeader(h dataset.Header) ([]float32, error) {
	if len(h.Images) == 0 {
		return nil, errors.Newf("record has no image").
			Category(errors.CategoryInference).
			Context("record", h.Record).
			Build()
	}
	img, err := m.processor.Load(h.Images[0])
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryInference).
			Context("record", h.Record).
			Build()
	}
	data := make([]float32, m.processor.SampleSize())
	if err := m.processor.ToTensor(img, data); err != nil {
		return nil, err
	}
	rows, err := m.Forward(data)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryInference).
			Context("record", h.Record).
			Build()
	}
	return rows[0], nil
}

// RunFolder classifies every record of dataFolder and writes a copy of each
// header into outputFolder with the predicted labels on a "# Labels:" line.
// It returns the number of records written.
func RunFolder(ctx context.Context, dataFolder, outputFolder string, model *Model, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := dataset.FindRecords(dataFolder)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, errors.NotFound("no records found in %s", dataFolder)
	}

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		header, err := dataset.LoadHeader(dataFolder, record)
		if err != nil {
			return i, err
		}
		_, labels, err := Run(ctx, filepath.Join(dataFolder, filepath.FromSlash(record)), model)
		if err != nil {
			return i, fmt.Errorf("failed to run model on %s: %w", record, err)
		}

		out := dataset.HeaderPath(outputFolder, record)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return i, errors.FileError(err, out)
		}
		if err := checkpoints.WriteFileAtomic(out, labeledHeader(header, model.classes, labels)); err != nil {
			return i, errors.FileError(err, out)
		}
		logger.Debug("record classified", "index", i+1, "total", len(records), "record", record)
	}
	return len(records), nil
}

// positiveLabels returns the classes set in labels, in vocabulary order
func positiveLabels(classes []string, labels map[string]int) []string {
	var out []string
	for _, c := range classes {
		if labels[c] == 1 {
			out = append(out, c)
		}
	}
	return out
}

// labeledHeader rewrites h with any existing labels line replaced by the
// predicted labels.
func labeledHeader(h dataset.Header, classes []string, labels map[string]int) []byte {
	var b strings.Builder
	for _, line := range h.Lines {
		if isLabelsLine(line) {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("# Labels: ")
	b.WriteString(strings.Join(positiveLabels(classes, labels), ", "))
	b.WriteByte('\n')
	return []byte(b.String())
}

func isLabelsLine(line string) bool {
	body := strings.TrimSpace(line)
	if !strings.HasPrefix(body, "#") {
		return false
	}
	body = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(body, "#")))
	return strings.HasPrefix(body, "labels:")
}
