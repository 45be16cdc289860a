package training

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/ecgvision/ecgvision/checkpoints"
)

// Plot file names inside the figures directory.
const (
	LossPlotFile   = "loss.png"
	MetricPlotFile = "auroc_auprc.png"
)

// PlotObserver redraws the loss and AUROC/AUPRC curves after every
// epoch, overwriting the previous files.
type PlotObserver struct {
	Dir    string
	Width  vg.Length
	Height vg.Length
}

// NewPlotObserver writes figures into dir.
func NewPlotObserver(dir string) *PlotObserver {
	return &PlotObserver{Dir: dir, Width: 6 * vg.Inch, Height: 4 * vg.Inch}
}

type series struct {
	name   string
	values []float64
}

func (p *PlotObserver) ObserveEpoch(_ context.Context, _ EpochRecord, history []EpochRecord) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create figure directory: %w", err)
	}

	var trainLoss, validLoss, trainPR, validPR, trainROC, validROC []float64
	for _, r := range history {
		trainLoss = append(trainLoss, r.TrainLoss)
		validLoss = append(validLoss, r.ValidLoss)
		trainPR = append(trainPR, r.Train.AUPRC)
		validPR = append(validPR, r.Valid.AUPRC)
		trainROC = append(trainROC, r.Train.AUROC)
		validROC = append(validROC, r.Valid.AUROC)
	}

	if err := p.draw(LossPlotFile, "Loss function", "loss", []series{
		{"train", trainLoss},
		{"valid", validLoss},
	}); err != nil {
		return err
	}
	return p.draw(MetricPlotFile, "AUPRC and AUROC", "Performance", []series{
		{"train auprc", trainPR},
		{"valid auprc", validPR},
		{"train auroc", trainROC},
		{"valid auroc", validROC},
	})
}

func (p *PlotObserver) draw(file, title, yLabel string, lines []series) error {
	pl := plot.New()
	pl.Title.Text = title
	pl.X.Label.Text = "epoch"
	pl.Y.Label.Text = yLabel
	pl.Add(plotter.NewGrid())
	pl.Legend.Top = true

	for i, s := range lines {
		pts := make(plotter.XYs, len(s.values))
		for j, v := range s.values {
			pts[j].X = float64(j)
			pts[j].Y = v
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		line.LineStyle.Color = plotutil.Color(i)
		line.LineStyle.Width = vg.Points(1.5)
		pl.Add(line)
		pl.Legend.Add(s.name, line)
	}

	w, err := pl.WriterTo(p.Width, p.Height, "png")
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return checkpoints.WriteFileAtomic(filepath.Join(p.Dir, file), buf.Bytes())
}
