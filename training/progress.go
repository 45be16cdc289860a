package training

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/ecgvision/ecgvision/layers"
)

// TerminalProgress draws one progress bar per phase and prints a table
// after each epoch.
type TerminalProgress struct {
	out     io.Writer
	bars    bool
	epochs  int
	current *progressbar.ProgressBar
	phase   Phase
	epoch   int
}

// NewTerminalProgress writes to out. Bars are drawn only when out is a
// terminal; the epoch table is always printed.
func NewTerminalProgress(out io.Writer, epochs int) *TerminalProgress {
	return &TerminalProgress{out: out, bars: IsTerminal(out), epochs: epochs}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *TerminalProgress) StartPhase(epoch int, phase Phase, batches int) {
	p.phase = phase
	p.epoch = epoch
	if !p.bars {
		return
	}
	label := "train"
	if phase == PhaseValidation {
		label = "valid"
	}
	p.current = progressbar.NewOptions(batches,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d %s", epoch+1, p.epochs, label)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *TerminalProgress) Batch(loss float64) {
	if p.current == nil {
		return
	}
	label := "train"
	if p.phase == PhaseValidation {
		label = "valid"
	}
	p.current.Describe(fmt.Sprintf("epoch %d/%d %s loss=%.4f", p.epoch+1, p.epochs, label, loss))
	_ = p.current.Add(1)
}

func (p *TerminalProgress) EndPhase() {
	if p.current == nil {
		return
	}
	_ = p.current.Finish()
	p.current = nil
}

func (p *TerminalProgress) EpochSummary(r EpochRecord) {
	fmt.Fprintln(p.out, EpochTable(r))
}

// EpochTable renders train and validation figures for one epoch.
func EpochTable(r EpochRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(plainStyle())
	tw.SetTitle(fmt.Sprintf("Epoch %d  lr=%.2e  %s", r.Epoch, r.LearningRate, formatDuration(r.Duration)))
	tw.AppendHeader(table.Row{"phase", "samples", "loss", "AUROC", "AUPRC", "F1"})
	tw.AppendRow(table.Row{"train", r.TrainSamples, f4(r.TrainLoss), f4(r.Train.AUROC), f4(r.Train.AUPRC), f4(r.Train.MicroF1)})
	tw.AppendRow(table.Row{"valid", r.ValidSamples, f4(r.ValidLoss), f4(r.Valid.AUROC), f4(r.Valid.AUPRC), f4(r.Valid.MicroF1)})
	configs := []table.ColumnConfig{{Number: 1, Align: text.AlignLeft}}
	for i := 2; i <= 6; i++ {
		configs = append(configs, table.ColumnConfig{Number: i, Align: text.AlignRight, AlignHeader: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// plainStyle is the rounded style with headers and footers printed as
// written.
func plainStyle() table.Style {
	style := table.StyleRounded
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault
	return style
}

func f4(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ArchitectureTable renders the layer stack of spec with output shapes
// and parameter counts.
func ArchitectureTable(modelName string, spec *layers.ModelSpec) string {
	tw := table.NewWriter()
	tw.SetStyle(plainStyle())
	tw.SetTitle(modelName)
	tw.AppendHeader(table.Row{"#", "layer", "section", "description", "output", "params"})
	for i, layer := range spec.Layers {
		tw.AppendRow(table.Row{
			i + 1,
			layer.Name,
			layer.Section,
			describeLayer(layer),
			formatShape(layer.OutputShape),
			formatParameterCount(layer.ParameterCount),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "total", formatParameterCount(spec.TotalParameters)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	return tw.Render() + fmt.Sprintf("\nParams size (MB): %.3f", float64(spec.TotalParameters*4)/1024/1024)
}

func describeLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 0)
		s := layer.IntParam("stride", 1)
		p := layer.IntParam("padding", 0)
		return fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0),
			k, k, s, s, p, p, layer.BoolParam("use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.IntParam("input_size", 0), layer.IntParam("output_size", 0), layer.BoolParam("use_bias", true))
	case layers.MaxPool2D:
		return fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d)", layer.IntParam("pool_size", 2), layer.IntParam("stride", 2))
	case layers.Dropout:
		return fmt.Sprintf("Dropout(p=%.2f)", layer.FloatParam("rate", 0))
	case layers.LeakyReLU:
		return fmt.Sprintf("LeakyReLU(negative_slope=%.2f)", layer.FloatParam("negative_slope", 0.01))
	default:
		return layer.Type.String() + "()"
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
