package classifier

import (
	"fmt"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/internal/config"
	"github.com/ecgvision/ecgvision/internal/errors"
	"github.com/ecgvision/ecgvision/layers"
)

// Backbone is the feature extractor placed in front of the classification
// head. Build appends its layers to the builder; Weights returns
// pretrained parameter values, or none for random initialisation.
type Backbone interface {
	Name() string
	Build(mb *layers.ModelBuilder) *layers.ModelBuilder
	Weights() ([]checkpoints.WeightTensor, error)
}

// SmallCNN stacks Conv(3x3, stride 2) -> ReLU -> MaxPool(2) stages, one per
// entry of Channels.
type SmallCNN struct {
	Channels []int
}

// NewSmallCNN creates a SmallCNN with the given stage widths
func NewSmallCNN(channels []int) *SmallCNN {
	return &SmallCNN{Channels: append([]int(nil), channels...)}
}

func (b *SmallCNN) Name() string { return "smallcnn" }

func (b *SmallCNN) Build(mb *layers.ModelBuilder) *layers.ModelBuilder {
	mb.InSection(layers.SectionBackbone)
	for i, c := range b.Channels {
		mb.AddConv2D(c, 3, 2, 1, true, fmt.Sprintf("conv%d", i+1)).
			AddReLU(fmt.Sprintf("relu%d", i+1)).
			AddMaxPool2D(2, 2, fmt.Sprintf("pool%d", i+1))
	}
	return mb
}

func (b *SmallCNN) Weights() ([]checkpoints.WeightTensor, error) {
	return nil, nil
}

// PretrainedBackbone is a SmallCNN whose parameters start from the
// backbone tensors of a checkpoint file.
type PretrainedBackbone struct {
	SmallCNN
	Path string
}

// NewPretrainedBackbone creates a pretrained backbone reading path
func NewPretrainedBackbone(channels []int, path string) *PretrainedBackbone {
	return &PretrainedBackbone{SmallCNN: *NewSmallCNN(channels), Path: path}
}

func (b *PretrainedBackbone) Name() string { return "pretrained" }

func (b *PretrainedBackbone) Weights() ([]checkpoints.WeightTensor, error) {
	ckpt, err := checkpoints.LoadCheckpoint(b.Path)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryModelLoad).
			FileContext(b.Path).
			Build()
	}
	if len(ckpt.Weights) == 0 {
		return nil, errors.Newf("backbone checkpoint holds no weights").
			Category(errors.CategoryModelLoad).
			FileContext(b.Path).
			Build()
	}
	return ckpt.Weights, nil
}

// NewBackbone selects the backbone named in cfg
func NewBackbone(cfg config.Model) (Backbone, error) {
	switch cfg.Backbone {
	case "", "smallcnn":
		return NewSmallCNN(cfg.ConvChannels), nil
	case "pretrained":
		if cfg.BackboneWeights == "" {
			return nil, errors.Validation("model.backbone_weights is required for the pretrained backbone")
		}
		return NewPretrainedBackbone(cfg.ConvChannels, cfg.BackboneWeights), nil
	default:
		return nil, errors.Validation("unknown backbone %q", cfg.Backbone)
	}
}

// HeadConfig sizes the classification head
type HeadConfig struct {
	HiddenUnits int
	Dropout     float64
	Classes     int
}

// BuildSpec compiles backbone followed by Dense(hidden) -> ReLU ->
// Dropout -> Dense(classes) for batch x 3 x imageSize x imageSize inputs.
func BuildSpec(backbone Backbone, imageSize, batch int, head HeadConfig) (*layers.ModelSpec, error) {
	if backbone == nil {
		return nil, fmt.Errorf("backbone is required")
	}
	if head.Classes <= 0 {
		return nil, fmt.Errorf("head needs at least one class, got %d", head.Classes)
	}
	mb := backbone.Build(layers.NewModelBuilder([]int{batch, 3, imageSize, imageSize}))
	mb.InSection(layers.SectionHead).
		AddDense(head.HiddenUnits, true, "fc1").
		AddReLU("fc1_relu").
		AddDropout(float32(head.Dropout), "fc1_dropout").
		AddDense(head.Classes, true, "classifier")

	spec, err := mb.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s model: %w", backbone.Name(), err)
	}
	if err := spec.ValidateForImageModel(); err != nil {
		return nil, err
	}
	return spec, nil
}
