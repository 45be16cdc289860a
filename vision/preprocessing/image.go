package preprocessing

import (
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
)

// ImageNet channel statistics used to normalize inputs.
var (
	ImageNetMean = []float64{0.485, 0.456, 0.406}
	ImageNetStd  = []float64{0.229, 0.224, 0.225}
)

// Channels is the number of color channels fed to the model
const Channels = 3

// ImageProcessor resizes images to a square target and converts them to
// normalized CHW float32 tensors.
type ImageProcessor struct {
	targetSize int
	mean       [Channels]float32
	std        [Channels]float32
}

// NewImageProcessor creates a processor for targetSize x targetSize inputs.
// Nil mean and std select the ImageNet statistics.
func NewImageProcessor(targetSize int, mean, std []float64) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}
	if mean == nil {
		mean = ImageNetMean
	}
	if std == nil {
		std = ImageNetStd
	}
	if len(mean) != Channels || len(std) != Channels {
		return nil, fmt.Errorf("mean and std need %d values, got %d and %d", Channels, len(mean), len(std))
	}

	p := &ImageProcessor{targetSize: targetSize}
	for c := 0; c < Channels; c++ {
		if std[c] <= 0 {
			return nil, fmt.Errorf("std[%d] must be positive, got %v", c, std[c])
		}
		p.mean[c] = float32(mean[c])
		p.std[c] = float32(std[c])
	}
	return p, nil
}

// TargetSize returns the output edge length
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// SampleSize returns the number of floats in one processed image
func (p *ImageProcessor) SampleSize() int {
	return Channels * p.targetSize * p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Load opens an image file, honouring EXIF orientation, and resizes it to
// the target size. The result is the base image that augmentation starts
// from.
func (p *ImageProcessor) Load(path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return p.Resize(img), nil
}

// Resize scales img to the target size with bilinear filtering
func (p *ImageProcessor) Resize(img image.Image) *image.NRGBA {
	return imaging.Resize(img, p.targetSize, p.targetSize, imaging.Linear)
}

// DecodeAndPreprocess decodes an image (PNG, JPEG, GIF, BMP or TIFF),
// resizes it and returns normalized CHW data.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, err := imaging.Decode(reader, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	data := make([]float32, p.SampleSize())
	if err := p.ToTensor(p.Resize(img), data); err != nil {
		return nil, err
	}
	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: Channels,
	}, nil
}

// ToTensor writes img into dst in CHW order as (x/255 - mean) / std. img
// must already be at the target size; alpha is ignored.
func (p *ImageProcessor) ToTensor(img *image.NRGBA, dst []float32) error {
	b := img.Bounds()
	if b.Dx() != p.targetSize || b.Dy() != p.targetSize {
		return fmt.Errorf("image is %dx%d, expected %dx%d", b.Dx(), b.Dy(), p.targetSize, p.targetSize)
	}
	if len(dst) != p.SampleSize() {
		return fmt.Errorf("destination holds %d values, expected %d", len(dst), p.SampleSize())
	}

	plane := p.targetSize * p.targetSize
	for y := 0; y < p.targetSize; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[off : off+p.targetSize*4]
		for x := 0; x < p.targetSize; x++ {
			idx := y*p.targetSize + x
			for c := 0; c < Channels; c++ {
				v := float32(row[x*4+c]) / 255
				dst[c*plane+idx] = (v - p.mean[c]) / p.std[c]
			}
		}
	}
	return nil
}
