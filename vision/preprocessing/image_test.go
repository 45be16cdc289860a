package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// createSolidPNG encodes a width x height image filled with c
func createSolidPNG(t *testing.T, width, height int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestNewImageProcessor(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		mean    []float64
		std     []float64
		wantErr bool
	}{
		{"Defaults", 224, nil, nil, false},
		{"Custom", 32, []float64{0.5, 0.5, 0.5}, []float64{0.5, 0.5, 0.5}, false},
		{"ZeroSize", 0, nil, nil, true},
		{"ShortMean", 32, []float64{0.5}, nil, true},
		{"ZeroStd", 32, nil, []float64{0.2, 0, 0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewImageProcessor(tt.size, tt.mean, tt.std)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if p.TargetSize() != tt.size {
				t.Errorf("Expected target size %d, got %d", tt.size, p.TargetSize())
			}
			if p.SampleSize() != 3*tt.size*tt.size {
				t.Errorf("Unexpected sample size %d", p.SampleSize())
			}
		})
	}
}

func TestDecodeAndPreprocess(t *testing.T) {
	p, err := NewImageProcessor(16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := color.NRGBA{R: 255, G: 128, B: 0, A: 255}
	out, err := p.DecodeAndPreprocess(bytes.NewReader(createSolidPNG(t, 40, 30, c)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out.Width != 16 || out.Height != 16 || out.Channels != 3 {
		t.Errorf("Unexpected dimensions %dx%dx%d", out.Width, out.Height, out.Channels)
	}
	if len(out.Data) != 3*16*16 {
		t.Fatalf("Unexpected data length %d", len(out.Data))
	}

	plane := 16 * 16
	want := []float64{
		(1.0 - ImageNetMean[0]) / ImageNetStd[0],
		(128.0/255 - ImageNetMean[1]) / ImageNetStd[1],
		(0 - ImageNetMean[2]) / ImageNetStd[2],
	}
	for ch := 0; ch < 3; ch++ {
		for _, idx := range []int{0, plane / 2, plane - 1} {
			got := float64(out.Data[ch*plane+idx])
			if math.Abs(got-want[ch]) > 0.02 {
				t.Errorf("Channel %d index %d: expected %.4f, got %.4f", ch, idx, want[ch], got)
			}
		}
	}

	t.Run("InvalidData", func(t *testing.T) {
		if _, err := p.DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
			t.Error("Expected decode error")
		}
	})
}

func TestLoad(t *testing.T) {
	p, _ := NewImageProcessor(8, nil, nil)
	path := filepath.Join(t.TempDir(), "record.png")
	if err := os.WriteFile(path, createSolidPNG(t, 20, 10, color.NRGBA{A: 255}), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := p.Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Errorf("Expected 8x8, got %v", img.Bounds())
	}

	if _, err := p.Load(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestToTensorValidation(t *testing.T) {
	p, _ := NewImageProcessor(8, nil, nil)
	if err := p.ToTensor(image.NewNRGBA(image.Rect(0, 0, 4, 4)), make([]float32, p.SampleSize())); err == nil {
		t.Error("Expected error for wrong image size")
	}
	if err := p.ToTensor(image.NewNRGBA(image.Rect(0, 0, 8, 8)), make([]float32, 3)); err == nil {
		t.Error("Expected error for wrong destination size")
	}
}
