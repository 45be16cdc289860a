package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"
)

// gradientImage returns an image whose red channel increases left to right
func gradientImage(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / (size - 1)), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	return img
}

func TestAugmenterDeterministic(t *testing.T) {
	a := NewAugmenter(DefaultAugmentConfig())
	src := gradientImage(24)
	orig := append([]uint8(nil), src.Pix...)

	out1 := a.Apply(src, rand.New(rand.NewSource(5)))
	out2 := a.Apply(src, rand.New(rand.NewSource(5)))

	if !bytes.Equal(out1.Pix, out2.Pix) {
		t.Error("Same seed produced different augmentations")
	}
	if out1.Bounds().Dx() != 24 || out1.Bounds().Dy() != 24 {
		t.Errorf("Augmentation changed bounds to %v", out1.Bounds())
	}
	if !bytes.Equal(src.Pix, orig) {
		t.Error("Apply modified its input")
	}
}

func TestAugmenterFlip(t *testing.T) {
	a := NewAugmenter(AugmentConfig{FlipProb: 1})
	src := gradientImage(10)
	out := a.Apply(src, rand.New(rand.NewSource(1)))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if out.NRGBAAt(x, y) != src.NRGBAAt(9-x, y) {
				t.Fatalf("Pixel (%d,%d) not mirrored", x, y)
			}
		}
	}
}

func TestAugmenterDisabled(t *testing.T) {
	a := NewAugmenter(AugmentConfig{})
	src := gradientImage(8)
	out := a.Apply(src, rand.New(rand.NewSource(1)))
	if out == src {
		t.Error("Expected a copy, got the input image")
	}
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Error("Disabled augmentation changed pixels")
	}
}

func TestHSVRoundTrip(t *testing.T) {
	colors := []color.NRGBA{
		{R: 255, G: 0, B: 0}, {R: 0, G: 255, B: 0}, {R: 0, G: 0, B: 255},
		{R: 12, G: 200, B: 77}, {R: 128, G: 128, B: 128}, {R: 250, G: 10, B: 180},
	}
	for _, c := range colors {
		h, s, v := rgbToHSV(c.R, c.G, c.B)
		r, g, b := hsvToRGB(h, s, v)
		if absDiff(r, c.R) > 1 || absDiff(g, c.G) > 1 || absDiff(b, c.B) > 1 {
			t.Errorf("Round trip of %v gave (%d,%d,%d)", c, r, g, b)
		}
	}
}

func TestShiftHue(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})

	// A third of a turn moves pure red to pure green.
	out := shiftHue(img, 1.0/3)
	got := out.NRGBAAt(0, 0)
	if got.R > 1 || got.G < 254 || got.B > 1 || got.A != 255 {
		t.Errorf("Expected green, got %v", got)
	}
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
