package preprocessing

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// AugmentConfig describes the random training transforms. Zero values
// disable the corresponding transform.
type AugmentConfig struct {
	FlipProb        float64
	RotationDegrees float64
	Brightness      float64
	Contrast        float64
	Saturation      float64
	Hue             float64
}

// DefaultAugmentConfig returns flip p=0.5, rotation within 10 degrees and
// 0.1 color jitter on every channel property.
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		FlipProb:        0.5,
		RotationDegrees: 10,
		Brightness:      0.1,
		Contrast:        0.1,
		Saturation:      0.1,
		Hue:             0.1,
	}
}

// Augmenter applies random flips, rotations and color jitter. It holds no
// random state; callers pass a generator per sample.
type Augmenter struct {
	cfg AugmentConfig
}

// NewAugmenter creates an augmenter
func NewAugmenter(cfg AugmentConfig) *Augmenter {
	return &Augmenter{cfg: cfg}
}

// Config returns the augmentation settings
func (a *Augmenter) Config() AugmentConfig {
	return a.cfg
}

// Apply returns an augmented copy of img with the same bounds. img is not
// modified.
func (a *Augmenter) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	out := img
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	if a.cfg.FlipProb > 0 && rng.Float64() < a.cfg.FlipProb {
		out = imaging.FlipH(out)
	}

	if a.cfg.RotationDegrees > 0 {
		angle := uniform(rng, -a.cfg.RotationDegrees, a.cfg.RotationDegrees)
		if angle != 0 {
			rotated := imaging.Rotate(out, angle, color.Black)
			out = imaging.CropCenter(rotated, w, h)
		}
	}

	// Color jitter ops are applied in a random order.
	for _, op := range rng.Perm(4) {
		switch op {
		case 0:
			if a.cfg.Brightness > 0 {
				out = adjustBrightness(out, jitterFactor(rng, a.cfg.Brightness))
			}
		case 1:
			if a.cfg.Contrast > 0 {
				out = imaging.AdjustContrast(out, (jitterFactor(rng, a.cfg.Contrast)-1)*100)
			}
		case 2:
			if a.cfg.Saturation > 0 {
				out = imaging.AdjustSaturation(out, (jitterFactor(rng, a.cfg.Saturation)-1)*100)
			}
		case 3:
			if a.cfg.Hue > 0 {
				out = shiftHue(out, uniform(rng, -a.cfg.Hue, a.cfg.Hue))
			}
		}
	}

	if out == img {
		out = imaging.Clone(img)
	}
	return out
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// jitterFactor draws a multiplicative factor in [max(0, 1-amount), 1+amount].
func jitterFactor(rng *rand.Rand, amount float64) float64 {
	return uniform(rng, math.Max(0, 1-amount), 1+amount)
}

// adjustBrightness scales every channel by factor.
func adjustBrightness(img *image.NRGBA, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampByte(float64(c.R) * factor),
			G: clampByte(float64(c.G) * factor),
			B: clampByte(float64(c.B) * factor),
			A: c.A,
		}
	})
}

// shiftHue rotates the hue of every pixel by shift turns (in [-0.5, 0.5]).
func shiftHue(img *image.NRGBA, shift float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		h, s, v := rgbToHSV(c.R, c.G, c.B)
		h = math.Mod(h+shift+1, 1)
		r, g, b := hsvToRGB(h, s, v)
		return color.NRGBA{R: r, G: g, B: b, A: c.A}
	})
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// rgbToHSV returns hue in [0, 1), saturation and value in [0, 1].
func rgbToHSV(r8, g8, b8 uint8) (float64, float64, float64) {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	maxc := math.Max(r, math.Max(g, b))
	minc := math.Min(r, math.Min(g, b))
	v := maxc
	delta := maxc - minc
	if maxc == 0 || delta == 0 {
		return 0, 0, v
	}
	s := delta / maxc

	var h float64
	switch maxc {
	case r:
		h = (g - b) / delta
	case g:
		h = 2 + (b-r)/delta
	default:
		h = 4 + (r-g)/delta
	}
	h /= 6
	if h < 0 {
		h++
	}
	return h, s, v
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	if s == 0 {
		c := clampByte(v * 255)
		return c, c, c
	}
	h6 := h * 6
	i := math.Floor(h6)
	f := h6 - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return clampByte(r * 255), clampByte(g * 255), clampByte(b * 255)
}
