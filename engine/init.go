package engine

import (
	"math"
	"math/rand"

	"github.com/ecgvision/ecgvision/layers"
)

// initializeParameter fills data for one parameter: He-normal weights
// (std = sqrt(2 / fan_in), suited to ReLU stacks) and zero biases.
func initializeParameter(rng *rand.Rand, info layers.ParameterInfo, data []float32) {
	if info.Kind == "bias" {
		for i := range data {
			data[i] = 0
		}
		return
	}

	std := math.Sqrt(2.0 / float64(fanIn(info.Shape)))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

// fanIn is in_features for dense weights [in, out] and in*k*k for conv
// weights [out, in, k, k].
func fanIn(shape []int) int {
	switch len(shape) {
	case 2:
		return max(shape[0], 1)
	case 4:
		return max(shape[1]*shape[2]*shape[3], 1)
	default:
		n := 1
		for _, d := range shape {
			n *= d
		}
		return max(n, 1)
	}
}
