package engine

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/ecgvision/ecgvision/layers"
)

// forward appends the layer stack of spec to x. params holds one node per
// entry of spec.Parameters(), in order. Dropout is applied only when
// training is set.
func forward(x *G.Node, spec *layers.ModelSpec, params G.Nodes, batch int, training bool) (*G.Node, error) {
	next := 0
	take := func(layer layers.LayerSpec) (w, b *G.Node, err error) {
		count := len(layer.ParameterShapes)
		if next+count > len(params) {
			return nil, nil, fmt.Errorf("layer %s: parameters exhausted", layer.Name)
		}
		w = params[next]
		if count > 1 {
			b = params[next+1]
		}
		next += count
		return w, b, nil
	}

	var err error
	for _, layer := range spec.Layers {
		switch layer.Type {
		case layers.Conv2D:
			w, b, terr := take(layer)
			if terr != nil {
				return nil, terr
			}
			k := layer.IntParam("kernel_size", 3)
			s := layer.IntParam("stride", 1)
			p := layer.IntParam("padding", 0)
			x, err = G.Conv2d(x, w, tensor.Shape{k, k}, []int{p, p}, []int{s, s}, []int{1, 1})
			if err == nil && b != nil {
				x, err = G.BroadcastAdd(x, b, nil, []byte{0, 2, 3})
			}

		case layers.Dense:
			w, b, terr := take(layer)
			if terr != nil {
				return nil, terr
			}
			if x.Dims() != 2 {
				features := 1
				for _, d := range layer.InputShape[1:] {
					features *= d
				}
				x, err = G.Reshape(x, tensor.Shape{batch, features})
				if err != nil {
					break
				}
			}
			x, err = G.Mul(x, w)
			if err == nil && b != nil {
				x, err = G.BroadcastAdd(x, b, nil, []byte{0})
			}

		case layers.ReLU:
			x, err = G.Rectify(x)

		case layers.LeakyReLU:
			x, err = G.LeakyRelu(x, float64(layer.FloatParam("negative_slope", 0.01)))

		case layers.MaxPool2D:
			size := layer.IntParam("pool_size", 2)
			stride := layer.IntParam("stride", size)
			x, err = G.MaxPool2D(x, tensor.Shape{size, size}, []int{0, 0}, []int{stride, stride})

		case layers.Dropout:
			rate := float64(layer.FloatParam("rate", 0))
			if training && rate > 0 {
				x, err = G.Dropout(x, rate)
			}

		default:
			return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
		}
	}

	if next != len(params) {
		return nil, fmt.Errorf("%d parameters left unused", len(params)-next)
	}
	return x, nil
}
