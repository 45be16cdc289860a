package engine

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/layers"
)

// squaredError is a per-sample sum of squared differences.
type squaredError struct{}

func (squaredError) PerSample(logits, targets *G.Node) (*G.Node, error) {
	diff, err := G.Sub(logits, targets)
	if err != nil {
		return nil, err
	}
	sq, err := G.Square(diff)
	if err != nil {
		return nil, err
	}
	return G.Sum(sq, 1)
}

func tinySpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{4, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		InSection(layers.SectionHead).
		AddDense(6, true, "fc1").
		AddReLU("relu2").
		AddDropout(0.3, "drop1").
		AddDense(2, true, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return spec
}

func tinyEngine(t *testing.T, seed int64) *ModelEngine {
	t.Helper()
	e, err := NewModelEngine(tinySpec(t), DefaultExecutionContext(), Config{
		BatchSize: 4,
		Seed:      seed,
		Loss:      squaredError{},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func sampleImages(n, size int) []float32 {
	out := make([]float32, n*size)
	for i := range out {
		out[i] = float32(math.Sin(float64(i) * 0.37))
	}
	return out
}

func TestNewModelEngineRejectsNilSpec(t *testing.T) {
	if _, err := NewModelEngine(nil, DefaultExecutionContext(), Config{}); err == nil {
		t.Fatal("expected error for nil spec")
	}
}

func TestSeededInitializationIsDeterministic(t *testing.T) {
	a := tinyEngine(t, 7).Weights()
	b := tinyEngine(t, 7).Weights()
	c := tinyEngine(t, 8).Weights()

	if len(a) != 6 {
		t.Fatalf("expected 6 weight tensors, got %d", len(a))
	}
	for i := range a {
		for j := range a[i].Data {
			if a[i].Data[j] != b[i].Data[j] {
				t.Fatalf("%s differs between identical seeds", a[i].Name)
			}
		}
	}
	same := true
	for j := range a[0].Data {
		if a[0].Data[j] != c[0].Data[j] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected different seeds to give different weights")
	}
	for _, w := range a {
		if w.Type != "bias" {
			continue
		}
		for _, v := range w.Data {
			if v != 0 {
				t.Fatalf("expected zero bias in %s, got %v", w.Name, v)
			}
		}
	}
}

func TestPredictShape(t *testing.T) {
	e := tinyEngine(t, 1)
	scores, err := e.Predict(sampleImages(3, e.SampleSize()), 3)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(scores) != 3*e.NumClasses() {
		t.Fatalf("expected %d scores, got %d", 3*e.NumClasses(), len(scores))
	}
}

func TestEvalBatchPaddingMatchesPredict(t *testing.T) {
	e := tinyEngine(t, 3)
	images := sampleImages(2, e.SampleSize())
	targets := []float32{1, 0, 0, 1}

	res, err := e.EvalBatch(images, targets, 2)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	pred, err := e.Predict(images, 2)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Scores) != len(pred) {
		t.Fatalf("expected %d scores, got %d", len(pred), len(res.Scores))
	}
	for i := range pred {
		if math.Abs(float64(res.Scores[i]-pred[i])) > 1e-4 {
			t.Errorf("score %d: eval %v, predict %v", i, res.Scores[i], pred[i])
		}
	}

	var want float64
	for i := 0; i < 2; i++ {
		for c := 0; c < 2; c++ {
			d := float64(pred[i*2+c] - targets[i*2+c])
			want += d * d
		}
	}
	want /= 2
	if math.Abs(res.Loss-want) > 1e-3 {
		t.Errorf("expected loss %v over real samples, got %v", want, res.Loss)
	}
}

func TestTrainBatchProducesGradients(t *testing.T) {
	e := tinyEngine(t, 5)
	images := sampleImages(4, e.SampleSize())
	targets := []float32{1, 0, 0, 1, 1, 1, 0, 0}

	if _, err := e.TrainBatch(images, targets, 4); err != nil {
		t.Fatalf("train: %v", err)
	}
	var nonZero bool
	for _, p := range e.Parameters() {
		for _, g := range p.Grad {
			if g != 0 {
				nonZero = true
			}
		}
	}
	if !nonZero {
		t.Error("expected at least one non-zero gradient")
	}
}

func TestBatchTooLarge(t *testing.T) {
	e := tinyEngine(t, 1)
	if _, err := e.EvalBatch(sampleImages(5, e.SampleSize()), make([]float32, 10), 5); err == nil {
		t.Fatal("expected error for batch larger than graph batch")
	}
}

func TestLoadWeightsRoundTrip(t *testing.T) {
	src := tinyEngine(t, 11)
	dst := tinyEngine(t, 12)

	if err := dst.LoadWeights(src.Weights()); err != nil {
		t.Fatalf("load: %v", err)
	}
	images := sampleImages(1, src.SampleSize())
	a, _ := src.Predict(images, 1)
	b, _ := dst.Predict(images, 1)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical predictions after load, got %v and %v", a, b)
		}
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	e := tinyEngine(t, 1)
	w := e.Weights()
	w[0].Shape = []int{1, 2, 3}
	if err := e.LoadWeights(w); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestLoadWeightsWhereBackbone(t *testing.T) {
	src := tinyEngine(t, 21)
	dst := tinyEngine(t, 22)
	before := dst.Weights()

	n, err := dst.LoadWeightsWhere(src.Weights(), func(p layers.ParameterInfo) bool {
		return p.Section == layers.SectionBackbone
	})
	if err != nil {
		t.Fatalf("load backbone: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 backbone tensors, got %d", n)
	}

	after := dst.Weights()
	srcW := src.Weights()
	if after[0].Data[0] != srcW[0].Data[0] {
		t.Error("expected backbone weight to be copied")
	}
	if after[2].Data[0] != before[2].Data[0] {
		t.Error("expected head weight to be untouched")
	}
}

func TestLoadWeightsWhereMissing(t *testing.T) {
	e := tinyEngine(t, 1)
	_, err := e.LoadWeightsWhere([]checkpoints.WeightTensor{}, func(layers.ParameterInfo) bool { return true })
	if err == nil {
		t.Fatal("expected error for missing weights")
	}
}

func TestFrozenSections(t *testing.T) {
	e, err := NewModelEngine(tinySpec(t), DefaultExecutionContext(), Config{
		BatchSize:      2,
		FrozenSections: []string{layers.SectionBackbone},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()
	for _, p := range e.Parameters() {
		wantFrozen := p.Name == "conv1.weight" || p.Name == "conv1.bias"
		if p.Frozen != wantFrozen {
			t.Errorf("%s: expected frozen=%v", p.Name, wantFrozen)
		}
	}
}

func TestNewExecutionContext(t *testing.T) {
	ctx, err := NewExecutionContext("auto", 0)
	if err != nil {
		t.Fatalf("auto: %v", err)
	}
	if ctx.Device != DeviceCPU || ctx.Workers < 1 {
		t.Errorf("unexpected context %+v", ctx)
	}
	if _, err := NewExecutionContext("cuda", 0); err == nil {
		t.Error("expected error for cuda")
	}
}
