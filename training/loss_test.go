package training

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func evalPerSample(t *testing.T, fl *FocalLoss, logits, targets []float32, n, c int) []float32 {
	t.Helper()
	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32, G.WithShape(n, c), G.WithName("x"),
		G.WithValue(tensor.New(tensor.WithShape(n, c), tensor.WithBacking(append([]float32(nil), logits...)))))
	y := G.NewMatrix(g, tensor.Float32, G.WithShape(n, c), G.WithName("y"),
		G.WithValue(tensor.New(tensor.WithShape(n, c), tensor.WithBacking(append([]float32(nil), targets...)))))

	out, err := fl.PerSample(x, y)
	if err != nil {
		t.Fatalf("build loss: %v", err)
	}
	var val G.Value
	G.Read(out, &val)
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, ok := val.Data().([]float32)
	if !ok {
		t.Fatalf("unexpected output type %T", val.Data())
	}
	return append([]float32(nil), data...)
}

func TestFocalLossSoftmaxKnownValue(t *testing.T) {
	fl := DefaultFocalLoss()
	// uniform logits over two classes with one positive: ce = ln 2, pt = 0.5
	loss, err := fl.Compute([]float32{0, 0}, []float32{1, 0}, 1, 2)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := 0.25 * math.Ln2
	if math.Abs(loss-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, loss)
	}
}

func TestFocalLossGammaZeroIsCrossEntropy(t *testing.T) {
	fl := &FocalLoss{Alpha: 1, Gamma: 0, Mode: LossSoftmax}
	loss, err := fl.Compute([]float32{2, 0, -1}, []float32{1, 0, 0}, 1, 3)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	lse := math.Log(math.Exp(2) + 1 + math.Exp(-1))
	want := lse - 2
	if math.Abs(loss-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, loss)
	}
}

func TestFocalLossDownWeightsEasySamples(t *testing.T) {
	fl := DefaultFocalLoss()
	ce := &FocalLoss{Alpha: 1, Gamma: 0, Mode: LossSoftmax}
	easy := []float32{6, -6}
	target := []float32{1, 0}

	focal, _ := fl.Compute(easy, target, 1, 2)
	plain, _ := ce.Compute(easy, target, 1, 2)
	if focal >= plain*0.01 {
		t.Errorf("expected focal loss %v far below cross entropy %v for an easy sample", focal, plain)
	}
}

func TestFocalLossGraphMatchesCompute(t *testing.T) {
	logits := []float32{0.5, -1.2, 2.0, 0.1, 0.3, -0.4}
	targets := []float32{1, 0, 1, 0, 0, 1}

	for _, mode := range []string{LossSoftmax, LossSigmoid} {
		for _, gamma := range []float64{0, 1, 2, 1.5} {
			fl := &FocalLoss{Alpha: 0.75, Gamma: gamma, Mode: mode}
			per := evalPerSample(t, fl, logits, targets, 2, 3)
			if len(per) != 2 {
				t.Fatalf("%s gamma %v: expected 2 per-sample values, got %d", mode, gamma, len(per))
			}
			got := (float64(per[0]) + float64(per[1])) / 2
			want, err := fl.Compute(logits, targets, 2, 3)
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if math.Abs(got-want) > 1e-4 {
				t.Errorf("%s gamma %v: graph %v, compute %v", mode, gamma, got, want)
			}
		}
	}
}

func TestNewFocalLossValidation(t *testing.T) {
	if _, err := NewFocalLoss(1, 2, "hinge"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := NewFocalLoss(0, 2, ""); err == nil {
		t.Error("expected error for zero alpha")
	}
	if _, err := NewFocalLoss(1, -1, ""); err == nil {
		t.Error("expected error for negative gamma")
	}
	fl, err := NewFocalLoss(1, 2, "")
	if err != nil || fl.Mode != LossSoftmax {
		t.Errorf("expected softmax default, got %+v, %v", fl, err)
	}
}

func TestFocalLossComputeShapeError(t *testing.T) {
	if _, err := DefaultFocalLoss().Compute([]float32{1}, []float32{1, 0}, 1, 2); err == nil {
		t.Error("expected error for short scores")
	}
}

func TestFocalLossSoftmaxLargeLogits(t *testing.T) {
	logits := []float32{120, -3, 95, 300, 299, 0}
	targets := []float32{0, 0, 1, 1, 0, 1}
	fl := &FocalLoss{Alpha: 1, Gamma: 2, Mode: LossSoftmax}

	per := evalPerSample(t, fl, logits, targets, 2, 3)
	want, err := fl.Compute(logits, targets, 2, 3)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i, v := range per {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("row %d: expected finite loss, got %v", i, v)
		}
	}
	got := (float64(per[0]) + float64(per[1])) / 2
	if math.Abs(got-want) > 1e-3*math.Max(1, math.Abs(want)) {
		t.Errorf("graph %v, compute %v", got, want)
	}
}

func TestFocalLossSoftmaxGradientFinite(t *testing.T) {
	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32, G.WithShape(2, 3), G.WithName("x"),
		G.WithValue(tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{150, 2, -1, 0.5, 0.1, 0.2}))))
	y := G.NewMatrix(g, tensor.Float32, G.WithShape(2, 3), G.WithName("y"),
		G.WithValue(tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{0, 1, 0, 1, 0, 0}))))

	fl := &FocalLoss{Alpha: 1, Gamma: 2, Mode: LossSoftmax}
	per, err := fl.PerSample(x, y)
	if err != nil {
		t.Fatalf("build loss: %v", err)
	}
	cost := G.Must(G.Mean(per))
	if _, err := G.Grad(cost, x); err != nil {
		t.Fatalf("grad: %v", err)
	}
	vm := G.NewTapeMachine(g, G.BindDualValues(x))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("run: %v", err)
	}
	grad, err := x.Grad()
	if err != nil {
		t.Fatalf("read grad: %v", err)
	}
	for i, v := range grad.Data().([]float32) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Errorf("grad %d: expected finite value, got %v", i, v)
		}
	}
}
