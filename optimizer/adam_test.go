package optimizer

import (
	"math"
	"testing"
)

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	adam, err := NewAdam(AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	params := []Parameter{{
		Name:  "w",
		Shape: []int{3},
		Value: []float32{1, 1, 1},
		Grad:  []float32{0.5, -2, 0},
	}}
	if err := adam.Step(params); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// With bias correction the first update is lr * sign(g).
	expected := []float32{0.99, 1.01, 1}
	for i, v := range params[0].Value {
		if math.Abs(float64(v-expected[i])) > 1e-5 {
			t.Errorf("index %d: expected %v, got %v", i, expected[i], v)
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestAdamWeightDecayPullsTowardZero(t *testing.T) {
	adam, err := NewAdam(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, WeightDecay: 0.5})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	params := []Parameter{{Name: "w", Value: []float32{2}, Grad: []float32{0}}}
	if err := adam.Step(params); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if params[0].Value[0] >= 2 {
		t.Errorf("expected weight decay to shrink the value, got %v", params[0].Value[0])
	}
}

func TestAdamSkipsFrozen(t *testing.T) {
	adam, _ := NewAdam(DefaultAdamConfig())
	params := []Parameter{{Name: "w", Value: []float32{1}, Grad: []float32{1}, Frozen: true}}
	if err := adam.Step(params); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if params[0].Value[0] != 1 {
		t.Errorf("frozen parameter changed to %v", params[0].Value[0])
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam, _ := NewAdam(AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999})
	params := []Parameter{
		{Name: "b", Value: []float32{1, 2}, Grad: []float32{0.1, 0.2}},
		{Name: "a", Value: []float32{3}, Grad: []float32{-0.3}},
	}
	for i := 0; i < 3; i++ {
		if err := adam.Step(params); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.StateData[0].Name != "a" {
		t.Errorf("expected state ordered by name, got %s first", state.StateData[0].Name)
	}

	restored, _ := NewAdam(AdamConfig{LearningRate: 1, Beta1: 0.9, Beta2: 0.999})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("expected step count 3, got %d", restored.GetStepCount())
	}
	if restored.LearningRate() != 0.01 {
		t.Errorf("expected learning rate 0.01, got %v", restored.LearningRate())
	}

	a := append([]float32(nil), params[0].Value...)
	b := append([]float32(nil), params[0].Value...)
	_ = adam.Step([]Parameter{{Name: "b", Value: a, Grad: []float32{0.1, 0.2}}})
	_ = restored.Step([]Parameter{{Name: "b", Value: b, Grad: []float32{0.1, 0.2}}})
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("restored optimizer diverged at %d: %v vs %v", i, a[i], b[i])
		}
	}

	state.Type = "SGD"
	if err := restored.LoadState(state); err == nil {
		t.Error("expected type mismatch error")
	}
}

func TestStepRejectsMismatchedBuffers(t *testing.T) {
	adam, _ := NewAdam(DefaultAdamConfig())
	err := adam.Step([]Parameter{{Name: "w", Value: []float32{1, 2}, Grad: []float32{1}}})
	if err == nil {
		t.Error("expected error for mismatched gradient length")
	}
}

func TestClipGradNorm(t *testing.T) {
	params := []Parameter{
		{Name: "a", Value: make([]float32, 2), Grad: []float32{30, 0}},
		{Name: "b", Value: make([]float32, 1), Grad: []float32{40}},
	}
	norm := ClipGradNorm(params, 10)
	if math.Abs(norm-50) > 1e-9 {
		t.Errorf("expected pre-clip norm 50, got %v", norm)
	}

	var sum float64
	for _, p := range params {
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	if after := math.Sqrt(sum); after > 10+1e-4 {
		t.Errorf("expected clipped norm <= 10, got %v", after)
	}
	if math.Abs(float64(params[0].Grad[0])/float64(params[1].Grad[0])-0.75) > 1e-6 {
		t.Error("clipping must preserve gradient direction")
	}

	small := []Parameter{{Name: "c", Value: []float32{0}, Grad: []float32{3}}}
	ClipGradNorm(small, 10)
	if small[0].Grad[0] != 3 {
		t.Errorf("gradients under the ceiling must be untouched, got %v", small[0].Grad[0])
	}
}
