package training

import (
	"math"
	"testing"
)

func TestCalculateAUCROC(t *testing.T) {
	tests := []struct {
		name    string
		scores  []float32
		targets []float32
		want    float64
	}{
		{"reference", []float32{0.1, 0.4, 0.35, 0.8}, []float32{0, 0, 1, 1}, 0.75},
		{"perfect", []float32{0.9, 0.8, 0.2, 0.1}, []float32{1, 1, 0, 0}, 1.0},
		{"inverted", []float32{0.1, 0.2, 0.8, 0.9}, []float32{1, 1, 0, 0}, 0.0},
		{"all tied", []float32{0.5, 0.5, 0.5, 0.5}, []float32{1, 0, 1, 0}, 0.5},
		{"single class", []float32{0.1, 0.9}, []float32{1, 1}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateAUCROC(tt.scores, tt.targets)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAveragePrecision(t *testing.T) {
	tests := []struct {
		name    string
		scores  []float32
		targets []float32
		want    float64
	}{
		{"reference", []float32{0.1, 0.4, 0.35, 0.8}, []float32{0, 0, 1, 1}, 0.8333333333},
		{"perfect", []float32{0.9, 0.8, 0.2}, []float32{1, 1, 0}, 1.0},
		{"all tied", []float32{0.5, 0.5, 0.5, 0.5}, []float32{1, 0, 0, 0}, 0.25},
		{"no positives", []float32{0.2, 0.3}, []float32{0, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AveragePrecision(tt.scores, tt.targets)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMicroF1(t *testing.T) {
	scores := []float32{0.5, 0.4999, 0.9, 0.1}
	targets := []float32{1, 1, 0, 0}
	// tp=1 (0.5 inclusive), fn=1, fp=1
	got := MicroF1(scores, targets, 0.5)
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if MicroF1([]float32{0.1}, []float32{0}, 0.5) != 0 {
		t.Error("expected 0 with no positives")
	}
}

func TestComputeEpochMetricsAveraging(t *testing.T) {
	// 3 samples x 2 classes
	scores := []float32{
		0.9, 0.2,
		0.1, 0.8,
		0.6, 0.7,
	}
	targets := []float32{
		1, 0,
		0, 1,
		1, 0,
	}

	pooled, err := ComputeEpochMetrics(scores, targets, 3, 2, AveragePooled, 0.5)
	if err != nil {
		t.Fatalf("pooled: %v", err)
	}
	want := CalculateAUCROC(scores, targets)
	if pooled.AUROC != want {
		t.Errorf("pooled: expected %v, got %v", want, pooled.AUROC)
	}

	macro, err := ComputeEpochMetrics(scores, targets, 3, 2, AverageMacro, 0.5)
	if err != nil {
		t.Fatalf("macro: %v", err)
	}
	// column 0: scores .9,.1,.6 labels 1,0,1 -> 1.0; column 1: .2,.8,.7 labels 0,1,0 -> 1.0
	if math.Abs(macro.AUROC-1.0) > 1e-9 {
		t.Errorf("macro: expected 1.0, got %v", macro.AUROC)
	}

	samples, err := ComputeEpochMetrics(scores, targets, 3, 2, AverageSamples, 0.5)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	// row 2 ranks the negative class higher
	if math.Abs(samples.AUROC-2.0/3.0) > 1e-9 {
		t.Errorf("samples: expected 2/3, got %v", samples.AUROC)
	}
}

func TestComputeEpochMetricsErrors(t *testing.T) {
	if _, err := ComputeEpochMetrics([]float32{1}, []float32{1}, 1, 2, AveragePooled, 0.5); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := ComputeEpochMetrics([]float32{1, 0}, []float32{1, 0}, 1, 2, "weighted", 0.5); err == nil {
		t.Error("expected averaging error")
	}
	if _, err := ParseAveraging("weighted"); err == nil {
		t.Error("expected parse error")
	}
	if avg, err := ParseAveraging(""); err != nil || avg != AveragePooled {
		t.Errorf("expected pooled default, got %v, %v", avg, err)
	}
}
