package optimizer

import (
	"fmt"
	"math"

	"github.com/ecgvision/ecgvision/checkpoints"
)

// Parameter is one learnable tensor as seen by an optimizer. Value and Grad
// alias the engine's buffers; Step updates Value in place.
type Parameter struct {
	Name   string
	Shape  []int
	Value  []float32
	Grad   []float32
	Frozen bool
}

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step performs a single optimization step over params
	Step(params []Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32
}

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm. It returns the norm before clipping. Frozen parameters are
// ignored.
func ClipGradNorm(params []Parameter, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	total := math.Sqrt(sum)
	if maxNorm <= 0 || total <= maxNorm || math.IsNaN(total) {
		return total
	}

	scale := float32(maxNorm / (total + 1e-6))
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return total
}

func validateParams(params []Parameter) error {
	for _, p := range params {
		if len(p.Value) != len(p.Grad) {
			return fmt.Errorf("parameter %s: %d values but %d gradients", p.Name, len(p.Value), len(p.Grad))
		}
	}
	return nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
