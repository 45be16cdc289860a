package optimizer

import (
	"fmt"
	"math"

	"github.com/ecgvision/ecgvision/checkpoints"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with L2 weight decay.
type Adam struct {
	config    AdamConfig
	stepCount uint64
	m         map[string][]float32 // First moment estimates
	v         map[string][]float32 // Second moment estimates
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 1e-8
	}
	return &Adam{
		config: config,
		m:      make(map[string][]float32),
		v:      make(map[string][]float32),
	}, nil
}

// Step performs a single optimization step
func (a *Adam) Step(params []Parameter) error {
	if err := validateParams(params); err != nil {
		return err
	}

	a.stepCount++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(float64(a.config.Beta1), float64(a.stepCount))
	bias2 := 1.0 - math.Pow(float64(a.config.Beta2), float64(a.stepCount))

	lr := float64(a.config.LearningRate)
	beta1 := a.config.Beta1
	beta2 := a.config.Beta2
	eps := float64(a.config.Epsilon)
	wd := a.config.WeightDecay

	for _, p := range params {
		if p.Frozen {
			continue
		}
		m := a.moment(a.m, p)
		v := a.moment(a.v, p)

		for i, g := range p.Grad {
			if wd > 0 {
				g += wd * p.Value[i]
			}
			m[i] = beta1*m[i] + (1-beta1)*g
			v[i] = beta2*v[i] + (1-beta2)*g*g

			mHat := float64(m[i]) / bias1
			vHat := float64(v[i]) / bias2
			p.Value[i] -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
		}
	}
	return nil
}

func (a *Adam) moment(store map[string][]float32, p Parameter) []float32 {
	buf, ok := store[p.Name]
	if !ok || len(buf) != len(p.Value) {
		buf = make([]float32, len(p.Value))
		store[p.Name] = buf
	}
	return buf
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(a.config.LearningRate),
			"beta1":         float64(a.config.Beta1),
			"beta2":         float64(a.config.Beta2),
			"epsilon":       float64(a.config.Epsilon),
			"weight_decay":  float64(a.config.WeightDecay),
			"step_count":    float64(a.stepCount),
		},
	}
	for _, name := range sortedKeys(a.m) {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{Name: name, Shape: []int{len(a.m[name])}, Data: append([]float32(nil), a.m[name]...), StateType: "m"},
			checkpoints.OptimizerTensor{Name: name, Shape: []int{len(a.v[name])}, Data: append([]float32(nil), a.v[name]...), StateType: "v"},
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if lr, ok := floatParam(state.Parameters, "learning_rate"); ok {
		a.config.LearningRate = float32(lr)
	}
	if steps, ok := floatParam(state.Parameters, "step_count"); ok {
		a.stepCount = uint64(steps)
	}
	a.m = make(map[string][]float32)
	a.v = make(map[string][]float32)
	for _, t := range state.StateData {
		data := append([]float32(nil), t.Data...)
		switch t.StateType {
		case "m":
			a.m[t.Name] = data
		case "v":
			a.v[t.Name] = data
		default:
			return fmt.Errorf("unknown Adam state type %q for %s", t.StateType, t.Name)
		}
	}
	return nil
}

// GetStepCount returns the current optimization step number
func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

// UpdateLearningRate updates the learning rate
func (a *Adam) UpdateLearningRate(lr float32) {
	a.config.LearningRate = lr
}

// LearningRate returns the current learning rate
func (a *Adam) LearningRate() float32 {
	return a.config.LearningRate
}
