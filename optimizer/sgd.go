package optimizer

import (
	"fmt"

	"github.com/ecgvision/ecgvision/checkpoints"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	config     SGDConfig
	stepCount  uint64
	velocities map[string][]float32
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	return &SGD{config: config, velocities: make(map[string][]float32)}, nil
}

// Step performs a single optimization step
func (s *SGD) Step(params []Parameter) error {
	if err := validateParams(params); err != nil {
		return err
	}
	s.stepCount++

	lr := s.config.LearningRate
	mu := s.config.Momentum
	wd := s.config.WeightDecay

	for _, p := range params {
		if p.Frozen {
			continue
		}
		var vel []float32
		if mu > 0 {
			vel = s.velocities[p.Name]
			if len(vel) != len(p.Value) {
				vel = make([]float32, len(p.Value))
				s.velocities[p.Name] = vel
			}
		}
		for i, g := range p.Grad {
			if wd > 0 {
				g += wd * p.Value[i]
			}
			if mu > 0 {
				vel[i] = mu*vel[i] + g
				if s.config.Nesterov {
					g += mu * vel[i]
				} else {
					g = vel[i]
				}
			}
			p.Value[i] -= lr * g
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (s *SGD) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": float64(s.config.LearningRate),
			"momentum":      float64(s.config.Momentum),
			"weight_decay":  float64(s.config.WeightDecay),
			"nesterov":      s.config.Nesterov,
			"step_count":    float64(s.stepCount),
		},
	}
	for _, name := range sortedKeys(s.velocities) {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     []int{len(s.velocities[name])},
			Data:      append([]float32(nil), s.velocities[name]...),
			StateType: "momentum",
		})
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if lr, ok := floatParam(state.Parameters, "learning_rate"); ok {
		s.config.LearningRate = float32(lr)
	}
	if steps, ok := floatParam(state.Parameters, "step_count"); ok {
		s.stepCount = uint64(steps)
	}
	s.velocities = make(map[string][]float32)
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			return fmt.Errorf("unknown SGD state type %q for %s", t.StateType, t.Name)
		}
		s.velocities[t.Name] = append([]float32(nil), t.Data...)
	}
	return nil
}

// GetStepCount returns the current optimization step number
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// UpdateLearningRate updates the learning rate
func (s *SGD) UpdateLearningRate(lr float32) {
	s.config.LearningRate = lr
}

// LearningRate returns the current learning rate
func (s *SGD) LearningRate() float32 {
	return s.config.LearningRate
}
