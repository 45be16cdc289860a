package training

import (
	"fmt"
	"math"

	"github.com/ecgvision/ecgvision/internal/config"
)

// LRScheduler defines the interface for epoch-indexed learning rate
// schedules. GetLR must not mutate the scheduler.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MetricScheduler adjusts the learning rate from an observed metric once
// per epoch.
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped
// improving. A reduction happens once more than Patience consecutive
// epochs fail to improve on the best value seen.
type ReduceLROnPlateauScheduler struct {
	Factor        float64 // Factor by which the learning rate will be reduced
	Patience      int     // Non-improving epochs tolerated before a reduction
	Threshold     float64 // Threshold for measuring the new optimum
	ThresholdMode string  // "rel" or "abs"
	Mode          string  // "min" or "max"
	MinLR         float64 // Lower bound on the learning rate
	Eps           float64 // Reductions smaller than this are ignored

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience < 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:        factor,
		Patience:      patience,
		Threshold:     threshold,
		ThresholdMode: "rel",
		Mode:          mode,
		Eps:           1e-8,
	}
}

// Step records the epoch metric and returns the learning rate to use
// next.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	s.currentLR = currentLR
	if !s.initialized {
		s.bestMetric = metric
		s.initialized = true
		return currentLR
	}

	if s.isBetter(metric) {
		s.bestMetric = metric
		s.badEpochs = 0
		return s.currentLR
	}

	s.badEpochs++
	if s.badEpochs > s.Patience {
		newLR := math.Max(s.currentLR*s.Factor, s.MinLR)
		if s.currentLR-newLR > s.Eps {
			s.currentLR = newLR
		}
		s.badEpochs = 0
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) isBetter(metric float64) bool {
	switch {
	case s.Mode == "min" && s.ThresholdMode == "abs":
		return metric < s.bestMetric-s.Threshold
	case s.Mode == "min":
		return metric < s.bestMetric*(1-s.Threshold)
	case s.ThresholdMode == "abs":
		return metric > s.bestMetric+s.Threshold
	default:
		return metric > s.bestMetric*(1+s.Threshold)
	}
}

// BadEpochs reports the current count of non-improving epochs.
func (s *ReduceLROnPlateauScheduler) BadEpochs() int {
	return s.badEpochs
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds the scheduler selected in cfg.
func NewScheduler(cfg config.Scheduler) (LRScheduler, error) {
	switch cfg.Type {
	case "plateau", "":
		s := NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, "min")
		if cfg.ThresholdMode != "" {
			s.ThresholdMode = cfg.ThresholdMode
		}
		s.MinLR = cfg.MinLR
		return s, nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.MinLR), nil
	case "none":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler type %q", cfg.Type)
	}
}
