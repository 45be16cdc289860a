package config

import (
	"errors"
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	c.Training.Optimizer = strings.ToLower(strings.TrimSpace(c.Training.Optimizer))
	c.Loss.Mode = strings.ToLower(strings.TrimSpace(c.Loss.Mode))
	c.Metrics.Averaging = strings.ToLower(strings.TrimSpace(c.Metrics.Averaging))
	c.Scheduler.Type = strings.ToLower(strings.TrimSpace(c.Scheduler.Type))
	c.Scheduler.ThresholdMode = strings.ToLower(strings.TrimSpace(c.Scheduler.ThresholdMode))
	c.Model.Backbone = strings.ToLower(strings.TrimSpace(c.Model.Backbone))
	c.Inference.Score = strings.ToLower(strings.TrimSpace(c.Inference.Score))
	c.Runtime.Device = strings.ToLower(strings.TrimSpace(c.Runtime.Device))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	if c.Model.BackboneWeights != "" {
		expanded, err := expandPath(c.Model.BackboneWeights)
		if err != nil {
			return fmt.Errorf("model.backbone_weights: %w", err)
		}
		c.Model.BackboneWeights = expanded
	}
	if c.Scheduler.TMax <= 0 {
		c.Scheduler.TMax = c.Training.Epochs
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTraining(); err != nil {
		return err
	}
	if err := c.validateLoss(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateModel(); err != nil {
		return err
	}
	if err := c.validateAugment(); err != nil {
		return err
	}
	if err := c.validateInference(); err != nil {
		return err
	}
	if err := c.validateRuntime(); err != nil {
		return err
	}
	return c.validateClasses()
}

func (c *Config) validateTraining() error {
	t := c.Training
	if t.Epochs <= 0 {
		return errors.New("training.epochs must be positive")
	}
	if t.BatchSize <= 0 {
		return errors.New("training.batch_size must be positive")
	}
	if t.LearningRate <= 0 {
		return errors.New("training.learning_rate must be positive")
	}
	if t.WeightDecay < 0 {
		return errors.New("training.weight_decay must not be negative")
	}
	if t.GradClip <= 0 {
		return errors.New("training.grad_clip must be positive")
	}
	if t.ValidationFraction <= 0 || t.ValidationFraction >= 1 {
		return errors.New("training.validation_fraction must be between 0 and 1")
	}
	switch t.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("training.optimizer: unsupported value %q", t.Optimizer)
	}
	if t.Momentum < 0 || t.Momentum >= 1 {
		return errors.New("training.momentum must be in [0, 1)")
	}
	return nil
}

func (c *Config) validateLoss() error {
	switch c.Loss.Mode {
	case "softmax", "sigmoid":
	default:
		return fmt.Errorf("loss.mode: unsupported value %q", c.Loss.Mode)
	}
	if c.Loss.Alpha <= 0 {
		return errors.New("loss.alpha must be positive")
	}
	if c.Loss.Gamma < 0 {
		return errors.New("loss.gamma must not be negative")
	}
	switch c.Metrics.Averaging {
	case "pooled", "macro", "samples":
	default:
		return fmt.Errorf("metrics.averaging: unsupported value %q", c.Metrics.Averaging)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	switch s.Type {
	case "plateau":
		if s.Factor <= 0 || s.Factor >= 1 {
			return errors.New("scheduler.factor must be between 0 and 1")
		}
		if s.Patience < 0 {
			return errors.New("scheduler.patience must not be negative")
		}
		if s.ThresholdMode != "rel" && s.ThresholdMode != "abs" {
			return fmt.Errorf("scheduler.threshold_mode: unsupported value %q", s.ThresholdMode)
		}
	case "step":
		if s.StepSize <= 0 {
			return errors.New("scheduler.step_size must be positive")
		}
	case "exponential":
		if s.Gamma <= 0 || s.Gamma > 1 {
			return errors.New("scheduler.gamma must be in (0, 1]")
		}
	case "cosine", "none":
	default:
		return fmt.Errorf("scheduler.type: unsupported value %q", s.Type)
	}
	if s.MinLR < 0 {
		return errors.New("scheduler.min_lr must not be negative")
	}
	return nil
}

func (c *Config) validateModel() error {
	m := c.Model
	if m.ImageSize < 8 {
		return errors.New("model.image_size must be at least 8")
	}
	switch m.Backbone {
	case "smallcnn":
	case "pretrained":
		if m.BackboneWeights == "" {
			return errors.New("model.backbone_weights is required for the pretrained backbone")
		}
	default:
		return fmt.Errorf("model.backbone: unsupported value %q", m.Backbone)
	}
	if len(m.ConvChannels) == 0 {
		return errors.New("model.conv_channels must not be empty")
	}
	size := m.ImageSize
	for i, ch := range m.ConvChannels {
		if ch <= 0 {
			return fmt.Errorf("model.conv_channels[%d] must be positive", i)
		}
		// each stage halves twice: stride-2 conv then 2x2 pool
		size = (size+1)/2
		size /= 2
		if size < 1 {
			return fmt.Errorf("model.image_size %d too small for %d conv stages", m.ImageSize, len(m.ConvChannels))
		}
	}
	if m.HiddenUnits <= 0 {
		return errors.New("model.hidden_units must be positive")
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return errors.New("model.dropout must be in [0, 1)")
	}
	return nil
}

func (c *Config) validateAugment() error {
	a := c.Augment
	if a.FlipProb < 0 || a.FlipProb > 1 {
		return errors.New("augment.flip_prob must be between 0 and 1")
	}
	if a.RotationDegrees < 0 || a.RotationDegrees > 180 {
		return errors.New("augment.rotation_degrees must be between 0 and 180")
	}
	for name, v := range map[string]float64{"brightness": a.Brightness, "contrast": a.Contrast, "saturation": a.Saturation} {
		if v < 0 || v >= 1 {
			return fmt.Errorf("augment.%s must be in [0, 1)", name)
		}
	}
	if a.Hue < 0 || a.Hue > 0.5 {
		return errors.New("augment.hue must be in [0, 0.5]")
	}
	if len(a.Mean) != 3 || len(a.Std) != 3 {
		return errors.New("augment.mean and augment.std need exactly three channels")
	}
	for i, s := range a.Std {
		if s <= 0 {
			return fmt.Errorf("augment.std[%d] must be positive", i)
		}
	}
	return nil
}

func (c *Config) validateInference() error {
	switch c.Inference.Score {
	case "raw", "sigmoid", "softmax":
	default:
		return fmt.Errorf("inference.score: unsupported value %q", c.Inference.Score)
	}
	return nil
}

func (c *Config) validateRuntime() error {
	switch c.Runtime.Device {
	case "cpu", "auto":
	case "cuda", "gpu", "mps":
		return fmt.Errorf("runtime.device %q is not available in this build; use cpu", c.Runtime.Device)
	default:
		return fmt.Errorf("runtime.device: unsupported value %q", c.Runtime.Device)
	}
	if c.Runtime.Workers < 0 {
		return errors.New("runtime.workers must not be negative")
	}
	if c.Runtime.CacheSize < 0 {
		return errors.New("runtime.cache_size must not be negative")
	}
	if c.Runtime.Prefetch < 0 {
		return errors.New("runtime.prefetch must not be negative")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateClasses() error {
	if len(c.Classes.Names) == 0 {
		return errors.New("classes.names must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Classes.Names))
	for _, name := range c.Classes.Names {
		if strings.TrimSpace(name) == "" {
			return errors.New("classes.names must not contain empty names")
		}
		if strings.ContainsAny(name, "\r\n") {
			return fmt.Errorf("class %q contains a line break", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("class %q listed twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
