// Package config loads ecgvision settings from TOML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Training contains the optimisation loop settings.
type Training struct {
	Epochs             int     `toml:"epochs"`
	BatchSize          int     `toml:"batch_size"`
	LearningRate       float64 `toml:"learning_rate"`
	WeightDecay        float64 `toml:"weight_decay"`
	GradClip           float64 `toml:"grad_clip"`
	ValidationFraction float64 `toml:"validation_fraction"`
	Seed               int64   `toml:"seed"`
	Optimizer          string  `toml:"optimizer"` // adam or sgd
	Momentum           float64 `toml:"momentum"`
}

// Loss contains focal loss settings.
type Loss struct {
	Alpha float64 `toml:"alpha"`
	Gamma float64 `toml:"gamma"`
	Mode  string  `toml:"mode"` // softmax or sigmoid
}

// Metrics contains epoch metric settings.
type Metrics struct {
	Averaging string `toml:"averaging"` // pooled, macro or samples
}

// Scheduler contains learning-rate scheduler settings.
type Scheduler struct {
	Type          string  `toml:"type"` // plateau, step, exponential, cosine, none
	Factor        float64 `toml:"factor"`
	Patience      int     `toml:"patience"`
	Threshold     float64 `toml:"threshold"`
	ThresholdMode string  `toml:"threshold_mode"` // rel or abs
	MinLR         float64 `toml:"min_lr"`
	StepSize      int     `toml:"step_size"`
	Gamma         float64 `toml:"gamma"`
	TMax          int     `toml:"t_max"`
}

// Model contains network architecture settings.
type Model struct {
	ImageSize       int     `toml:"image_size"`
	Backbone        string  `toml:"backbone"` // smallcnn or pretrained
	ConvChannels    []int   `toml:"conv_channels"`
	HiddenUnits     int     `toml:"hidden_units"`
	Dropout         float64 `toml:"dropout"`
	BackboneWeights string  `toml:"backbone_weights"`
	FreezeBackbone  bool    `toml:"freeze_backbone"`
}

// Augment contains training-time image augmentation settings.
type Augment struct {
	FlipProb        float64   `toml:"flip_prob"`
	RotationDegrees float64   `toml:"rotation_degrees"`
	Brightness      float64   `toml:"brightness"`
	Contrast        float64   `toml:"contrast"`
	Saturation      float64   `toml:"saturation"`
	Hue             float64   `toml:"hue"`
	Mean            []float64 `toml:"mean"`
	Std             []float64 `toml:"std"`
}

// Inference contains prediction settings.
type Inference struct {
	Threshold float64 `toml:"threshold"`
	Score     string  `toml:"score"` // raw, sigmoid or softmax
}

// Runtime contains execution context settings.
type Runtime struct {
	Device    string `toml:"device"` // cpu or auto
	Workers   int    `toml:"workers"`
	CacheSize int    `toml:"cache_size"`
	Prefetch  int    `toml:"prefetch"` // batches staged ahead; 0 disables
}

// Logging contains logger settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Outputs toggles the optional artifacts written during training.
type Outputs struct {
	History             bool `toml:"history"`
	MetricsTextfile     bool `toml:"metrics_textfile"`
	Plots               bool `toml:"plots"`
	CheckpointOptimizer bool `toml:"checkpoint_optimizer"` // embed optimizer moments in epoch checkpoints
}

// Classes holds the ordered label vocabulary.
type Classes struct {
	Names []string `toml:"names"`
}

// Config is the top-level configuration.
type Config struct {
	Training  Training  `toml:"training"`
	Loss      Loss      `toml:"loss"`
	Metrics   Metrics   `toml:"metrics"`
	Scheduler Scheduler `toml:"scheduler"`
	Model     Model     `toml:"model"`
	Augment   Augment   `toml:"augment"`
	Inference Inference `toml:"inference"`
	Runtime   Runtime   `toml:"runtime"`
	Logging   Logging   `toml:"logging"`
	Outputs   Outputs   `toml:"outputs"`
	Classes   Classes   `toml:"classes"`
}

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/ecgvision/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. The returned bool reports whether a file was read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Write serialises cfg as TOML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("ecgvision.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
