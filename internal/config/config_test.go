package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.normalize())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.Training.Epochs)
	assert.InDelta(t, 1e-4, cfg.Training.LearningRate, 1e-12)
	assert.InDelta(t, 10.0, cfg.Training.GradClip, 1e-12)
	assert.Equal(t, 224, cfg.Model.ImageSize)
	assert.Equal(t, "plateau", cfg.Scheduler.Type)
	assert.Len(t, cfg.Classes.Names, 11)
	assert.Equal(t, "NORM", cfg.Classes.Names[0])
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, Default().Training.BatchSize, cfg.Training.BatchSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecgvision.toml")
	content := `
[training]
epochs = 3
batch_size = 4

[loss]
mode = "Sigmoid"

[model]
image_size = 64

[classes]
names = ["A", "B"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, 4, cfg.Training.BatchSize)
	assert.Equal(t, "sigmoid", cfg.Loss.Mode, "enum values are lower-cased")
	assert.Equal(t, 64, cfg.Model.ImageSize)
	assert.Equal(t, []string{"A", "B"}, cfg.Classes.Names)
	assert.InDelta(t, 1e-4, cfg.Training.WeightDecay, 1e-12, "unset keys keep defaults")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[training]\nepoch = 3\n"), 0o644))

	_, _, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }, "training.epochs"},
		{"split fraction", func(c *Config) { c.Training.ValidationFraction = 1 }, "validation_fraction"},
		{"optimizer", func(c *Config) { c.Training.Optimizer = "lion" }, "training.optimizer"},
		{"loss mode", func(c *Config) { c.Loss.Mode = "hinge" }, "loss.mode"},
		{"averaging", func(c *Config) { c.Metrics.Averaging = "weighted" }, "metrics.averaging"},
		{"scheduler", func(c *Config) { c.Scheduler.Type = "warmup" }, "scheduler.type"},
		{"tiny image", func(c *Config) { c.Model.ImageSize = 16 }, "too small"},
		{"pretrained without weights", func(c *Config) { c.Model.Backbone = "pretrained" }, "backbone_weights"},
		{"gpu device", func(c *Config) { c.Runtime.Device = "cuda" }, "not available"},
		{"negative prefetch", func(c *Config) { c.Runtime.Prefetch = -1 }, "runtime.prefetch"},
		{"std channels", func(c *Config) { c.Augment.Std = []float64{1} }, "three channels"},
		{"duplicate class", func(c *Config) { c.Classes.Names = []string{"A", "A"} }, "listed twice"},
		{"empty classes", func(c *Config) { c.Classes.Names = nil }, "must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.NoError(t, cfg.normalize())
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Training.Epochs = 7
	cfg.Classes.Names = []string{"A", "B", "C"}
	require.NoError(t, Write(path, &cfg))

	loaded, _, exists, err := Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 7, loaded.Training.Epochs)
	assert.Equal(t, []string{"A", "B", "C"}, loaded.Classes.Names)
}
