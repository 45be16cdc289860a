package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecgvision/ecgvision/classifier"
	"github.com/ecgvision/ecgvision/internal/config"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())
	return home
}

func writeSmallConfig(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Training.Epochs = 2
	cfg.Training.BatchSize = 2
	cfg.Model.ImageSize = 16
	cfg.Model.ConvChannels = []int{4, 8}
	cfg.Model.HiddenUnits = 8
	cfg.Runtime.Workers = 1
	cfg.Classes.Names = []string{"A", "B"}
	path := filepath.Join(t.TempDir(), "ecgvision.toml")
	require.NoError(t, config.Write(path, &cfg))
	return path
}

func writeRecords(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	labels := []string{"A", "B", "A, B", "B"}
	for i, l := range labels {
		id := "0000" + string(rune('1'+i))
		img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
		for y := 0; y < 20; y++ {
			for x := 0; x < 20; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(i * 60), G: uint8(x * 12), B: uint8(y * 12), A: 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, id+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		header := id + " 12 500 5000\n# Labels: " + l + "\n# Image: " + id + ".png\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".hea"), []byte(header), 0o644))
	}
	return dir
}

func TestConfigInitAndShow(t *testing.T) {
	setupHome(t)
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, "config", "init", "--path", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default configuration")
	assert.FileExists(t, target)

	_, _, err = runCLI(t, "config", "init", "--path", target)
	assert.ErrorContains(t, err, "already exists")

	out, _, err = runCLI(t, "--config", target, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# source: "+target)
	assert.Contains(t, out, "[training]")
	assert.Contains(t, out, "optimizer = ")

	out, _, err = runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# source: defaults")
}

func TestInvalidConfigFails(t *testing.T) {
	setupHome(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[training]\noptimizer = \"lion\"\n"), 0o644))
	_, _, err := runCLI(t, "--config", path, "config", "show")
	assert.ErrorContains(t, err, "training.optimizer")
}

func TestTrainRequiresFolders(t *testing.T) {
	setupHome(t)
	_, _, err := runCLI(t, "train", "-d", t.TempDir())
	assert.ErrorContains(t, err, "model")
}

func TestTrainRunSummary(t *testing.T) {
	setupHome(t)
	cfgPath := writeSmallConfig(t)
	data := writeRecords(t)
	modelDir := filepath.Join(t.TempDir(), "model")
	outDir := filepath.Join(t.TempDir(), "out")

	_, _, err := runCLI(t, "--config", cfgPath, "train", "-d", data, "-m", modelDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(modelDir, classifier.ModelFile))
	assert.FileExists(t, filepath.Join(modelDir, "model_weights_1.pth"))

	out, _, err := runCLI(t, "--config", cfgPath, "run", "-d", data, "-m", modelDir, "-o", outDir, "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "Labeled 4 records")
	header, err := os.ReadFile(filepath.Join(outDir, "00001.hea"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(header), "\n"), "\n")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "# Labels:"), "labels line must come last: %q", lines)

	out, _, err = runCLI(t, "--config", cfgPath, "summary", "-m", modelDir)
	require.NoError(t, err)
	assert.Contains(t, out, "conv1")
	assert.Contains(t, out, "status=completed")
	assert.Contains(t, out, "Valid AUROC")
}

func TestSummaryMissingModel(t *testing.T) {
	setupHome(t)
	_, _, err := runCLI(t, "summary", "-m", t.TempDir())
	assert.ErrorContains(t, err, "no model found")
}
