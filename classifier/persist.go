package classifier

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/engine"
	"github.com/ecgvision/ecgvision/internal/errors"
	"github.com/ecgvision/ecgvision/vision/preprocessing"
)

// Files written into a model folder.
const (
	ClassesFile    = "classes.txt"
	ModelFile      = "classification_model.pth"
	FiguresDir     = "training_figures"
	LockFile       = ".ecgvision.lock"
	checkpointGlob = "model_weights_*.pth"
)

// SaveModel promotes checkpointPath to the final model of modelFolder and
// records the vocabulary next to it. Nothing is written unless every
// argument is valid.
func SaveModel(modelFolder string, classes []string, checkpointPath string) error {
	if checkpointPath == "" {
		return errors.Validation("no checkpoint to save: the final weights are empty")
	}
	if classes == nil {
		return errors.Validation("classes must not be nil")
	}
	if _, err := os.Stat(checkpointPath); err != nil {
		if os.IsNotExist(err) {
			return errors.New(err).
				Category(errors.CategoryNotFound).
				FileContext(checkpointPath).
				Build()
		}
		return errors.FileError(err, checkpointPath)
	}
	if err := os.MkdirAll(modelFolder, 0o755); err != nil {
		return errors.FileError(err, modelFolder)
	}

	var buf bytes.Buffer
	for _, c := range classes {
		buf.WriteString(c)
		buf.WriteByte('\n')
	}
	classesPath := filepath.Join(modelFolder, ClassesFile)
	if err := checkpoints.WriteFileAtomic(classesPath, buf.Bytes()); err != nil {
		return errors.FileError(err, classesPath)
	}

	modelPath := filepath.Join(modelFolder, ModelFile)
	if err := checkpoints.CopyFileAtomic(checkpointPath, modelPath); err != nil {
		return errors.FileError(err, modelPath)
	}
	return nil
}

// LoadModel rebuilds the classifier saved in modelFolder.
func LoadModel(modelFolder string, opts Options) (*Model, error) {
	cfg := opts.config()
	logger := opts.logger()

	classes, err := loadClasses(filepath.Join(modelFolder, ClassesFile))
	if err != nil {
		return nil, err
	}

	modelPath := filepath.Join(modelFolder, ModelFile)
	if _, err := os.Stat(modelPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(err).
				Category(errors.CategoryNotFound).
				FileContext(modelPath).
				Build()
		}
		return nil, errors.FileError(err, modelPath)
	}
	ckpt, err := checkpoints.LoadCheckpoint(modelPath)
	if err != nil {
		return nil, modelLoadError(err, modelPath)
	}
	spec := ckpt.ModelSpec
	if spec == nil {
		return nil, modelLoadError(errors.NewStd("checkpoint has no model description"), modelPath)
	}
	if err := spec.ValidateForImageModel(); err != nil {
		return nil, modelLoadError(err, modelPath)
	}
	if spec.NumOutputs() != len(classes) {
		return nil, errors.Newf("model produces %d outputs for %d classes", spec.NumOutputs(), len(classes)).
			Category(errors.CategoryModelLoad).
			FileContext(modelPath).
			Build()
	}

	exec, err := opts.execution()
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewModelEngine(spec, exec, engine.Config{BatchSize: 1, Logger: logger})
	if err != nil {
		return nil, modelLoadError(err, modelPath)
	}
	if err := eng.LoadWeights(ckpt.Weights); err != nil {
		eng.Close()
		return nil, modelLoadError(err, modelPath)
	}

	imageSize := spec.InputShape[2]
	processor, err := preprocessing.NewImageProcessor(imageSize, cfg.Augment.Mean, cfg.Augment.Std)
	if err != nil {
		eng.Close()
		return nil, err
	}

	logger.Debug("model loaded",
		"folder", modelFolder,
		"classes", len(classes),
		"image_size", imageSize,
		"epoch", ckpt.TrainingState.Epoch)

	return &Model{
		engine:    eng,
		classes:   classes,
		processor: processor,
		threshold: cfg.Inference.Threshold,
		score:     cfg.Inference.Score,
	}, nil
}

// loadClasses reads one class per line; blank lines are ignored.
func loadClasses(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(err).
				Category(errors.CategoryNotFound).
				FileContext(path).
				Build()
		}
		return nil, errors.FileError(err, path)
	}

	var classes []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if c := strings.TrimRight(scanner.Text(), "\r"); strings.TrimSpace(c) != "" {
			classes = append(classes, c)
		}
	}
	if len(classes) == 0 {
		return nil, errors.Newf("class vocabulary is empty").
			Category(errors.CategoryValidation).
			FileContext(path).
			Build()
	}
	return classes, nil
}

func modelLoadError(err error, path string) error {
	return errors.New(err).
		Category(errors.CategoryModelLoad).
		FileContext(path).
		Build()
}

// ListCheckpoints returns the per-epoch checkpoints of modelFolder ordered
// by epoch.
func ListCheckpoints(modelFolder string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(modelFolder, checkpointGlob))
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		return checkpointEpoch(matches[i]) < checkpointEpoch(matches[j])
	})
	return matches, nil
}

func checkpointEpoch(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".pth")
	n, err := strconv.Atoi(strings.TrimPrefix(base, "model_weights_"))
	if err != nil {
		return -1
	}
	return n
}
