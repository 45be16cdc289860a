package classifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/ecgvision/ecgvision/engine"
	"github.com/ecgvision/ecgvision/internal/config"
	"github.com/ecgvision/ecgvision/internal/errors"
	"github.com/ecgvision/ecgvision/internal/history"
	"github.com/ecgvision/ecgvision/layers"
	"github.com/ecgvision/ecgvision/optimizer"
	"github.com/ecgvision/ecgvision/training"
	"github.com/ecgvision/ecgvision/vision/dataloader"
	"github.com/ecgvision/ecgvision/vision/dataset"
	"github.com/ecgvision/ecgvision/vision/preprocessing"
)

// Train fits a classifier on the labeled records of dataFolder and leaves
// the per-epoch checkpoints, figures, history and the final model in
// modelFolder. verbose only affects console output.
func Train(ctx context.Context, dataFolder, modelFolder string, verbose bool, opts Options) (err error) {
	cfg := opts.config()
	logger := opts.logger().With("component", "classifier")

	if verbose {
		logger.Info("finding the challenge data", "folder", dataFolder)
	}
	records, err := dataset.ScanLabeled(dataFolder, logger)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(modelFolder, 0o755); err != nil {
		return errors.FileError(err, modelFolder)
	}
	lock := flock.New(filepath.Join(modelFolder, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return errors.FileError(err, lock.Path())
	}
	if !locked {
		return errors.Newf("model folder is in use by another training run").
			Category(errors.CategoryValidation).
			Context("folder", modelFolder).
			Build()
	}
	defer lock.Unlock()

	classes := cfg.Classes.Names
	full, err := dataset.FromRecords(classes, records)
	if err != nil {
		return errors.New(err).Category(errors.CategoryValidation).Build()
	}
	trainSet, validSet, err := full.Split(cfg.Training.ValidationFraction, cfg.Training.Seed)
	if err != nil {
		return errors.New(err).Category(errors.CategoryValidation).Build()
	}
	if verbose {
		logger.Info("dataset ready",
			"records", full.Len(),
			"train", trainSet.Len(),
			"valid", validSet.Len(),
			"classes", len(classes))
	}

	processor, err := preprocessing.NewImageProcessor(cfg.Model.ImageSize, cfg.Augment.Mean, cfg.Augment.Std)
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	exec, err := opts.execution()
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	augmenter := preprocessing.NewAugmenter(augmentConfig(cfg.Augment))
	trainLoader, validLoader, err := dataloader.NewSharedDataLoaders(trainSet, validSet,
		loaderConfig(cfg, exec, processor), augmenter)
	if err != nil {
		return err
	}
	backbone := opts.Backbone
	if backbone == nil {
		if backbone, err = NewBackbone(cfg.Model); err != nil {
			return err
		}
	}

	loss, err := training.NewFocalLoss(cfg.Loss.Alpha, cfg.Loss.Gamma, cfg.Loss.Mode)
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	spec, err := BuildSpec(backbone, cfg.Model.ImageSize, cfg.Training.BatchSize, HeadConfig{
		HiddenUnits: cfg.Model.HiddenUnits,
		Dropout:     cfg.Model.Dropout,
		Classes:     len(classes),
	})
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	var frozen []string
	if cfg.Model.FreezeBackbone {
		frozen = []string{layers.SectionBackbone}
	}
	eng, err := engine.NewModelEngine(spec, exec, engine.Config{
		BatchSize:      cfg.Training.BatchSize,
		Seed:           cfg.Training.Seed,
		Loss:           loss,
		FrozenSections: frozen,
		Logger:         logger,
	})
	if err != nil {
		return errors.New(err).Category(errors.CategoryTraining).Build()
	}
	defer eng.Close()

	pretrained, err := backbone.Weights()
	if err != nil {
		return err
	}
	if len(pretrained) > 0 {
		n, err := eng.LoadWeightsWhere(pretrained, func(info layers.ParameterInfo) bool {
			return info.Section == layers.SectionBackbone
		})
		if err != nil {
			return errors.New(err).Category(errors.CategoryModelLoad).Build()
		}
		logger.Info("backbone weights loaded", "backbone", backbone.Name(), "tensors", n)
	}

	opt, err := newOptimizer(cfg.Training)
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	sched, err := training.NewScheduler(cfg.Scheduler)
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	averaging, err := training.ParseAveraging(cfg.Metrics.Averaging)
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Build()
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	figures := filepath.Join(modelFolder, FiguresDir)
	if err := os.MkdirAll(figures, 0o755); err != nil {
		return errors.FileError(err, figures)
	}
	var observers []training.EpochObserver
	if cfg.Outputs.Plots {
		observers = append(observers, training.NewPlotObserver(figures))
	}
	if cfg.Outputs.MetricsTextfile {
		metrics, err := training.NewTrainingMetrics(filepath.Join(figures, training.MetricsFile), runID)
		if err != nil {
			return err
		}
		observers = append(observers, metrics)
	}
	if cfg.Outputs.History {
		var store *history.Store
		store, err = history.Open(ctx, filepath.Join(modelFolder, history.FileName))
		if err != nil {
			return err
		}
		defer store.Close()
		err = store.BeginRun(ctx, history.Run{
			ID:          runID,
			DataFolder:  dataFolder,
			ModelFolder: modelFolder,
			Classes:     classes,
			Epochs:      cfg.Training.Epochs,
		})
		if err != nil {
			return err
		}
		defer func() {
			var final string
			if err == nil {
				final = filepath.Join(modelFolder, ModelFile)
			}
			// the run context may be cancelled already
			if ferr := store.FinishRun(context.WithoutCancel(ctx), runID, final, err); ferr != nil {
				logger.Warn("failed to finish history run", "error", ferr)
			}
		}()
		observers = append(observers, history.Observer{Store: store, RunID: runID})
	}

	trainerOpts := []training.TrainerOption{
		training.WithLogger(logger),
		training.WithObservers(observers...),
	}
	if verbose {
		out := opts.out()
		fmt.Fprintln(out, training.ArchitectureTable(backbone.Name(), spec))
		trainerOpts = append(trainerOpts, training.WithProgress(training.NewTerminalProgress(out, cfg.Training.Epochs)))
	}

	trainer, err := training.NewTrainer(eng, opt, sched, training.TrainerConfig{
		Epochs:       cfg.Training.Epochs,
		GradClip:     cfg.Training.GradClip,
		Averaging:    averaging,
		Threshold:    cfg.Inference.Threshold,
		LearningRate: cfg.Training.LearningRate,
		Checkpoints:  checkpointConfig(cfg, modelFolder),
		Tags:         []string{"run:" + runID, "backbone:" + backbone.Name()},
	}, trainerOpts...)
	if err != nil {
		return errors.New(err).Category(errors.CategoryTraining).Build()
	}

	if verbose {
		logger.Info("training the model", "epochs", cfg.Training.Epochs, "execution", exec.String())
	}
	var trainSource training.BatchLoader = trainLoader
	if cfg.Runtime.Prefetch > 0 {
		prefetcher := dataloader.NewPrefetcher(trainLoader, cfg.Runtime.Prefetch)
		defer prefetcher.Close()
		trainSource = prefetcher
	}
	result, err := trainer.Fit(ctx, trainSource, validLoader)
	if err != nil {
		return errors.New(err).Category(errors.CategoryTraining).Build()
	}
	logger.Debug("image cache", "stats", trainLoader.Stats().String())

	if err := SaveModel(modelFolder, classes, result.FinalCheckpoint); err != nil {
		return err
	}
	if verbose {
		logger.Info("model saved", "folder", modelFolder, "checkpoint", result.FinalCheckpoint)
	}
	return nil
}

// loaderConfig sizes image decoding to the execution context so the
// resolved worker count drives the loaders.
func loaderConfig(cfg *config.Config, exec engine.ExecutionContext, processor *preprocessing.ImageProcessor) dataloader.Config {
	return dataloader.Config{
		BatchSize: cfg.Training.BatchSize,
		Seed:      cfg.Training.Seed,
		Workers:   exec.Workers,
		CacheSize: cfg.Runtime.CacheSize,
		Processor: processor,
	}
}

func checkpointConfig(cfg *config.Config, modelFolder string) training.CheckpointConfig {
	cc := training.DefaultCheckpointConfig(modelFolder)
	cc.IncludeOptimizer = cfg.Outputs.CheckpointOptimizer
	return cc
}

func augmentConfig(a config.Augment) preprocessing.AugmentConfig {
	return preprocessing.AugmentConfig{
		FlipProb:        a.FlipProb,
		RotationDegrees: a.RotationDegrees,
		Brightness:      a.Brightness,
		Contrast:        a.Contrast,
		Saturation:      a.Saturation,
		Hue:             a.Hue,
	}
}

func newOptimizer(t config.Training) (optimizer.Optimizer, error) {
	switch t.Optimizer {
	case "", "adam":
		ac := optimizer.DefaultAdamConfig()
		ac.LearningRate = float32(t.LearningRate)
		ac.WeightDecay = float32(t.WeightDecay)
		return optimizer.NewAdam(ac)
	case "sgd":
		return optimizer.NewSGD(optimizer.SGDConfig{
			LearningRate: float32(t.LearningRate),
			Momentum:     float32(t.Momentum),
			WeightDecay:  float32(t.WeightDecay),
		})
	default:
		return nil, fmt.Errorf("unknown optimizer %q", t.Optimizer)
	}
}
