package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/engine"
	"github.com/ecgvision/ecgvision/layers"
	"github.com/ecgvision/ecgvision/optimizer"
	"github.com/ecgvision/ecgvision/vision/dataloader"
)

// Phase is a state of the epoch loop.
type Phase int

const (
	PhaseEpochStart Phase = iota
	PhaseTrain
	PhaseValidation
	PhaseMetricUpdate
	PhaseCheckpoint
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseEpochStart:
		return "epoch_start"
	case PhaseTrain:
		return "train"
	case PhaseValidation:
		return "validation"
	case PhaseMetricUpdate:
		return "metric_update"
	case PhaseCheckpoint:
		return "checkpoint_and_plot"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Model is what the trainer drives. *engine.ModelEngine implements it.
type Model interface {
	TrainBatch(images, targets []float32, n int) (engine.StepResult, error)
	EvalBatch(images, targets []float32, n int) (engine.StepResult, error)
	Parameters() []optimizer.Parameter
	Weights() []checkpoints.WeightTensor
	Spec() *layers.ModelSpec
	NumClasses() int
}

// BatchLoader yields batches until io.EOF. Reset starts a new pass.
type BatchLoader interface {
	Reset()
	Next(ctx context.Context) (*dataloader.Batch, error)
	NumBatches() int
}

// EpochRecord summarises one completed epoch. Epoch is zero-based.
type EpochRecord struct {
	Epoch          int
	TrainLoss      float64
	ValidLoss      float64
	Train          EpochMetrics
	Valid          EpochMetrics
	LearningRate   float64
	GradNorm       float64
	TrainSamples   int
	ValidSamples   int
	Duration       time.Duration
	CheckpointPath string
}

// EpochObserver is notified after each epoch's checkpoint is written.
// history includes record as its last element.
type EpochObserver interface {
	ObserveEpoch(ctx context.Context, record EpochRecord, history []EpochRecord) error
}

// ProgressReporter receives per-batch progress.
type ProgressReporter interface {
	StartPhase(epoch int, phase Phase, batches int)
	Batch(loss float64)
	EndPhase()
	EpochSummary(record EpochRecord)
}

// TrainerConfig holds trainer settings.
type TrainerConfig struct {
	Epochs       int
	GradClip     float64
	Averaging    Averaging
	Threshold    float64
	LearningRate float64
	Checkpoints  CheckpointConfig
	Tags         []string
}

// Result is the outcome of Fit.
type Result struct {
	FinalCheckpoint string
	History         []EpochRecord
}

// Trainer runs the fixed-length epoch loop.
type Trainer struct {
	model     Model
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	config    TrainerConfig
	ckpt      *CheckpointManager
	progress  ProgressReporter
	observers []EpochObserver
	logger    *slog.Logger
	step      int
}

// TrainerOption customises a Trainer.
type TrainerOption func(*Trainer)

// WithProgress attaches a progress reporter.
func WithProgress(p ProgressReporter) TrainerOption {
	return func(t *Trainer) { t.progress = p }
}

// WithObservers appends epoch observers, called in order.
func WithObservers(obs ...EpochObserver) TrainerOption {
	return func(t *Trainer) { t.observers = append(t.observers, obs...) }
}

// WithLogger sets the trainer logger.
func WithLogger(l *slog.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// NewTrainer creates a new Trainer
func NewTrainer(model Model, opt optimizer.Optimizer, sched LRScheduler, cfg TrainerConfig, opts ...TrainerOption) (*Trainer, error) {
	if model == nil || opt == nil {
		return nil, fmt.Errorf("model and optimizer are required")
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.GradClip <= 0 {
		cfg.GradClip = 10.0
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = float64(opt.LearningRate())
	}
	if sched == nil {
		sched = &NoOpScheduler{}
	}

	t := &Trainer{
		model:     model,
		optimizer: opt,
		scheduler: sched,
		config:    cfg,
		ckpt:      NewCheckpointManager(cfg.Checkpoints),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With("component", "trainer")
	return t, nil
}

// Fit trains for the configured number of epochs. Every epoch writes a
// checkpoint; the last one is returned as the final checkpoint.
func (t *Trainer) Fit(ctx context.Context, train, valid BatchLoader) (Result, error) {
	var result Result
	lr := t.config.LearningRate
	t.optimizer.UpdateLearningRate(float32(lr))

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		t.enter(epoch, PhaseEpochStart)
		start := time.Now()
		if epoch > 0 {
			if _, ok := t.scheduler.(MetricScheduler); !ok {
				lr = t.scheduler.GetLR(epoch, t.step, t.config.LearningRate)
				t.optimizer.UpdateLearningRate(float32(lr))
			}
		}

		t.enter(epoch, PhaseTrain)
		trainAcc, gradNorm, err := t.trainEpoch(ctx, epoch, train)
		if err != nil {
			return result, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		t.enter(epoch, PhaseValidation)
		validAcc, err := t.validateEpoch(ctx, epoch, valid)
		if err != nil {
			return result, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}

		t.enter(epoch, PhaseMetricUpdate)
		record, err := t.summarise(epoch, trainAcc, validAcc)
		if err != nil {
			return result, err
		}
		record.GradNorm = gradNorm
		record.LearningRate = lr
		if ms, ok := t.scheduler.(MetricScheduler); ok {
			next := ms.Step(record.ValidLoss, lr)
			if next != lr {
				t.logger.Info("learning rate reduced", "epoch", epoch, "from", lr, "to", next)
				lr = next
				t.optimizer.UpdateLearningRate(float32(lr))
			}
		}

		t.enter(epoch, PhaseCheckpoint)
		var state *checkpoints.OptimizerState
		if t.config.Checkpoints.IncludeOptimizer {
			if state, err = t.optimizer.GetState(); err != nil {
				return result, fmt.Errorf("optimizer state epoch %d: %w", epoch, err)
			}
		}
		path, err := t.ckpt.SaveEpoch(EpochSnapshot{
			Epoch:        epoch,
			Step:         t.step,
			TotalSteps:   t.step,
			LearningRate: lr,
			TrainLoss:    record.TrainLoss,
			ValidLoss:    record.ValidLoss,
			Spec:         t.model.Spec(),
			Weights:      t.model.Weights(),
			Optimizer:    state,
			Tags:         t.config.Tags,
		})
		if err != nil {
			return result, fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
		}
		record.CheckpointPath = path
		record.Duration = time.Since(start)
		result.History = append(result.History, record)
		result.FinalCheckpoint = path

		for _, obs := range t.observers {
			if err := obs.ObserveEpoch(ctx, record, result.History); err != nil {
				t.logger.Warn("epoch observer failed", "epoch", epoch, "error", err)
			}
		}
		if t.progress != nil {
			t.progress.EpochSummary(record)
		}
		t.logger.Info("epoch complete",
			"epoch", epoch,
			"train_loss", record.TrainLoss,
			"valid_loss", record.ValidLoss,
			"valid_auroc", record.Valid.AUROC,
			"valid_auprc", record.Valid.AUPRC,
			"lr", lr,
			"duration", record.Duration.Round(time.Millisecond))
	}

	t.enter(t.config.Epochs, PhaseDone)
	return result, nil
}

func (t *Trainer) enter(epoch int, p Phase) {
	t.logger.Debug("phase", "epoch", epoch, "state", p.String())
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, loader BatchLoader) (EpochAccumulator, float64, error) {
	acc := NewEpochAccumulator(t.model.NumClasses())
	var lastNorm float64
	loader.Reset()
	t.startPhase(epoch, PhaseTrain, loader.NumBatches())
	defer t.endPhase()

	for i := 0; ; i++ {
		batch, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc, 0, err
		}

		res, err := t.model.TrainBatch(batch.Images, batch.Targets, batch.Size)
		if err != nil {
			return acc, 0, err
		}
		if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
			return acc, 0, fmt.Errorf("batch %d produced a non-finite loss", i)
		}

		params := t.model.Parameters()
		lastNorm = optimizer.ClipGradNorm(params, t.config.GradClip)
		if err := t.optimizer.Step(params); err != nil {
			return acc, 0, fmt.Errorf("optimizer step: %w", err)
		}
		t.step++

		if acc, err = acc.Add(res.Loss, batch.Size, res.Scores, batch.Targets); err != nil {
			return acc, 0, err
		}
		t.logger.Debug("train batch", "epoch", epoch, "iteration", i, "loss", res.Loss, "grad_norm", lastNorm)
		t.batchDone(res.Loss)
	}
	return acc, lastNorm, nil
}

func (t *Trainer) validateEpoch(ctx context.Context, epoch int, loader BatchLoader) (EpochAccumulator, error) {
	acc := NewEpochAccumulator(t.model.NumClasses())
	loader.Reset()
	t.startPhase(epoch, PhaseValidation, loader.NumBatches())
	defer t.endPhase()

	for i := 0; ; i++ {
		batch, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc, err
		}
		res, err := t.model.EvalBatch(batch.Images, batch.Targets, batch.Size)
		if err != nil {
			return acc, err
		}
		if acc, err = acc.Add(res.Loss, batch.Size, res.Scores, batch.Targets); err != nil {
			return acc, err
		}
		t.logger.Debug("valid batch", "epoch", epoch, "iteration", i, "loss", res.Loss)
		t.batchDone(res.Loss)
	}
	return acc, nil
}

func (t *Trainer) summarise(epoch int, train, valid EpochAccumulator) (EpochRecord, error) {
	if train.Batches() == 0 {
		return EpochRecord{}, fmt.Errorf("epoch %d: training loader produced no batches", epoch)
	}
	if valid.Batches() == 0 {
		return EpochRecord{}, fmt.Errorf("epoch %d: validation loader produced no batches", epoch)
	}
	trainMetrics, err := train.Metrics(t.config.Averaging, t.config.Threshold)
	if err != nil {
		return EpochRecord{}, fmt.Errorf("train metrics: %w", err)
	}
	validMetrics, err := valid.Metrics(t.config.Averaging, t.config.Threshold)
	if err != nil {
		return EpochRecord{}, fmt.Errorf("validation metrics: %w", err)
	}
	return EpochRecord{
		Epoch:        epoch,
		TrainLoss:    train.MeanLoss(),
		ValidLoss:    valid.MeanLoss(),
		Train:        trainMetrics,
		Valid:        validMetrics,
		TrainSamples: train.Samples(),
		ValidSamples: valid.Samples(),
	}, nil
}

func (t *Trainer) startPhase(epoch int, p Phase, batches int) {
	if t.progress != nil {
		t.progress.StartPhase(epoch, p, batches)
	}
}

func (t *Trainer) batchDone(loss float64) {
	if t.progress != nil {
		t.progress.Batch(loss)
	}
}

func (t *Trainer) endPhase() {
	if t.progress != nil {
		t.progress.EndPhase()
	}
}
