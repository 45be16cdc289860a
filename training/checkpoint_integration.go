package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/layers"
)

// CheckpointConfig configures per-epoch checkpoint saving
type CheckpointConfig struct {
	SaveDirectory    string                       // Directory to save checkpoints
	Format           checkpoints.CheckpointFormat // Binary or JSON
	FilenamePattern  string                       // fmt pattern taking the epoch index
	IncludeOptimizer bool                         // Embed optimizer moments
}

// DefaultCheckpointConfig writes model_weights_<epoch>.pth into dir.
func DefaultCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   dir,
		Format:          checkpoints.FormatBinary,
		FilenamePattern: "model_weights_%d.pth",
	}
}

// CheckpointManager writes one checkpoint per epoch and remembers the
// most recent one.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	bestLoss   float32
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	if config.FilenamePattern == "" {
		config.FilenamePattern = "model_weights_%d.pth"
	}
	return &CheckpointManager{
		config:   config,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		bestLoss: float32(1e9),
	}
}

// EpochSnapshot is the state handed to SaveEpoch.
type EpochSnapshot struct {
	Epoch        int
	Step         int
	TotalSteps   int
	LearningRate float64
	TrainLoss    float64
	ValidLoss    float64
	Spec         *layers.ModelSpec
	Weights      []checkpoints.WeightTensor
	Optimizer    *checkpoints.OptimizerState
	Tags         []string
}

// SaveEpoch writes the snapshot and returns the file path.
func (cm *CheckpointManager) SaveEpoch(s EpochSnapshot) (string, error) {
	if len(s.Weights) == 0 {
		return "", fmt.Errorf("epoch %d has no weights to save", s.Epoch)
	}
	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	if float32(s.ValidLoss) < cm.bestLoss {
		cm.bestLoss = float32(s.ValidLoss)
	}

	ckpt := &checkpoints.Checkpoint{
		ModelSpec: s.Spec,
		Weights:   s.Weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        s.Epoch,
			Step:         s.Step,
			LearningRate: float32(s.LearningRate),
			TrainLoss:    float32(s.TrainLoss),
			ValidLoss:    float32(s.ValidLoss),
			BestLoss:     cm.bestLoss,
			TotalSteps:   s.TotalSteps,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("epoch %d", s.Epoch),
			Tags:        s.Tags,
		},
	}
	if cm.config.IncludeOptimizer {
		ckpt.OptimizerState = s.Optimizer
	}

	path := filepath.Join(cm.config.SaveDirectory, fmt.Sprintf(cm.config.FilenamePattern, s.Epoch))
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %v", err)
	}
	cm.savedFiles = append(cm.savedFiles, path)
	return path, nil
}

// Latest returns the most recently written checkpoint path.
func (cm *CheckpointManager) Latest() string {
	if len(cm.savedFiles) == 0 {
		return ""
	}
	return cm.savedFiles[len(cm.savedFiles)-1]
}

// SavedFiles lists every checkpoint written, oldest first.
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}
