// Package history records training runs and their epochs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ecgvision/ecgvision/training"
)

// FileName is the database file inside a model folder.
const FileName = "training_history.db"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one invocation of training.
type Run struct {
	ID              string
	DataFolder      string
	ModelFolder     string
	Classes         []string
	Epochs          int
	Status          string
	FinalCheckpoint string
	ErrorMessage    string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Epoch is one stored epoch row.
type Epoch struct {
	RunID          string
	Epoch          int
	TrainLoss      float64
	ValidLoss      float64
	TrainAUROC     float64
	ValidAUROC     float64
	TrainAUPRC     float64
	ValidAUPRC     float64
	TrainF1        float64
	ValidF1        float64
	LearningRate   float64
	GradNorm       float64
	Duration       time.Duration
	CheckpointPath string
}

// Store manages history persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the history database at path and
// applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun inserts run with status running.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, data_folder, model_folder, classes, epochs, status, started_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.DataFolder,
		run.ModelFolder,
		strings.Join(run.Classes, "\n"),
		run.Epochs,
		StatusRunning,
		run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun marks the run completed, or failed when runErr is non-nil.
func (s *Store) FinishRun(ctx context.Context, id, finalCheckpoint string, runErr error) error {
	status := StatusCompleted
	var message any
	if runErr != nil {
		status = StatusFailed
		message = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, final_checkpoint = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		status,
		nullableString(finalCheckpoint),
		message,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// RecordEpoch stores one epoch of run id. Re-recording an epoch replaces it.
func (s *Store) RecordEpoch(ctx context.Context, id string, r training.EpochRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (
            run_id, epoch, train_loss, valid_loss, train_auroc, valid_auroc,
            train_auprc, valid_auprc, train_f1, valid_f1, learning_rate, grad_norm,
            duration_ms, checkpoint_path, recorded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Epoch, r.TrainLoss, r.ValidLoss, r.Train.AUROC, r.Valid.AUROC,
		r.Train.AUPRC, r.Valid.AUPRC, r.Train.MicroF1, r.Valid.MicroF1, r.LearningRate, r.GradNorm,
		r.Duration.Milliseconds(), r.CheckpointPath, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

// Runs lists runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data_folder, model_folder, classes, epochs, status,
                final_checkpoint, error_message, started_at, finished_at
         FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                  Run
			classes, started     string
			final, msg, finished sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.DataFolder, &run.ModelFolder, &classes, &run.Epochs, &run.Status,
			&final, &msg, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if classes != "" {
			run.Classes = strings.Split(classes, "\n")
		}
		run.FinalCheckpoint = final.String
		run.ErrorMessage = msg.String
		run.StartedAt = parseTime(started)
		if finished.Valid {
			run.FinishedAt = parseTime(finished.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Epochs returns the stored epochs of run id in order.
func (s *Store) Epochs(ctx context.Context, id string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, epoch, train_loss, valid_loss, train_auroc, valid_auroc,
                train_auprc, valid_auprc, train_f1, valid_f1, learning_rate, grad_norm,
                duration_ms, checkpoint_path
         FROM epochs WHERE run_id = ? ORDER BY epoch`, id)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var ms int64
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.TrainLoss, &e.ValidLoss, &e.TrainAUROC, &e.ValidAUROC,
			&e.TrainAUPRC, &e.ValidAUPRC, &e.TrainF1, &e.ValidF1, &e.LearningRate, &e.GradNorm,
			&ms, &e.CheckpointPath); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Observer records every epoch of one run.
type Observer struct {
	Store *Store
	RunID string
}

func (o Observer) ObserveEpoch(ctx context.Context, r training.EpochRecord, _ []training.EpochRecord) error {
	return o.Store.RecordEpoch(ctx, o.RunID, r)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
