package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/classifier"
	"github.com/ecgvision/ecgvision/internal/errors"
	"github.com/ecgvision/ecgvision/internal/history"
	"github.com/ecgvision/ecgvision/training"
)

func newSummaryCommand(ctx *commandContext) *cobra.Command {
	var modelFolder string
	var last int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the architecture and recent training history of a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			path, err := summaryCheckpoint(modelFolder)
			if err != nil {
				return err
			}
			ckpt, err := checkpoints.LoadCheckpoint(path)
			if err != nil {
				return errors.New(err).Category(errors.CategoryModelLoad).FileContext(path).Build()
			}
			if ckpt.ModelSpec == nil {
				return errors.Newf("checkpoint has no model description").
					Category(errors.CategoryModelLoad).
					FileContext(path).
					Build()
			}
			fmt.Fprintln(out, training.ArchitectureTable(filepath.Base(path), ckpt.ModelSpec))

			dbPath := filepath.Join(modelFolder, history.FileName)
			if _, err := os.Stat(dbPath); err != nil {
				fmt.Fprintln(out, "No training history recorded.")
				return nil
			}
			store, err := history.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No training history recorded.")
				return nil
			}
			run := runs[0]
			fmt.Fprintf(out, "Run %s  status=%s  classes=%s\n", run.ID, run.Status, strings.Join(run.Classes, ", "))
			if run.ErrorMessage != "" {
				fmt.Fprintf(out, "Error: %s\n", run.ErrorMessage)
			}

			epochs, err := store.Epochs(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if last > 0 && len(epochs) > last {
				epochs = epochs[len(epochs)-last:]
			}
			fmt.Fprintln(out, renderEpochs(epochs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelFolder, "model", "m", "", "Folder holding a trained model")
	cmd.Flags().IntVarP(&last, "last", "n", 5, "Number of recent epochs to show (0 for all)")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// summaryCheckpoint prefers the promoted model and falls back to the
// newest epoch checkpoint of an unfinished run.
func summaryCheckpoint(modelFolder string) (string, error) {
	final := filepath.Join(modelFolder, classifier.ModelFile)
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}
	ckpts, err := classifier.ListCheckpoints(modelFolder)
	if err != nil {
		return "", err
	}
	if len(ckpts) == 0 {
		return "", errors.NotFound("no model found in %s", modelFolder)
	}
	return ckpts[len(ckpts)-1], nil
}

func renderEpochs(epochs []history.Epoch) string {
	headers := []string{"Epoch", "Train loss", "Valid loss", "Valid AUROC", "Valid AUPRC", "Valid F1", "LR", "Duration"}
	rows := make([][]string, 0, len(epochs))
	for _, e := range epochs {
		rows = append(rows, []string{
			strconv.Itoa(e.Epoch),
			formatFloat(e.TrainLoss),
			formatFloat(e.ValidLoss),
			formatFloat(e.ValidAUROC),
			formatFloat(e.ValidAUPRC),
			formatFloat(e.ValidF1),
			strconv.FormatFloat(e.LearningRate, 'e', 2, 64),
			e.Duration.Round(time.Millisecond).String(),
		})
	}
	aligns := []columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}
	return renderTable(headers, rows, aligns)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
