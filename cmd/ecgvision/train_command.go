package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ecgvision/ecgvision/classifier"
)

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var dataFolder, modelFolder string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier on a folder of labeled records",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := ctx.options(cmd, verbose)
			if err != nil {
				return err
			}
			if err := classifier.Train(cmd.Context(), dataFolder, modelFolder, verbose, opts); err != nil {
				return err
			}
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Model saved to %s\n", modelFolder)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataFolder, "data", "d", "", "Folder with WFDB headers and images")
	cmd.Flags().StringVarP(&modelFolder, "model", "m", "", "Folder to write the model into")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print progress and epoch summaries")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
