package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ecgvision/ecgvision/classifier"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var dataFolder, modelFolder, outputFolder string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Label every record of a folder with a trained model",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := ctx.options(cmd, verbose)
			if err != nil {
				return err
			}
			model, err := classifier.LoadModel(modelFolder, opts)
			if err != nil {
				return err
			}
			defer model.Close()

			n, err := classifier.RunFolder(cmd.Context(), dataFolder, outputFolder, model, opts.Logger)
			if err != nil {
				return err
			}
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Labeled %d records into %s\n", n, outputFolder)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataFolder, "data", "d", "", "Folder with WFDB headers and images")
	cmd.Flags().StringVarP(&modelFolder, "model", "m", "", "Folder holding a trained model")
	cmd.Flags().StringVarP(&outputFolder, "output", "o", "", "Folder to write labeled headers into")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print progress")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
