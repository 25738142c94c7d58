package main

import (
	"fmt"

	"github.com/aluiziolira/go-scrape-museums/pipeline"
	"github.com/spf13/cobra"
)

func newDedupeCmd() *cobra.Command {
	var in, out string

	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Rewrite a CSV export keeping the first row for each item_id.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == out {
				return fmt.Errorf("--in and --out must differ")
			}
			kept, dropped, err := pipeline.DedupeCSV(in, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kept %d rows, dropped %d duplicates -> %s\n", kept, dropped, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "CSV file to read")
	cmd.Flags().StringVar(&out, "out", "", "CSV file to write")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
