package main

import (
	"fmt"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/pipeline"
	"github.com/spf13/cobra"
)

func newIDsCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "ids",
		Short: "Count (or list) the item ids already persisted in an output.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ids, err := persistedIDs(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if list {
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}
			fmt.Fprintf(out, "%d ids in %s\n", len(ids), outputTarget(cfg))
			return nil
		},
	}
	addOutputFlags(cmd.Flags(), config.DefaultConfig())
	cmd.Flags().BoolVar(&list, "list", false, "print every id instead of the count")
	return cmd
}

// persistedIDs reads ids without creating the output when it is a file.
// Only mongo goes through a writer.
func persistedIDs(cfg *config.Config) ([]string, error) {
	switch cfg.OutputFormat {
	case "csv", "dual":
		return pipeline.ReadCSVIDs(cfg.OutputFile)
	case "json":
		return pipeline.ReadJSONIDs(cfg.OutputFile)
	case "sqlite":
		return pipeline.ReadSQLiteIDs(cfg.OutputFile)
	}

	writer, err := createWriter(cfg)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	seeder, ok := writer.(pipeline.Seeder)
	if !ok {
		return nil, fmt.Errorf("format %s cannot list ids", cfg.OutputFormat)
	}
	return seeder.PersistedIDs()
}
