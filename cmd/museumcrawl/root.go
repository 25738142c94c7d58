package main

import (
	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "museumcrawl",
		Short:         "museumcrawl harvests museum collection records into CSV, JSON, SQLite or MongoDB.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file (default ./museumcrawl.yaml)")

	root.AddCommand(newCrawlCmd())
	root.AddCommand(newDedupeCmd())
	root.AddCommand(newIDsCmd())
	return root
}

// loadConfig resolves configuration for cmd from its flags, SCRAPER_* env
// vars and the optional config file, in that order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(v, path)
}

func addOutputFlags(flags *pflag.FlagSet, defaults *config.Config) {
	flags.StringP("output", "o", defaults.OutputFile, "output file path")
	flags.StringP("format", "f", defaults.OutputFormat, "output format: csv, json, dual, sqlite or mongo")
	flags.String("mongo-uri", defaults.MongoURI, "MongoDB connection URI")
	flags.String("mongo-database", defaults.MongoDatabase, "MongoDB database")
	flags.String("mongo-collection", defaults.MongoCollection, "MongoDB collection")
}
