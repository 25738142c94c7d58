package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/logging"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/pipeline"
	"github.com/aluiziolira/go-scrape-museums/scraper"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a collection search and persist every relevant artifact.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.Setup(logging.ForTerminal(os.Stderr, cfg.Verbose, cfg.LogPretty))
			return runCrawl(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	d := config.DefaultConfig()
	flags := cmd.Flags()
	flags.StringP("source", "s", d.Source, "collection source: philamuseum, metmuseum or nelsonatkins")
	flags.String("base-url", d.BaseURL, "search endpoint (philamuseum) or site root (metmuseum, nelsonatkins)")
	flags.String("detail-url", d.DetailURL, "object detail endpoint (philamuseum)")
	flags.StringP("query", "q", d.Query, "search keyword")
	flags.String("relevance-term", d.RelevanceTerm, "keep only items whose tags contain this term (empty keeps all)")
	flags.String("geolocation", d.Geolocation, "geographic facet for the search, empty for none (metmuseum)")
	flags.Int("page-size", d.PageSize, "results per search page")
	flags.IntP("max-pages", "p", d.MaxPages, "maximum pages to visit, 0 for no limit")
	flags.Int("parallelism", d.Parallelism, "concurrent detail fetches")
	flags.Duration("timeout", d.Timeout, "per-request timeout")
	flags.Int("page-retries", d.MaxRetries, "retries for a failing search page")
	flags.Duration("retry-backoff", d.RetryBackoff, "initial retry backoff")
	flags.Duration("retry-backoff-max", d.RetryBackoffMax, "maximum retry backoff")
	flags.Int("retry-passes", d.RetryPasses, "passes over failed details after the crawl")
	flags.Duration("page-delay", d.PageDelay, "pause between search pages")
	flags.Int("max-page-failures", d.MaxPageFailures, "abort after this many consecutive skipped pages, 0 for no limit")
	addOutputFlags(flags, d)
	flags.String("state", d.StateFile, "bbolt file for crawl checkpoints")
	flags.Bool("resume", d.Resume, "continue from existing output and checkpoints")
	flags.Int("dedupe-max-size", d.DedupeMaxSize, "maximum ids kept by the in-run dedupe cache")
	flags.String("user-agent", d.UserAgent, "User-Agent header")
	flags.BoolP("verbose", "v", d.Verbose, "debug logging and periodic progress")
	flags.Bool("log-pretty", d.LogPretty, "force console log output")
	flags.String("metrics-addr", d.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.Bool("respect-robots", d.RespectRobots, "honour robots.txt (metmuseum)")
	return cmd
}

func runCrawl(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := logging.NewLogger("cli")

	source, err := scraper.NewSource(cfg)
	if err != nil {
		return err
	}

	writer, err := createWriter(cfg)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("close writer")
		}
	}()

	s, err := scraper.NewScraper(cfg, source)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}
	defer s.Close()

	var store *pipeline.StateStore
	if cfg.StateFile != "" {
		store, err = pipeline.OpenStateStore(cfg.StateFile)
		if err != nil {
			return err
		}
		defer store.Close()
		s.WithStateStore(store)
	}

	if cfg.Resume {
		if err := resume(s, writer, store, cfg.Source); err != nil {
			return err
		}
	} else if store != nil {
		if err := store.Reset(); err != nil {
			return fmt.Errorf("reset state: %w", err)
		}
	}

	log.Info().
		Str("source", cfg.Source).
		Str("query", cfg.Query).
		Int("page_size", cfg.PageSize).
		Int("max_pages", cfg.MaxPages).
		Int("workers", cfg.Parallelism).
		Str("format", cfg.OutputFormat).
		Msg("starting crawl")

	stopMetrics := serveMetrics(cfg.MetricsAddr, s)
	defer stopMetrics()

	p := pipeline.NewPipeline(writer, cfg)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, runErr := s.Run(ctx, p)
	closeErr := p.Close()

	if result != nil {
		printSummary(out, result, p.GetMetrics(), outputTarget(cfg))
		if result.Interrupted {
			log.Warn().Msg("crawl interrupted; rerun with --resume to continue")
		}
	}
	if runErr != nil {
		return fmt.Errorf("crawl failed: %w", runErr)
	}
	if closeErr != nil {
		return fmt.Errorf("pipeline shutdown failed: %w", closeErr)
	}
	if result.Persisted > 0 {
		if err := writer.Validate(); err != nil {
			return fmt.Errorf("output validation failed: %w", err)
		}
	}
	return nil
}

// resume seeds the driver with ids already in the output and with any
// checkpointed progress.
func resume(s *scraper.Scraper, writer pipeline.OutputWriter, store *pipeline.StateStore, source string) error {
	log := logging.NewLogger("cli")

	if seeder, ok := writer.(pipeline.Seeder); ok {
		ids, err := seeder.PersistedIDs()
		if err != nil {
			return fmt.Errorf("read persisted ids: %w", err)
		}
		s.Seed(ids)
		log.Info().Int("ids", len(ids)).Msg("seeded from existing output")
	}

	if store == nil {
		return nil
	}
	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state.Source != "" && state.Source != source {
		return fmt.Errorf("state file belongs to %s, not %s", state.Source, source)
	}
	s.Resume(state.NextOffset, state.Processed, state.Failed)
	log.Info().
		Int("next_offset", state.NextOffset).
		Int("processed", len(state.Processed)).
		Int("failed", len(state.Failed)).
		Msg("resuming from checkpoint")
	return nil
}

func createWriter(cfg *config.Config) (pipeline.OutputWriter, error) {
	switch cfg.OutputFormat {
	case "csv":
		return pipeline.NewCSVWriter(cfg.OutputFile)
	case "json":
		return pipeline.NewJSONWriter(cfg.OutputFile)
	case "dual":
		return pipeline.NewDualWriter(cfg.OutputFile, pipeline.JSONPath(cfg.OutputFile))
	case "sqlite":
		return pipeline.NewSQLiteWriter(cfg.OutputFile)
	case "mongo":
		return pipeline.NewMongoWriter(cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

func outputTarget(cfg *config.Config) string {
	if cfg.OutputFormat == "mongo" {
		return cfg.MongoDatabase + "." + cfg.MongoCollection
	}
	return cfg.OutputFile
}

func serveMetrics(addr string, s *scraper.Scraper) func() {
	if addr == "" || s.Metrics == nil {
		return func() {}
	}
	log := logging.NewLogger("metrics")

	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics server enabled")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}
}

func printSummary(out io.Writer, result *models.CrawlResult, metrics map[string]interface{}, target string) {
	duration := result.EndTime.Sub(result.StartTime)
	perSec := 0.0
	if duration.Seconds() > 0 {
		perSec = float64(result.Persisted) / duration.Seconds()
	}
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}

	status := "complete"
	if result.Interrupted {
		status = "interrupted"
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(fmt.Sprintf("Crawl %s: %s", status, result.Source))
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Pages", result.PageCount},
		{"Items seen", result.ItemsSeen},
		{"Duplicates", result.Duplicates},
		{"Irrelevant", result.Irrelevant},
		{"Parse errors", result.ParseErrors},
		{"Detail requests", result.DetailRequests},
		{"Persisted", result.Persisted},
		{"Recovered", result.Recovered},
		{"Unrecovered", len(result.Unrecovered)},
		{"Requests", result.RequestCount},
		{"Success rate", fmt.Sprintf("%.2f%%", successRate)},
		{"Retries", result.RetryCount},
		{"Duration", duration.Round(time.Millisecond)},
		{"Records/sec", fmt.Sprintf("%.2f", perSec)},
		{"Output", target},
	})
	if len(result.SkippedOffsets) > 0 {
		t.AppendRow(table.Row{"Skipped offsets", joinInts(result.SkippedOffsets)})
	}

	if len(result.ErrorsByType) > 0 {
		t.AppendSeparator()
		for _, kind := range sortedKeys(result.ErrorsByType) {
			t.AppendRow(table.Row{"Errors: " + kind, result.ErrorsByType[kind]})
		}
	}
	if validation, ok := metrics["validation_errors"].(map[string]int); ok && len(validation) > 0 {
		t.AppendSeparator()
		for _, kind := range sortedKeys(validation) {
			t.AppendRow(table.Row{"Dropped: " + kind, validation[kind]})
		}
	}

	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(result.Unrecovered) > 0 {
		fmt.Fprintf(out, "Unrecovered ids: %s\n", strings.Join(result.Unrecovered, ", "))
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
