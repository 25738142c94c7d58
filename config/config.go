package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported sources.
const (
	SourcePhila  = "philamuseum"
	SourceMet    = "metmuseum"
	SourceNelson = "nelsonatkins"
)

// Source endpoint defaults.
const (
	DefaultPhilaSearchURL = "https://prod.philamuseumsearch.org/v1/search"
	DefaultPhilaDetailURL = "https://pma-collection.web.app/gen2/v1/objects"
	DefaultMetBaseURL     = "https://www.metmuseum.org"
	DefaultNelsonBaseURL  = "https://art.nelson-atkins.org"

	// DefaultNelsonQuery is an eMuseum advanced-search term.
	DefaultNelsonQuery = "provenance:china"
	// NelsonPageSize is the fixed grid size of eMuseum result pages.
	NelsonPageSize = 12
)

// Config holds crawler configuration.
type Config struct {
	Source          string        `mapstructure:"source"`
	BaseURL         string        `mapstructure:"base-url"`
	DetailURL       string        `mapstructure:"detail-url"`
	Query           string        `mapstructure:"query"`
	RelevanceTerm   string        `mapstructure:"relevance-term"`
	Geolocation     string        `mapstructure:"geolocation"` // metmuseum search facet
	PageSize        int           `mapstructure:"page-size"`
	MaxPages        int           `mapstructure:"max-pages"` // 0 means until an empty page
	Parallelism     int           `mapstructure:"parallelism"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"page-retries"`
	RetryBackoff    time.Duration `mapstructure:"retry-backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry-backoff-max"`
	RetryPasses     int           `mapstructure:"retry-passes"`
	PageDelay       time.Duration `mapstructure:"page-delay"`
	MaxPageFailures int           `mapstructure:"max-page-failures"`
	OutputFile      string        `mapstructure:"output"`
	OutputFormat    string        `mapstructure:"format"` // csv, json, dual, sqlite or mongo
	MongoURI        string        `mapstructure:"mongo-uri"`
	MongoDatabase   string        `mapstructure:"mongo-database"`
	MongoCollection string        `mapstructure:"mongo-collection"`
	StateFile       string        `mapstructure:"state"`
	Resume          bool          `mapstructure:"resume"`
	DedupeMaxSize   int           `mapstructure:"dedupe-max-size"`
	UserAgent       string        `mapstructure:"user-agent"`
	Verbose         bool          `mapstructure:"verbose"`
	LogPretty       bool          `mapstructure:"log-pretty"`
	MetricsAddr     string        `mapstructure:"metrics-addr"`
	RespectRobots   bool          `mapstructure:"respect-robots"`
}

// DefaultConfig returns defaults for the Philadelphia Museum of Art search API.
func DefaultConfig() *Config {
	return &Config{
		Source:          SourcePhila,
		BaseURL:         DefaultPhilaSearchURL,
		DetailURL:       DefaultPhilaDetailURL,
		Query:           "chinese",
		RelevanceTerm:   "Chinese",
		Geolocation:     "China",
		PageSize:        48,
		MaxPages:        0,
		Parallelism:     10,
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		RetryBackoffMax: 8 * time.Second,
		RetryPasses:     1,
		PageDelay:       time.Second,
		MaxPageFailures: 5,
		OutputFile:      "output/artifacts.csv",
		OutputFormat:    "csv",
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "museums",
		MongoCollection: "artifacts",
		StateFile:       "",
		Resume:          false,
		DedupeMaxSize:   100000,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
		Verbose:         false,
		LogPretty:       false,
		MetricsAddr:     "",
		RespectRobots:   false,
	}
}

// Load builds a Config from defaults, an optional YAML file, SCRAPER_*
// environment variables and any flags already bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("museumcrawl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)
	cfg.applySourceDefaults()
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("source", cfg.Source)
	v.SetDefault("base-url", cfg.BaseURL)
	v.SetDefault("detail-url", cfg.DetailURL)
	v.SetDefault("query", cfg.Query)
	v.SetDefault("relevance-term", cfg.RelevanceTerm)
	v.SetDefault("geolocation", cfg.Geolocation)
	v.SetDefault("page-size", cfg.PageSize)
	v.SetDefault("max-pages", cfg.MaxPages)
	v.SetDefault("parallelism", cfg.Parallelism)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("page-retries", cfg.MaxRetries)
	v.SetDefault("retry-backoff", cfg.RetryBackoff)
	v.SetDefault("retry-backoff-max", cfg.RetryBackoffMax)
	v.SetDefault("retry-passes", cfg.RetryPasses)
	v.SetDefault("page-delay", cfg.PageDelay)
	v.SetDefault("max-page-failures", cfg.MaxPageFailures)
	v.SetDefault("output", cfg.OutputFile)
	v.SetDefault("format", cfg.OutputFormat)
	v.SetDefault("mongo-uri", cfg.MongoURI)
	v.SetDefault("mongo-database", cfg.MongoDatabase)
	v.SetDefault("mongo-collection", cfg.MongoCollection)
	v.SetDefault("state", cfg.StateFile)
	v.SetDefault("resume", cfg.Resume)
	v.SetDefault("dedupe-max-size", cfg.DedupeMaxSize)
	v.SetDefault("user-agent", cfg.UserAgent)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("log-pretty", cfg.LogPretty)
	v.SetDefault("metrics-addr", cfg.MetricsAddr)
	v.SetDefault("respect-robots", cfg.RespectRobots)
}

// applySourceDefaults swaps Philadelphia defaults for those of the selected
// source wherever they were left untouched.
func (c *Config) applySourceDefaults() {
	var baseURL string
	var pageSize int
	switch c.Source {
	case SourceMet:
		baseURL, pageSize = DefaultMetBaseURL, 40
	case SourceNelson:
		baseURL, pageSize = DefaultNelsonBaseURL, NelsonPageSize
		if c.Query == "chinese" {
			c.Query = DefaultNelsonQuery
		}
	default:
		return
	}

	if c.BaseURL == DefaultPhilaSearchURL {
		c.BaseURL = baseURL
	}
	if c.DetailURL == DefaultPhilaDetailURL {
		c.DetailURL = ""
	}
	if c.PageSize == 48 {
		c.PageSize = pageSize
	}
	// both sites filter server-side, by geolocation or provenance
	if c.RelevanceTerm == "Chinese" {
		c.RelevanceTerm = ""
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	switch c.Source {
	case SourcePhila, SourceMet, SourceNelson:
	default:
		return fmt.Errorf("source must be %s, %s or %s", SourcePhila, SourceMet, SourceNelson)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.Source == SourcePhila {
		if c.DetailURL == "" {
			return fmt.Errorf("detail URL cannot be empty for %s", SourcePhila)
		}
		if parsed, err := url.Parse(c.DetailURL); err != nil || parsed.Host == "" {
			return fmt.Errorf("detail URL must include a host")
		}
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("page retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RetryPasses < 0 {
		return fmt.Errorf("retry passes cannot be negative")
	}
	if c.PageDelay < 0 {
		return fmt.Errorf("page delay cannot be negative")
	}
	if c.MaxPageFailures < 0 {
		return fmt.Errorf("max page failures cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	switch c.OutputFormat {
	case "csv", "json", "dual", "sqlite":
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty")
		}
	case "mongo":
		if c.MongoURI == "" || c.MongoDatabase == "" || c.MongoCollection == "" {
			return fmt.Errorf("mongo output requires uri, database and collection")
		}
	default:
		return fmt.Errorf("output format must be csv, json, dual, sqlite, or mongo")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
