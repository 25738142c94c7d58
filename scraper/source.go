package scraper

import (
	"context"
	"fmt"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/models"
)

// Source is one museum collection site.
type Source interface {
	// Name is written to every record's source column.
	Name() string
	// FetchPage returns the search results starting at offset. An empty
	// slice means there are no more results.
	FetchPage(ctx context.Context, offset, size int) ([]models.SourceItem, error)
	// IsRelevant decides whether an item is worth a detail request.
	IsRelevant(item models.SourceItem) bool
	// FetchDetail fetches the enrichment fields for one item.
	FetchDetail(ctx context.Context, id string) (models.Detail, error)
}

// NewSource builds the adapter selected by cfg.Source.
func NewSource(cfg *config.Config) (Source, error) {
	switch cfg.Source {
	case config.SourcePhila:
		return NewPhilaSource(cfg), nil
	case config.SourceMet:
		return NewMetSource(cfg)
	case config.SourceNelson:
		return NewNelsonSource(cfg)
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}
