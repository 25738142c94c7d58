package scraper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/logging"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/parser"
	"github.com/rs/zerolog"
)

// Persister accepts one page's worth of records.
type Persister interface {
	Persist(records []*models.Artifact) (int, error)
}

// Checkpointer stores crawl progress so a later run can resume.
type Checkpointer interface {
	Checkpoint(source string, nextOffset int, processed []string, failed []models.SourceItem) error
}

// Scraper drives the page loop for one source: fetch a page, filter it,
// fetch details concurrently, persist, advance.
type Scraper struct {
	cfg     *config.Config
	source  Source
	pool    *workerPool
	state   Checkpointer
	Metrics *Metrics
	log     zerolog.Logger

	// owned by the driver goroutine
	offset     int
	processed  map[string]struct{}
	unsaved    []string
	failed     map[string]models.SourceItem
	result     models.CrawlResult
	retryCount int

	requestCount int64
	errorCount   int64

	mu           sync.Mutex
	errorsByType map[string]int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewScraper builds a driver for source. The worker pool starts immediately
// and lives until Close.
func NewScraper(cfg *config.Config, source Source) (*Scraper, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive")
	}
	if cfg.Parallelism <= 0 {
		return nil, fmt.Errorf("parallelism must be positive")
	}

	s := &Scraper{
		cfg:          cfg,
		source:       source,
		Metrics:      NewMetrics(),
		log:          logging.NewLogger("scraper").With().Str("source", source.Name()).Logger(),
		processed:    make(map[string]struct{}),
		failed:       make(map[string]models.SourceItem),
		errorsByType: make(map[string]int),
		sleep:        sleepContext,
	}
	s.pool = newWorkerPool(cfg.Parallelism, s.fetchDetail)
	return s, nil
}

// WithStateStore enables checkpointing after every page.
func (s *Scraper) WithStateStore(state Checkpointer) *Scraper {
	s.state = state
	return s
}

// Seed marks ids as already handled, typically those found in the output.
func (s *Scraper) Seed(ids []string) {
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.processed[id] = struct{}{}
		}
	}
}

// Resume restores progress from a previous run.
func (s *Scraper) Resume(nextOffset int, processed []string, failed []models.SourceItem) {
	if nextOffset > 0 {
		s.offset = nextOffset
	}
	s.Seed(processed)
	for _, item := range failed {
		if item.ID == "" {
			continue
		}
		s.processed[item.ID] = struct{}{}
		s.failed[item.ID] = item
	}
	s.Metrics.SetFailed(len(s.failed))
}

// Run crawls every page, retries failed details and reports the outcome.
// A cancelled context ends the run early without an error.
func (s *Scraper) Run(ctx context.Context, p Persister) (*models.CrawlResult, error) {
	s.result = models.CrawlResult{
		Source:    s.source.Name(),
		StartTime: time.Now(),
	}

	err := s.Crawl(ctx, p)
	if err == nil && !s.result.Interrupted {
		err = s.RetryFailed(ctx, p)
	}
	if ctx.Err() != nil {
		s.result.Interrupted = true
	}

	return s.finish(), err
}

// Crawl runs the page loop until an empty page, max-pages, cancellation or
// a fatal error.
func (s *Scraper) Crawl(ctx context.Context, p Persister) error {
	pages := 0
	consecutiveSkips := 0

	for {
		if ctx.Err() != nil {
			s.result.Interrupted = true
			s.log.Warn().Int("offset", s.offset).Msg("crawl interrupted")
			return nil
		}
		if s.cfg.MaxPages > 0 && pages >= s.cfg.MaxPages {
			s.log.Info().Int("pages", pages).Msg("max pages reached")
			return nil
		}

		offset := s.offset
		items, err := s.fetchPage(ctx, offset)
		pages++
		if err != nil {
			if ctx.Err() != nil {
				s.result.Interrupted = true
				return nil
			}
			if !IsTransient(err) {
				return fmt.Errorf("fetch page at offset %d: %w", offset, err)
			}

			consecutiveSkips++
			s.result.SkippedOffsets = append(s.result.SkippedOffsets, offset)
			s.Metrics.IncPage("skipped")
			s.log.Error().Err(err).Int("offset", offset).Msg("skipping page after retries")
			if s.cfg.MaxPageFailures > 0 && consecutiveSkips >= s.cfg.MaxPageFailures {
				return fmt.Errorf("%w: %d in a row, last at offset %d: %v",
					ErrTooManyPageFailures, consecutiveSkips, offset, err)
			}
			s.advance()
			_ = s.sleep(ctx, s.cfg.PageDelay)
			continue
		}
		consecutiveSkips = 0

		if len(items) == 0 {
			s.Metrics.IncPage("empty")
			s.log.Info().Int("offset", offset).Msg("no more results")
			return nil
		}
		s.Metrics.IncPage("fetched")
		s.result.PageCount++

		records := s.processPage(ctx, items)
		n, err := p.Persist(records)
		if err != nil {
			return fmt.Errorf("persist page at offset %d: %w", offset, err)
		}
		s.result.Persisted += n
		s.Metrics.AddPersisted(n)

		s.log.Info().
			Int("offset", offset).
			Int("items", len(items)).
			Int("persisted", n).
			Int("failed", len(s.failed)).
			Msg("page done")

		s.advance()
		// cancellation during the delay is picked up at the top of the loop
		_ = s.sleep(ctx, s.cfg.PageDelay)
	}
}

// RetryFailed re-fetches details that failed during the crawl, up to
// retry-passes times. Ids still failing afterwards are left in the failed
// set and reported, not treated as an error.
func (s *Scraper) RetryFailed(ctx context.Context, p Persister) error {
	for pass := 1; pass <= s.cfg.RetryPasses && len(s.failed) > 0; pass++ {
		if ctx.Err() != nil {
			return nil
		}

		items := s.failedItems()
		s.log.Info().Int("pass", pass).Int("failed", len(items)).Msg("retrying failed details")

		results, err := s.pool.Run(ctx, items)
		if err != nil {
			return fmt.Errorf("retry pass %d: %w", pass, err)
		}

		var records []*models.Artifact
		for _, r := range results {
			if r.err != nil {
				continue
			}
			delete(s.failed, r.item.ID)
			records = append(records, parser.MergeArtifact(s.source.Name(), r.item, r.detail))
		}
		s.Metrics.SetFailed(len(s.failed))

		n, err := p.Persist(records)
		if err != nil {
			return fmt.Errorf("persist recovered records: %w", err)
		}
		s.result.Persisted += n
		s.result.Recovered += len(records)
		s.Metrics.AddPersisted(n)
		s.checkpoint()

		s.log.Info().
			Int("pass", pass).
			Int("recovered", len(records)).
			Int("remaining", len(s.failed)).
			Msg("retry pass done")
	}
	return nil
}

// FailedIDs returns the ids still awaiting a successful detail fetch.
func (s *Scraper) FailedIDs() []string {
	ids := make([]string, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops the worker pool.
func (s *Scraper) Close() {
	s.pool.Close()
}

func (s *Scraper) fetchPage(ctx context.Context, offset int) ([]models.SourceItem, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		atomic.AddInt64(&s.requestCount, 1)
		s.Metrics.IncRequest("page")

		items, err := s.source.FetchPage(ctx, offset, s.cfg.PageSize)
		s.Metrics.ObserveDuration("page", time.Since(start))
		if err == nil {
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		s.recordError(err)

		if !IsTransient(err) || attempt >= s.cfg.MaxRetries {
			return nil, err
		}

		delay := s.backoff(attempt + 1)
		s.retryCount++
		s.Metrics.IncRetries()
		s.log.Warn().
			Err(err).
			Int("offset", offset).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("page fetch failed, retrying")
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// processPage filters a page and fetches details for the relevant items.
// Only the driver goroutine touches the id sets.
func (s *Scraper) processPage(ctx context.Context, items []models.SourceItem) []*models.Artifact {
	relevant := make([]models.SourceItem, 0, len(items))
	for _, item := range items {
		s.result.ItemsSeen++
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			s.result.ParseErrors++
			s.recordError(ParseError{Field: "item_id", Err: errors.New("empty identifier")})
			continue
		}
		if _, seen := s.processed[item.ID]; seen {
			s.result.Duplicates++
			continue
		}
		s.processed[item.ID] = struct{}{}
		s.unsaved = append(s.unsaved, item.ID)

		if !s.source.IsRelevant(item) {
			s.result.Irrelevant++
			continue
		}
		relevant = append(relevant, item)
	}
	if len(relevant) == 0 {
		return nil
	}

	s.result.DetailRequests += len(relevant)
	s.Metrics.AddDispatched(len(relevant))

	results, err := s.pool.Run(ctx, relevant)
	if err != nil {
		s.log.Error().Err(err).Msg("detail dispatch failed")
		for _, item := range relevant {
			s.failed[item.ID] = item
		}
		s.Metrics.SetFailed(len(s.failed))
		return nil
	}

	records := make([]*models.Artifact, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			s.failed[r.item.ID] = r.item
			s.log.Debug().Err(r.err).Str("item_id", r.item.ID).Msg("detail fetch failed")
			continue
		}
		records = append(records, parser.MergeArtifact(s.source.Name(), r.item, r.detail))
	}
	s.Metrics.SetFailed(len(s.failed))
	return records
}

// fetchDetail runs on pool workers.
func (s *Scraper) fetchDetail(ctx context.Context, item models.SourceItem) (models.Detail, error) {
	start := time.Now()
	atomic.AddInt64(&s.requestCount, 1)
	s.Metrics.IncRequest("detail")

	detail, err := s.source.FetchDetail(ctx, item.ID)
	s.Metrics.ObserveDuration("detail", time.Since(start))
	if err != nil {
		s.recordError(err)
		return models.Detail{}, err
	}
	return detail, nil
}

func (s *Scraper) recordError(err error) {
	atomic.AddInt64(&s.errorCount, 1)
	label := errorTypeLabel(err)

	s.mu.Lock()
	s.errorsByType[label]++
	s.mu.Unlock()

	s.Metrics.IncError(label)
}

func (s *Scraper) advance() {
	s.offset += s.cfg.PageSize
	s.checkpoint()
}

func (s *Scraper) checkpoint() {
	if s.state == nil {
		return
	}
	if err := s.state.Checkpoint(s.source.Name(), s.offset, s.unsaved, s.failedItems()); err != nil {
		s.log.Error().Err(err).Int("offset", s.offset).Msg("checkpoint failed")
		return
	}
	s.unsaved = s.unsaved[:0]
}

func (s *Scraper) failedItems() []models.SourceItem {
	items := make([]models.SourceItem, 0, len(s.failed))
	for _, id := range s.FailedIDs() {
		items = append(items, s.failed[id])
	}
	return items
}

func (s *Scraper) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := s.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := s.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (s *Scraper) finish() *models.CrawlResult {
	s.result.EndTime = time.Now()
	s.result.RetryCount = s.retryCount
	s.result.RequestCount = int(atomic.LoadInt64(&s.requestCount))
	s.result.ErrorCount = int(atomic.LoadInt64(&s.errorCount))
	s.result.Unrecovered = s.FailedIDs()

	s.mu.Lock()
	s.result.ErrorsByType = make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		s.result.ErrorsByType[k] = v
	}
	s.mu.Unlock()

	result := s.result
	return &result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
