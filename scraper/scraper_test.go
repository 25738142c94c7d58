package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/parser"
	"github.com/aluiziolira/go-scrape-museums/pipeline"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeSource serves pages from memory, keyed by offset.
type fakeSource struct {
	mu sync.Mutex

	pages      map[int][]models.SourceItem
	pageErrs   map[int][]error // consumed one per call before the page is served
	detailFail map[string]int  // failures before success; -1 fails forever

	pageCalls   []int
	detailCalls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:       make(map[int][]models.SourceItem),
		pageErrs:    make(map[int][]error),
		detailFail:  make(map[string]int),
		detailCalls: make(map[string]int),
	}
}

// paginate lays items out in pages of size.
func (f *fakeSource) paginate(size int, items ...models.SourceItem) *fakeSource {
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		f.pages[i] = items[i:end]
	}
	return f
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchPage(ctx context.Context, offset, size int) ([]models.SourceItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls = append(f.pageCalls, offset)
	if errs := f.pageErrs[offset]; len(errs) > 0 {
		f.pageErrs[offset] = errs[1:]
		return nil, errs[0]
	}
	return f.pages[offset], nil
}

func (f *fakeSource) IsRelevant(item models.SourceItem) bool {
	return parser.IsRelevant(item.Tags, "Chinese")
}

func (f *fakeSource) FetchDetail(ctx context.Context, id string) (models.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls[id]++
	switch remaining := f.detailFail[id]; {
	case remaining < 0:
		return models.Detail{}, TransientFetchError{Op: "detail", Kind: kindServerError, StatusCode: 503, Err: errors.New("unavailable")}
	case remaining > 0:
		f.detailFail[id] = remaining - 1
		return models.Detail{}, TransientFetchError{Op: "detail", Kind: kindTimeout, Err: context.DeadlineExceeded}
	}
	return models.Detail{Medium: "medium of " + id, Dimensions: "H. 1 cm"}, nil
}

func (f *fakeSource) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[id]
}

type memoryPersister struct {
	batches [][]*models.Artifact
}

func (m *memoryPersister) Persist(records []*models.Artifact) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	m.batches = append(m.batches, records)
	return len(records), nil
}

func (m *memoryPersister) ids() []string {
	var ids []string
	for _, batch := range m.batches {
		for _, r := range batch {
			ids = append(ids, r.ItemID)
		}
	}
	return ids
}

// failingPersister rejects every batch, like a full disk.
type failingPersister struct {
	err   error
	calls int
}

func (f *failingPersister) Persist(records []*models.Artifact) (int, error) {
	f.calls++
	return 0, f.err
}

type recordingCheckpointer struct {
	offsets   []int
	processed []string
	failed    []models.SourceItem
}

func (r *recordingCheckpointer) Checkpoint(_ string, nextOffset int, processed []string, failed []models.SourceItem) error {
	r.offsets = append(r.offsets, nextOffset)
	r.processed = append(r.processed, processed...)
	r.failed = failed
	return nil
}

func chinese(id string) models.SourceItem {
	return models.SourceItem{ID: id, Title: "Object " + id, Tags: "Chinese", DetailURL: "https://museum.test/" + id}
}

func japanese(id string) models.SourceItem {
	return models.SourceItem{ID: id, Title: "Object " + id, Tags: "Japanese"}
}

func testConfig(pageSize int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.Parallelism = 4
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 4 * time.Millisecond
	cfg.RetryPasses = 1
	cfg.PageDelay = 0
	cfg.MaxPageFailures = 3
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config, source Source) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg, source)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	t.Cleanup(s.Close)
	return s
}

func TestScraperStopsAfterEmptyPage(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"), chinese("c"), chinese("d"), chinese("e"))
	s := newTestScraper(t, testConfig(2), source)

	result, err := s.Run(context.Background(), &memoryPersister{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := []int{0, 2, 4, 6}; !reflect.DeepEqual(source.pageCalls, want) {
		t.Fatalf("pages visited = %v, want %v", source.pageCalls, want)
	}
	if result.PageCount != 3 {
		t.Fatalf("page count = %d, want 3", result.PageCount)
	}
	if result.Persisted != 5 {
		t.Fatalf("persisted = %d, want 5", result.Persisted)
	}
}

func TestScraperPersistFailureAbortsRun(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"), chinese("c"), chinese("d"))
	source.detailFail["b"] = 1
	s := newTestScraper(t, testConfig(2), source)
	diskFull := errors.New("no space left on device")
	persister := &failingPersister{err: diskFull}

	result, err := s.Run(context.Background(), persister)
	if !errors.Is(err, diskFull) {
		t.Fatalf("run error = %v, want wrapped %v", err, diskFull)
	}
	if !strings.Contains(err.Error(), "persist page at offset 0") {
		t.Fatalf("run error = %q, want page context", err)
	}
	if want := []int{0}; !reflect.DeepEqual(source.pageCalls, want) {
		t.Fatalf("pages visited = %v, want %v", source.pageCalls, want)
	}
	if persister.calls != 1 {
		t.Fatalf("persist calls = %d, want 1", persister.calls)
	}
	if got := source.calls("b"); got != 1 {
		t.Fatalf("detail calls for b = %d, want 1 (no retry pass)", got)
	}
	if result.Persisted != 0 || result.Recovered != 0 {
		t.Fatalf("persisted = %d, recovered = %d, want 0", result.Persisted, result.Recovered)
	}
	if want := []string{"b"}; !reflect.DeepEqual(result.Unrecovered, want) {
		t.Fatalf("unrecovered = %v, want %v", result.Unrecovered, want)
	}
}

func TestScraperDuplicateAcrossPagesFetchedOnce(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("dup"), chinese("dup"), chinese("b"))
	s := newTestScraper(t, testConfig(2), source)
	persister := &memoryPersister{}

	result, err := s.Run(context.Background(), persister)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := source.calls("dup"); got != 1 {
		t.Fatalf("detail calls for dup = %d, want 1", got)
	}
	if result.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", result.Duplicates)
	}
	if want := []string{"a", "dup", "b"}; !reflect.DeepEqual(persister.ids(), want) {
		t.Fatalf("persisted ids = %v, want %v", persister.ids(), want)
	}
}

func TestScraperDuplicateWithinPage(t *testing.T) {
	source := newFakeSource().paginate(3, chinese("x"), chinese("x"), chinese("y"))
	s := newTestScraper(t, testConfig(3), source)
	persister := &memoryPersister{}

	if _, err := s.Run(context.Background(), persister); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := source.calls("x"); got != 1 {
		t.Fatalf("detail calls for x = %d, want 1", got)
	}
	if len(persister.ids()) != 2 {
		t.Fatalf("persisted = %v, want x and y once", persister.ids())
	}
}

func TestScraperIrrelevantItemsSkipDetail(t *testing.T) {
	source := newFakeSource().paginate(3, chinese("a"), japanese("j"), chinese("b"))
	s := newTestScraper(t, testConfig(3), source)

	result, err := s.Run(context.Background(), &memoryPersister{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := source.calls("j"); got != 0 {
		t.Fatalf("irrelevant item fetched %d times", got)
	}
	if result.Irrelevant != 1 || result.DetailRequests != 2 {
		t.Fatalf("irrelevant=%d detail=%d, want 1 and 2", result.Irrelevant, result.DetailRequests)
	}
}

func TestScraperRetryRecoversFailedDetail(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("flaky"))
	source.detailFail["flaky"] = 1
	s := newTestScraper(t, testConfig(2), source)
	persister := &memoryPersister{}

	s.result = models.CrawlResult{}
	if err := s.Crawl(context.Background(), persister); err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if got := s.FailedIDs(); !reflect.DeepEqual(got, []string{"flaky"}) {
		t.Fatalf("failed after main pass = %v, want [flaky]", got)
	}
	if want := []string{"a"}; !reflect.DeepEqual(persister.ids(), want) {
		t.Fatalf("persisted after main pass = %v, want %v", persister.ids(), want)
	}

	if err := s.RetryFailed(context.Background(), persister); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := s.FailedIDs(); len(got) != 0 {
		t.Fatalf("failed after retry = %v, want empty", got)
	}
	if want := []string{"a", "flaky"}; !reflect.DeepEqual(persister.ids(), want) {
		t.Fatalf("persisted after retry = %v, want %v", persister.ids(), want)
	}
	if s.result.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", s.result.Recovered)
	}
}

func TestScraperPermanentFailureReported(t *testing.T) {
	source := newFakeSource().paginate(3, chinese("a"), chinese("bad"), chinese("b"))
	source.detailFail["bad"] = -1
	cfg := testConfig(3)
	cfg.RetryPasses = 2
	s := newTestScraper(t, cfg, source)
	persister := &memoryPersister{}

	result, err := s.Run(context.Background(), persister)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(result.Unrecovered, []string{"bad"}) {
		t.Fatalf("unrecovered = %v, want [bad]", result.Unrecovered)
	}
	for _, id := range persister.ids() {
		if id == "bad" {
			t.Fatalf("record written for permanently failing item")
		}
	}
	if got := source.calls("bad"); got != 3 {
		t.Fatalf("detail calls = %d, want 1 + 2 retry passes", got)
	}
	if result.ErrorsByType[kindServerError] != 3 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
}

func TestScraperEndToEnd(t *testing.T) {
	source := newFakeSource().paginate(3,
		chinese("p1-a"), japanese("p1-b"), chinese("p1-c"),
		chinese("p2-a"), chinese("p2-b"), chinese("p2-c"),
	)
	source.detailFail["p2-b"] = 1

	cfg := testConfig(3)
	cfg.OutputFile = filepath.Join(t.TempDir(), "out", "artifacts.csv")
	writer, err := pipeline.NewCSVWriter(cfg.OutputFile)
	if err != nil {
		t.Fatalf("csv writer: %v", err)
	}
	p := pipeline.NewPipeline(writer, cfg)
	s := newTestScraper(t, cfg, source)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("pipeline close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer close: %v", err)
	}

	ids, err := writer.PersistedIDs()
	if err != nil {
		t.Fatalf("persisted ids: %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("records = %v, want 5", ids)
	}
	if len(result.Unrecovered) != 0 {
		t.Fatalf("unrecovered = %v, want none", result.Unrecovered)
	}
	if result.Recovered != 1 || result.Persisted != 5 {
		t.Fatalf("recovered=%d persisted=%d", result.Recovered, result.Persisted)
	}

	data, err := os.ReadFile(cfg.OutputFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if n := bytes.Count(data, []byte("item_id,source")); n != 1 {
		t.Fatalf("header written %d times", n)
	}
}

func TestScraperPageSizeBoundaries(t *testing.T) {
	var items []models.SourceItem
	for i := 0; i < 7; i++ {
		items = append(items, chinese("id-"+strconv.Itoa(i)))
	}

	for _, size := range []int{1, 1000} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			source := newFakeSource().paginate(size, items...)
			s := newTestScraper(t, testConfig(size), source)
			persister := &memoryPersister{}

			result, err := s.Run(context.Background(), persister)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if len(persister.ids()) != 7 {
				t.Fatalf("persisted %d, want 7", len(persister.ids()))
			}
			wantPages := (7 + size - 1) / size
			if result.PageCount != wantPages {
				t.Fatalf("pages = %d, want %d", result.PageCount, wantPages)
			}
		})
	}
}

func TestScraperSkipsPageAfterTransientFailures(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"), chinese("c"), chinese("d"), chinese("e"))
	outage := TransientFetchError{Op: "search", Kind: kindServerError, StatusCode: 502, Err: errors.New("bad gateway")}
	source.pageErrs[2] = []error{outage, outage, outage}
	s := newTestScraper(t, testConfig(2), source)
	persister := &memoryPersister{}

	result, err := s.Run(context.Background(), persister)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(result.SkippedOffsets, []int{2}) {
		t.Fatalf("skipped = %v, want [2]", result.SkippedOffsets)
	}
	if want := []string{"a", "b", "e"}; !reflect.DeepEqual(persister.ids(), want) {
		t.Fatalf("persisted = %v, want %v", persister.ids(), want)
	}
	if result.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", result.RetryCount)
	}
}

func TestScraperRecoversPageWithinRetries(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"))
	source.pageErrs[0] = []error{TransientFetchError{Op: "search", Kind: kindTimeout, Err: context.DeadlineExceeded}}
	s := newTestScraper(t, testConfig(2), source)

	result, err := s.Run(context.Background(), &memoryPersister{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.SkippedOffsets) != 0 || result.Persisted != 2 {
		t.Fatalf("skipped=%v persisted=%d", result.SkippedOffsets, result.Persisted)
	}
	if result.ErrorsByType[kindTimeout] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
}

func TestScraperFatalPageErrorAborts(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"))
	source.pageErrs[0] = []error{FatalFetchError{Op: "search", Kind: kindMalformed, Err: errors.New("not json")}}
	s := newTestScraper(t, testConfig(2), source)

	_, err := s.Run(context.Background(), &memoryPersister{})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if len(source.pageCalls) != 1 {
		t.Fatalf("fatal errors must not be retried, calls = %v", source.pageCalls)
	}
}

func TestScraperAbortsAfterConsecutiveSkips(t *testing.T) {
	source := newFakeSource()
	down := TransientFetchError{Op: "search", Kind: kindConnection, Err: errors.New("refused")}
	for offset := 0; offset < 20; offset += 2 {
		source.pageErrs[offset] = []error{down, down, down}
	}
	cfg := testConfig(2)
	cfg.MaxPageFailures = 2
	s := newTestScraper(t, cfg, source)

	result, err := s.Run(context.Background(), &memoryPersister{})
	if !errors.Is(err, ErrTooManyPageFailures) {
		t.Fatalf("expected ErrTooManyPageFailures, got %v", err)
	}
	if !reflect.DeepEqual(result.SkippedOffsets, []int{0, 2}) {
		t.Fatalf("skipped = %v", result.SkippedOffsets)
	}
}

func TestScraperMaxPages(t *testing.T) {
	source := newFakeSource().paginate(1, chinese("a"), chinese("b"), chinese("c"))
	cfg := testConfig(1)
	cfg.MaxPages = 2
	s := newTestScraper(t, cfg, source)

	result, err := s.Run(context.Background(), &memoryPersister{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 2 || len(source.pageCalls) != 2 {
		t.Fatalf("pages=%d calls=%v, want 2", result.PageCount, source.pageCalls)
	}
}

func TestScraperEmptyIDCountsAsParseError(t *testing.T) {
	source := newFakeSource().paginate(2, models.SourceItem{Title: "no id", Tags: "Chinese"}, chinese("a"))
	s := newTestScraper(t, testConfig(2), source)

	result, err := s.Run(context.Background(), &memoryPersister{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ParseErrors != 1 || result.ErrorsByType["parse"] != 1 {
		t.Fatalf("parse errors=%d by type=%v", result.ParseErrors, result.ErrorsByType)
	}
}

func TestScraperResume(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"), chinese("c"), chinese("d"))
	s := newTestScraper(t, testConfig(2), source)
	s.Resume(2, []string{"a", "b", "c"}, []models.SourceItem{chinese("old")})
	persister := &memoryPersister{}

	result, err := s.Run(context.Background(), persister)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if source.pageCalls[0] != 2 {
		t.Fatalf("first page offset = %d, want 2", source.pageCalls[0])
	}
	if source.calls("c") != 0 {
		t.Fatalf("seeded id should not be fetched again")
	}
	if want := []string{"d", "old"}; !reflect.DeepEqual(persister.ids(), want) {
		t.Fatalf("persisted = %v, want %v", persister.ids(), want)
	}
	if result.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", result.Recovered)
	}
}

func TestScraperCheckpointsEachPage(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), chinese("b"), chinese("bad"))
	source.detailFail["bad"] = -1
	state := &recordingCheckpointer{}
	s := newTestScraper(t, testConfig(2), source)
	s.WithStateStore(state)

	if _, err := s.Run(context.Background(), &memoryPersister{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	// two pages then one retry pass
	if want := []int{2, 4, 4}; !reflect.DeepEqual(state.offsets, want) {
		t.Fatalf("checkpoint offsets = %v, want %v", state.offsets, want)
	}
	if want := []string{"a", "b", "bad"}; !reflect.DeepEqual(state.processed, want) {
		t.Fatalf("checkpointed ids = %v, want %v", state.processed, want)
	}
	if len(state.failed) != 1 || state.failed[0].ID != "bad" {
		t.Fatalf("checkpointed failed = %v", state.failed)
	}
}

func TestScraperCancelledContext(t *testing.T) {
	source := newFakeSource().paginate(1, chinese("a"))
	s := newTestScraper(t, testConfig(1), source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx, &memoryPersister{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Interrupted {
		t.Fatalf("result should be marked interrupted")
	}
	if len(source.pageCalls) != 0 {
		t.Fatalf("no page should be fetched after cancellation")
	}
}

func TestScraperMetrics(t *testing.T) {
	source := newFakeSource().paginate(2, chinese("a"), japanese("j"), chinese("bad"))
	source.detailFail["bad"] = -1
	s := newTestScraper(t, testConfig(2), source)

	if _, err := s.Run(context.Background(), &memoryPersister{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	m := s.Metrics
	if got := testutil.ToFloat64(m.PagesTotal.WithLabelValues("fetched")); got != 2 {
		t.Fatalf("fetched pages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PagesTotal.WithLabelValues("empty")); got != 1 {
		t.Fatalf("empty pages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecordsPersistedTotal); got != 1 {
		t.Fatalf("persisted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FailedIDs); got != 1 {
		t.Fatalf("failed gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("detail")); got != 3 {
		t.Fatalf("detail requests = %v, want 3", got)
	}
}

func TestScraperBackoffCapped(t *testing.T) {
	cfg := testConfig(1)
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond
	s := newTestScraper(t, cfg, newFakeSource())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 3, want: 500 * time.Millisecond},
		{attempt: 6, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep should return immediately on cancellation")
	}
}
