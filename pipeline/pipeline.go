package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/logging"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/parser"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrPipelineClosed is returned when Persist is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(artifacts []*models.Artifact) error
	Close() error
	Validate() error
}

// Inserter is implemented by writers that skip ids they already hold. Insert
// reports how many rows the batch actually added.
type Inserter interface {
	Insert(artifacts []*models.Artifact) (int, error)
}

// Seeder is implemented by writers that can list the ids already stored.
type Seeder interface {
	PersistedIDs() ([]string, error)
}

// Pipeline validates, de-duplicates and writes one batch per call.
type Pipeline struct {
	writer OutputWriter
	seen   *lru.Cache[string, struct{}]
	log    zerolog.Logger

	metrics metrics

	mu     sync.Mutex // guards closed/err and serializes writes
	closed bool
	err    error

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline writing to writer.
func NewPipeline(writer OutputWriter, cfg *config.Config) *Pipeline {
	size := cfg.DedupeMaxSize
	if size <= 0 {
		size = 1
	}
	seen, _ := lru.New[string, struct{}](size)

	return &Pipeline{
		writer:   writer,
		seen:     seen,
		log:      logging.NewLogger("pipeline"),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Persist writes records as a single batch and returns how many were written.
// For an Inserter that is the number of rows it added. An empty batch is a
// no-op. A write failure is returned and latches the pipeline into a failed
// state.
func (p *Pipeline) Persist(records []*models.Artifact) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, ErrPipelineClosed
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := make([]*models.Artifact, 0, len(records))
	for _, record := range records {
		if prepared := p.prepare(record); prepared != nil {
			batch = append(batch, prepared)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	written, err := p.write(batch)
	if err != nil {
		for _, record := range batch {
			p.seen.Remove(record.ItemID)
		}
		p.err = fmt.Errorf("write batch: %w", err)
		p.closed = true
		p.signalShutdown()
		return 0, p.err
	}

	p.metrics.addProcessed(written)
	return written, nil
}

func (p *Pipeline) write(batch []*models.Artifact) (int, error) {
	if inserter, ok := p.writer.(Inserter); ok {
		return inserter.Insert(batch)
	}
	if err := p.writer.Write(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Close prevents further writes and stops metrics reporting.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_records"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				p.log.Info().
					Int64("processed", processed).
					Interface("validation_errors", validation).
					Msg("pipeline progress")
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) prepare(record *models.Artifact) *models.Artifact {
	if err := parser.ValidateArtifact(record); err != nil {
		p.metrics.addValidation("invalid_record")
		p.log.Debug().Err(err).Msg("dropping invalid record")
		return nil
	}

	parser.NormalizeArtifact(record)

	if p.seen.Contains(record.ItemID) {
		p.metrics.addValidation("duplicate_id")
		return nil
	}
	p.seen.Add(record.ItemID, struct{}{})
	return record
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) addProcessed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"validation_errors": copyValidation,
	}
}
