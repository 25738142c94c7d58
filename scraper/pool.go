package scraper

import (
	"context"
	"errors"
	"sync"

	"github.com/aluiziolira/go-scrape-museums/models"
)

// ErrPoolClosed is returned by Run after Close.
var ErrPoolClosed = errors.New("worker pool: closed")

type detailFunc func(ctx context.Context, item models.SourceItem) (models.Detail, error)

type detailResult struct {
	item   models.SourceItem
	detail models.Detail
	err    error
}

type poolJob struct {
	ctx     context.Context
	index   int
	item    models.SourceItem
	results chan<- indexedResult
}

type indexedResult struct {
	index int
	detailResult
}

// workerPool runs detail fetches on a fixed number of goroutines that live
// for the whole crawl.
type workerPool struct {
	jobs  chan poolJob
	fetch detailFunc
	wg    sync.WaitGroup

	mu     sync.RWMutex // guards closed against Run
	closed bool
}

func newWorkerPool(size int, fetch detailFunc) *workerPool {
	if size <= 0 {
		size = 1
	}
	wp := &workerPool{
		jobs:  make(chan poolJob),
		fetch: fetch,
	}
	wp.wg.Add(size)
	for i := 0; i < size; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		detail, err := wp.fetch(job.ctx, job.item)
		job.results <- indexedResult{
			index:        job.index,
			detailResult: detailResult{item: job.item, detail: detail, err: err},
		}
	}
}

// Run fetches details for items and returns once every one has a result.
// Results are in the same order as items.
func (wp *workerPool) Run(ctx context.Context, items []models.SourceItem) ([]detailResult, error) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return nil, ErrPoolClosed
	}

	// buffered so workers never block on a slow reader
	results := make(chan indexedResult, len(items))
	for i, item := range items {
		wp.jobs <- poolJob{ctx: ctx, index: i, item: item, results: results}
	}

	out := make([]detailResult, len(items))
	for range items {
		r := <-results
		out[r.index] = r.detailResult
	}
	return out, nil
}

// Close stops the workers after in-flight jobs finish.
func (wp *workerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()
	wp.wg.Wait()
}
