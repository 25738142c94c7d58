package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/gocolly/colly/v2"
)

// htmlClient fetches HTML pages from one host through colly. Every fetch
// runs on a clone so concurrent detail requests keep separate callbacks
// while sharing the transport and limits.
type htmlClient struct {
	collector *colly.Collector
}

func newHTMLClient(cfg *config.Config) (*htmlClient, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	// colly matches allowed domains against the host without its port
	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobots

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}
	return &htmlClient{collector: collector}, nil
}

// visit fetches link on a fresh clone and hands the parsed document to
// handle. A non-HTML response means the endpoint changed and is fatal;
// transport and status failures are classified.
func (h *htmlClient) visit(ctx context.Context, op, link string, handle func(*colly.Response, *goquery.Document)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := h.collector.Clone()
	var fetchErr error
	c.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		if !strings.Contains(strings.ToLower(contentType), "html") {
			fetchErr = FatalFetchError{
				Op:         op,
				Kind:       kindMalformed,
				StatusCode: r.StatusCode,
				Err:        fmt.Errorf("unexpected content type %q", contentType),
			}
			return
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			fetchErr = FatalFetchError{Op: op, Kind: kindMalformed, StatusCode: r.StatusCode, Err: err}
			return
		}
		handle(r, doc)
	})
	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = classifyError(op, err, status)
	})

	if err := c.Visit(link); err != nil && fetchErr == nil {
		fetchErr = classifyError(op, err, 0)
	}
	if fetchErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return fetchErr
}
