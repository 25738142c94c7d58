package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/parser"
	"github.com/go-resty/resty/v2"
)

const (
	philaIIIFBase   = "https://iiif.micr.io"
	philaObjectPage = "https://www.philamuseum.org/collection/object/"
)

var errEmptyDetail = errors.New("detail response has no fields")

// PhilaSource crawls the Philadelphia Museum of Art search API.
type PhilaSource struct {
	client    *resty.Client
	searchURL string
	detailURL string
	query     string
	term      string
}

// NewPhilaSource builds a JSON client for the Philadelphia search and
// object endpoints.
func NewPhilaSource(cfg *config.Config) *PhilaSource {
	client := resty.New()
	client.SetHeader("user-agent", cfg.UserAgent)
	client.SetHeader("Accept", "application/json")
	client.SetTimeout(cfg.Timeout)

	return &PhilaSource{
		client:    client,
		searchURL: cfg.BaseURL,
		detailURL: strings.TrimRight(cfg.DetailURL, "/"),
		query:     cfg.Query,
		term:      cfg.RelevanceTerm,
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (p *PhilaSource) WithTransport(rt http.RoundTripper) *PhilaSource {
	p.client.SetTransport(rt)
	return p
}

func (p *PhilaSource) Name() string {
	return config.SourcePhila
}

type philaSearchRequest struct {
	Query  string      `json:"query"`
	Paging philaPaging `json:"paging"`
}

type philaPaging struct {
	From int `json:"from"`
	Size int `json:"size"`
}

type philaSearchResponse struct {
	Result []philaSearchItem `json:"result"`
}

type philaSearchItem struct {
	UUID         looseString `json:"uuid"`
	Title        looseString `json:"title"`
	Artist       looseString `json:"artist"`
	Date         looseString `json:"date"`
	Category     looseString `json:"category"`
	Constituents looseString `json:"constituents"`
	Summary      looseString `json:"summary"`
	ImageURL     looseString `json:"imageUrl"`
}

type philaDetail struct {
	Dimensions looseString `json:"Dimensions"`
	CreditLine looseString `json:"CreditLine"`
	Medium     looseString `json:"Medium"`
	Dynasty    looseString `json:"Dynasty"`
}

// FetchPage posts one search request. A response without a result list is
// treated as the end of results.
func (p *PhilaSource) FetchPage(ctx context.Context, offset, size int) ([]models.SourceItem, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(philaSearchRequest{
			Query:  p.query,
			Paging: philaPaging{From: offset, Size: size},
		}).
		Post(p.searchURL)
	if err != nil {
		return nil, classifyError("search", err, 0)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyError("search", nil, resp.StatusCode())
	}

	var body philaSearchResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, FatalFetchError{Op: "search", Kind: kindMalformed, StatusCode: resp.StatusCode(), Err: err}
	}

	items := make([]models.SourceItem, 0, len(body.Result))
	for _, raw := range body.Result {
		id := strings.TrimSpace(string(raw.UUID))
		item := models.SourceItem{
			ID:       id,
			Title:    string(raw.Title),
			Author:   string(raw.Artist),
			Date:     string(raw.Date),
			Category: string(raw.Category),
			Tags:     string(raw.Constituents),
			Summary:  string(raw.Summary),
			ImageURL: parser.IIIFImageURL(string(raw.ImageURL), philaIIIFBase),
		}
		if id != "" {
			item.DetailURL = philaObjectPage + id
		}
		items = append(items, item)
	}
	return items, nil
}

func (p *PhilaSource) IsRelevant(item models.SourceItem) bool {
	return parser.IsRelevant(item.Tags, p.term)
}

// FetchDetail loads the object record for id. An empty object counts as a
// failure so the item is retried later.
func (p *PhilaSource) FetchDetail(ctx context.Context, id string) (models.Detail, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		Get(p.detailURL + "/" + id)
	if err != nil {
		return models.Detail{}, classifyError("detail", err, 0)
	}
	if resp.StatusCode() != http.StatusOK {
		return models.Detail{}, classifyError("detail", nil, resp.StatusCode())
	}

	var raw philaDetail
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return models.Detail{}, FatalFetchError{Op: "detail", Kind: kindMalformed, StatusCode: resp.StatusCode(), Err: err}
	}

	detail := models.Detail{
		Culture:    string(raw.Dynasty),
		Medium:     string(raw.Medium),
		Dimensions: string(raw.Dimensions),
		CreditLine: string(raw.CreditLine),
	}
	if detail == (models.Detail{}) {
		return models.Detail{}, ParseError{Field: "detail " + id, Err: errEmptyDetail}
	}
	return detail, nil
}

// looseString accepts strings, numbers, booleans, null and arrays of those.
// Arrays are joined with ", ".
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
	case '[':
		var parts []looseString
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		values := make([]string, 0, len(parts))
		for _, part := range parts {
			if part != "" {
				values = append(values, string(part))
			}
		}
		*s = looseString(strings.Join(values, ", "))
	case '{':
		// nested objects carry nothing we store
		*s = ""
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			*s = looseString(n.String())
			return nil
		}
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("unsupported value %s", data)
		}
		*s = looseString(strconv.FormatBool(b))
	}
	return nil
}
