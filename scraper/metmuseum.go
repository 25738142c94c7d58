package scraper

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/parser"
	"github.com/gocolly/colly/v2"
)

const (
	metItemSelector    = `figure[class*="collection-object_collectionObject"]`
	metLinkSelector    = `a[class*="collection-object_link"]`
	metCultureSelector = `div[class*="collection-object_culture"]`
	metImageSelector   = `img[class*="collection-object_image"]`
	metDescSelector    = `.artwork__intro__desc p`
	metOverviewPara    = `section#overview p`
)

// MetSource crawls the Metropolitan Museum collection search pages.
type MetSource struct {
	html    *htmlClient
	baseURL string
	query   string
	geo     string
	term    string
}

// NewMetSource builds a synchronous collector restricted to the base host.
func NewMetSource(cfg *config.Config) (*MetSource, error) {
	client, err := newHTMLClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MetSource{
		html:    client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		query:   cfg.Query,
		geo:     cfg.Geolocation,
		term:    cfg.RelevanceTerm,
	}, nil
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (m *MetSource) WithTransport(rt http.RoundTripper) *MetSource {
	m.html.collector.WithTransport(rt)
	return m
}

func (m *MetSource) Name() string {
	return config.SourceMet
}

func (m *MetSource) searchURL(offset, size int) string {
	params := url.Values{}
	params.Set("q", m.query)
	if m.geo != "" {
		params.Set("geolocation", m.geo)
	}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("perPage", strconv.Itoa(size))
	return m.baseURL + "/art/collection/search?" + params.Encode()
}

func (m *MetSource) detailURL(id string) string {
	return m.baseURL + "/art/collection/search/" + url.PathEscape(id)
}

// FetchPage loads one search results page. A non-HTML response means the
// endpoint changed and is fatal.
func (m *MetSource) FetchPage(ctx context.Context, offset, size int) ([]models.SourceItem, error) {
	var items []models.SourceItem
	err := m.html.visit(ctx, "search", m.searchURL(offset, size), func(r *colly.Response, doc *goquery.Document) {
		doc.Find(metItemSelector).Each(func(_ int, s *goquery.Selection) {
			items = append(items, metSearchItem(r, s))
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func metSearchItem(r *colly.Response, s *goquery.Selection) models.SourceItem {
	link := s.Find(metLinkSelector).First()
	href, _ := link.Attr("href")
	culture := parser.NormalizeText(s.Find(metCultureSelector).First().Text())
	image, _ := s.Find(metImageSelector).First().Attr("src")

	item := models.SourceItem{
		ID:     parser.ItemIDFromURL(href),
		Title:  parser.NormalizeText(link.Text()),
		Author: culture,
		Tags:   culture,
	}
	if href != "" {
		item.DetailURL = r.Request.AbsoluteURL(href)
	}
	if image != "" {
		item.ImageURL = r.Request.AbsoluteURL(image)
	}
	return item
}

func (m *MetSource) IsRelevant(item models.SourceItem) bool {
	return parser.IsRelevant(item.Tags, m.term)
}

// FetchDetail loads the object page and reads the labelled overview fields.
func (m *MetSource) FetchDetail(ctx context.Context, id string) (models.Detail, error) {
	var detail models.Detail
	err := m.html.visit(ctx, "detail", m.detailURL(id), func(_ *colly.Response, doc *goquery.Document) {
		detail = metDetail(doc)
	})
	if err != nil {
		return models.Detail{}, err
	}
	if detail == (models.Detail{}) {
		return models.Detail{}, ParseError{Field: "detail " + id, Err: errEmptyDetail}
	}
	return detail, nil
}

func metDetail(doc *goquery.Document) models.Detail {
	var detail models.Detail

	var desc []string
	doc.Find(metDescSelector).Each(func(_ int, s *goquery.Selection) {
		if text := parser.NormalizeText(s.Text()); text != "" {
			desc = append(desc, text)
		}
	})
	detail.Description = strings.Join(desc, " ")

	labels := []struct {
		label string
		dest  *string
	}{
		{"Date:", &detail.Date},
		{"Culture:", &detail.Culture},
		{"Medium:", &detail.Medium},
		{"Dimensions:", &detail.Dimensions},
		{"Classification:", &detail.Category},
		{"Credit Line:", &detail.CreditLine},
	}
	doc.Find(metOverviewPara).Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		for _, l := range labels {
			if value, ok := parser.LabeledValue(text, l.label); ok {
				if *l.dest == "" {
					*l.dest = value
				}
				return
			}
		}
	})
	return detail
}
