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
	nelsonItemSelector  = `div.result.item.grid-item`
	nelsonLinkSelector  = `h3 a`
	nelsonValueSelector = `span[class*="detailFieldValue"]`
	nelsonImageSelector = `div[class*="emuseum-img-wrap"] img`
)

// NelsonSource crawls the Nelson-Atkins eMuseum advanced search. The site
// pages by number with a fixed grid size, so offsets are mapped to
// offset/size+1.
type NelsonSource struct {
	html    *htmlClient
	baseURL string
	query   string
	term    string
}

func NewNelsonSource(cfg *config.Config) (*NelsonSource, error) {
	client, err := newHTMLClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NelsonSource{
		html:    client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		query:   cfg.Query,
		term:    cfg.RelevanceTerm,
	}, nil
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (n *NelsonSource) WithTransport(rt http.RoundTripper) *NelsonSource {
	n.html.collector.WithTransport(rt)
	return n
}

func (n *NelsonSource) Name() string {
	return config.SourceNelson
}

func (n *NelsonSource) searchURL(offset, size int) string {
	page := 1
	if size > 0 {
		page = offset/size + 1
	}
	return n.baseURL + "/advancedsearch/objects/" + url.PathEscape(n.query) + "?page=" + strconv.Itoa(page)
}

func (n *NelsonSource) detailURL(id string) string {
	return n.baseURL + "/objects/" + url.PathEscape(id)
}

func (n *NelsonSource) FetchPage(ctx context.Context, offset, size int) ([]models.SourceItem, error) {
	var items []models.SourceItem
	err := n.html.visit(ctx, "search", n.searchURL(offset, size), func(_ *colly.Response, doc *goquery.Document) {
		doc.Find(nelsonItemSelector).Each(func(_ int, s *goquery.Selection) {
			s.Find(nelsonLinkSelector).Each(func(_ int, link *goquery.Selection) {
				href, _ := link.Attr("href")
				id := nelsonObjectID(href)
				title := parser.NormalizeText(link.Text())
				item := models.SourceItem{ID: id, Title: title, Tags: title}
				if id != "" {
					item.DetailURL = n.detailURL(id)
				}
				items = append(items, item)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// IsRelevant matches the configured term against the title, the only text
// the result grid carries. The search itself is already provenance-filtered.
func (n *NelsonSource) IsRelevant(item models.SourceItem) bool {
	return parser.IsRelevant(item.Tags, n.term)
}

func (n *NelsonSource) FetchDetail(ctx context.Context, id string) (models.Detail, error) {
	var detail models.Detail
	err := n.html.visit(ctx, "detail", n.detailURL(id), func(r *colly.Response, doc *goquery.Document) {
		detail = nelsonDetail(r, doc)
	})
	if err != nil {
		return models.Detail{}, err
	}
	if detail == (models.Detail{}) {
		return models.Detail{}, ParseError{Field: "detail " + id, Err: errEmptyDetail}
	}
	return detail, nil
}

func nelsonDetail(r *colly.Response, doc *goquery.Document) models.Detail {
	field := func(name string) string {
		return parser.NormalizeText(doc.Find("div.detailField." + name + " " + nelsonValueSelector).First().Text())
	}

	detail := models.Detail{
		Date:         field("displayDateField"),
		Medium:       field("mediumField"),
		CreditLine:   field("creditlineField"),
		ObjectNumber: field("invnoField"),
		OnView:       parser.NormalizeText(doc.Find("div.detailField.onviewField > div").First().Text()),
	}

	dims := doc.Find("div.detailField.dimensionsField " + nelsonValueSelector).First()
	if inner := dims.Find("div").First(); inner.Length() > 0 {
		dims = inner
	}
	detail.Dimensions = parser.NormalizeText(dims.Text())

	if src, ok := doc.Find(nelsonImageSelector).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
		detail.ImageURL = r.Request.AbsoluteURL(strings.TrimSpace(src))
	}
	return detail
}

// nelsonObjectID takes the segment after "objects" in links such as
// /objects/31766/ewer?ctx=..., falling back to the last path segment.
func nelsonObjectID(href string) string {
	parsed, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "objects" && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return parser.ItemIDFromURL(href)
}
