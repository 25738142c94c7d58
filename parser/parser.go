package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-museums/models"
)

var whitespace = regexp.MustCompile(`\s+`)

// ValidateArtifact ensures a record carries the identifier it is keyed by.
func ValidateArtifact(a *models.Artifact) error {
	if a == nil {
		return fmt.Errorf("artifact is nil")
	}
	if strings.TrimSpace(a.ItemID) == "" {
		return fmt.Errorf("artifact missing item id (name %q)", a.Name)
	}
	return nil
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// NormalizeArtifact applies NormalizeText to every field in place.
func NormalizeArtifact(a *models.Artifact) {
	fields := []*string{
		&a.ItemID, &a.Source, &a.Name, &a.Author, &a.Date, &a.Culture, &a.Category,
		&a.Medium, &a.Dimensions, &a.CreditLine, &a.Description, &a.ImageURL, &a.DetailURL,
		&a.ObjectNumber, &a.OnView,
	}
	for _, f := range fields {
		*f = NormalizeText(*f)
	}
}

// IsRelevant reports whether tags contain term, ignoring case.
// An empty term matches everything.
func IsRelevant(tags, term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(tags), strings.ToLower(term))
}

// MergeArtifact combines coarse search fields with fetched detail fields.
// Non-empty detail values win.
func MergeArtifact(source string, item models.SourceItem, detail models.Detail) *models.Artifact {
	return &models.Artifact{
		ItemID:      item.ID,
		Source:      source,
		Name:        item.Title,
		Author:      item.Author,
		Date:        firstNonEmpty(detail.Date, item.Date),
		Culture:     detail.Culture,
		Category:    firstNonEmpty(detail.Category, item.Category),
		Medium:      detail.Medium,
		Dimensions:  detail.Dimensions,
		CreditLine:  detail.CreditLine,
		Description: firstNonEmpty(detail.Description, item.Summary),
		ImageURL:    firstNonEmpty(detail.ImageURL, item.ImageURL),
		DetailURL:   item.DetailURL,

		ObjectNumber: detail.ObjectNumber,
		OnView:       detail.OnView,
	}
}

// ItemIDFromURL returns the last non-empty path segment of link.
func ItemIDFromURL(link string) string {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i]
		}
	}
	return ""
}

// IIIFImageURL expands a bare image reference into a 300px IIIF rendition.
// Absolute URLs pass through; anything else that is not a usable reference
// becomes empty.
func IIIFImageURL(ref, base string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if strings.ContainsAny(ref, " /") {
		return ""
	}
	return fmt.Sprintf("%s/%s/full/^300,/0/default.jpg", strings.TrimRight(base, "/"), ref)
}

// LabeledValue extracts the value from text shaped like "Label: value".
func LabeledValue(text, label string) (string, bool) {
	text = NormalizeText(text)
	idx := strings.Index(text, label)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(text[idx+len(label):]), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
