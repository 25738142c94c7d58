// Package models defines data structures for the crawler.
package models

import "time"

// SourceItem is one entry from a page of search results.
type SourceItem struct {
	ID        string
	Title     string
	Author    string
	Date      string
	Category  string
	Tags      string // raw constituent/culture tags used for relevance
	Summary   string
	ImageURL  string
	DetailURL string
}

// Detail holds the fields fetched from an item's detail endpoint.
type Detail struct {
	Date        string
	Culture     string
	Category    string
	Medium      string
	Dimensions  string
	CreditLine  string
	Description string
	ImageURL    string

	// ObjectNumber and OnView are only published by some museums.
	ObjectNumber string
	OnView       string
}

// Artifact is the flattened record written to storage.
type Artifact struct {
	ItemID      string `csv:"item_id" json:"item_id" bson:"_id"`
	Source      string `csv:"source" json:"source" bson:"source"`
	Name        string `csv:"name" json:"name" bson:"name"`
	Author      string `csv:"author" json:"author" bson:"author"`
	Date        string `csv:"date" json:"date" bson:"date"`
	Culture     string `csv:"culture" json:"culture" bson:"culture"`
	Category    string `csv:"category" json:"category" bson:"category"`
	Medium      string `csv:"medium" json:"medium" bson:"medium"`
	Dimensions  string `csv:"dimensions" json:"dimensions" bson:"dimensions"`
	CreditLine  string `csv:"credit_line" json:"credit_line" bson:"credit_line"`
	Description string `csv:"description" json:"description" bson:"description"`
	ImageURL    string `csv:"image_url" json:"image_url" bson:"image_url"`
	DetailURL   string `csv:"detail_url" json:"detail_url" bson:"detail_url"`

	ObjectNumber string `csv:"object_number" json:"object_number,omitempty" bson:"object_number,omitempty"`
	OnView       string `csv:"on_view" json:"on_view,omitempty" bson:"on_view,omitempty"`
}

// Columns is the fixed output column order.
var Columns = []string{
	"item_id", "source", "name", "author", "date", "culture", "category",
	"medium", "dimensions", "credit_line", "description", "image_url", "detail_url",
	"object_number", "on_view",
}

// Record returns the artifact's fields in Columns order.
func (a *Artifact) Record() []string {
	return []string{
		a.ItemID, a.Source, a.Name, a.Author, a.Date, a.Culture, a.Category,
		a.Medium, a.Dimensions, a.CreditLine, a.Description, a.ImageURL, a.DetailURL,
		a.ObjectNumber, a.OnView,
	}
}

// CrawlResult holds the overall result of a crawl run.
type CrawlResult struct {
	Source         string
	StartTime      time.Time
	EndTime        time.Time
	PageCount      int
	SkippedOffsets []int
	ItemsSeen      int
	Duplicates     int
	Irrelevant     int
	ParseErrors    int
	DetailRequests int
	Persisted      int
	Recovered      int
	RetryCount     int
	RequestCount   int
	ErrorCount     int
	ErrorsByType   map[string]int
	Unrecovered    []string
	Interrupted    bool
}
