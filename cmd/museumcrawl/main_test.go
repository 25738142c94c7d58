package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-museums/config"
	"github.com/aluiziolira/go-scrape-museums/models"
	"github.com/aluiziolira/go-scrape-museums/pipeline"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCreateWriterFormats(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		format string
		file   string
		want   interface{}
	}{
		{"csv", "a.csv", &pipeline.CSVWriter{}},
		{"json", "a.jsonl", &pipeline.JSONWriter{}},
		{"dual", "b.csv", &pipeline.DualWriter{}},
		{"sqlite", "a.sqlite", &pipeline.SQLiteWriter{}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.OutputFormat = tt.format
			cfg.OutputFile = filepath.Join(dir, tt.file)

			writer, err := createWriter(cfg)
			require.NoError(t, err)
			defer writer.Close()
			require.IsType(t, tt.want, writer)
			_, ok := writer.(pipeline.Seeder)
			require.True(t, ok, "%s writer should list persisted ids", tt.format)
		})
	}

	cfg := config.DefaultConfig()
	cfg.OutputFormat = "xml"
	_, err := createWriter(cfg)
	require.ErrorContains(t, err, "unsupported format")
}

func writeCSV(t *testing.T, path string, batches ...[]string) {
	t.Helper()
	writer, err := pipeline.NewCSVWriter(path)
	require.NoError(t, err)
	for _, ids := range batches {
		batch := make([]*models.Artifact, 0, len(ids))
		for _, id := range ids {
			batch = append(batch, &models.Artifact{ItemID: id, Source: config.SourcePhila, Name: "Jar " + id})
		}
		require.NoError(t, writer.Write(batch))
	}
	require.NoError(t, writer.Close())
}

func TestDedupeCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "raw.csv")
	out := filepath.Join(dir, "dedup.csv")
	writeCSV(t, in, []string{"1", "2"}, []string{"2"})

	output, err := execute(t, "dedupe", "--in", in, "--out", out)
	require.NoError(t, err)
	require.Contains(t, output, "kept 2 rows, dropped 1 duplicates")

	ids, err := pipeline.ReadCSVIDs(out)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids)
}

func TestDedupeCommandRejectsSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	_, err := execute(t, "dedupe", "--in", path, "--out", path)
	require.ErrorContains(t, err, "must differ")
}

func TestIDsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.csv")
	writeCSV(t, path, []string{"a", "b", "c"})

	output, err := execute(t, "ids", "--output", path)
	require.NoError(t, err)
	require.Contains(t, output, "3 ids in "+path)

	output, err = execute(t, "ids", "--output", path, "--list")
	require.NoError(t, err)
	require.Equal(t, "a\nb\nc\n", output)
}

func TestIDsCommandLeavesMissingOutputsAlone(t *testing.T) {
	dir := t.TempDir()

	for _, format := range []string{"csv", "json", "sqlite"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(dir, "missing."+format)

			output, err := execute(t, "ids", "--output", path, "--format", format)
			require.NoError(t, err)
			require.Contains(t, output, "0 ids in "+path)

			_, err = os.Stat(path)
			require.True(t, os.IsNotExist(err), "ids created %s", path)
		})
	}
}

func TestIDsCommandReadsSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.sqlite")
	writer, err := pipeline.NewSQLiteWriter(path)
	require.NoError(t, err)
	require.NoError(t, writer.Write([]*models.Artifact{
		{ItemID: "s1", Name: "Bowl", DetailURL: "https://example.org/s1"},
		{ItemID: "s2", Name: "Jar", DetailURL: "https://example.org/s2"},
	}))
	require.NoError(t, writer.Close())

	output, err := execute(t, "ids", "--output", path, "--format", "sqlite", "--list")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, strings.Fields(output))
}

func TestPrintSummary(t *testing.T) {
	start := time.Now()
	result := &models.CrawlResult{
		Source:         config.SourceMet,
		StartTime:      start,
		EndTime:        start.Add(2 * time.Second),
		PageCount:      3,
		SkippedOffsets: []int{40, 80},
		Persisted:      10,
		RequestCount:   20,
		ErrorCount:     5,
		ErrorsByType:   map[string]int{"timeout": 4, "client_error": 1},
		Unrecovered:    []string{"x1", "x2"},
		Interrupted:    true,
	}
	metrics := map[string]interface{}{
		"processed_records": int64(10),
		"validation_errors": map[string]int{"invalid_record": 2},
	}

	var out bytes.Buffer
	printSummary(&out, result, metrics, "output/met.csv")
	text := out.String()

	for _, want := range []string{
		"Crawl interrupted: metmuseum",
		"Skipped offsets",
		"40, 80",
		"75.00%",
		"Errors: client_error",
		"Errors: timeout",
		"Dropped: invalid_record",
		"output/met.csv",
		"Unrecovered ids: x1, x2",
	} {
		require.Contains(t, text, want)
	}
	require.Less(t, strings.Index(text, "Errors: client_error"), strings.Index(text, "Errors: timeout"))
}

// newPhilaServer serves one search page of three items followed by an
// empty page, and a detail record for every object.
func newPhilaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Paging struct {
				From int `json:"from"`
			} `json:"paging"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Paging.From > 0 {
			w.Write([]byte(`{"result":[]}`))
			return
		}
		w.Write([]byte(`{"result":[
			{"uuid":"p1","title":"Jar","artist":"Unknown","constituents":["Chinese"]},
			{"uuid":"p2","title":"Bowl","constituents":"Chinese, Qing dynasty"},
			{"uuid":"p3","title":"Print","constituents":["Japanese"]}
		]}`))
	})
	mux.HandleFunc("/objects/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Medium":"Porcelain","Dimensions":"H. 10 cm","Dynasty":"Qing"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawlCommandEndToEnd(t *testing.T) {
	srv := newPhilaServer(t)
	dir := t.TempDir()
	output := filepath.Join(dir, "out", "artifacts.csv")
	state := filepath.Join(dir, "crawl.db")

	args := []string{
		"crawl",
		"--base-url", srv.URL + "/v1/search",
		"--detail-url", srv.URL + "/objects",
		"--page-size", "3",
		"--page-delay", "0s",
		"--retry-backoff", "0s",
		"--output", output,
		"--state", state,
	}

	text, err := execute(t, args...)
	require.NoError(t, err)
	require.Contains(t, text, "Crawl complete: philamuseum")

	ids, err := pipeline.ReadCSVIDs(output)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, ids)

	// resuming continues past the checkpointed page and writes nothing new
	_, err = execute(t, append(args, "--resume")...)
	require.NoError(t, err)

	ids, err = pipeline.ReadCSVIDs(output)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, ids)

	store, err := pipeline.OpenStateStore(state)
	require.NoError(t, err)
	defer store.Close()
	saved, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, config.SourcePhila, saved.Source)
	require.Equal(t, 3, saved.NextOffset)
	require.Empty(t, saved.Failed)
}

func TestCrawlCommandRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "crawl", "--source", "louvre", "--output", filepath.Join(t.TempDir(), "x.csv"))
	require.ErrorContains(t, err, "invalid configuration")
}
