package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-museums/models"
)

// utf8BOM keeps spreadsheet tools from guessing a legacy encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVWriter appends records to a CSV file.
type CSVWriter struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter opens filename for appending. The BOM and header row are
// written only when the file is new or empty. A row left unfinished by an
// interrupted run is cut off first.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	if err := trimPartialRow(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if _, err := f.Write(utf8BOM); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv bom: %w", err)
		}
		if err := writer.Write(models.Columns); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	return &CSVWriter{
		path:   filename,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends artifacts and flushes them to the file.
func (cw *CSVWriter) Write(artifacts []*models.Artifact) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if len(artifacts) == 0 {
		return nil
	}
	for _, artifact := range artifacts {
		if err := cw.writer.Write(artifact.Record()); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has at least its header.
func (cw *CSVWriter) Validate() error {
	info, err := os.Stat(cw.path)
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// PersistedIDs returns the item ids already present in the file.
func (cw *CSVWriter) PersistedIDs() ([]string, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return ReadCSVIDs(cw.path)
}

// JSONWriter appends newline-delimited JSON records.
type JSONWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter opens filename for appending.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: encoder,
	}, nil
}

// Write appends artifacts in JSONL format.
func (jw *JSONWriter) Write(artifacts []*models.Artifact) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, artifact := range artifacts {
		if err := jw.encoder.Encode(artifact); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := os.Stat(jw.path)
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

// PersistedIDs returns the item ids already present in the file.
func (jw *JSONWriter) PersistedIDs() ([]string, error) {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return ReadJSONIDs(jw.path)
}

// ReadJSONIDs returns the item ids of a JSONL file. A missing file yields no
// ids and a truncated last line is ignored.
func ReadJSONIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open json file: %w", err)
	}
	defer f.Close()

	var ids []string
	decoder := json.NewDecoder(f)
	for {
		var artifact models.Artifact
		if err := decoder.Decode(&artifact); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("decode json record: %w", err)
		}
		if artifact.ItemID != "" {
			ids = append(ids, artifact.ItemID)
		}
	}
	return ids, nil
}

// DedupeCSV copies in to out keeping the first row for each item id.
// It returns the number of rows written and the number dropped.
func DedupeCSV(in, out string) (int, int, error) {
	src, err := os.Open(in)
	if err != nil {
		return 0, 0, fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	reader := newCSVReader(src)
	header, err := reader.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("read header: %w", err)
	}
	idCol := columnIndex(header, "item_id")
	if idCol < 0 {
		return 0, 0, fmt.Errorf("input has no item_id column")
	}

	if err := ensureDir(out); err != nil {
		return 0, 0, err
	}
	dst, err := os.Create(out)
	if err != nil {
		return 0, 0, fmt.Errorf("create output: %w", err)
	}
	defer dst.Close()

	if _, err := dst.Write(utf8BOM); err != nil {
		return 0, 0, fmt.Errorf("write bom: %w", err)
	}
	writer := csv.NewWriter(dst)
	if err := writer.Write(header); err != nil {
		return 0, 0, fmt.Errorf("write header: %w", err)
	}

	seen := make(map[string]struct{})
	kept, dropped := 0, 0
	err = eachRecord(reader, func(row []string) error {
		// rows without an id cannot be matched, so they pass through
		if id := field(row, idCol); id != "" {
			if _, dup := seen[id]; dup {
				dropped++
				return nil
			}
			seen[id] = struct{}{}
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		kept++
		return nil
	})
	if err != nil {
		return kept, dropped, err
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return kept, dropped, fmt.Errorf("flush output: %w", err)
	}
	return kept, dropped, nil
}

// ReadCSVIDs returns the item_id column of a CSV file. A missing file yields
// no ids.
func ReadCSVIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := newCSVReader(f)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idCol := columnIndex(header, "item_id")
	if idCol < 0 {
		return nil, fmt.Errorf("csv file has no item_id column")
	}

	var ids []string
	err = eachRecord(reader, func(row []string) error {
		if id := field(row, idCol); id != "" {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// eachRecord calls fn for every remaining record. A malformed record is an
// error unless it is the last one in the file, which is what a run killed
// mid-flush leaves behind.
func eachRecord(reader *csv.Reader, fn func(row []string) error) error {
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				if _, next := reader.Read(); errors.Is(next, io.EOF) {
					return nil
				}
			}
			return fmt.Errorf("read csv record: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// trimPartialRow truncates an existing file back to its last newline.
// Artifact fields are whitespace-normalized, so a newline always ends a row.
func trimPartialRow(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read csv tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return truncate(f, keep)
		}
		end = start
	}
	// no complete line at all: start over with a fresh header
	return truncate(f, 0)
}

func truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate partial csv row: %w", err)
	}
	return nil
}

// newCSVReader skips a leading BOM.
func newCSVReader(r io.Reader) *csv.Reader {
	buffered := bufio.NewReader(r)
	if prefix, err := buffered.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = buffered.Discard(len(utf8BOM))
	}
	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	return reader
}

func columnIndex(header []string, name string) int {
	for i, col := range header {
		if col == name {
			return i
		}
	}
	return -1
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
