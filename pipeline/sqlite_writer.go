package pipeline

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aluiziolira/go-scrape-museums/models"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const insertArtifact = `INSERT OR IGNORE INTO artifacts (
	item_id, source, name, author, date, culture, category,
	medium, dimensions, credit_line, description, image_url, detail_url,
	object_number, on_view
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteWriter stores artifacts in a local SQLite database keyed by item id.
type SQLiteWriter struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteWriter opens (or creates) the database at path and applies the schema.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	if path != ":memory:" {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

// Write inserts the batch in one transaction. Rows whose id already exists
// are ignored.
func (sw *SQLiteWriter) Write(artifacts []*models.Artifact) error {
	_, err := sw.Insert(artifacts)
	return err
}

// Insert is Write that also returns how many rows were actually added.
func (sw *SQLiteWriter) Insert(artifacts []*models.Artifact) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(artifacts) == 0 {
		return 0, nil
	}

	ctx := context.Background()
	tx, err := sw.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertArtifact)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, a := range artifacts {
		res, err := stmt.ExecContext(ctx,
			a.ItemID, a.Source, a.Name, a.Author, a.Date, a.Culture, a.Category,
			a.Medium, a.Dimensions, a.CreditLine, a.Description, a.ImageURL, a.DetailURL,
			a.ObjectNumber, a.OnView,
		)
		if err != nil {
			return 0, fmt.Errorf("insert artifact %s: %w", a.ItemID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sqlite tx: %w", err)
	}
	return inserted, nil
}

// Close closes the database.
func (sw *SQLiteWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.db.Close()
}

// Validate checks that the artifacts table is reachable.
func (sw *SQLiteWriter) Validate() error {
	var count int
	if err := sw.db.QueryRow(`SELECT COUNT(*) FROM artifacts`).Scan(&count); err != nil {
		return fmt.Errorf("query artifacts: %w", err)
	}
	return nil
}

// Count returns the number of stored artifacts.
func (sw *SQLiteWriter) Count() (int, error) {
	var count int
	if err := sw.db.QueryRow(`SELECT COUNT(*) FROM artifacts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return count, nil
}

// PersistedIDs lists the stored item ids.
func (sw *SQLiteWriter) PersistedIDs() ([]string, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return queryIDs(sw.db)
}

// ReadSQLiteIDs lists the ids in an existing database without applying the
// schema. A missing file yields no ids.
func ReadSQLiteIDs(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat sqlite file: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	return queryIDs(db)
}

func queryIDs(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT item_id FROM artifacts`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
