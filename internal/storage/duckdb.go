package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/marcboeker/go-duckdb/v2"
)

// listPageSize caps the documents returned by ListDocuments on SQL mirrors
const listPageSize = 25

// DuckDBStore mirrors uploaded documents into a local DuckDB file. It is
// useful for offline runs and for diffing against the hosted collection.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStore opens (or creates) the database at dbPath. ":memory:" or
// an empty path gives an in-memory database.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	connector, err := duckdb.NewConnector(dbPath, nil)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	db := sql.OpenDB(connector)

	// DuckDB allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize applies pending schema migrations
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", ErrStoreClosed)
	}

	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "documents", err)
	}

	d.logger.Debug("DuckDB store initialized", "db_path", d.dbPath)
	return nil
}

// CreateDocument inserts one row into the documents table
func (d *DuckDBStore) CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return NewInsertError(collectionID, fmt.Errorf("failed to encode document: %w", err))
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewInsertError(collectionID, ErrStoreClosed)
	}

	query := `INSERT INTO documents (database_id, collection_id, document_id, data) VALUES ($1, $2, $3, $4)`
	if _, err := db.ExecContext(ctx, query, databaseID, collectionID, documentID, string(payload)); err != nil {
		return NewInsertError(collectionID, classifySQLError(err))
	}

	return nil
}

// ListDocuments returns the collection count and its oldest documents
func (d *DuckDBStore) ListDocuments(ctx context.Context, databaseID, collectionID string) (*DocumentList, error) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewQueryError(collectionID, ErrStoreClosed)
	}

	list := &DocumentList{}
	countQuery := `SELECT COUNT(*) FROM documents WHERE database_id = $1 AND collection_id = $2`
	if err := db.QueryRowContext(ctx, countQuery, databaseID, collectionID).Scan(&list.Total); err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT document_id, CAST(data AS VARCHAR)
		FROM documents
		WHERE database_id = $1 AND collection_id = $2
		ORDER BY created_at, document_id
		LIMIT $3`, databaseID, collectionID, listPageSize)
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, NewQueryError(collectionID, err)
		}

		doc := Document{ID: id}
		if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
			return nil, NewQueryError(collectionID, fmt.Errorf("failed to decode document %s: %w", id, err))
		}
		list.Documents = append(list.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	return list, nil
}

// Close closes the database
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// classifySQLError maps constraint violations to a 409 so the uploader
// classifies them like an Appwrite duplicate id.
func classifySQLError(err error) error {
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) && duckErr.Type == duckdb.ErrorTypeConstraint {
		return &APIError{StatusCode: 409, Type: "document_already_exists", Message: duckErr.Msg}
	}
	if strings.Contains(strings.ToLower(err.Error()), "duplicate key") {
		return &APIError{StatusCode: 409, Type: "document_already_exists", Message: err.Error()}
	}
	return err
}
