package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// PostgresStore mirrors documents into a PostgreSQL table with a JSONB
// payload column.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to connStr. maxConns of zero keeps the pgx
// default.
func NewPostgresStore(ctx context.Context, connStr string, maxConns int, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("invalid connection string: %w", err))
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("unable to connect to database: %w", err))
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Initialize creates the documents table
func (p *PostgresStore) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		database_id VARCHAR(64) NOT NULL,
		collection_id VARCHAR(64) NOT NULL,
		document_id VARCHAR(64) NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (database_id, collection_id, document_id)
	);`

	if _, err := p.pool.Exec(ctx, query); err != nil {
		return NewStorageError("initialize", "documents", fmt.Errorf("error creating documents table: %w", err))
	}

	p.logger.Debug("postgres store initialized")
	return nil
}

// CreateDocument inserts one row
func (p *PostgresStore) CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return NewInsertError(collectionID, fmt.Errorf("failed to encode document: %w", err))
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (database_id, collection_id, document_id, data) VALUES ($1, $2, $3, $4)`,
		databaseID, collectionID, documentID, payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return NewInsertError(collectionID, &APIError{StatusCode: 409, Type: "document_already_exists", Message: pgErr.Message})
		}
		return NewInsertError(collectionID, err)
	}

	return nil
}

// ListDocuments returns the collection count and its oldest documents
func (p *PostgresStore) ListDocuments(ctx context.Context, databaseID, collectionID string) (*DocumentList, error) {
	list := &DocumentList{}

	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE database_id = $1 AND collection_id = $2`,
		databaseID, collectionID).Scan(&list.Total)
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT document_id, data
		FROM documents
		WHERE database_id = $1 AND collection_id = $2
		ORDER BY created_at, document_id
		LIMIT $3`, databaseID, collectionID, listPageSize)
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var doc Document
		err := row.Scan(&doc.ID, &doc.Data)
		return doc, err
	})
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	list.Documents = docs
	return list, nil
}

// Close closes the pool
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
