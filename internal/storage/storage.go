// Package storage defines the document store the upload job writes to and
// its implementations: the hosted Appwrite REST API, an in-memory store for
// dry runs and tests, and DuckDB, PostgreSQL and MongoDB mirrors.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
)

// DocumentStore is a remote or local collection of schemaless documents
// addressed by database, collection and document id.
type DocumentStore interface {
	// CreateDocument stores data under documentID. The id must be unique
	// within the collection.
	CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data map[string]any) error

	// ListDocuments returns the collection's total document count and a
	// page of documents. Implementations may return fewer documents than
	// Total.
	ListDocuments(ctx context.Context, databaseID, collectionID string) (*DocumentList, error)

	// Close releases connections held by the store.
	Close() error
}

// Document is one stored record
type Document struct {
	ID   string         `json:"$id"`
	Data map[string]any `json:"data"`
}

// DocumentList is the result of ListDocuments
type DocumentList struct {
	Total     int        `json:"total"`
	Documents []Document `json:"documents"`
}

// ErrStoreClosed is returned by operations on a closed store
var ErrStoreClosed = errors.New("storage is closed")

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "create_document")
	Operation string

	// Collection is the collection or table involved in the operation
	Collection string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("storage operation %s on collection %s failed: %v", e.Operation, e.Collection, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, collection string, err error) *StorageError {
	return &StorageError{
		Operation:  operation,
		Collection: collection,
		Err:        err,
	}
}

// NewInsertError creates a StorageError for document creation.
func NewInsertError(collection string, err error) *StorageError {
	return NewStorageError("create_document", collection, err)
}

// NewQueryError creates a StorageError for document listing.
func NewQueryError(collection string, err error) *StorageError {
	return NewStorageError("list_documents", collection, err)
}

// New builds the store selected by cfg.Sink.Type
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (DocumentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Sink.Type {
	case config.SinkAppwrite, "":
		return NewAppwriteStore(AppwriteOptionsFromConfig(cfg.Appwrite), logger), nil
	case config.SinkMemory:
		return NewMemoryStore(), nil
	case config.SinkDuckDB:
		store, err := NewDuckDBStore(cfg.Sink.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case config.SinkPostgres:
		store, err := NewPostgresStore(ctx, cfg.Sink.DatabaseURL, cfg.Sink.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case config.SinkMongoDB:
		store, err := NewMongoStore(ctx, cfg.Sink.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported sink type %q", cfg.Sink.Type)
	}
}
