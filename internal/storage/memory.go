package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps documents in process. It backs dry runs and tests and
// can be told to fail chosen CreateDocument calls.
type MemoryStore struct {
	mu sync.RWMutex

	// collections: "database/collection" -> ordered documents
	collections map[string][]Document
	ids         map[string]map[string]struct{}

	calls    int
	failures map[int]error
	listErr  error
	closed   bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]Document),
		ids:         make(map[string]map[string]struct{}),
		failures:    make(map[int]error),
	}
}

// FailCreate makes the CreateDocument calls with the given 0-based call
// indices return err instead of storing anything.
func (m *MemoryStore) FailCreate(err error, calls ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range calls {
		m.failures[c] = err
	}
}

// FailList makes ListDocuments return err
func (m *MemoryStore) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// CreateDocument stores a copy of data
func (m *MemoryStore) CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data map[string]any) error {
	if ctx.Err() != nil {
		return NewInsertError(collectionID, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(collectionID, ErrStoreClosed)
	}

	call := m.calls
	m.calls++

	if err, ok := m.failures[call]; ok {
		return NewInsertError(collectionID, err)
	}

	key := collectionKey(databaseID, collectionID)
	if m.ids[key] == nil {
		m.ids[key] = make(map[string]struct{})
	}
	if _, exists := m.ids[key][documentID]; exists {
		return NewInsertError(collectionID, &APIError{
			StatusCode: 409,
			Type:       "document_already_exists",
			Message:    fmt.Sprintf("document %s already exists", documentID),
		})
	}

	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}

	m.ids[key][documentID] = struct{}{}
	m.collections[key] = append(m.collections[key], Document{ID: documentID, Data: copied})
	return nil
}

// ListDocuments returns every document in insertion order
func (m *MemoryStore) ListDocuments(ctx context.Context, databaseID, collectionID string) (*DocumentList, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError(collectionID, ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(collectionID, ErrStoreClosed)
	}
	if m.listErr != nil {
		return nil, NewQueryError(collectionID, m.listErr)
	}

	docs := m.collections[collectionKey(databaseID, collectionID)]
	out := make([]Document, len(docs))
	copy(out, docs)

	return &DocumentList{Total: len(out), Documents: out}, nil
}

// Calls returns how many CreateDocument calls were made
func (m *MemoryStore) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func collectionKey(databaseID, collectionID string) string {
	return databaseID + "/" + collectionID
}
