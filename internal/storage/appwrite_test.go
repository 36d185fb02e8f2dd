package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDatabaseID   = "67c0659400092309e435"
	testCollectionID = "684b62d8000c99e18b82"
	testDocumentsURL = "/v1/databases/" + testDatabaseID + "/collections/" + testCollectionID + "/documents"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAppwrite records created documents and answers list calls
type fakeAppwrite struct {
	mu       sync.Mutex
	created  []map[string]any
	headers  []http.Header
	failWith map[string]int // documentId -> status
}

func (f *fakeAppwrite) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != testDocumentsURL {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Collection with the requested ID could not be found.","code":404,"type":"collection_not_found"}`))
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		f.headers = append(f.headers, r.Header.Clone())

		switch r.Method {
		case http.MethodPost:
			var body struct {
				DocumentID string         `json:"documentId"`
				Data       map[string]any `json:"data"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

			if status, ok := f.failWith[body.DocumentID]; ok {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"message":"Invalid document structure: Unknown attribute: \"bogus\"","code":400,"type":"document_invalid_structure"}`))
				return
			}

			f.created = append(f.created, body.Data)
			doc := map[string]any{"$id": body.DocumentID, "$collectionId": testCollectionID}
			for k, v := range body.Data {
				doc[k] = v
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(doc)
		case http.MethodGet:
			docs := make([]map[string]any, 0, len(f.created))
			for i, d := range f.created {
				doc := map[string]any{"$id": "doc" + string(rune('a'+i)), "$createdAt": "2025-06-12T00:00:00.000+00:00"}
				for k, v := range d {
					doc[k] = v
				}
				docs = append(docs, doc)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"total": len(f.created), "documents": docs})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func newTestAppwrite(t *testing.T, fake *fakeAppwrite) (*AppwriteStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	store := NewAppwriteStore(AppwriteOptions{
		Endpoint:       server.URL + "/v1/",
		ProjectID:      "project-123",
		APIKey:         "key-abc",
		ResponseFormat: "1.6.0",
	}, createTestLogger())
	t.Cleanup(func() { store.Close() })

	return store, server
}

func TestAppwriteStore_CreateAndList(t *testing.T) {
	fake := &fakeAppwrite{}
	store, _ := newTestAppwrite(t, fake)
	ctx := context.Background()

	require.NoError(t, store.CreateDocument(ctx, testDatabaseID, testCollectionID, "id-1", map[string]any{
		"date":  "2025-06-12",
		"close": 105000.5,
		"atr":   nil,
	}))

	require.Len(t, fake.created, 1)
	assert.Equal(t, "2025-06-12", fake.created[0]["date"])
	assert.Equal(t, 105000.5, fake.created[0]["close"])
	assert.Contains(t, fake.created[0], "atr", "null fields are sent explicitly")
	assert.Nil(t, fake.created[0]["atr"])

	h := fake.headers[0]
	assert.Equal(t, "project-123", h.Get("X-Appwrite-Project"))
	assert.Equal(t, "key-abc", h.Get("X-Appwrite-Key"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "1.6.0", h.Get("X-Appwrite-Response-Format"))

	list, err := store.ListDocuments(ctx, testDatabaseID, testCollectionID)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "doca", list.Documents[0].ID)
	assert.NotContains(t, list.Documents[0].Data, "$createdAt")
	assert.Equal(t, 105000.5, list.Documents[0].Data["close"])
}

func TestAppwriteStore_APIError(t *testing.T) {
	fake := &fakeAppwrite{failWith: map[string]int{"bad": http.StatusBadRequest}}
	store, _ := newTestAppwrite(t, fake)

	err := store.CreateDocument(context.Background(), testDatabaseID, testCollectionID, "bad", map[string]any{"bogus": 1})
	require.Error(t, err)

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "create_document", storageErr.Operation)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatusCode())
	assert.Equal(t, "document_invalid_structure", apiErr.Type)
	assert.Contains(t, apiErr.Message, "Invalid document structure")
}

func TestAppwriteStore_UnknownCollection(t *testing.T) {
	store, _ := newTestAppwrite(t, &fakeAppwrite{})

	_, err := store.ListDocuments(context.Background(), testDatabaseID, "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "collection_not_found", apiErr.Type)
}

func TestAppwriteStore_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := NewAppwriteStore(AppwriteOptions{Endpoint: server.URL}, createTestLogger())
	err := store.CreateDocument(context.Background(), "db", "coll", "id", map[string]any{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestAppwriteStore_Closed(t *testing.T) {
	store, _ := newTestAppwrite(t, &fakeAppwrite{})
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err := store.CreateDocument(context.Background(), testDatabaseID, testCollectionID, "id", map[string]any{})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestAppwriteStore_ContextCanceled(t *testing.T) {
	store, _ := newTestAppwrite(t, &fakeAppwrite{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.CreateDocument(ctx, testDatabaseID, testCollectionID, "id", map[string]any{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAppwriteStore_RateLimit(t *testing.T) {
	fake := &fakeAppwrite{}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	store := NewAppwriteStore(AppwriteOptions{
		Endpoint:  server.URL + "/v1",
		RateLimit: 20,
		RateBurst: 1,
	}, createTestLogger())

	start := time.Now()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.CreateDocument(context.Background(), testDatabaseID, testCollectionID, id, map[string]any{}))
	}

	// Three requests at 20/s with burst 1 need at least two 50ms waits
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestAppwriteOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Appwrite
	cfg.ProjectID = "p"
	cfg.APIKey = "k"
	cfg.Timeout = "5s"

	opts := AppwriteOptionsFromConfig(cfg)
	assert.Equal(t, "https://cloud.appwrite.io/v1", opts.Endpoint)
	assert.Equal(t, "p", opts.ProjectID)
	assert.Equal(t, "k", opts.APIKey)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Zero(t, opts.RateLimit)
}

func TestNew_SelectsSink(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	store, err := New(ctx, cfg, createTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &AppwriteStore{}, store)
	require.NoError(t, store.Close())

	cfg.Sink.Type = config.SinkMemory
	store, err = New(ctx, cfg, createTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	cfg.Sink.Type = config.SinkDuckDB
	cfg.Sink.DatabaseURL = ":memory:"
	store, err = New(ctx, cfg, createTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &DuckDBStore{}, store)
	require.NoError(t, store.Close())

	cfg.Sink.Type = "redis"
	_, err = New(ctx, cfg, createTestLogger())
	assert.Error(t, err)
}
