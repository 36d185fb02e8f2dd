package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
	"golang.org/x/time/rate"
)

const (
	documentsEndpoint = "/databases/%s/collections/%s/documents"

	defaultRequestTimeout = 30 * time.Second
	userAgent             = "go-ohlcv-uploader/1.0"

	// Bodies beyond this are truncated in error messages
	maxErrorBody = 4096
)

// APIError is a non-2xx response from Appwrite
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("appwrite error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("appwrite error %d: %s", e.StatusCode, e.Message)
}

// HTTPStatusCode exposes the status for error classification
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// AppwriteOptions configures an AppwriteStore
type AppwriteOptions struct {
	Endpoint       string
	ProjectID      string
	APIKey         string
	ResponseFormat string
	Timeout        time.Duration
	// RateLimit is requests per second; zero disables limiting
	RateLimit float64
	RateBurst int
	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// AppwriteOptionsFromConfig converts the config section into options
func AppwriteOptionsFromConfig(cfg config.AppwriteConfig) AppwriteOptions {
	return AppwriteOptions{
		Endpoint:       cfg.Endpoint,
		ProjectID:      cfg.ProjectID,
		APIKey:         cfg.APIKey,
		ResponseFormat: cfg.ResponseFormat,
		Timeout:        cfg.TimeoutDuration(),
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}
}

// AppwriteStore talks to the Appwrite Databases REST API with a server API
// key.
type AppwriteStore struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	projectID   string
	apiKey      string
	format      string
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAppwriteStore creates a store for the given endpoint, e.g.
// https://cloud.appwrite.io/v1
func NewAppwriteStore(opts AppwriteOptions, logger *slog.Logger) *AppwriteStore {
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &AppwriteStore{
		httpClient:  client,
		rateLimiter: limiter,
		baseURL:     strings.TrimRight(opts.Endpoint, "/"),
		projectID:   opts.ProjectID,
		apiKey:      opts.APIKey,
		format:      opts.ResponseFormat,
		logger:      logger,
	}
}

// CreateDocument posts one document to the collection
func (a *AppwriteStore) CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data map[string]any) error {
	payload, err := json.Marshal(struct {
		DocumentID string         `json:"documentId"`
		Data       map[string]any `json:"data"`
	}{DocumentID: documentID, Data: data})
	if err != nil {
		return NewInsertError(collectionID, fmt.Errorf("failed to encode document: %w", err))
	}

	if _, err := a.do(ctx, http.MethodPost, a.documentsURL(databaseID, collectionID), payload); err != nil {
		return NewInsertError(collectionID, err)
	}

	a.logger.Debug("document created", "document_id", documentID, "collection_id", collectionID)
	return nil
}

// ListDocuments fetches the first page of documents and the total count
func (a *AppwriteStore) ListDocuments(ctx context.Context, databaseID, collectionID string) (*DocumentList, error) {
	body, err := a.do(ctx, http.MethodGet, a.documentsURL(databaseID, collectionID), nil)
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	var response struct {
		Total     int              `json:"total"`
		Documents []map[string]any `json:"documents"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewQueryError(collectionID, fmt.Errorf("failed to parse documents response: %w", err))
	}

	list := &DocumentList{Total: response.Total, Documents: make([]Document, 0, len(response.Documents))}
	for _, raw := range response.Documents {
		list.Documents = append(list.Documents, documentFromAppwrite(raw))
	}
	return list, nil
}

// Close releases idle connections
func (a *AppwriteStore) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.httpClient.CloseIdleConnections()
	return nil
}

func (a *AppwriteStore) documentsURL(databaseID, collectionID string) string {
	return a.baseURL + fmt.Sprintf(documentsEndpoint, url.PathEscape(databaseID), url.PathEscape(collectionID))
}

func (a *AppwriteStore) do(ctx context.Context, method, requestURL string, payload []byte) ([]byte, error) {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}

	if err := a.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Appwrite-Project", a.projectID)
	req.Header.Set("X-Appwrite-Key", a.apiKey)
	if a.format != "" {
		req.Header.Set("X-Appwrite-Response-Format", a.format)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, responseBody)
	}

	return responseBody, nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var payload struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		apiErr.Message = payload.Message
		apiErr.Type = payload.Type
		return apiErr
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	apiErr.Message = text
	return apiErr
}

// documentFromAppwrite splits Appwrite's flat document into id and the
// user attributes, dropping the $-prefixed system fields.
func documentFromAppwrite(raw map[string]any) Document {
	doc := Document{Data: make(map[string]any, len(raw))}
	for k, v := range raw {
		if k == "$id" {
			doc.ID, _ = v.(string)
			continue
		}
		if strings.HasPrefix(k, "$") {
			continue
		}
		doc.Data[k] = v
	}
	return doc
}
