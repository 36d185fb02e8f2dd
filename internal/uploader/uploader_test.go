package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-uploader/internal/errors"
	"github.com/johnayoung/go-ohlcv-uploader/internal/logger"
	"github.com/johnayoung/go-ohlcv-uploader/internal/models"
	"github.com/johnayoung/go-ohlcv-uploader/internal/storage"
)

const (
	testDB   = "db"
	testColl = "coll"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestRecords(n int) []models.Record {
	records := make([]models.Record, n)
	for i := range records {
		records[i] = models.Record{"date": fmt.Sprintf("day-%03d", i), "close": float64(i)}
	}
	return records
}

// newTestUploader returns an uploader whose pauses are recorded, not slept
func newTestUploader(t *testing.T, store storage.DocumentStore, classifier *apperrors.ErrorClassifier) (*Uploader, *[]time.Duration) {
	t.Helper()

	u, err := New(store, classifier, &Config{
		DatabaseID:   testDB,
		CollectionID: testColl,
		BatchSize:    DefaultBatchSize,
		BatchPause:   DefaultBatchPause,
		Logger:       createTestLogger(),
	})
	require.NoError(t, err)

	var pauses []time.Duration
	u.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return ctx.Err()
	}
	return u, &pauses
}

func TestUpload_BatchesAndPauses(t *testing.T) {
	tests := []struct {
		name           string
		records        int
		expectedBatch  int
		expectedPauses int
	}{
		{name: "empty", records: 0, expectedBatch: 0, expectedPauses: 0},
		{name: "single partial batch", records: 20, expectedBatch: 1, expectedPauses: 0},
		{name: "exact batch", records: 100, expectedBatch: 1, expectedPauses: 0},
		{name: "one over", records: 101, expectedBatch: 2, expectedPauses: 1},
		{name: "two and a half", records: 250, expectedBatch: 3, expectedPauses: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			u, pauses := newTestUploader(t, store, nil)

			result, err := u.Upload(context.Background(), createTestRecords(tt.records))
			require.NoError(t, err)

			assert.Equal(t, tt.expectedBatch, result.Batches)
			assert.Equal(t, tt.expectedPauses, result.Pauses)
			assert.Len(t, *pauses, tt.expectedPauses)
			for _, p := range *pauses {
				assert.Equal(t, time.Second, p)
			}
			assert.Equal(t, tt.records, result.Attempted)
			assert.Equal(t, tt.records, result.Created)
			assert.Zero(t, result.Failed)
			assert.Equal(t, tt.records, store.Calls())
		})
	}
}

func TestUpload_BatchLogLines(t *testing.T) {
	var buf bytes.Buffer
	store := storage.NewMemoryStore()

	u, err := New(store, nil, &Config{
		DatabaseID:   testDB,
		CollectionID: testColl,
		BatchSize:    100,
		Logger:       slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)

	ctx := logger.WithStage(logger.WithRunID(context.Background(), "run-1"), "upload")
	_, err = u.Upload(ctx, createTestRecords(250))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Inserting batch 1 (100 records)")
	assert.Contains(t, out, "Inserting batch 2 (100 records)")
	assert.Contains(t, out, "Inserting batch 3 (50 records)")
	assert.NotContains(t, out, "Inserting batch 4")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Contains(t, line, "run_id=run-1")
		assert.Contains(t, line, "stage=upload")
		assert.Contains(t, line, fmt.Sprintf("batch=%d", i+1))
	}
}

func TestUpload_FailureLogCarriesClassification(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailCreate(&storage.APIError{StatusCode: 503, Message: "Service Unavailable"}, 101)

	var buf bytes.Buffer
	u, err := New(store, nil, &Config{
		DatabaseID:   testDB,
		CollectionID: testColl,
		BatchSize:    100,
		Logger:       slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)

	result, err := u.Upload(context.Background(), createTestRecords(150))
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, apperrors.SeverityHigh, result.Failures[0].Severity)

	var failureLine string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Error inserting record") {
			failureLine = line
		}
	}
	require.NotEmpty(t, failureLine)
	assert.Contains(t, failureLine, "batch=2")
	assert.Contains(t, failureLine, "index=101")
	assert.Contains(t, failureLine, "error_type=server_error")
	assert.Contains(t, failureLine, "severity=high")
	assert.Contains(t, failureLine, "retryable=true")
	assert.Contains(t, failureLine, "day-101")
}

func TestUpload_FailureIsolation(t *testing.T) {
	store := storage.NewMemoryStore()
	// record #37 (1-based) is call index 36
	store.FailCreate(errors.New("Invalid document structure"), 36)

	var buf bytes.Buffer
	u, err := New(store, nil, &Config{
		DatabaseID:   testDB,
		CollectionID: testColl,
		BatchSize:    100,
		Logger:       slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)

	result, err := u.Upload(context.Background(), createTestRecords(100))
	require.NoError(t, err)

	assert.Equal(t, 100, store.Calls(), "records after the failure are still attempted")
	assert.Equal(t, 100, result.Attempted)
	assert.Equal(t, 99, result.Created)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 36, result.Failures[0].Index)
	assert.Contains(t, buf.String(), "Error inserting record")
	assert.Contains(t, buf.String(), "day-036")

	list, err := store.ListDocuments(context.Background(), testDB, testColl)
	require.NoError(t, err)
	assert.Equal(t, 99, list.Total)
}

func TestUpload_NoRetryByDefault(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailCreate(&storage.APIError{StatusCode: 503, Message: "Service Unavailable"}, 0)

	u, _ := newTestUploader(t, store, nil)
	result, err := u.Upload(context.Background(), createTestRecords(3))
	require.NoError(t, err)

	assert.Equal(t, 3, store.Calls(), "a retryable failure is not retried without a policy")
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, apperrors.ErrorTypeServerError, result.Failures[0].Type)
	assert.Equal(t, int64(1), u.FailuresByType()[apperrors.ErrorTypeServerError])
}

func TestUpload_RetryPolicy(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailCreate(&storage.APIError{StatusCode: 503, Message: "Service Unavailable"}, 0)

	classifier := apperrors.NewErrorClassifier(config.ErrorHandlingConfig{
		GlobalRetryPolicy: config.RetryPolicyConfig{MaxAttempts: 1},
		ComponentPolicies: map[string]config.RetryPolicyConfig{
			Component: {
				MaxAttempts:     3,
				InitialDelay:    "1ms",
				MaxDelay:        "2ms",
				BackoffStrategy: "fixed",
			},
		},
	}, createTestLogger())

	u, _ := newTestUploader(t, store, classifier)
	result, err := u.Upload(context.Background(), createTestRecords(3))
	require.NoError(t, err)

	// first record failed once then succeeded with the same document id
	assert.Equal(t, 4, store.Calls())
	assert.Equal(t, 3, result.Created)
	assert.Zero(t, result.Failed)
}

func TestUpload_DocumentIDs(t *testing.T) {
	store := storage.NewMemoryStore()
	u, _ := newTestUploader(t, store, nil)

	_, err := u.Upload(context.Background(), createTestRecords(10))
	require.NoError(t, err)

	list, err := store.ListDocuments(context.Background(), testDB, testColl)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i, doc := range list.Documents {
		parsed, err := uuid.Parse(doc.ID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())
		assert.LessOrEqual(t, len(doc.ID), 36)
		assert.False(t, seen[doc.ID])
		seen[doc.ID] = true

		// records are sent in order
		assert.Equal(t, fmt.Sprintf("day-%03d", i), doc.Data["date"])
	}
}

func TestUpload_ContextCanceledDuringPause(t *testing.T) {
	store := storage.NewMemoryStore()
	u, err := New(store, nil, &Config{
		DatabaseID:   testDB,
		CollectionID: testColl,
		BatchSize:    10,
		BatchPause:   time.Hour,
		Logger:       createTestLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	result, err := u.Upload(ctx, createTestRecords(25))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 10, result.Created)
	assert.Zero(t, result.Pauses)
}

func TestUpload_ContextCanceledBeforeStart(t *testing.T) {
	store := storage.NewMemoryStore()
	u, _ := newTestUploader(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := u.Upload(ctx, createTestRecords(5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Attempted)
	assert.Zero(t, store.Calls())
}

func TestNew_Validation(t *testing.T) {
	store := storage.NewMemoryStore()

	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	u, err := New(store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, u.config.BatchSize)
	assert.Equal(t, DefaultBatchPause, u.config.BatchPause)

	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "zero batch", modify: func(c *Config) { c.BatchSize = 0 }, errMsg: "batch size"},
		{name: "negative pause", modify: func(c *Config) { c.BatchPause = -time.Second }, errMsg: "batch pause"},
		{name: "no database", modify: func(c *Config) { c.DatabaseID = "" }, errMsg: "database id"},
		{name: "no collection", modify: func(c *Config) { c.CollectionID = "" }, errMsg: "collection id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			_, err := New(store, nil, cfg)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.errMsg), err.Error())
		})
	}
}

func TestConfigFromApp(t *testing.T) {
	app := config.DefaultConfig()
	app.Upload.BatchSize = 25
	app.Upload.BatchPause = "250ms"

	cfg := ConfigFromApp(app, createTestLogger())
	assert.Equal(t, "67c0659400092309e435", cfg.DatabaseID)
	assert.Equal(t, "684b62d8000c99e18b82", cfg.CollectionID)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchPause)
}

func TestVerify(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, store.CreateDocument(ctx, testDB, testColl, fmt.Sprint(i), map[string]any{}))
	}

	total, err := Verify(ctx, store, testDB, testColl)
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	store.FailList(errors.New("unauthorized"))
	_, err = Verify(ctx, store, testDB, testColl)
	assert.Error(t, err)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	require.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
