// Package uploader sends mapped records to a document store in paced
// batches and verifies the resulting collection size.
//
// Each record is one CreateDocument call. A failed call is classified,
// logged and counted, and the loop moves on to the next record; nothing a
// single record does can stop the rest of its batch.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-uploader/internal/errors"
	"github.com/johnayoung/go-ohlcv-uploader/internal/logger"
	"github.com/johnayoung/go-ohlcv-uploader/internal/models"
	"github.com/johnayoung/go-ohlcv-uploader/internal/storage"
)

const (
	// DefaultBatchSize is the number of records per batch
	DefaultBatchSize = 100

	// DefaultBatchPause is the wait between consecutive batches
	DefaultBatchPause = time.Second

	// Component is the name used for logging and retry policy lookup
	Component = "uploader"

	operationCreate = "create_document"
)

// Config configures the uploader behavior
type Config struct {
	DatabaseID   string
	CollectionID string
	BatchSize    int
	BatchPause   time.Duration
	Logger       *slog.Logger
}

// DefaultConfig returns a configuration targeting the default collection
func DefaultConfig() *Config {
	defaults := config.DefaultConfig()
	return &Config{
		DatabaseID:   defaults.Appwrite.DatabaseID,
		CollectionID: defaults.Appwrite.CollectionID,
		BatchSize:    DefaultBatchSize,
		BatchPause:   DefaultBatchPause,
		Logger:       slog.Default(),
	}
}

// ConfigFromApp builds an uploader configuration from the application config
func ConfigFromApp(cfg *config.AppConfig, logger *slog.Logger) *Config {
	return &Config{
		DatabaseID:   cfg.Appwrite.DatabaseID,
		CollectionID: cfg.Appwrite.CollectionID,
		BatchSize:    cfg.Upload.BatchSize,
		BatchPause:   cfg.BatchPauseDuration(),
		Logger:       logger,
	}
}

// ValidateConfig checks the configuration for values the loop cannot use
func ValidateConfig(cfg *Config) error {
	if cfg.DatabaseID == "" {
		return fmt.Errorf("database id is required")
	}
	if cfg.CollectionID == "" {
		return fmt.Errorf("collection id is required")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BatchPause < 0 {
		return fmt.Errorf("batch pause cannot be negative, got %s", cfg.BatchPause)
	}
	return nil
}

// Failure describes one record that could not be stored
type Failure struct {
	Index      int
	DocumentID string
	Type       apperrors.ErrorType
	Severity   apperrors.Severity
	Err        error
}

// Result summarises an upload run
type Result struct {
	Batches   int
	Attempted int
	Created   int
	Failed    int
	Pauses    int
	Failures  []Failure
	Duration  time.Duration
	// AvgCallTime is the mean CreateDocument latency, retries included
	AvgCallTime time.Duration
}

// Uploader writes records to a DocumentStore
type Uploader struct {
	store      storage.DocumentStore
	classifier *apperrors.ErrorClassifier
	config     *Config
	logger     *slog.Logger
	metrics    *metricsCollector

	// sleep waits between batches; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	// newID generates document ids
	newID func() string
}

// New creates an uploader. A nil classifier gets the default policy, which
// makes exactly one attempt per record.
func New(store storage.DocumentStore, classifier *apperrors.ErrorClassifier, cfg *Config) (*Uploader, error) {
	if store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid uploader configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = apperrors.NewErrorClassifier(config.DefaultConfig().ErrorHandling, logger)
	}

	return &Uploader{
		store:      store,
		classifier: classifier,
		config:     cfg,
		logger:     logger,
		metrics:    newMetricsCollector(),
		sleep:      sleepContext,
		newID:      uuid.NewString,
	}, nil
}

// Upload stores every record in order. Per-record failures are counted in
// the result and never returned; the only error is context cancellation,
// returned with the partial result.
func (u *Uploader) Upload(ctx context.Context, records []models.Record) (*Result, error) {
	start := time.Now()
	result := &Result{}
	defer func() {
		result.Duration = time.Since(start)
		result.AvgCallTime = u.metrics.avgCallTime()
	}()

	size := u.config.BatchSize
	for first := 0; first < len(records); first += size {
		last := first + size
		if last > len(records) {
			last = len(records)
		}

		if first > 0 {
			if err := u.sleep(ctx, u.config.BatchPause); err != nil {
				return result, fmt.Errorf("upload interrupted before batch %d: %w", result.Batches+1, err)
			}
			result.Pauses++
		}

		result.Batches++
		batchCtx := logger.WithBatch(ctx, result.Batches)
		log := u.logger.With(logger.ContextAttrs(batchCtx)...)
		log.Info(fmt.Sprintf("Inserting batch %d (%d records)", result.Batches, last-first),
			"first_index", first)

		for i := first; i < last; i++ {
			if err := ctx.Err(); err != nil {
				return result, fmt.Errorf("upload interrupted at record %d: %w", i, err)
			}
			u.uploadOne(batchCtx, log, i, records[i], result)
		}
	}

	return result, nil
}

func (u *Uploader) uploadOne(ctx context.Context, log *slog.Logger, index int, record models.Record, result *Result) {
	documentID := u.newID()
	result.Attempted++

	callStart := time.Now()
	err := u.classifier.Retry(ctx, Component, operationCreate, func() error {
		return u.store.CreateDocument(ctx, u.config.DatabaseID, u.config.CollectionID, documentID, record)
	})
	u.metrics.recordCall(time.Since(callStart))

	if err == nil {
		result.Created++
		u.metrics.recordSuccess()
		return
	}

	errorType := apperrors.GetErrorType(err)
	severity := apperrors.GetSeverity(err)
	u.metrics.recordFailure(errorType)
	result.Failed++
	result.Failures = append(result.Failures, Failure{
		Index:      index,
		DocumentID: documentID,
		Type:       errorType,
		Severity:   severity,
		Err:        err,
	})

	log.Error(fmt.Sprintf("Error inserting record: %v", err),
		"index", index,
		"document_id", documentID,
		"error_type", errorType,
		"severity", severity.String(),
		"retryable", apperrors.IsRetryable(err),
		"date", record["date"])
}

// FailuresByType returns the failure count per error type seen so far
func (u *Uploader) FailuresByType() map[apperrors.ErrorType]int64 {
	return u.metrics.failuresByType()
}

// Verify lists the collection and returns its total document count
func Verify(ctx context.Context, store storage.DocumentStore, databaseID, collectionID string) (int, error) {
	list, err := store.ListDocuments(ctx, databaseID, collectionID)
	if err != nil {
		return 0, err
	}
	return list.Total, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
