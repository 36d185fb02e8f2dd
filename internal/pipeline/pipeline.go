// Package pipeline runs the upload job end to end: load the input file,
// sanitize it, recompute indicators, reverse it into chronological order,
// map rows to records, upload them and verify the collection count.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-uploader/internal/errors"
	"github.com/johnayoung/go-ohlcv-uploader/internal/indicators"
	"github.com/johnayoung/go-ohlcv-uploader/internal/loader"
	"github.com/johnayoung/go-ohlcv-uploader/internal/logger"
	"github.com/johnayoung/go-ohlcv-uploader/internal/mapper"
	"github.com/johnayoung/go-ohlcv-uploader/internal/models"
	"github.com/johnayoung/go-ohlcv-uploader/internal/storage"
	"github.com/johnayoung/go-ohlcv-uploader/internal/transform"
	"github.com/johnayoung/go-ohlcv-uploader/internal/uploader"
)

// Stage names, also used as the stage attribute in logs
const (
	StageLoad        = "load"
	StageSanitize    = "sanitize"
	StageRecalculate = "recalculate"
	StageReverse     = "reverse"
	StageMap         = "map"
	StageUpload      = "upload"
	StageVerify      = "verify"
)

// StageError reports which stage stopped the run
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsDataError reports whether err was caused by the input data rather than
// by the environment: an unreadable file or a missing source column.
func IsDataError(err error) bool {
	var loadErr *loader.LoadError
	if errors.As(err, &loadErr) {
		return true
	}
	var colErr *indicators.MissingColumnError
	return errors.As(err, &colErr)
}

// RunSummary collects the counters of one run
type RunSummary struct {
	RunID    string
	Input    string
	Sheet    string
	Checksum string

	RowsLoaded        int
	SentinelsReplaced int
	CoercionWarnings  int
	MissingColumns    []string
	UnmappedColumns   []string
	Records           int

	Batches  int
	Created  int
	Failed   int
	Pauses   int
	Failures map[apperrors.ErrorType]int64
	// Retries counts repeated CreateDocument attempts across all records
	Retries int64

	// Verified is the collection total, or -1 when verification failed
	Verified  int
	VerifyErr error

	Duration time.Duration
}

// LogValue renders the summary as a slog group
func (s *RunSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.String("input", s.Input),
		slog.Int("rows_loaded", s.RowsLoaded),
		slog.Int("sentinels_replaced", s.SentinelsReplaced),
		slog.Int("coercion_warnings", s.CoercionWarnings),
		slog.Int("records", s.Records),
		slog.Int("batches", s.Batches),
		slog.Int("created", s.Created),
		slog.Int("failed", s.Failed),
		slog.Int64("retries", s.Retries),
		slog.Int("verified", s.Verified),
		slog.Duration("duration", s.Duration),
	)
}

// Pipeline wires the stages together for one run
type Pipeline struct {
	cfg        *config.AppConfig
	store      storage.DocumentStore
	logs       *logger.LoggerManager
	classifier *apperrors.ErrorClassifier
	log        *logger.ComponentLogger
}

// New creates a pipeline writing to store. The store is not closed by the
// pipeline.
func New(cfg *config.AppConfig, store storage.DocumentStore, logs *logger.LoggerManager) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		logs:       logs,
		classifier: apperrors.NewErrorClassifier(cfg.ErrorHandling, logs.GetComponentLogger("errors").Logger),
		log:        logs.GetComponentLogger("pipeline"),
	}
}

// Run executes every stage once. Load and indicator failures abort the run;
// per-record upload failures and verification failures only show up in the
// summary.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	ctx, runID := logger.NewRunContext(ctx)
	summary := &RunSummary{RunID: runID, Input: p.cfg.Input.Path, Verified: -1}
	defer func() { summary.Duration = time.Since(start) }()

	p.log.InfoWithContext(ctx, "starting upload run",
		"input", p.cfg.Input.Path,
		"sink", p.cfg.Sink.Type,
		"database_id", p.cfg.Appwrite.DatabaseID,
		"collection_id", p.cfg.Appwrite.CollectionID)

	table, err := p.load(ctx, summary)
	if err != nil {
		return summary, err
	}

	_ = p.log.LogOperation(ctx, StageSanitize, func() error {
		summary.SentinelsReplaced = transform.Sanitize(table)
		if summary.SentinelsReplaced > 0 {
			p.log.InfoWithContext(ctx, "replaced error sentinels", "cells", summary.SentinelsReplaced)
		}
		return nil
	})

	if err := p.log.LogOperation(ctx, StageRecalculate, func() error {
		return indicators.Recalculate(table)
	}); err != nil {
		return summary, &StageError{Stage: StageRecalculate, Err: err}
	}
	p.log.InfoWithContext(ctx, "OBV and ATR recalculated", "rows", table.Len())

	_ = p.log.LogOperation(ctx, StageReverse, func() error {
		transform.Reverse(table)
		return nil
	})
	p.log.InfoWithContext(ctx, "Rows reversed for insertion")

	records := p.mapRecords(ctx, table, summary)

	if err := p.upload(ctx, records, summary); err != nil {
		return summary, err
	}
	p.log.InfoWithContext(ctx, "Insertion complete",
		"created", summary.Created,
		"failed", summary.Failed)

	p.verify(ctx, summary)

	summary.Duration = time.Since(start)
	p.log.InfoWithContext(ctx, "run summary", "summary", summary)
	return summary, nil
}

func (p *Pipeline) load(ctx context.Context, summary *RunSummary) (*models.Table, error) {
	l := loader.New(loader.Config{
		Sheet:     p.cfg.Input.Sheet,
		Delimiter: p.cfg.Input.DelimiterRune(),
	}, p.logs.GetComponentLogger("loader").Logger)

	var result *loader.Result
	err := p.log.LogOperation(ctx, StageLoad, func() error {
		var err error
		result, err = l.Load(ctx, p.cfg.Input.Path)
		return err
	})
	if err != nil {
		if loader.IsNotFound(err) {
			p.log.ErrorWithContext(ctx, fmt.Sprintf("Error: %s not found. Place it in the working directory or update the path.", p.cfg.Input.Path), err)
		}
		return nil, &StageError{Stage: StageLoad, Err: err}
	}

	summary.Sheet = result.Sheet
	summary.Checksum = result.Checksum
	summary.RowsLoaded = result.Table.Len()
	return result.Table, nil
}

func (p *Pipeline) mapRecords(ctx context.Context, table *models.Table, summary *RunSummary) []models.Record {
	m := mapper.New(p.logs.GetComponentLogger("mapper").Logger)

	var records []models.Record
	_ = p.log.LogOperation(ctx, StageMap, func() error {
		records = m.MapTable(table)
		return nil
	})

	stats := m.Stats()
	summary.Records = len(records)
	summary.CoercionWarnings = stats.Warnings
	summary.MissingColumns = stats.MissingColumns
	summary.UnmappedColumns = stats.UnmappedColumns
	return records
}

func (p *Pipeline) upload(ctx context.Context, records []models.Record, summary *RunSummary) error {
	cfg := uploader.ConfigFromApp(p.cfg, p.logs.GetComponentLogger(uploader.Component).Logger)
	u, err := uploader.New(p.store, p.classifier, cfg)
	if err != nil {
		return &StageError{Stage: StageUpload, Err: err}
	}

	result, err := u.Upload(logger.WithStage(ctx, StageUpload), records)
	if result != nil {
		summary.Batches = result.Batches
		summary.Created = result.Created
		summary.Failed = result.Failed
		summary.Pauses = result.Pauses
	}
	summary.Failures = u.FailuresByType()
	for _, stats := range p.classifier.GetStats() {
		summary.Retries += stats.Retries
	}
	if err != nil {
		return &StageError{Stage: StageUpload, Err: err}
	}
	return nil
}

func (p *Pipeline) verify(ctx context.Context, summary *RunSummary) {
	total, err := uploader.Verify(ctx, p.store, p.cfg.Appwrite.DatabaseID, p.cfg.Appwrite.CollectionID)
	if err != nil {
		summary.VerifyErr = err
		p.log.ErrorWithContext(logger.WithStage(ctx, StageVerify), fmt.Sprintf("Error verifying documents: %v", err), err)
		return
	}

	summary.Verified = total
	p.log.InfoWithContext(logger.WithStage(ctx, StageVerify), fmt.Sprintf("Total documents in collection: %d", total))
}
