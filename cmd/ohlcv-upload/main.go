// OHLCV indicator uploader CLI
// Loads a spreadsheet of daily BTC/USDT price and indicator rows, recomputes
// OBV and ATR, and uploads every row as one document to an Appwrite
// collection (or a local mirror).
//
// Usage:
//
//	ohlcv-upload --file btcd.xlsx
//	ohlcv-upload --file btcd.csv --dry-run
//	ohlcv-upload --sink duckdb --database-url mirror.duckdb
//	ohlcv-upload verify
//	ohlcv-upload config
//
// Credentials come from APPWRITE_PROJECT_ID and APPWRITE_API_KEY, read from
// the environment or a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnayoung/go-ohlcv-uploader/internal/config"
	"github.com/johnayoung/go-ohlcv-uploader/internal/logger"
	"github.com/johnayoung/go-ohlcv-uploader/internal/pipeline"
	"github.com/johnayoung/go-ohlcv-uploader/internal/storage"
	"github.com/johnayoung/go-ohlcv-uploader/internal/uploader"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "ohlcv-upload"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// flagBindings maps configuration keys to the persistent flags overriding them
var flagBindings = map[string]string{
	"input.path":         "file",
	"input.sheet":        "sheet",
	"sink.type":          "sink",
	"sink.database_url":  "database-url",
	"upload.batch_size":  "batch-size",
	"upload.batch_pause": "batch-pause",
	"upload.dry_run":     "dry-run",
	"logging.level":      "log-level",
	"logging.format":     "log-format",
}

// exitError carries the process exit code for a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// options holds flags that are not configuration keys
type options struct {
	configFile string
	envFile    string
}

// CLI holds what every command needs once configuration is loaded
type CLI struct {
	config *config.AppConfig
	logs   *logger.LoggerManager
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// execute runs the command line and returns the exit code
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsageError
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   AppName,
		Short: "Recompute indicators for a BTC/USDT spreadsheet and upload it to Appwrite",
		Long: `Loads the input workbook, replaces ERROR:#REF! cells, recalculates OBV,
True Range and ATR, reverses the rows into chronological order and uploads
each row as one document, in batches of 100 with a one second pause.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cli.logs.Close()
			return cli.runUpload(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (JSON, YAML or TOML)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment, empty to skip")
	pf.String("file", "", "input .xlsx or .csv file (default btcd.xlsx)")
	pf.String("sheet", "", "workbook sheet to read (default first sheet)")
	pf.String("sink", "", "document sink: appwrite, memory, duckdb, postgres, mongodb")
	pf.String("database-url", "", "DSN or file path for the duckdb, postgres and mongodb sinks")
	pf.Int("batch-size", uploader.DefaultBatchSize, "records per batch")
	pf.String("batch-pause", "", "pause between batches (default 1s)")
	pf.Bool("dry-run", false, "upload to an in-memory store only")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")

	root.AddCommand(newVersionCommand(), newVerifyCommand(opts), newConfigCommand(opts))
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", AppName, Version)
		},
	}
}

func newVerifyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Print the number of documents in the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cli.logs.Close()
			return cli.runVerify(cmd.Context())
		},
	}
}

func newConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cli.logs.Close()
			fmt.Fprintln(cli.stdout, cli.config.String())
			return nil
		},
	}
}

// setup loads configuration, with set flags taking precedence, and builds
// the logger manager
func setup(cmd *cobra.Command, opts *options) (*CLI, error) {
	bootstrap := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	manager := config.NewConfigManager(opts.configFile, bootstrap)
	manager.SetEnvFile(opts.envFile)
	for key, name := range flagBindings {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			manager.BindFlag(key, flag)
		}
	}

	cfg, err := manager.LoadConfig(cmd.Context())
	if err != nil {
		return nil, &exitError{code: ExitConfigError, err: err}
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, &exitError{code: ExitConfigError, err: fmt.Errorf("failed to setup logging: %w", err)}
	}

	return &CLI{
		config: cfg,
		logs:   logs,
		logger: logs.GetComponentLogger("cli").Logger,
		stdout: cmd.OutOrStdout(),
	}, nil
}

func (cli *CLI) openStore(ctx context.Context) (storage.DocumentStore, error) {
	store, err := storage.New(ctx, cli.config, cli.logs.GetComponentLogger("storage").Logger)
	if err != nil {
		return nil, &exitError{code: ExitConnectionErr, err: fmt.Errorf("failed to initialize storage: %w", err)}
	}
	return store, nil
}

// runUpload executes the whole pipeline and prints the run summary
func (cli *CLI) runUpload(ctx context.Context) error {
	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}()

	summary, err := pipeline.New(cli.config, store, cli.logs).Run(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return &exitError{code: ExitInterrupt, err: err}
		case pipeline.IsDataError(err):
			cli.logger.Error("Upload aborted", "error", err)
			return &exitError{code: ExitDataError, err: err}
		default:
			return err
		}
	}

	printSummary(cli.stdout, summary)
	return nil
}

// runVerify prints the collection count without uploading anything
func (cli *CLI) runVerify(ctx context.Context) error {
	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	total, err := uploader.Verify(ctx, store, cli.config.Appwrite.DatabaseID, cli.config.Appwrite.CollectionID)
	if err != nil {
		return &exitError{code: ExitConnectionErr, err: fmt.Errorf("error verifying documents: %w", err)}
	}

	fmt.Fprintf(cli.stdout, "Total documents in collection: %d\n", total)
	return nil
}

func printSummary(out io.Writer, s *pipeline.RunSummary) {
	fmt.Fprintf(out, "Run %s finished in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  input:              %s (checksum %s)\n", s.Input, s.Checksum)
	fmt.Fprintf(out, "  rows loaded:        %d\n", s.RowsLoaded)
	fmt.Fprintf(out, "  sentinels replaced: %d\n", s.SentinelsReplaced)
	fmt.Fprintf(out, "  coercion warnings:  %d\n", s.CoercionWarnings)
	fmt.Fprintf(out, "  batches:            %d\n", s.Batches)
	fmt.Fprintf(out, "  created:            %d\n", s.Created)
	fmt.Fprintf(out, "  failed:             %d\n", s.Failed)
	fmt.Fprintf(out, "  retries:            %d\n", s.Retries)
	if s.VerifyErr != nil {
		fmt.Fprintf(out, "  verified:           error (%v)\n", s.VerifyErr)
	} else {
		fmt.Fprintf(out, "  verified:           %d\n", s.Verified)
	}
}
