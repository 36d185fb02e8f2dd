// Package config provides configuration management for the upload job.
// Configuration is layered: built-in defaults, an optional config file
// (JSON, YAML or TOML), a .env file and finally environment variables.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read through viper
const EnvPrefix = "OHLCV"

// Supported sink types
const (
	SinkAppwrite = "appwrite"
	SinkMemory   = "memory"
	SinkDuckDB   = "duckdb"
	SinkPostgres = "postgres"
	SinkMongoDB  = "mongodb"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName string `json:"app_name" mapstructure:"app_name"`
	Version string `json:"version" mapstructure:"version"`

	Input         InputConfig         `json:"input" mapstructure:"input"`
	Appwrite      AppwriteConfig      `json:"appwrite" mapstructure:"appwrite"`
	Sink          SinkConfig          `json:"sink" mapstructure:"sink"`
	Upload        UploadConfig        `json:"upload" mapstructure:"upload"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" mapstructure:"error_handling"`
}

// InputConfig locates the spreadsheet to load
type InputConfig struct {
	Path      string `json:"path" mapstructure:"path"`           // .xlsx or .csv file
	Sheet     string `json:"sheet" mapstructure:"sheet"`         // Workbook sheet, empty for the first
	Delimiter string `json:"delimiter" mapstructure:"delimiter"` // CSV separator, single character
}

// AppwriteConfig configures the hosted document store
type AppwriteConfig struct {
	Endpoint       string  `json:"endpoint" mapstructure:"endpoint"`
	ProjectID      string  `json:"project_id" mapstructure:"project_id"`
	APIKey         string  `json:"api_key" mapstructure:"api_key"`
	DatabaseID     string  `json:"database_id" mapstructure:"database_id"`
	CollectionID   string  `json:"collection_id" mapstructure:"collection_id"`
	Timeout        string  `json:"timeout" mapstructure:"timeout"`                 // HTTP request timeout
	ResponseFormat string  `json:"response_format" mapstructure:"response_format"` // X-Appwrite-Response-Format
	RateLimit      float64 `json:"rate_limit" mapstructure:"rate_limit"`           // Requests per second, 0 disables
	RateBurst      int     `json:"rate_burst" mapstructure:"rate_burst"`
}

// SinkConfig selects where records are written
type SinkConfig struct {
	Type        string `json:"type" mapstructure:"type"`                 // appwrite, memory, duckdb, postgres, mongodb
	DatabaseURL string `json:"database_url" mapstructure:"database_url"` // DSN or file path for local sinks
	MaxConns    int    `json:"max_conns" mapstructure:"max_conns"`
}

// UploadConfig controls batching
type UploadConfig struct {
	BatchSize  int    `json:"batch_size" mapstructure:"batch_size"`
	BatchPause string `json:"batch_pause" mapstructure:"batch_pause"`
	DryRun     bool   `json:"dry_run" mapstructure:"dry_run"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format        string            `json:"format" mapstructure:"format"`           // json, text
	Output        string            `json:"output" mapstructure:"output"`           // stdout, stderr, file
	FilePath      string            `json:"file_path" mapstructure:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" mapstructure:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" mapstructure:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" mapstructure:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" mapstructure:"compress"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields" mapstructure:"context_fields"`
}

// ErrorHandlingConfig configures retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy RetryPolicyConfig            `json:"global_retry_policy" mapstructure:"global_retry_policy"`
	ComponentPolicies map[string]RetryPolicyConfig `json:"component_policies" mapstructure:"component_policies"`
}

// RetryPolicyConfig configures retry behavior. MaxAttempts of 1 disables
// retries.
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay    string   `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay        string   `json:"max_delay" mapstructure:"max_delay"`
	BackoffStrategy string   `json:"backoff_strategy" mapstructure:"backoff_strategy"` // fixed, exponential, linear
	RetryableErrors []string `json:"retryable_errors" mapstructure:"retryable_errors"`
	Jitter          bool     `json:"jitter" mapstructure:"jitter"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	configPath string
	envFile    string
	flags      map[string]*pflag.Flag
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. configPath may be
// empty.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		flags:      make(map[string]*pflag.Flag),
		logger:     logger,
	}
}

// SetEnvFile changes the dotenv file read before the environment. An empty
// path disables it.
func (cm *ConfigManager) SetEnvFile(path string) {
	cm.envFile = path
}

// BindFlag makes a command line flag override key when the flag is set
func (cm *ConfigManager) BindFlag(key string, flag *pflag.Flag) {
	cm.flags[key] = flag
}

// LoadConfig loads configuration with priority order:
// 1. Command line flags bound with BindFlag
// 2. Environment variables, including those from the .env file
// 3. Configuration file
// 4. Default values
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to register defaults: %w", err)
	}

	if err := cm.loadFromFile(v); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	for key, flag := range cm.flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag for %s: %w", key, err)
		}
	}

	config := &AppConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// A dry run never talks to a remote store
	if config.Upload.DryRun {
		config.Sink.Type = SinkMemory
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"input", config.Input.Path,
		"sink_type", config.Sink.Type,
		"batch_size", config.Upload.BatchSize,
		"log_level", config.Logging.Level)

	return config, nil
}

func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}

	// Variables already present in the environment win
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to read %s: %w", cm.envFile, err)
	}

	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

func (cm *ConfigManager) loadFromFile(v *viper.Viper) error {
	if cm.configPath == "" {
		return nil
	}
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	v.SetConfigFile(cm.configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// setDefaults registers every field of defaults with viper so that
// AutomaticEnv can resolve nested keys.
func setDefaults(v *viper.Viper, defaults *AppConfig) error {
	data, err := json.Marshal(defaults)
	if err != nil {
		return err
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}

	for key, value := range tree {
		v.SetDefault(key, value)
	}
	return nil
}

// bindEnv maps OHLCV_SECTION_KEY variables onto section.key and accepts
// the bare APPWRITE_* names used by the hosted functions.
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bare := map[string]string{
		"appwrite.endpoint":      "APPWRITE_ENDPOINT",
		"appwrite.project_id":    "APPWRITE_PROJECT_ID",
		"appwrite.api_key":       "APPWRITE_API_KEY",
		"appwrite.database_id":   "APPWRITE_DATABASE_ID",
		"appwrite.collection_id": "APPWRITE_COLLECTION_ID",
	}
	for key, env := range bare {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return err
		}
	}
	return nil
}

// validateConfig collects every problem before failing
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if config.Input.Path == "" {
		errors = append(errors, "input.path is required")
	}
	if len([]rune(config.Input.Delimiter)) > 1 {
		errors = append(errors, "input.delimiter must be a single character")
	}

	validSinks := map[string]bool{
		SinkAppwrite: true, SinkMemory: true, SinkDuckDB: true, SinkPostgres: true, SinkMongoDB: true,
	}
	if !validSinks[config.Sink.Type] {
		errors = append(errors, "sink.type must be one of: appwrite, memory, duckdb, postgres, mongodb")
	}

	switch config.Sink.Type {
	case SinkAppwrite:
		if config.Appwrite.Endpoint == "" {
			errors = append(errors, "appwrite.endpoint is required")
		} else if u, err := url.Parse(config.Appwrite.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, "appwrite.endpoint must be an absolute URL")
		}
		if config.Appwrite.ProjectID == "" {
			errors = append(errors, "appwrite.project_id is required (set APPWRITE_PROJECT_ID)")
		}
		if config.Appwrite.APIKey == "" {
			errors = append(errors, "appwrite.api_key is required (set APPWRITE_API_KEY)")
		}
		if config.Appwrite.RateLimit < 0 {
			errors = append(errors, "appwrite.rate_limit must not be negative")
		}
		if _, err := time.ParseDuration(config.Appwrite.Timeout); err != nil {
			errors = append(errors, fmt.Sprintf("appwrite.timeout is not a valid duration: %v", err))
		}
	case SinkDuckDB, SinkPostgres, SinkMongoDB:
		if config.Sink.DatabaseURL == "" {
			errors = append(errors, fmt.Sprintf("sink.database_url is required for %s sink", config.Sink.Type))
		}
	}

	if config.Appwrite.DatabaseID == "" {
		errors = append(errors, "appwrite.database_id is required")
	}
	if config.Appwrite.CollectionID == "" {
		errors = append(errors, "appwrite.collection_id is required")
	}

	if config.Upload.BatchSize <= 0 {
		errors = append(errors, "upload.batch_size must be greater than 0")
	}
	if d, err := time.ParseDuration(config.Upload.BatchPause); err != nil {
		errors = append(errors, fmt.Sprintf("upload.batch_pause is not a valid duration: %v", err))
	} else if d < 0 {
		errors = append(errors, "upload.batch_pause must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	if config.ErrorHandling.GlobalRetryPolicy.MaxAttempts < 1 {
		errors = append(errors, "error_handling.global_retry_policy.max_attempts must be at least 1")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// DefaultConfig returns the configuration of the production run
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-upload",
		Version: "1.0.0",
		Input: InputConfig{
			Path: "btcd.xlsx",
		},
		Appwrite: AppwriteConfig{
			Endpoint:       "https://cloud.appwrite.io/v1",
			DatabaseID:     "67c0659400092309e435",
			CollectionID:   "684b62d8000c99e18b82",
			Timeout:        "30s",
			ResponseFormat: "1.6.0",
			RateLimit:      0,
			RateBurst:      1,
		},
		Sink: SinkConfig{
			Type:     SinkAppwrite,
			MaxConns: 4,
		},
		Upload: UploadConfig{
			BatchSize:  100,
			BatchPause: "1s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-upload",
			},
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     1,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
			ComponentPolicies: make(map[string]RetryPolicyConfig),
		},
	}
}

// BatchPauseDuration parses Upload.BatchPause, falling back to one second
func (c *AppConfig) BatchPauseDuration() time.Duration {
	d, err := time.ParseDuration(c.Upload.BatchPause)
	if err != nil {
		return time.Second
	}
	return d
}

// TimeoutDuration parses Appwrite.Timeout, falling back to 30 seconds
func (c *AppwriteConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DelimiterRune returns the CSV delimiter, zero when unset
func (c *InputConfig) DelimiterRune() rune {
	r := []rune(c.Delimiter)
	if len(r) == 0 {
		return 0
	}
	return r[0]
}

// String returns the configuration as JSON with credentials redacted
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Appwrite.APIKey != "" {
		sanitized.Appwrite.APIKey = "[REDACTED]"
	}
	if sanitized.Sink.DatabaseURL != "" && strings.Contains(sanitized.Sink.DatabaseURL, "@") {
		sanitized.Sink.DatabaseURL = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
