// Package config loads medpipe settings from the environment and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Result store backends.
const (
	StoreLocal = "local"
	StoreS3    = "s3"
)

// S3 holds the object storage settings of the s3 result store.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// Config holds all configuration values.
type Config struct {
	// HTTP
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url"`

	// Dispatch
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	DispatchParallelism int           `yaml:"dispatch_parallelism"`

	// Archive limits
	MaxArchiveEntries   int     `yaml:"max_archive_entries"`
	MaxArchiveBytes     int64   `yaml:"max_archive_bytes"`
	MaxCompressionRatio float64 `yaml:"max_compression_ratio"`

	// Upload limits of the pipeline endpoints
	MaxUploadFiles     int   `yaml:"max_upload_files"`
	MaxUploadFileBytes int64 `yaml:"max_upload_file_bytes"`

	// Jobs
	MaxJobs     int `yaml:"max_jobs"`
	Workers     int `yaml:"workers"`
	WorkerQueue int `yaml:"worker_queue"`

	// Storage
	ScratchDir  string `yaml:"scratch_dir"`
	ResultStore string `yaml:"result_store"`
	ResultDir   string `yaml:"result_dir"`
	S3          S3     `yaml:"s3"`

	// Logging
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Addr:                ":8000",
		BaseURL:             "http://localhost:8000",
		DispatchTimeout:     time.Hour,
		DispatchParallelism: 1,
		MaxArchiveEntries:   1000,
		MaxArchiveBytes:     500 << 20,
		MaxCompressionRatio: 100,
		MaxUploadFiles:      1000,
		MaxUploadFileBytes:  100 << 20,
		MaxJobs:             1000,
		Workers:             2,
		WorkerQueue:         64,
		ResultStore:         StoreLocal,
		ResultDir:           "/tmp/medpipe-results",
		S3:                  S3{Region: "us-east-1"},
		LogFile:             "/tmp/medpipe.log",
		LogLevel:            "INFO",
	}
}

// Load starts from Defaults, applies the YAML file named by MEDPIPE_CONFIG
// when set and finally the environment. Environment variables win over the
// file.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("MEDPIPE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	c.Addr = getEnv("MEDPIPE_ADDR", c.Addr)
	c.BaseURL = getEnv("API_BASE_URL", c.BaseURL)

	if v := os.Getenv("MEDPIPE_DISPATCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MEDPIPE_DISPATCH_TIMEOUT: %w", err))
		} else {
			c.DispatchTimeout = d
		}
	}
	envInt("MEDPIPE_DISPATCH_PARALLELISM", &c.DispatchParallelism)

	envInt("MEDPIPE_MAX_ARCHIVE_ENTRIES", &c.MaxArchiveEntries)
	envInt64("MEDPIPE_MAX_ARCHIVE_BYTES", &c.MaxArchiveBytes)
	if v := os.Getenv("MEDPIPE_MAX_COMPRESSION_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MEDPIPE_MAX_COMPRESSION_RATIO: %w", err))
		} else {
			c.MaxCompressionRatio = f
		}
	}

	envInt("MEDPIPE_MAX_UPLOAD_FILES", &c.MaxUploadFiles)
	envInt64("MEDPIPE_MAX_UPLOAD_FILE_BYTES", &c.MaxUploadFileBytes)

	envInt("MEDPIPE_MAX_JOBS", &c.MaxJobs)
	envInt("MEDPIPE_WORKERS", &c.Workers)
	envInt("MEDPIPE_WORKER_QUEUE", &c.WorkerQueue)

	c.ScratchDir = getEnv("MEDPIPE_SCRATCH_DIR", c.ScratchDir)
	c.ResultStore = strings.ToLower(getEnv("MEDPIPE_RESULT_STORE", c.ResultStore))
	c.ResultDir = getEnv("MEDPIPE_RESULT_DIR", c.ResultDir)

	c.S3.Bucket = getEnv("MEDPIPE_S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("MEDPIPE_S3_REGION", c.S3.Region)
	c.S3.Endpoint = getEnv("MEDPIPE_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnv("MEDPIPE_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("MEDPIPE_S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Prefix = getEnv("MEDPIPE_S3_PREFIX", c.S3.Prefix)

	c.LogFile = getEnv("MEDPIPE_LOG_FILE", c.LogFile)
	c.LogLevel = getEnv("MEDPIPE_LOG_LEVEL", c.LogLevel)

	return errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("base url must be http(s), got %q", c.BaseURL))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch timeout must be positive, got %s", c.DispatchTimeout))
	}
	positive("dispatch parallelism", int64(c.DispatchParallelism))
	positive("max archive entries", int64(c.MaxArchiveEntries))
	positive("max archive bytes", c.MaxArchiveBytes)
	if c.MaxCompressionRatio <= 0 {
		errs = append(errs, fmt.Errorf("max compression ratio must be positive, got %g", c.MaxCompressionRatio))
	}
	positive("max upload files", int64(c.MaxUploadFiles))
	positive("max upload file bytes", c.MaxUploadFileBytes)
	positive("max jobs", int64(c.MaxJobs))
	positive("workers", int64(c.Workers))
	positive("worker queue", int64(c.WorkerQueue))

	switch c.ResultStore {
	case StoreLocal:
		if c.ResultDir == "" {
			errs = append(errs, errors.New("result dir is required for the local store"))
		}
	case StoreS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 bucket is required for the s3 store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown result store %q", c.ResultStore))
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
