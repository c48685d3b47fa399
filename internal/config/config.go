package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DataDir           string
	ReportsIndexURL   string
	FetchRPS          float64
	HTTPTimeout       time.Duration
	UserAgent         string
	GitPath           string
	CloneDepth        int
	LizardPath        string
	LizardChunkSize   int
	Concurrency       int
	OverridesFile     string
	DatabaseURL       string
	S3Endpoint        string
	S3AccessKey       string
	S3SecretKey       string
	S3UseSSL          bool
	ReportsBucket     string
	WorkerConcurrency int
	StaleAfter        time.Duration
	JobTimeout        time.Duration
	HTTPAddr          string
	LogLevel          string
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads the configuration from the environment, filling defaults for
// everything optional. Call Validate* for the parts a command needs.
func Load() Config {
	cfg := Config{
		DataDir:           getString("C4AUDIT_DATA_DIR", "."),
		ReportsIndexURL:   getString("REPORTS_INDEX_URL", "https://code4rena.com/reports"),
		FetchRPS:          getFloat("FETCH_RPS", 2),
		HTTPTimeout:       getDuration("HTTP_TIMEOUT", 60*time.Second),
		UserAgent:         getString("HTTP_USER_AGENT", "c4audit-dataset/1.0"),
		GitPath:           getString("GIT_PATH", "git"),
		CloneDepth:        getInt("CLONE_DEPTH", 1),
		LizardPath:        getString("LIZARD_PATH", "lizard"),
		LizardChunkSize:   getInt("LIZARD_CHUNK_SIZE", 3000),
		Concurrency:       getInt("CONCURRENCY", 4),
		OverridesFile:     os.Getenv("OVERRIDES_FILE"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:          getBool("S3_USE_SSL", "false"),
		ReportsBucket:     os.Getenv("REPORTS_BUCKET"),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 2),
		StaleAfter:        getDuration("STALE_AFTER", 10*time.Minute),
		JobTimeout:        getDuration("JOB_TIMEOUT", 2*time.Hour),
		HTTPAddr:          os.Getenv("HTTP_ADDR"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
	}
	if cfg.LizardChunkSize <= 0 {
		cfg.LizardChunkSize = 3000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.FetchRPS <= 0 {
		cfg.FetchRPS = 2
	}
	if cfg.CloneDepth < 0 {
		cfg.CloneDepth = 0
	}
	return cfg
}

// S3Enabled reports whether object storage settings are present.
func (c Config) S3Enabled() bool {
	return c.S3Endpoint != "" && c.ReportsBucket != ""
}

// ValidateQueue checks the settings needed by the queue commands.
func (c Config) ValidateQueue() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// ValidateStorage checks the settings needed to talk to object storage.
func (c Config) ValidateStorage() error {
	if c.S3Endpoint == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.ReportsBucket == "" {
		return errors.New("REPORTS_BUCKET is required")
	}
	return nil
}
