package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// EnvConfigPath names the variable that points at a TOML config file when no
// path is passed on the command line.
const EnvConfigPath = "MEDIAGRAB_CONFIG"

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Jobs      JobsConfig      `toml:"jobs"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Reaper    ReaperConfig    `toml:"reaper"`
	Extractor ExtractorConfig `toml:"extractor"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type StorageConfig struct {
	DownloadsDir string `toml:"downloads_dir"`
	MaxFileBytes int64  `toml:"max_file_bytes"`
	// JournalPath enables the SQLite job journal when set.
	JournalPath string `toml:"journal_path"`
}

type JobsConfig struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	MaxAttempts   int      `toml:"max_attempts"`
	RetryBackoff  Duration `toml:"retry_backoff"`
	TTL           Duration `toml:"ttl"`
}

// RateLimitConfig holds per-endpoint ceilings in requests per minute.
type RateLimitConfig struct {
	Start    int `toml:"start_per_minute"`
	Progress int `toml:"progress_per_minute"`
	File     int `toml:"file_per_minute"`
}

type ReaperConfig struct {
	Schedule    string   `toml:"schedule"`
	MinInterval Duration `toml:"min_interval"`
}

type ExtractorConfig struct {
	Binary          string   `toml:"binary"`
	CookiesPath     string   `toml:"cookies_path"`
	Proxy           string   `toml:"proxy"`
	DescribeTimeout Duration `toml:"describe_timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration accepts Go duration strings ("2s", "1h") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Storage: StorageConfig{
			DownloadsDir: "downloads",
			MaxFileBytes: 500 * 1000 * 1000,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 3,
			MaxAttempts:   3,
			RetryBackoff:  Duration{2 * time.Second},
			TTL:           Duration{time.Hour},
		},
		RateLimit: RateLimitConfig{
			Start:    10,
			Progress: 300,
			File:     60,
		},
		Reaper: ReaperConfig{
			Schedule:    "@every 30s",
			MinInterval: Duration{5 * time.Second},
		},
		Extractor: ExtractorConfig{
			Binary:          "yt-dlp",
			DescribeTimeout: Duration{20 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, a
// .env file in the working directory and the process environment, in that
// order of increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	cfg.Server.Addr = envOrDefault("APP_ADDR", cfg.Server.Addr)
	cfg.Storage.DownloadsDir = envOrDefault("DOWNLOADS_DIR", cfg.Storage.DownloadsDir)
	cfg.Storage.JournalPath = envOrDefault("JOURNAL_PATH", cfg.Storage.JournalPath)
	cfg.Extractor.Binary = envOrDefault("YTDLP_BIN", cfg.Extractor.Binary)
	cfg.Extractor.CookiesPath = envOrDefault("YTDLP_COOKIES", cfg.Extractor.CookiesPath)
	cfg.Extractor.Proxy = envOrDefault("YTDLP_PROXY", cfg.Extractor.Proxy)
	cfg.Reaper.Schedule = envOrDefault("REAPER_SCHEDULE", cfg.Reaper.Schedule)
	cfg.Log.Level = envOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("LOG_FORMAT", cfg.Log.Format)

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	cfg.Storage.MaxFileBytes, err = envInt64OrDefault("MAX_FILE_BYTES", cfg.Storage.MaxFileBytes)
	collect(err)
	cfg.Jobs.MaxConcurrent, err = envIntOrDefault("MAX_CONCURRENT_JOBS", cfg.Jobs.MaxConcurrent)
	collect(err)
	cfg.Jobs.MaxAttempts, err = envIntOrDefault("MAX_ATTEMPTS", cfg.Jobs.MaxAttempts)
	collect(err)
	cfg.Jobs.RetryBackoff.Duration, err = envDurationOrDefault("RETRY_BACKOFF", cfg.Jobs.RetryBackoff.Duration)
	collect(err)
	cfg.Jobs.TTL.Duration, err = envDurationOrDefault("JOB_TTL", cfg.Jobs.TTL.Duration)
	collect(err)
	cfg.RateLimit.Start, err = envIntOrDefault("START_PER_MINUTE", cfg.RateLimit.Start)
	collect(err)
	cfg.RateLimit.Progress, err = envIntOrDefault("PROGRESS_PER_MINUTE", cfg.RateLimit.Progress)
	collect(err)
	cfg.RateLimit.File, err = envIntOrDefault("FILE_PER_MINUTE", cfg.RateLimit.File)
	collect(err)
	return errors.Join(errs...)
}

// Validate reports every setting that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if strings.TrimSpace(c.Storage.DownloadsDir) == "" {
		errs = append(errs, errors.New("storage.downloads_dir is required"))
	}
	if c.Storage.MaxFileBytes <= 0 {
		errs = append(errs, errors.New("storage.max_file_bytes must be positive"))
	}
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("jobs.max_concurrent must be positive"))
	}
	if c.Jobs.MaxAttempts <= 0 {
		errs = append(errs, errors.New("jobs.max_attempts must be positive"))
	}
	if c.Jobs.RetryBackoff.Duration < 0 {
		errs = append(errs, errors.New("jobs.retry_backoff must not be negative"))
	}
	if c.Jobs.TTL.Duration <= 0 {
		errs = append(errs, errors.New("jobs.ttl must be positive"))
	}
	if c.RateLimit.Start <= 0 || c.RateLimit.Progress <= 0 || c.RateLimit.File <= 0 {
		errs = append(errs, errors.New("ratelimit ceilings must be positive"))
	}
	if _, err := cron.ParseStandard(c.Reaper.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("reaper.schedule %q: %w", c.Reaper.Schedule, err))
	}
	if c.Reaper.MinInterval.Duration < 0 {
		errs = append(errs, errors.New("reaper.min_interval must not be negative"))
	}
	if c.Extractor.DescribeTimeout.Duration <= 0 {
		errs = append(errs, errors.New("extractor.describe_timeout must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of auto, json, console", c.Log.Format))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func envInt64OrDefault(key string, fallback int64) (int64, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func envIntOrDefault(key string, fallback int) (int, error) {
	parsed, err := envInt64OrDefault(key, int64(fallback))
	return int(parsed), err
}

func envDurationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := parseDuration(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

// parseDuration accepts Go duration strings and bare integers as seconds.
func parseDuration(val string) (time.Duration, error) {
	val = strings.TrimSpace(val)
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(val)
}
