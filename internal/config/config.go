package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/italolelis/novel_downloader/internal/source"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config struct for environment variables.
type Config struct {
	DataDir         string        `envconfig:"DATA_DIR" default:"data"`
	DownloadDir     string        `envconfig:"DOWNLOAD_DIR" default:"data/downloads"`
	BackupDir       string        `envconfig:"BACKUP_DIR" default:"data/backups"`
	DBPath          string        `envconfig:"DB_PATH" default:"data/library.db"`
	SourcesFile     string        `envconfig:"SOURCES_FILE" default:"sources.toml"`
	StateBackend    string        `envconfig:"STATE_BACKEND" default:"sqlite"`
	KeepBackupsFor  time.Duration `envconfig:"KEEP_BACKUPS_FOR" default:"720h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`
	DownloadDelay   time.Duration `envconfig:"DOWNLOAD_DELAY" default:"1s"`
	RestoreDelay    time.Duration `envconfig:"RESTORE_DELAY" default:"500ms"`
	ResumeOnStart   bool          `envconfig:"RESUME_ON_START" default:"false"`
	StopTimeout     time.Duration `envconfig:"STOP_TIMEOUT" default:"2m"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Redis struct {
		Addr      string `split_words:"true" default:"localhost:6379"`
		Password  string `split_words:"true"`
		DB        int    `split_words:"true" default:"0"`
		KeyPrefix string `split_words:"true" default:"novel_downloader:"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"novel_downloader"`
		OTLPEndpoint string        `split_words:"true"`
		OTLPInterval time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	switch cfg.StateBackend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SourceConfig is one [[sources]] table of the sources file.
type SourceConfig struct {
	ID                string  `toml:"id" validate:"required"`
	BaseURL           string  `toml:"base_url" validate:"required,url"`
	Token             string  `toml:"token"`
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"gte=0"`
	Burst             int     `toml:"burst" validate:"gte=0"`
	Timeout           string  `toml:"timeout"`
}

type sourcesFile struct {
	Sources []SourceConfig `toml:"sources" validate:"dive"`
}

// HTTPConfig converts the table into the source client configuration.
func (s SourceConfig) HTTPConfig() (source.HTTPConfig, error) {
	cfg := source.HTTPConfig{
		ID:                s.ID,
		BaseURL:           s.BaseURL,
		Token:             s.Token,
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.Burst,
	}

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return source.HTTPConfig{}, fmt.Errorf("source %s: invalid timeout: %w", s.ID, err)
		}

		cfg.Timeout = d
	}

	return cfg, nil
}

// LoadSources parses the TOML sources file. A missing file means no source is
// installed, which is valid: restores then fail per novel with an unavailable source.
func LoadSources(path string) ([]SourceConfig, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer file.Close()

	var parsed sourcesFile

	if err := toml.NewDecoder(file).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	if err := validator.New().Struct(parsed); err != nil {
		return nil, fmt.Errorf("invalid sources file: %w", err)
	}

	seen := make(map[string]struct{}, len(parsed.Sources))

	for _, s := range parsed.Sources {
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("duplicate source %q", s.ID)
		}

		seen[s.ID] = struct{}{}
	}

	return parsed.Sources, nil
}
