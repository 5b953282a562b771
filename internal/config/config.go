// ============================================================================
// docflow Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the daemon configuration from YAML or TOML.
//
// Load order (later wins):
//   1. Default()
//   2. config file, format picked by extension (.yaml/.yml or .toml)
//   3. DOCFLOW_* environment variables
// The result is validated before it is returned.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Duration is a time.Duration written as "30s" in both YAML and TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Worker    WorkerConfig    `yaml:"worker" toml:"worker"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Broadcast BroadcastConfig `yaml:"broadcast" toml:"broadcast"`
	Reaper    ReaperConfig    `yaml:"reaper" toml:"reaper"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// ServerConfig HTTP/WebSocket 與 gRPC 介面
type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr" toml:"http_addr" validate:"required"`
	GRPCAddr        string   `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables gRPC
	AdminPrincipals []string `yaml:"admin_principals" toml:"admin_principals"`
	UploadDir       string   `yaml:"upload_dir" toml:"upload_dir" validate:"required"`
	InputRoots      []string `yaml:"input_roots" toml:"input_roots" validate:"dive,required"` // server-local directories clients may reference
	MaxUploadBytes  int64    `yaml:"max_upload_bytes" toml:"max_upload_bytes" validate:"gt=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
}

// WorkerConfig 任務執行
type WorkerConfig struct {
	WorkerCount     int      `yaml:"worker_count" toml:"worker_count" validate:"min=1,max=256"`
	DefaultDeadline Duration `yaml:"default_deadline" toml:"default_deadline" validate:"gt=0"`
}

// EngineConfig 轉換引擎
type EngineConfig struct {
	OCRmyPDF    string   `yaml:"ocrmypdf" toml:"ocrmypdf"` // binary path, empty selects pdfcpu only
	WorkDir     string   `yaml:"work_dir" toml:"work_dir" validate:"required"`
	Jobs        int      `yaml:"jobs" toml:"jobs" validate:"gte=0"`
	ImageDPI    int      `yaml:"image_dpi" toml:"image_dpi" validate:"min=72,max=1200"`
	SafeDPI     int      `yaml:"safe_dpi" toml:"safe_dpi" validate:"min=72,max=1200"`
	CallTimeout Duration `yaml:"call_timeout" toml:"call_timeout" validate:"gte=0"`
	Grace       Duration `yaml:"grace" toml:"grace" validate:"gte=0"`
}

// EventsConfig Event Log
type EventsConfig struct {
	StoreTimeout Duration `yaml:"store_timeout" toml:"store_timeout" validate:"gt=0"`
}

// BroadcastConfig Broadcast Hub
type BroadcastConfig struct {
	DeliveryTimeout  Duration `yaml:"delivery_timeout" toml:"delivery_timeout" validate:"gt=0"`
	ProgressInterval Duration `yaml:"progress_interval" toml:"progress_interval" validate:"gt=0"`
	QueueSize        int      `yaml:"queue_size" toml:"queue_size" validate:"gte=0"`
}

// ReaperConfig 逾時與清理
type ReaperConfig struct {
	Interval        Duration `yaml:"interval" toml:"interval" validate:"gte=1000000000"` // cron resolution is one second
	GracePeriod     Duration `yaml:"grace_period" toml:"grace_period" validate:"gt=0"`
	Retention       Duration `yaml:"retention" toml:"retention" validate:"gte=0"`
	MaxRetainedJobs int      `yaml:"max_retained_jobs" toml:"max_retained_jobs" validate:"gte=0"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// StorageConfig durable store
type StorageConfig struct {
	Driver       string `yaml:"driver" toml:"driver" validate:"oneof=memory file badger postgres"`
	Dir          string `yaml:"dir" toml:"dir" validate:"required_if=Driver file,required_if=Driver badger"`
	DSN          string `yaml:"dsn" toml:"dsn" validate:"required_if=Driver postgres"`
	SyncOnAppend bool   `yaml:"sync_on_append" toml:"sync_on_append"`
	CompactEvery int    `yaml:"compact_every" toml:"compact_every" validate:"gte=0"`
}

// MetricsConfig Prometheus
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path" validate:"omitempty,startswith=/"`
}

// LogConfig slog handler
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			UploadDir:       filepath.Join(os.TempDir(), "docflow", "uploads"),
			MaxUploadBytes:  256 << 20,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			WorkerCount:     4,
			DefaultDeadline: Duration(10 * time.Minute),
		},
		Engine: EngineConfig{
			OCRmyPDF:    "ocrmypdf",
			WorkDir:     filepath.Join(os.TempDir(), "docflow", "work"),
			Jobs:        1,
			ImageDPI:    300,
			SafeDPI:     150,
			CallTimeout: Duration(5 * time.Minute),
			Grace:       Duration(5 * time.Second),
		},
		Events: EventsConfig{
			StoreTimeout: Duration(5 * time.Second),
		},
		Broadcast: BroadcastConfig{
			DeliveryTimeout:  Duration(2 * time.Second),
			ProgressInterval: Duration(250 * time.Millisecond),
			QueueSize:        64,
		},
		Reaper: ReaperConfig{
			Interval:        Duration(30 * time.Second),
			GracePeriod:     Duration(10 * time.Second),
			Retention:       Duration(time.Hour),
			MaxRetainedJobs: 1000,
		},
		Storage: StorageConfig{
			Driver:       DriverMemory,
			CompactEvery: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Decode(cfg, filepath.Ext(path), data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges data into cfg. ext selects the format.
func Decode(cfg *Config, ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Engine.SafeDPI > c.Engine.ImageDPI {
		return fmt.Errorf("invalid configuration: engine.safe_dpi (%d) exceeds engine.image_dpi (%d)", c.Engine.SafeDPI, c.Engine.ImageDPI)
	}
	return nil
}

// IsAdmin reports whether principal is listed in server.admin_principals.
func (c *Config) IsAdmin(principal string) bool {
	for _, p := range c.Server.AdminPrincipals {
		if p == principal {
			return true
		}
	}
	return false
}

// applyEnvOverrides 環境變數覆蓋設定檔
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DOCFLOW_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("DOCFLOW_GRPC_ADDR", &cfg.Server.GRPCAddr)
	if v, ok := lookup("DOCFLOW_ADMIN_PRINCIPALS"); ok && v != "" {
		var admins []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				admins = append(admins, p)
			}
		}
		cfg.Server.AdminPrincipals = admins
	}
	num("DOCFLOW_WORKER_COUNT", &cfg.Worker.WorkerCount)
	str("DOCFLOW_OCRMYPDF", &cfg.Engine.OCRmyPDF)
	str("DOCFLOW_WORK_DIR", &cfg.Engine.WorkDir)
	str("DOCFLOW_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("DOCFLOW_STORAGE_DIR", &cfg.Storage.Dir)
	str("DOCFLOW_STORAGE_DSN", &cfg.Storage.DSN)
	str("DOCFLOW_LOG_LEVEL", &cfg.Log.Level)
	str("DOCFLOW_LOG_FORMAT", &cfg.Log.Format)
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
