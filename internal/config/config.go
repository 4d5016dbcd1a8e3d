package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dunamismax/studioqueue/internal/geometry"
)

type Config struct {
	Jobs    JobsConfig
	Sheet   SheetConfig
	Mockup  MockupConfig
	Log     LogConfig
	Metrics MetricsConfig
	Trace   TraceConfig
	Webhook WebhookConfig
	Redis   RedisConfig
	Storage StorageConfig
}

type JobsConfig struct {
	PrintDir     string
	MockupDir    string
	PollInterval time.Duration
	WaitTimeout  time.Duration
	LockPath     string
	// HandoffRetain is how many handed-off documents stay open in the host.
	HandoffRetain int
}

// SheetConfig sizes the 2-up print sheet. Two portrait slots split the width.
type SheetConfig struct {
	WidthIn   float64
	HeightIn  float64
	DPI       float64
	MarginIn  float64
	ExportDir string
}

func (s SheetConfig) PixelSize() (int, int) {
	return int(s.WidthIn*s.DPI + 0.5), int(s.HeightIn*s.DPI + 0.5)
}

type MockupConfig struct {
	Layer   string
	Quality int
	Fit     string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type MetricsConfig struct {
	Addr string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	MaxAttempts   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// Load reads a .env file when one is present and then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Jobs: JobsConfig{
			PrintDir:     env("STUDIO_PRINT_JOBS_DIR", "./jobs/print"),
			MockupDir:    env("STUDIO_MOCKUP_JOBS_DIR", "./jobs/mockup"),
			PollInterval: envDuration("STUDIO_POLL_INTERVAL", 250*time.Millisecond),
			WaitTimeout:  envDuration("STUDIO_WAIT_TIMEOUT", 10*time.Second),
			LockPath:     env("STUDIO_LOCK_PATH", os.TempDir()+"/studioqueue.lock"),

			HandoffRetain: envInt("STUDIO_HANDOFF_RETAIN", 4),
		},
		Sheet: SheetConfig{
			WidthIn:   envFloat("STUDIO_SHEET_WIDTH_IN", 24),
			HeightIn:  envFloat("STUDIO_SHEET_HEIGHT_IN", 18),
			DPI:       envFloat("STUDIO_SHEET_DPI", 300),
			MarginIn:  envFloat("STUDIO_SLOT_MARGIN_IN", 0),
			ExportDir: env("STUDIO_PRINT_EXPORT_DIR", ""),
		},
		Mockup: MockupConfig{
			Layer:   env("STUDIO_MOCKUP_LAYER", "ARTWORK"),
			Quality: envInt("STUDIO_MOCKUP_QUALITY", 92),
			Fit:     env("STUDIO_MOCKUP_FIT", string(geometry.FitCover)),
		},
		Log: LogConfig{
			Level:  env("LOG_LEVEL", "info"),
			Format: env("LOG_FORMAT", "text"),
			Output: env("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Addr: env("METRICS_ADDR", ""),
		},
		Trace: TraceConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTLP_INSECURE", true),
			SampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 1),
		},
		Webhook: WebhookConfig{
			URL:           env("WEBHOOK_URL", ""),
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 3),
		},
		Redis: RedisConfig{
			Addr:     env("REDIS_ADDR", ""),
			Password: env("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
			Channel:  env("REDIS_CHANNEL", "studioqueue:failures"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", ""),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "studioqueue-renditions"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
	}
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("STUDIO_POLL_INTERVAL must be positive, got %s", c.Jobs.PollInterval))
	}
	if c.Jobs.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("STUDIO_WAIT_TIMEOUT must not be negative, got %s", c.Jobs.WaitTimeout))
	}
	if c.Sheet.WidthIn <= 0 || c.Sheet.HeightIn <= 0 || c.Sheet.DPI <= 0 {
		errs = append(errs, fmt.Errorf("sheet size must be positive, got %gx%g in at %g dpi", c.Sheet.WidthIn, c.Sheet.HeightIn, c.Sheet.DPI))
	}
	if c.Sheet.MarginIn < 0 || 2*c.Sheet.MarginIn >= c.Sheet.HeightIn || 4*c.Sheet.MarginIn >= c.Sheet.WidthIn {
		errs = append(errs, fmt.Errorf("STUDIO_SLOT_MARGIN_IN %g leaves no room in the slots", c.Sheet.MarginIn))
	}
	if strings.TrimSpace(c.Mockup.Layer) == "" {
		errs = append(errs, errors.New("STUDIO_MOCKUP_LAYER must not be empty"))
	}
	if c.Mockup.Quality < 1 || c.Mockup.Quality > 100 {
		errs = append(errs, fmt.Errorf("STUDIO_MOCKUP_QUALITY must be 1..100, got %d", c.Mockup.Quality))
	}
	if _, err := geometry.ParseFitMode(c.Mockup.Fit); err != nil {
		errs = append(errs, fmt.Errorf("STUDIO_MOCKUP_FIT: %w", err))
	}
	if c.Jobs.HandoffRetain < 0 {
		errs = append(errs, fmt.Errorf("STUDIO_HANDOFF_RETAIN must not be negative, got %d", c.Jobs.HandoffRetain))
	}
	if c.Trace.SampleRatio < 0 || c.Trace.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATIO must be 0..1, got %g", c.Trace.SampleRatio))
	}
	if c.Storage.Enabled() && strings.TrimSpace(c.Storage.Bucket) == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required when MINIO_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration accepts Go durations ("750ms") or a bare number of milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
