package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/applivery/updater/internal/feedback"
	"github.com/applivery/updater/internal/logctx"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIBaseURL string        `envconfig:"API_BASE_URL" default:"https://sdk-api.applivery.io"`
	AppToken   string        `envconfig:"APP_TOKEN" required:"true"`
	APITimeout time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
	SDKVersion string        `envconfig:"SDK_VERSION" default:"GO_1.0.0"`
	Language   string        `envconfig:"LANGUAGE" default:"en"`

	AppName        string `envconfig:"APP_NAME"`
	AppVersion     string `envconfig:"APP_VERSION"`
	PackageName    string `envconfig:"PACKAGE_NAME"`
	PackageVersion int    `envconfig:"PACKAGE_VERSION"`
	BuildID        string `envconfig:"BUILD_ID"`

	DownloadDir             string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	ChunkSize               int           `envconfig:"CHUNK_SIZE" default:"8192"`
	InstallCommand          []string      `envconfig:"INSTALL_COMMAND" default:"adb,install,-r,{path}"`
	KeepTransferOnInterrupt bool          `envconfig:"KEEP_TRANSFER_ON_INTERRUPT" default:"false"`
	KeepDownloadedFor       time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"168h"`
	CleanupInterval         time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	DiscordWebhookURL       string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath                  string        `envconfig:"DB_PATH" default:"updates.db"`

	// Device describes the host in feedback reports and API headers. Unset
	// values are reported as "unknown".
	Device struct {
		OSName      string `envconfig:"OS_NAME"`
		OSVersion   string `envconfig:"OS_VERSION"`
		Vendor      string `envconfig:"VENDOR"`
		Model       string `envconfig:"MODEL"`
		Resolution  string `envconfig:"RESOLUTION"`
		Orientation string `envconfig:"ORIENTATION"`
		Battery     int    `envconfig:"BATTERY"`
		Charging    bool   `envconfig:"CHARGING"`
		Network     string `envconfig:"NETWORK"`
		FreeDisk    string `envconfig:"FREE_DISK"`
	}

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile  struct {
		Path       string `split_words:"true"`
		MaxSizeMB  int    `envconfig:"MAX_SIZE_MB" default:"50"`
		MaxBackups int    `split_words:"true" default:"3"`
		MaxAgeDays int    `split_words:"true" default:"28"`
	} `split_words:"true"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"applivery-updater"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads the optional dotenv file and then the process environment.
// Variables already present in the environment win over the file.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE must be positive, got %d", cfg.ChunkSize)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	return logctx.ParseLevel(c.LogLevel)
}

func (c *Config) LogFileOptions() logctx.FileOptions {
	return logctx.FileOptions{
		Path:       c.LogFile.Path,
		MaxSizeMB:  c.LogFile.MaxSizeMB,
		MaxBackups: c.LogFile.MaxBackups,
		MaxAgeDays: c.LogFile.MaxAgeDays,
	}
}

func (c *Config) HostDetails() feedback.HostDetails {
	return feedback.HostDetails{
		Name:         c.Device.OSName,
		Version:      c.Device.OSVersion,
		Manufacturer: c.Device.Vendor,
		ModelName:    c.Device.Model,
		Resolution:   c.Device.Resolution,
		Orientation:  c.Device.Orientation,
		Battery:      c.Device.Battery,
		Charging:     c.Device.Charging,
		Network:      c.Device.Network,
		Disk:         c.Device.FreeDisk,
	}
}
