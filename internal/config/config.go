package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fiscalprint/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BridgeModeLocal  = "local"
	BridgeModeRemote = "remote"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Backup        BackupConfig        `yaml:"backup"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Queue         QueueConfig         `yaml:"queue"`
	Printers      PrintersConfig      `yaml:"printers"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Service       ServiceConfig       `yaml:"service"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	// Operator is recorded in updated_by/printed_by for transitions made by this host.
	Operator string `yaml:"operator"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BridgeConfig controls where the printer bridge runs. In local mode the daemon
// talks to the OS spooler directly and also serves the gRPC channel; in remote
// mode it drives a bridge served by another host process.
type BridgeConfig struct {
	Mode           string           `yaml:"mode"`
	GRPC           BridgeGRPCConfig `yaml:"grpc"`
	OutputDir      string           `yaml:"output_dir"`
	ReaderPaths    []string         `yaml:"reader_paths"`
	CommandTimeout time.Duration    `yaml:"command_timeout"`
	PDF            PDFConfig        `yaml:"pdf"`
}

type BridgeGRPCConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Address string        `yaml:"address"`
	APIKey  string        `yaml:"api_key"`
	Extra   string        `yaml:"extra"`
	TLS     GRPCTLSConfig `yaml:"tls"`
}

type GRPCTLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
	// CAFile verifies the server certificate in remote mode.
	CAFile string `yaml:"ca_file"`
}

type PDFConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RemoteURL string        `yaml:"remote_url"`
	NoSandbox bool          `yaml:"no_sandbox"`
	PageSize  string        `yaml:"page_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	AutoPrint    bool          `yaml:"auto_print"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	BatchSize    int           `yaml:"batch_size"`
}

type PrintersConfig struct {
	ConfigPath string `yaml:"config_path"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	MinLevel string  `yaml:"min_level"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file only means nothing to preload.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch c.Bridge.Mode {
	case BridgeModeLocal:
	case BridgeModeRemote:
		if strings.TrimSpace(c.Bridge.GRPC.Address) == "" {
			return errors.New("bridge.grpc.address is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown bridge mode %q", c.Bridge.Mode)
	}

	if c.Queue.BatchSize < 0 {
		return errors.New("queue.batch_size must not be negative")
	}

	return ValidateTelegram(c.Notifications.Telegram)
}

func ValidateTelegram(cfg TelegramConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BotToken == "" {
		return errors.New("telegram bot token is required when telegram notifications are enabled")
	}
	if len(cfg.ChatIDs) == 0 {
		return errors.New("telegram chat_ids must not be empty when telegram notifications are enabled")
	}
	switch cfg.MinLevel {
	case models.NotifyInfo, models.NotifySuccess, models.NotifyWarning, models.NotifyError:
	default:
		return fmt.Errorf("unknown telegram min_level %q", cfg.MinLevel)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fiscalprint"
	}
	if c.App.Version == "" {
		c.App.Version = models.AgentVersion
	}
	if c.App.Operator == "" {
		if host, err := os.Hostname(); err == nil {
			c.App.Operator = host
		} else {
			c.App.Operator = "printd"
		}
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 3033
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = "print_requests:changes"
	}

	if c.Bridge.Mode == "" {
		c.Bridge.Mode = BridgeModeLocal
	}
	if c.Bridge.GRPC.Port == 0 {
		c.Bridge.GRPC.Port = 3034
	}
	if c.Bridge.CommandTimeout == 0 {
		c.Bridge.CommandTimeout = models.DefaultCommandTimeout * time.Second
	}
	if c.Bridge.PDF.PageSize == "" {
		c.Bridge.PDF.PageSize = "A4"
	}
	if c.Bridge.PDF.Timeout == 0 {
		c.Bridge.PDF.Timeout = 30 * time.Second
	}

	home, _ := os.UserHomeDir()
	storageDir := filepath.Join(home, ".fiscalprint")
	if c.Bridge.OutputDir == "" {
		c.Bridge.OutputDir = filepath.Join(storageDir, "pdf")
	}
	if c.Printers.ConfigPath == "" {
		c.Printers.ConfigPath = filepath.Join(storageDir, "printers.yaml")
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = filepath.Join(storageDir, "backups")
	}

	if c.Queue.StepTimeout == 0 {
		c.Queue.StepTimeout = models.DefaultStepTimeout * time.Second
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = models.DefaultBatchSize
	}

	if c.Notifications.Telegram.MinLevel == "" {
		c.Notifications.Telegram.MinLevel = models.NotifyError
	}

	if c.Service.Name == "" {
		c.Service.Name = "FiscalPrintAgent"
	}
	if c.Service.DisplayName == "" {
		c.Service.DisplayName = "Fiscal Print Agent"
	}
	if c.Service.Description == "" {
		c.Service.Description = "Fiscal note print queue and local printer bridge"
	}
}
