package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrNoCredentials is returned when the classification key pool is empty.
	ErrNoCredentials = errors.New("session.credentials must contain at least one key")
	// ErrNoCatalogToken is returned when the catalog application id is missing.
	ErrNoCatalogToken = errors.New("session.catalog_auth_token is required")
)

// Config is the full patrol configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Session    SessionConfig    `mapstructure:"session"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Screening  ScreeningConfig  `mapstructure:"screening"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Report     ReportConfig     `mapstructure:"report"`
	Server     ServerConfig     `mapstructure:"server"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// SessionConfig is the value handed to the orchestration core at
// construction. It replaces any process-global settings.
type SessionConfig struct {
	Credentials      []string `mapstructure:"credentials"`
	CatalogAuthToken string   `mapstructure:"catalog_auth_token"`
	BatchSizeCap     int      `mapstructure:"batch_size_cap"`
	CredentialFanout int      `mapstructure:"credential_fanout"`
	RetryLimit       int      `mapstructure:"retry_limit"`
	RequestTimeoutMs int      `mapstructure:"request_timeout_ms"`
	BackoffBaseMs    int      `mapstructure:"backoff_base_ms"`
}

// RequestTimeout is the hard per-classification-call timeout.
func (s SessionConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// BackoffBase is the base of the exponential retry backoff.
func (s SessionConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

// BatchSize returns min(|pool| * fanout, cap), never below 1.
func (s SessionConfig) BatchSize(poolSize int) int {
	n := poolSize * s.CredentialFanout
	if s.BatchSizeCap > 0 && n > s.BatchSizeCap {
		n = s.BatchSizeCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Validate rejects a session that cannot start a run.
func (s SessionConfig) Validate() error {
	if len(nonBlank(s.Credentials)) == 0 {
		return ErrNoCredentials
	}
	if strings.TrimSpace(s.CatalogAuthToken) == "" {
		return ErrNoCatalogToken
	}
	if s.RetryLimit < 0 {
		return fmt.Errorf("session.retry_limit must be >= 0, got %d", s.RetryLimit)
	}
	if s.BatchSizeCap < 1 {
		return fmt.Errorf("session.batch_size_cap must be >= 1, got %d", s.BatchSizeCap)
	}
	return nil
}

type ClassifierConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type CatalogConfig struct {
	Endpoint               string  `mapstructure:"endpoint"`
	PageSize               int     `mapstructure:"page_size"`
	RatePerSecond          float64 `mapstructure:"rate_per_second"`
	Burst                  int     `mapstructure:"burst"`
	MaxPagesSingle         int     `mapstructure:"max_pages_single"`
	MaxPagesFleet          int     `mapstructure:"max_pages_fleet"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
}

type FleetConfig struct {
	CheckpointEveryPages int           `mapstructure:"checkpoint_every_pages"`
	TargetCooldown       time.Duration `mapstructure:"target_cooldown"`
	PersistAllItems      bool          `mapstructure:"persist_all_items"`
}

type ScreeningConfig struct {
	RestrictedKeywords  []string `mapstructure:"restricted_keywords"`
	CounterfeitPatterns []string `mapstructure:"counterfeit_patterns"`
	AllowlistPath       string   `mapstructure:"allowlist_path"`
}

type StorageConfig struct {
	Driver       string        `mapstructure:"driver"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	Redis        RedisConfig   `mapstructure:"redis"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ReportConfig struct {
	PDFFontPath string `mapstructure:"pdf_font_path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig mirrors the defaults registered with viper.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "shop-patrol", LogLevel: "info"},
		Session: SessionConfig{
			BatchSizeCap:     30,
			CredentialFanout: 4,
			RetryLimit:       3,
			RequestTimeoutMs: 60000,
			BackoffBaseMs:    500,
		},
		Classifier: ClassifierConfig{Endpoint: "http://localhost:3000/api/analyze"},
		Catalog: CatalogConfig{
			Endpoint:               "https://app.rakuten.co.jp/services/api/IchibaItem/Search/20170706",
			PageSize:               30,
			RatePerSecond:          1,
			Burst:                  1,
			MaxPagesSingle:         20,
			MaxPagesFleet:          50,
			MaxConsecutiveFailures: 3,
		},
		Fleet: FleetConfig{
			CheckpointEveryPages: 5,
			TargetCooldown:       500 * time.Millisecond,
		},
		Screening: ScreeningConfig{AllowlistPath: "allowlist.txt"},
		Storage: StorageConfig{
			Driver:       "sqlite",
			SQLitePath:   "patrol.db",
			Redis:        RedisConfig{Addr: "localhost:6379", KeyPrefix: "patrol"},
			PollInterval: 2 * time.Second,
		},
		Server: ServerConfig{Addr: "0.0.0.0:8080"},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.log_level", d.App.LogLevel)
	v.SetDefault("session.credentials", []string{})
	v.SetDefault("session.catalog_auth_token", "")
	v.SetDefault("session.batch_size_cap", d.Session.BatchSizeCap)
	v.SetDefault("session.credential_fanout", d.Session.CredentialFanout)
	v.SetDefault("session.retry_limit", d.Session.RetryLimit)
	v.SetDefault("session.request_timeout_ms", d.Session.RequestTimeoutMs)
	v.SetDefault("session.backoff_base_ms", d.Session.BackoffBaseMs)
	v.SetDefault("classifier.endpoint", d.Classifier.Endpoint)
	v.SetDefault("catalog.endpoint", d.Catalog.Endpoint)
	v.SetDefault("catalog.page_size", d.Catalog.PageSize)
	v.SetDefault("catalog.rate_per_second", d.Catalog.RatePerSecond)
	v.SetDefault("catalog.burst", d.Catalog.Burst)
	v.SetDefault("catalog.max_pages_single", d.Catalog.MaxPagesSingle)
	v.SetDefault("catalog.max_pages_fleet", d.Catalog.MaxPagesFleet)
	v.SetDefault("catalog.max_consecutive_failures", d.Catalog.MaxConsecutiveFailures)
	v.SetDefault("fleet.checkpoint_every_pages", d.Fleet.CheckpointEveryPages)
	v.SetDefault("fleet.target_cooldown", d.Fleet.TargetCooldown)
	v.SetDefault("fleet.persist_all_items", d.Fleet.PersistAllItems)
	v.SetDefault("screening.restricted_keywords", []string{})
	v.SetDefault("screening.counterfeit_patterns", []string{})
	v.SetDefault("screening.allowlist_path", d.Screening.AllowlistPath)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.poll_interval", d.Storage.PollInterval)
	v.SetDefault("report.pdf_font_path", "")
	v.SetDefault("server.addr", d.Server.Addr)
}

// Load reads the YAML file at path (optional) and overlays PATROL_* env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PATROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	// Env vars arrive as a single string; accept comma separated keys.
	cfg.Session.Credentials = splitList(cfg.Session.Credentials)
	return &cfg, nil
}

// Validate checks the settings needed before any run starts.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.Classifier.Endpoint == "" {
		return errors.New("classifier.endpoint is required")
	}
	if c.Catalog.Endpoint == "" {
		return errors.New("catalog.endpoint is required")
	}
	if c.Catalog.PageSize < 1 {
		return fmt.Errorf("catalog.page_size must be >= 1, got %d", c.Catalog.PageSize)
	}
	return nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
