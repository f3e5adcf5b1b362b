package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultDriver      = "sqlite"
	defaultDBPath      = "statpulse.db"
	defaultDailyQuota  = 500
	defaultBatchSize   = 50
	defaultLookbackYrs = 2
	defaultListenAddr  = ":8080"
)

type Config struct {
	Storage   Storage           `yaml:"storage"`
	Quota     Quota             `yaml:"quota"`
	Providers Providers         `yaml:"providers"`
	Surveys   map[string]Survey `yaml:"surveys"`
	Server    Server            `yaml:"server"`
}

type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Quota struct {
	DailyLimit int `yaml:"daily_limit"`
}

type Providers struct {
	BLS ProviderConfig `yaml:"bls"`
	BEA ProviderConfig `yaml:"bea"`
}

type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	UserAgent      string `yaml:"user_agent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Survey describes one upstream survey: which provider serves it, how large a
// fetch batch may be, and a data-driven menu of category filters over series ids.
type Survey struct {
	Name          string              `yaml:"name"`
	Provider      string              `yaml:"provider"`
	BatchSize     int                 `yaml:"batch_size"`
	LookbackYears int                 `yaml:"lookback_years"`
	Categories    map[string][]string `yaml:"categories"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Load reads the yaml config at path (optional, path may be empty), applies
// defaults and then environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = defaultDriver
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = defaultDBPath
	}
	if cfg.Quota.DailyLimit <= 0 {
		cfg.Quota.DailyLimit = defaultDailyQuota
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = defaultListenAddr
	}
	if cfg.Surveys == nil {
		cfg.Surveys = map[string]Survey{}
	}
	for code, survey := range cfg.Surveys {
		if survey.BatchSize <= 0 {
			survey.BatchSize = defaultBatchSize
		}
		if survey.LookbackYears <= 0 {
			survey.LookbackYears = defaultLookbackYrs
		}
		if strings.TrimSpace(survey.Provider) == "" {
			survey.Provider = "bls"
		}
		cfg.Surveys[code] = survey
	}
}

func applyEnv(cfg *Config) {
	cfg.Storage.Driver = getenv("STATPULSE_DB_DRIVER", cfg.Storage.Driver)
	cfg.Storage.Path = getenv("STATPULSE_DB_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = getenv("STATPULSE_DB_DSN", cfg.Storage.DSN)
	cfg.Quota.DailyLimit = getenvInt("STATPULSE_DAILY_QUOTA", cfg.Quota.DailyLimit)
	cfg.Server.Addr = getenv("STATPULSE_ADDR", cfg.Server.Addr)
	cfg.Providers.BLS.APIKey = getenv("BLS_API_KEY", cfg.Providers.BLS.APIKey)
	cfg.Providers.BLS.BaseURL = getenv("BLS_BASE_URL", cfg.Providers.BLS.BaseURL)
	cfg.Providers.BEA.APIKey = getenv("BEA_API_KEY", cfg.Providers.BEA.APIKey)
	cfg.Providers.BEA.BaseURL = getenv("BEA_BASE_URL", cfg.Providers.BEA.BaseURL)
}

func validate(cfg Config) error {
	switch cfg.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "postgres" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("config: postgres driver requires storage.dsn")
	}
	for code, survey := range cfg.Surveys {
		switch survey.Provider {
		case "bls", "bea":
		default:
			return fmt.Errorf("config: survey %s: unknown provider %q", code, survey.Provider)
		}
	}
	return nil
}

// SeriesFilter returns a predicate over series ids for a named category. The
// empty category matches everything.
func (s Survey) SeriesFilter(category string) (func(string) bool, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return func(string) bool { return true }, nil
	}
	prefixes, ok := s.Categories[category]
	if !ok {
		return nil, fmt.Errorf("config: unknown category %q", category)
	}
	return func(seriesID string) bool {
		for _, prefix := range prefixes {
			if strings.HasPrefix(seriesID, prefix) {
				return true
			}
		}
		return false
	}, nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
