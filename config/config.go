package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"muzzammil.xyz/jsonc"
)

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultFetchTimeout = 10 * time.Second
	DefaultRetryBase    = 30 * time.Second
)

// Duration is a time.Duration written as a Go duration string ("5m", "10s")
// in both the settings file and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Settings struct {
	BotToken    string `json:"bot_token" env:"CYBERBLADE_BOT_TOKEN, overwrite"`
	EnableDebug bool   `json:"enable_debug" env:"CYBERBLADE_ENABLE_DEBUG, overwrite"`
	DBFile      string `json:"db_file" env:"CYBERBLADE_DB_FILE, overwrite"`
	LogFormat   string `json:"log_format" env:"CYBERBLADE_LOG_FORMAT, overwrite"` // json or text

	// OwnerID receives cycle failure reports; empty means the application owner.
	OwnerID string `json:"owner_id" env:"CYBERBLADE_OWNER_ID, overwrite"`

	PollInterval Duration `json:"poll_interval" env:"CYBERBLADE_POLL_INTERVAL, overwrite"`
	FetchTimeout Duration `json:"fetch_timeout" env:"CYBERBLADE_FETCH_TIMEOUT, overwrite"`
	RetryBase    Duration `json:"retry_base" env:"CYBERBLADE_RETRY_BASE, overwrite"`
	FetchRate    float64  `json:"fetch_rate" env:"CYBERBLADE_FETCH_RATE, overwrite"` // requests per second, 0 disables pacing

	MetricsAddr string `json:"metrics_addr" env:"CYBERBLADE_METRICS_ADDR, overwrite"`
}

func (s *Settings) applyDefaults() {
	if s.PollInterval <= 0 {
		s.PollInterval = Duration(DefaultPollInterval)
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = Duration(DefaultFetchTimeout)
	}
	if s.RetryBase <= 0 {
		s.RetryBase = Duration(DefaultRetryBase)
	}
	if s.LogFormat == "" {
		s.LogFormat = "json"
	}
}

func (s Settings) Validate() error {
	if s.BotToken == "" {
		return errors.New("bot_token is required")
	}
	if s.DBFile == "" {
		return errors.New("db_file is required")
	}
	if s.LogFormat != "json" && s.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text, got %q", s.LogFormat)
	}
	if s.FetchRate < 0 {
		return errors.New("fetch_rate must not be negative")
	}
	if s.RetryBase > s.PollInterval {
		return errors.New("retry_base must not exceed poll_interval")
	}
	return nil
}

// LoadSettings reads the jsonc settings file, overlays CYBERBLADE_* environment
// variables and validates the result. A missing file is allowed when the
// environment carries every required value.
func LoadSettings(filePath string) (Settings, error) {
	return load(filePath, envconfig.OsLookuper())
}

func load(filePath string, lookuper envconfig.Lookuper) (Settings, error) {
	var config Settings

	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := jsonc.Unmarshal(data, &config); err != nil {
			return Settings{}, fmt.Errorf("cannot parse %s: %w", filePath, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Settings{}, err
	}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &config,
		Lookuper: lookuper,
	}); err != nil {
		return Settings{}, fmt.Errorf("cannot read environment: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return Settings{}, err
	}
	return config, nil
}
