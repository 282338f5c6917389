// Package config holds operator-level configuration for a mnemos
// installation: data directory, listen address, log settings, the three
// consolidation cron expressions, and the optional OpenAI summarizer key.
// Set via env vars (MNEMOS_*) or a mnemos.config.yaml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the MNEMOS prefix
// (e.g. "data_dir" → MNEMOS_DATA_DIR) and to a YAML field in
// mnemos.config.yaml.
const (
	KeyDataDir         = "data_dir"
	KeyListenAddr      = "listen_addr"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyOTelEnabled     = "otel_enabled"
	KeyOpenAIAPIKey    = "openai_api_key"
	KeyOpenAIModel     = "openai_model"
	KeySummarizerRPS   = "summarizer_rps"
	KeyScheduleDaily   = "schedule_daily"
	KeyScheduleWeekly  = "schedule_weekly"
	KeyScheduleMonthly = "schedule_monthly"
)

const (
	DefaultListenAddr      = ":8170"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultSummarizerRPS   = 1.0
	DefaultScheduleDaily   = "0 3 * * *"
	DefaultScheduleWeekly  = "0 4 * * 0"
	DefaultScheduleMonthly = "0 5 1 * *"
)

// Config is the resolved operator configuration for one mnemosd process.
type Config struct {
	DataDir         string  // base directory for all state (~/.mnemos)
	ListenAddr      string  // ops HTTP listen address
	LogLevel        string  // zerolog level name
	LogFormat       string  // "json" or "console"
	OTelEnabled     bool    // emit stdout traces/metrics
	OpenAIAPIKey    string  // empty disables the LLM summarizer
	OpenAIModel     string  // empty uses the summarizer's default
	SummarizerRPS   float64 // rate limit for summarizer calls
	ScheduleDaily   string  // cron, 5-field
	ScheduleWeekly  string
	ScheduleMonthly string
}

// DBPath returns the full path to the engine's SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mnemos.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("MNEMOS")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyLogLevel, DefaultLogLevel)
	viper.SetDefault(KeyLogFormat, DefaultLogFormat)
	viper.SetDefault(KeySummarizerRPS, DefaultSummarizerRPS)
	viper.SetDefault(KeyScheduleDaily, DefaultScheduleDaily)
	viper.SetDefault(KeyScheduleWeekly, DefaultScheduleWeekly)
	viper.SetDefault(KeyScheduleMonthly, DefaultScheduleMonthly)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		ListenAddr:      viper.GetString(KeyListenAddr),
		LogLevel:        viper.GetString(KeyLogLevel),
		LogFormat:       viper.GetString(KeyLogFormat),
		OTelEnabled:     viper.GetBool(KeyOTelEnabled),
		OpenAIAPIKey:    viper.GetString(KeyOpenAIAPIKey),
		OpenAIModel:     viper.GetString(KeyOpenAIModel),
		SummarizerRPS:   viper.GetFloat64(KeySummarizerRPS),
		ScheduleDaily:   viper.GetString(KeyScheduleDaily),
		ScheduleWeekly:  viper.GetString(KeyScheduleWeekly),
		ScheduleMonthly: viper.GetString(KeyScheduleMonthly),
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mnemos"
	}
	return filepath.Join(home, ".mnemos")
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console (got %q)", c.LogFormat)
	}
	if c.SummarizerRPS <= 0 {
		return fmt.Errorf("summarizer_rps must be positive")
	}
	for key, expr := range map[string]string{
		KeyScheduleDaily:   c.ScheduleDaily,
		KeyScheduleWeekly:  c.ScheduleWeekly,
		KeyScheduleMonthly: c.ScheduleMonthly,
	} {
		if expr == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	return nil
}
