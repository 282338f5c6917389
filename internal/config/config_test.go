package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		viper.Reset()
		viper.SetEnvPrefix("MNEMOS")
		viper.AutomaticEnv()
		viper.SetDefault(KeyListenAddr, DefaultListenAddr)
		viper.SetDefault(KeyLogLevel, DefaultLogLevel)
		viper.SetDefault(KeyLogFormat, DefaultLogFormat)
		viper.SetDefault(KeySummarizerRPS, DefaultSummarizerRPS)
		viper.SetDefault(KeyScheduleDaily, DefaultScheduleDaily)
		viper.SetDefault(KeyScheduleWeekly, DefaultScheduleWeekly)
		viper.SetDefault(KeyScheduleMonthly, DefaultScheduleMonthly)
	})
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, DefaultScheduleDaily, cfg.ScheduleDaily)
	assert.Equal(t, DefaultScheduleWeekly, cfg.ScheduleWeekly)
	assert.Equal(t, DefaultScheduleMonthly, cfg.ScheduleMonthly)
	assert.InDelta(t, 1.0, cfg.SummarizerRPS, 1e-9)
	assert.False(t, cfg.OTelEnabled)
	assert.Empty(t, cfg.OpenAIAPIKey)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_Overrides(t *testing.T) {
	resetViper(t)

	dir := t.TempDir()
	viper.Set(KeyDataDir, dir)
	viper.Set(KeyListenAddr, "127.0.0.1:9999")
	viper.Set(KeyLogFormat, "console")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, filepath.Join(dir, "mnemos.db"), cfg.DBPath())
}

func TestLoad_RejectsBadValues(t *testing.T) {
	viper.Set(KeyLogFormat, "yaml")
	_, err := Load()
	assert.Error(t, err)

	viper.Set(KeyLogFormat, "json")
	viper.Set(KeySummarizerRPS, -1.0)
	_, err = Load()
	assert.Error(t, err)

	viper.Set(KeySummarizerRPS, 1.0)
	viper.Set(KeyScheduleDaily, "")
	_, err = Load()
	assert.Error(t, err)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	cfg := &Config{DataDir: dir}
	require.NoError(t, cfg.EnsureDataDir())
	require.NoError(t, cfg.EnsureDataDir())
}
