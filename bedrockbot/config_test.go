package bedrockbot

import (
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

const (
	testModelA = "modelA"
	testModelB = "modelB"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	cfg.Discord.Token = "test"
	cfg.Discord.ApplicationID = "bot-user-id"
	cfg.Discord.NotificationChannelID = ""

	cfg.LLM.Region = "us-east-1"
	cfg.LLM.DefaultModel = testModelA
	cfg.LLM.Models = []string{testModelA, testModelB}
	cfg.LLM.MaxRequestsPerSecond = 1000
	cfg.LLM.RequestTimeout = 5 * time.Second

	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.LLM.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestConfig_ValidateDefault(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{
			name:   "missing discord token",
			modify: func(c *Config) { c.Discord.Token = "" },
			field:  "discord.token",
		},
		{
			name: "openai without token",
			modify: func(c *Config) {
				c.LLM.Provider = LLMProviderOpenAI
				c.LLM.Token = ""
			},
			field: "llm.token",
		},
		{
			name: "trivia file not set",
			modify: func(c *Config) {
				c.Trivia.Source = TriviaSourceFile
			},
			field: "trivia.file",
		},
		{
			name:   "bedrock without region",
			modify: func(c *Config) { c.LLM.Region = "" },
		},
		{
			name:   "unknown provider",
			modify: func(c *Config) { c.LLM.Provider = "watson" },
		},
		{
			name:   "unknown database type",
			modify: func(c *Config) { c.DatabaseType = "mysql" },
		},
		{
			name:   "no moods",
			modify: func(c *Config) { c.Session.Moods = nil },
		},
		{
			name:   "zero history",
			modify: func(c *Config) { c.Session.MaxHistory = 0 },
		},
		{
			name:   "temperature too high",
			modify: func(c *Config) { c.LLM.Temperature = 3 },
		},
		{
			name:   "no default model",
			modify: func(c *Config) { c.LLM.DefaultModel = "" },
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := cfg.Validate()
				var cfgErr *ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				if tc.field != "" {
					assert.Equal(t, tc.field, cfgErr.Field)
				}
			},
		)
	}
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.LLM.Token = "sk-very-secret"

	v := cfg.LogValue()
	s := v.String()
	assert.NotContains(t, s, "sk-very-secret")
	assert.NotContains(t, s, cfg.API.Secret)
	assert.Contains(t, s, "[redacted]")
}

func TestConfigurationError(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigurationError{Field: "llm.region", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "configuration error: llm.region: boom", err.Error())

	err = &ConfigurationError{Err: inner}
	assert.Equal(t, "configuration error: boom", err.Error())
}
