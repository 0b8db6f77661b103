//nolint:lll // struct tags can't be split
package bedrockbot

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "BWB_ENV_PREFIX"
	DefaultEnvPrefix      = "BWB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "bedrockbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultDiscordCommandPrefix = "!"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "Ask me anything!"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	LLMProviderBedrock          = "bedrock"
	LLMProviderOpenAI           = "openai"
	DefaultLLMProvider          = LLMProviderBedrock
	DefaultLLMModel             = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	DefaultLLMModelsFile        = "models.json"
	DefaultLLMSystemPrompt      = "You are a helpful assistant."
	DefaultLLMMaxTokens         = 4096
	DefaultLLMRequestsPerSecond = 2.0
	DefaultLLMRequestTimeout    = 2 * time.Minute
	DefaultLLMLogLevel          = slog.LevelInfo

	DefaultSessionMaxHistory     = 20
	DefaultSessionMaxPromptWords = 4000
	DefaultSessionMoodTTL        = time.Hour
	DefaultSessionDefaultMood    = "friendly"
	DefaultWorkerIdleTimeout     = 2 * time.Minute

	TriviaSourceLLM     = "llm"
	TriviaSourceFile    = "file"
	DefaultTriviaSource = TriviaSourceLLM

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

// DefaultLLMTemperature is the sampling temperature used unless configured
const DefaultLLMTemperature float32 = 0.7

var (
	// DefaultMoods is the allow-list used by the setmood command when none
	// is configured
	DefaultMoods = []string{
		"friendly",
		"sarcastic",
		"formal",
		"cheerful",
		"grumpy",
		"poetic",
		"pirate",
		"professional",
	}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// ConfigurationError is returned when required settings or credentials are
// missing or invalid at startup. It's fatal: the bot never connects to
// the gateway when one is returned.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

type Config struct {
	// Database connection string (sqlite file path or postgres DSN). The
	// database only holds the command log - sessions are never persisted.
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed for loading models, opening
	// the database and connecting to discord.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight commands to finish
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	LLM     *LLMConfig     `yaml:"llm" mapstructure:"llm" json:"llm" binding:"required"`
	Session *SessionConfig `yaml:"session" mapstructure:"session" json:"session" binding:"required"`
	Trivia  *TriviaConfig  `yaml:"trivia" mapstructure:"trivia" json:"trivia" binding:"required"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config against its `binding` tags, and verifies
// settings that depend on each other. Any failure is returned as a
// *ConfigurationError.
func (c *Config) Validate() error {
	if c.Discord == nil || c.Discord.Token == "" {
		return &ConfigurationError{
			Field: "discord.token",
			Err:   errors.New("discord bot token not set"),
		}
	}
	if c.LLM != nil && c.LLM.Provider == LLMProviderOpenAI && c.LLM.Token == "" {
		return &ConfigurationError{
			Field: "llm.token",
			Err:   errors.New("token required for the openai provider"),
		}
	}
	if c.Trivia != nil && c.Trivia.Source == TriviaSourceFile && c.Trivia.File == "" {
		return &ConfigurationError{
			Field: "trivia.file",
			Err:   errors.New("trivia file required when trivia.source=file"),
		}
	}
	if err := structValidator.Struct(c); err != nil {
		return &ConfigurationError{Err: err}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. Messages authored by this ID are ignored.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// CommandPrefix is the leading token identifying a bot command,
	// ex: '!' for '!ask'
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If NotificationChannelID is set, StartupMessage is sent to that
	// channel whenever the bot connects to the gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is shown as the bot's activity once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// LLMConfig configures the upstream model API
type LLMConfig struct {
	// Provider selects the backend: 'bedrock' or 'openai' (any
	// OpenAI-compatible chat completions endpoint)
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" binding:"oneof=bedrock openai"`

	// Region is the AWS region for bedrock
	Region string `yaml:"region" mapstructure:"region" json:"region" binding:"required_if=Provider bedrock"`

	// Profile optionally selects a shared AWS config profile
	Profile string `yaml:"profile" mapstructure:"profile" json:"profile"`

	// Endpoint overrides the base URL of the provider API
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint"`

	// Token is the API key for the openai provider
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// DefaultModel is used by every command. It must be present in the
	// model catalog.
	DefaultModel string `yaml:"default_model" mapstructure:"default_model" json:"default_model" binding:"required"`

	// ModelsFile is a JSON file in the format returned by
	// `aws bedrock list-foundation-models`
	ModelsFile string `yaml:"models_file" mapstructure:"models_file" json:"models_file"`

	// Models is a static list of model IDs. When set, ModelsFile is ignored.
	Models []string `yaml:"models" mapstructure:"models" json:"models"`

	SystemPrompt string  `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`
	Temperature  float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// MaxRequestsPerSecond throttles upstream requests across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// RequestTimeout bounds a single upstream request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// RetryTransient enables a single retry when an upstream request fails
	// with a transient error (throttling, timeouts, 5xx)
	RetryTransient bool `yaml:"retry_transient" mapstructure:"retry_transient" json:"retry_transient"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// SessionConfig configures per-user session state
type SessionConfig struct {
	// MaxHistory is the maximum number of turns kept per user
	MaxHistory int `yaml:"max_history" mapstructure:"max_history" json:"max_history" binding:"min=1"`

	// MaxPromptWords is the word budget for history included in an 'ask'
	// prompt. Oldest turns are left out first. 0=unlimited
	MaxPromptWords int `yaml:"max_prompt_words" mapstructure:"max_prompt_words" json:"max_prompt_words" binding:"min=0"`

	// MoodTTL is how long a mood set with 'setmood' lasts
	MoodTTL time.Duration `yaml:"mood_ttl" mapstructure:"mood_ttl" json:"mood_ttl" binding:"min=1s"`

	// DefaultMood is used in prompts when the user has no mood set
	DefaultMood string `yaml:"default_mood" mapstructure:"default_mood" json:"default_mood" binding:"required"`

	// Moods is the allow-list for 'setmood'
	Moods []string `yaml:"moods" mapstructure:"moods" json:"moods" binding:"min=1"`

	// StoryContinuation has the model add a line to the story after
	// each contribution
	StoryContinuation bool `yaml:"story_continuation" mapstructure:"story_continuation" json:"story_continuation"`

	// WorkerIdleTimeout is how long a per-user worker waits for another
	// command before stopping
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout" json:"worker_idle_timeout" binding:"min=1s"`
}

// TriviaConfig selects where trivia questions come from
type TriviaConfig struct {
	Source string `yaml:"source" mapstructure:"source" json:"source" binding:"oneof=llm file"`

	// File is a JSON array of trivia questions
	File string `yaml:"file" mapstructure:"file" json:"file"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret, if set, must be sent as a bearer token on /api routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Development enables pprof endpoints and a permissive CORS policy
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	MaxAge       time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins: c.AllowOrigins,
		AllowMethods: c.AllowMethods,
		AllowHeaders: c.AllowHeaders,
		MaxAge:       c.MaxAge,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders: append([]string{}, DefaultCORSAllowHeaders...),
		MaxAge:       DefaultCORSMaxAge,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultDiscordCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		LLM: &LLMConfig{
			Provider:             DefaultLLMProvider,
			DefaultModel:         DefaultLLMModel,
			ModelsFile:           DefaultLLMModelsFile,
			SystemPrompt:         DefaultLLMSystemPrompt,
			MaxTokens:            DefaultLLMMaxTokens,
			Temperature:          DefaultLLMTemperature,
			MaxRequestsPerSecond: DefaultLLMRequestsPerSecond,
			RequestTimeout:       DefaultLLMRequestTimeout,
			RetryTransient:       true,
			LogLevel:             newLevelVar(DefaultLLMLogLevel),
		},
		Session: &SessionConfig{
			MaxHistory:        DefaultSessionMaxHistory,
			MaxPromptWords:    DefaultSessionMaxPromptWords,
			MoodTTL:           DefaultSessionMoodTTL,
			DefaultMood:       DefaultSessionDefaultMood,
			Moods:             append([]string{}, DefaultMoods...),
			WorkerIdleTimeout: DefaultWorkerIdleTimeout,
		},
		Trivia: &TriviaConfig{
			Source: DefaultTriviaSource,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
