package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/bedrockbot/bedrockbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = bedrockbot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"llm.log_level",
	"api.log_level",
}

// stringSliceKeys are config keys which may be set from a
// space-separated environment variable
var stringSliceKeys = []string{
	"llm.models",
	"session.moods",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
}

var rootCmd = &cobra.Command{
	Use:   "bedrockbot [flags]",
	Short: "Discord bot backed by AWS Bedrock models",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
			// replace default slices (ex: session.moods) rather than
			// overwriting them element by element
			func(dc *mapstructure.DecoderConfig) {
				dc.ZeroFields = true
			},
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: 'INFO') into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", bedrockbot.DefaultDatabase)
	viper.SetDefault("database_type", bedrockbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		bedrockbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		bedrockbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", bedrockbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", bedrockbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", bedrockbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.command_prefix", bedrockbot.DefaultDiscordCommandPrefix)
	viper.SetDefault(
		"discord.log_level",
		bedrockbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		bedrockbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		bedrockbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", bedrockbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", bedrockbot.DefaultDiscordCustomStatus)

	// Model API config
	viper.SetDefault("llm.provider", bedrockbot.DefaultLLMProvider)
	viper.SetDefault("llm.region", "")
	viper.SetDefault("llm.profile", "")
	viper.SetDefault("llm.endpoint", "")
	viper.SetDefault("llm.token", "")
	viper.SetDefault("llm.default_model", bedrockbot.DefaultLLMModel)
	viper.SetDefault("llm.models_file", bedrockbot.DefaultLLMModelsFile)
	viper.SetDefault("llm.models", []string{})
	viper.SetDefault("llm.system_prompt", bedrockbot.DefaultLLMSystemPrompt)
	viper.SetDefault("llm.max_tokens", bedrockbot.DefaultLLMMaxTokens)
	viper.SetDefault("llm.temperature", bedrockbot.DefaultLLMTemperature)
	viper.SetDefault(
		"llm.max_requests_per_second",
		bedrockbot.DefaultLLMRequestsPerSecond,
	)
	viper.SetDefault("llm.request_timeout", bedrockbot.DefaultLLMRequestTimeout)
	viper.SetDefault("llm.retry_transient", true)
	viper.SetDefault("llm.log_level", bedrockbot.DefaultLLMLogLevel.String())

	// Session config
	viper.SetDefault("session.max_history", bedrockbot.DefaultSessionMaxHistory)
	viper.SetDefault(
		"session.max_prompt_words",
		bedrockbot.DefaultSessionMaxPromptWords,
	)
	viper.SetDefault("session.mood_ttl", bedrockbot.DefaultSessionMoodTTL)
	viper.SetDefault("session.default_mood", bedrockbot.DefaultSessionDefaultMood)
	viper.SetDefault("session.moods", bedrockbot.DefaultMoods)
	viper.SetDefault("session.story_continuation", false)
	viper.SetDefault(
		"session.worker_idle_timeout",
		bedrockbot.DefaultWorkerIdleTimeout,
	)

	viper.SetDefault("trivia.source", bedrockbot.DefaultTriviaSource)
	viper.SetDefault("trivia.file", "")

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", bedrockbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", bedrockbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", bedrockbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		bedrockbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", bedrockbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", bedrockbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		bedrockbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		bedrockbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", bedrockbot.DefaultCORSMaxAge)

	envPrefix := os.Getenv(bedrockbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = bedrockbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Older deployments set these without the usual key layout
	fatalErr(viper.BindEnv("discord.token", envPrefix+"_DISCORD_TOKEN", "DISCORD_BOT_TOKEN"))
	fatalErr(
		viper.BindEnv(
			"llm.region",
			envPrefix+"_LLM_REGION",
			envPrefix+"_REGION_NAME",
			"AWS_REGION",
		),
	)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config (.env) file to use",
	)
}
