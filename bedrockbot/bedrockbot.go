package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/arcward/bedrockbot/bedrockbot.Version=..."
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot ties together the discord gateway listener, the command
// dispatcher and its per-user workers, the model client, the command log
// and the admin API.
type Bot struct {
	config *Config
	logger *slog.Logger

	store      *SessionStore
	catalog    *ModelCatalog
	llm        *LLMClient
	dispatcher *Dispatcher
	workers    *workerPool
	discord    *Discord
	api        *API
	metrics    *Metrics

	db      *gorm.DB
	writeDB DBI

	startedAt   time.Time
	signalReady chan struct{}
	runMu       sync.Mutex
}

// Option overrides a component normally built from the config. These
// exist primarily for tests.
type Option func(*botOptions)

type botOptions struct {
	bedrockClient  BedrockConverseAPI
	openAIClient   OpenAIChatClient
	discordSession DiscordSessionHandler
	trivia         TriviaSource
}

// WithBedrockClient uses the given client for bedrock requests, instead
// of one built from the AWS config
func WithBedrockClient(client BedrockConverseAPI) Option {
	return func(o *botOptions) {
		o.bedrockClient = client
	}
}

// WithOpenAIClient uses the given client for openai requests
func WithOpenAIClient(client OpenAIChatClient) Option {
	return func(o *botOptions) {
		o.openAIClient = client
	}
}

// WithDiscordSession uses the given discord session, instead of creating
// one with the bot token
func WithDiscordSession(session DiscordSessionHandler) Option {
	return func(o *botOptions) {
		o.discordSession = session
	}
}

// WithTriviaSource overrides the configured trivia source
func WithTriviaSource(source TriviaSource) Option {
	return func(o *botOptions) {
		o.trivia = source
	}
}

// New validates the config and builds every component of the bot.
//
// Missing or invalid settings, and missing model API credentials, are
// returned as a *ConfigurationError. Nothing connects to discord until
// [Bot.Run] is called.
func New(ctx context.Context, config *Config, opts ...Option) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var o botOptions
	for _, opt := range opts {
		opt(&o)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	handler := newLogHandler(config.LogLevel)
	b := &Bot{
		config:      config,
		logger:      slog.New(handler).With(loggerNameKey, "bedrockbot"),
		signalReady: make(chan struct{}, 1),
	}

	discordgo.Logger = discordgoLoggerFunc(ctx, newLogHandler(config.Discord.DiscordGoLogLevel))

	var errs []error

	catalog, err := LoadModelCatalog(config.LLM)
	if err != nil {
		errs = append(errs, err)
	} else {
		b.catalog = catalog
		b.logger.InfoContext(ctx, "loaded model catalog", "models", catalog.Len())
	}

	backend, err := newModelBackend(ctx, config, o)
	if err != nil {
		errs = append(errs, err)
	}

	var trivia TriviaSource = o.trivia
	if trivia == nil && config.Trivia.Source == TriviaSourceFile {
		fileTrivia, e := NewFileTriviaSource(config.Trivia.File)
		if e != nil {
			errs = append(errs, &ConfigurationError{Field: "trivia.file", Err: e})
		} else {
			trivia = fileTrivia
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	b.store = NewSessionStore(config.Session.MaxHistory)
	b.metrics = NewMetrics(b.store.Len)

	if config.Database != "" {
		if err = b.openDatabase(ctx); err != nil {
			return nil, err
		}
	}

	b.llm = newLLMClient(
		config.LLM,
		backend,
		b.catalog,
		newComponentLogger(config.LLM.LogLevel, "llm"),
	)
	b.llm.metrics = b.metrics
	b.llm.db = b.writeDB

	b.dispatcher = NewDispatcher(
		DispatcherConfig{
			CommandPrefix:  config.Discord.CommandPrefix,
			RetryTransient: config.LLM.RetryTransient,
			Session:        config.Session,
		},
		b.store,
		b.llm,
		b.catalog,
		trivia,
		newComponentLogger(config.Discord.LogLevel, "dispatcher"),
	)
	b.dispatcher.metrics = b.metrics
	b.dispatcher.db = b.writeDB

	b.discord = newDiscord(
		config.Discord,
		newComponentLogger(config.Discord.LogLevel, "discord"),
	)
	if config.Discord.httpClient == nil {
		config.Discord.httpClient = config.HTTPClient
	}
	if o.discordSession != nil {
		b.discord.session = o.discordSession
	} else {
		session, e := b.discord.newSession()
		if e != nil {
			return nil, e
		}
		b.discord.session = session
	}

	b.workers = newWorkerPool(
		config.Session.WorkerIdleTimeout,
		b.handleJob,
		b.metrics,
		b.logger.With(loggerNameKey, "workers"),
	)
	b.discord.submit = b.workers.Submit

	if config.API.Enabled {
		b.api = newAPI(b, config.API)
	}
	return b, nil
}

// newModelBackend builds the backend for the configured provider
func newModelBackend(ctx context.Context, config *Config, o botOptions) (modelBackend, error) {
	switch config.LLM.Provider {
	case LLMProviderOpenAI:
		if o.openAIClient != nil {
			return &openAIBackend{client: o.openAIClient}, nil
		}
		return newOpenAIBackend(config.LLM, config.HTTPClient), nil
	case LLMProviderBedrock:
		if o.bedrockClient != nil {
			return &bedrockBackend{client: o.bedrockClient}, nil
		}
		startCtx, cancel := context.WithTimeout(ctx, config.StartupTimeout)
		defer cancel()
		awsCfg, err := loadAWSConfig(startCtx, config.LLM, config.HTTPClient)
		if err != nil {
			return nil, err
		}
		return newBedrockBackend(awsCfg, config.LLM), nil
	default:
		return nil, &ConfigurationError{
			Field: "llm.provider",
			Err:   fmt.Errorf("unsupported provider: %q", config.LLM.Provider),
		}
	}
}

func (b *Bot) openDatabase(ctx context.Context) error {
	dbCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()
	db, err := CreateDB(
		dbCtx,
		b.config.DatabaseType,
		b.config.Database,
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// handleJob dispatches a queued message and sends the reply
func (b *Bot) handleJob(ctx context.Context, job commandJob) {
	reply, handled := b.dispatcher.Dispatch(ctx, job.msg)
	if !handled {
		return
	}
	b.discord.Reply(ctx, job.msg, reply)
}

// Dispatcher returns the bot's command dispatcher
func (b *Bot) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// Catalog returns the available models
func (b *Bot) Catalog() *ModelCatalog {
	return b.catalog
}

// Run connects to discord and serves the admin API (if enabled) until
// ctx is canceled, then shuts down gracefully: no new commands are
// accepted, in-flight commands get [Config.ShutdownTimeout] to finish,
// then the gateway connection and database are closed.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	ctx = WithLogger(ctx, logger)
	b.startedAt = time.Now()
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if err := b.connect(ctx); err != nil {
		logger.ErrorContext(ctx, "startup failed", tint.Err(err))
		b.closeDatabase(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	<-gctx.Done()
	logger.WarnContext(ctx, "shutting down", "cause", context.Cause(gctx))
	shutdownErr := b.shutdown(context.WithoutCancel(ctx))

	if err := g.Wait(); err != nil {
		return errors.Join(err, shutdownErr)
	}
	return shutdownErr
}

// connect opens the gateway connection, within the startup timeout
func (b *Bot) connect(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.Open(ctx)
	}()
	select {
	case <-startCtx.Done():
		go b.closeLateConnection(openErr)
		return fmt.Errorf("startup timed out connecting to discord: %w", startCtx.Err())
	case err := <-openErr:
		return err
	}
}

// closeLateConnection waits for an Open call that outlived the startup
// timeout, then closes the connection and removes its handlers
func (b *Bot) closeLateConnection(openErr <-chan error) {
	err := <-openErr
	logger := b.logger.With("open_error", err)
	if closeErr := b.discord.Close(); closeErr != nil {
		logger.Warn("error closing late discord connection", tint.Err(closeErr))
		return
	}
	logger.Warn("closed discord connection opened after startup timeout")
}

func (b *Bot) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if b.api != nil {
		if err := b.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down API: %w", err))
		}
	}
	if err := b.workers.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.discord.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord connection: %w", err))
	}
	b.closeDatabase(ctx)
	b.logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(b.startedAt))
	return errors.Join(errs...)
}

func (b *Bot) closeDatabase(ctx context.Context) {
	if b.db == nil {
		return
	}
	sqlDB, err := b.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}
