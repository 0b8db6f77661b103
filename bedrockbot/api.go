package bedrockbot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"
	metricsPath = "/metrics"

	apiPathHealth   = "/health"
	apiPathModels   = "/models"
	apiPathSession  = "/sessions/:user_id"
	apiPathCommands = "/commands"
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

var errUnauthorized = errors.New("unauthorized")

// API is the admin HTTP server. It exposes read-only views of the bot's
// state, lets operators reset a user's session, and serves Prometheus
// metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

// APIHandlers holds the gin handlers for the admin API
type APIHandlers struct {
	bot *Bot
}

func newAPI(bot *Bot, config *APIConfig) *API {
	logger := newComponentLogger(config.LogLevel, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{bot: bot},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = config.Development
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(corsConfig.AllowOrigins) > 0 || corsConfig.AllowAllOrigins {
		r.Use(cors.New(corsConfig))
	}

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(metricsPath, gin.WrapH(bot.metrics.Handler()))

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))
	protected.GET(apiPathHealth, api.handlers.healthCheck)
	protected.GET(apiPathModels, api.handlers.getModels)
	protected.GET(apiPathSession, api.handlers.getSession)
	protected.DELETE(apiPathSession, api.handlers.deleteSession)
	protected.GET(apiPathCommands, api.handlers.getCommands)

	return api
}

// Serve listens on the configured address and serves the API until
// Shutdown is called
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error starting API listener: %w", err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving admin API", "address", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheckResponse is returned by GET /api/health
type healthCheckResponse struct {
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	Provider                string        `json:"provider"`
	DefaultModel            string        `json:"default_model"`
	Models                  int           `json:"models"`
	Sessions                int           `json:"sessions"`
	Workers                 int           `json:"workers"`
	Uptime                  time.Duration `json:"uptime"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.bot
	resp := healthCheckResponse{
		Provider:     b.config.LLM.Provider,
		DefaultModel: b.config.LLM.DefaultModel,
		Models:       b.catalog.Len(),
		Sessions:     b.store.Len(),
		Workers:      b.workers.Len(),
	}
	if b.discord != nil {
		resp.DiscordGatewayConnected = b.discord.Connected()
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Round(time.Second)
	}
	c.JSON(http.StatusOK, resp)
}

type getModelsQuery struct {
	Query string `form:"q"`
}

func (h *APIHandlers) getModels(c *gin.Context) {
	var q getModelsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	models := h.bot.catalog.Filter(q.Query)
	if models == nil {
		models = []ModelSummary{}
	}
	c.JSON(http.StatusOK, models)
}

func (h *APIHandlers) getSession(c *gin.Context) {
	userID := c.Param("user_id")
	sess, ok := h.bot.store.Lookup(userID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *APIHandlers) deleteSession(c *gin.Context) {
	userID := c.Param("user_id")
	if _, ok := h.bot.store.Lookup(userID); !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "session not found"})
		return
	}
	h.bot.store.Clear(userID)
	ginContextLogger(c).Info("cleared session", logAttrUserID, userID)
	ginReplyMessage(c, "session cleared")
}

type getCommandsQuery struct {
	UserID string `form:"user_id"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (h *APIHandlers) getCommands(c *gin.Context) {
	if h.bot.writeDB == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "command log not enabled"},
		)
		return
	}
	var q getCommandsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	records, err := h.bot.writeDB.RecentCommands(c.Request.Context(), q.UserID, q.Limit)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error retrieving commands")
		return
	}
	if records == nil {
		records = []CommandRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires the given secret as a bearer token. If secret
// is empty, all requests are allowed.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("rejected request with invalid credentials")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: errUnauthorized.Error()},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique ID to each request, reusing
// the client's X-Request-ID if it's a valid UUID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, along with
// any errors added to the context
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // validator tag name
func init() {
	structValidator.SetTagName("binding")
}
