package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"strings"
	"time"
)

// UpstreamError is returned when a request to the model API fails, either
// at the network/auth level or because the response had no usable content.
type UpstreamError struct {
	Provider string
	ModelID  string

	// Transient indicates the request may succeed if retried (throttling,
	// timeouts, service unavailable)
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf(
		"%s request failed (model: %s): %s",
		e.Provider,
		e.ModelID,
		e.Err,
	)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// InvalidModelError is returned when a model ID isn't in the model catalog
type InvalidModelError struct {
	ModelID string
}

func (e *InvalidModelError) Error() string {
	return fmt.Sprintf("invalid model: %q is not an available model", e.ModelID)
}

var errEmptyResponse = errors.New("response contained no text")

// isTransientUpstream reports whether err is an UpstreamError that's
// worth retrying
func isTransientUpstream(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr) && upstreamErr.Transient
}

// isTransientNetworkError reports whether err looks like a timeout or
// connection failure, as opposed to a rejected request
func isTransientNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// GenerateRequest is a single prompt sent to a model
type GenerateRequest struct {
	Prompt string

	// System is the system prompt. Defaults to [LLMConfig.SystemPrompt]
	System string

	// ModelID defaults to [LLMConfig.DefaultModel]
	ModelID     string
	MaxTokens   int
	Temperature *float32
}

// GenerateResponse is the text generated for a GenerateRequest
type GenerateResponse struct {
	Text         string
	ModelID      string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Generator generates text for a prompt. It's implemented by *LLMClient,
// and mocked in tests.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// modelBackend is a provider-specific model API
type modelBackend interface {
	// Name identifies the provider in logs, metrics and errors
	Name() string

	// Generate sends the request to the provider. Errors should be
	// returned as *UpstreamError.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// LLMClient sends prompts to the configured provider, validating model
// IDs against the model catalog and throttling requests.
//
// Every request is logged, counted in metrics and, if a database is
// configured, recorded as an [LLMRequest].
type LLMClient struct {
	backend modelBackend
	catalog *ModelCatalog
	config  *LLMConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics
	db      DBI
}

func newLLMClient(
	config *LLMConfig,
	backend modelBackend,
	catalog *ModelCatalog,
	logger *slog.Logger,
) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		backend: backend,
		catalog: catalog,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
		logger:  logger,
	}
}

// Catalog returns the catalog used to validate model IDs
func (c *LLMClient) Catalog() *ModelCatalog {
	return c.catalog
}

// Generate sends req to the model, returning the generated text.
//
// Returns *InvalidModelError, without sending anything, if the model isn't
// in the catalog. Any failure talking to the provider, or a response with
// no text, is returned as *UpstreamError.
func (c *LLMClient) Generate(
	ctx context.Context,
	req GenerateRequest,
) (GenerateResponse, error) {
	logger := c.logger
	if recordID := commandRecordIDFromContext(ctx); recordID != nil {
		logger = logger.With(logAttrCommandRecord, *recordID)
	}

	if req.ModelID == "" {
		req.ModelID = c.config.DefaultModel
	}
	if !c.catalog.Contains(req.ModelID) {
		return GenerateResponse{}, &InvalidModelError{ModelID: req.ModelID}
	}
	if req.System == "" {
		req.System = c.config.SystemPrompt
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if req.Temperature == nil {
		temperature := c.config.Temperature
		req.Temperature = &temperature
	}

	provider := c.backend.Name()
	logger = logger.With(logAttrProvider, provider, logAttrModelID, req.ModelID)

	if err := c.limiter.Wait(ctx); err != nil {
		return GenerateResponse{}, &UpstreamError{
			Provider: provider,
			ModelID:  req.ModelID,
			Err:      fmt.Errorf("waiting on request limiter: %w", err),
		}
	}

	reqCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	logger.InfoContext(ctx, "sending prompt", "prompt_length", len(req.Prompt))
	started := time.Now()
	resp, err := c.backend.Generate(reqCtx, req)
	elapsed := time.Since(started)

	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = &UpstreamError{
			Provider: provider,
			ModelID:  req.ModelID,
			Err:      errEmptyResponse,
		}
	}
	if err != nil {
		var upstreamErr *UpstreamError
		if !errors.As(err, &upstreamErr) {
			err = &UpstreamError{
				Provider:  provider,
				ModelID:   req.ModelID,
				Transient: isTransientNetworkError(err),
				Err:       err,
			}
		}
	}
	resp.Text = strings.TrimSpace(resp.Text)
	if resp.ModelID == "" {
		resp.ModelID = req.ModelID
	}

	c.metrics.observeUpstream(provider, resp, err, elapsed)
	c.record(ctx, logger, provider, req, resp, err, started, elapsed)

	if err != nil {
		logger.ErrorContext(
			ctx,
			"model request failed",
			"elapsed", elapsed,
			"transient", isTransientUpstream(err),
			tint.Err(err),
		)
		return resp, err
	}
	logger.InfoContext(
		ctx,
		"got model response",
		"elapsed", elapsed,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp, nil
}

// record saves an LLMRequest row for the request, if a database is set
func (c *LLMClient) record(
	ctx context.Context,
	logger *slog.Logger,
	provider string,
	req GenerateRequest,
	resp GenerateResponse,
	err error,
	started time.Time,
	elapsed time.Duration,
) {
	if c.db == nil {
		return
	}
	rec := &LLMRequest{
		CommandRecordID: commandRecordIDFromContext(ctx),
		Provider:        provider,
		ModelID:         req.ModelID,
		PromptLength:    len(req.Prompt),
		ResponseLength:  len(resp.Text),
		InputTokens:     resp.InputTokens,
		OutputTokens:    resp.OutputTokens,
		StopReason:      resp.StopReason,
		RequestStarted:  started.UnixMilli(),
		DurationMillis:  elapsed.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if _, e := c.db.Create(context.WithoutCancel(ctx), rec); e != nil {
		logger.ErrorContext(ctx, "error recording model request", tint.Err(e))
	}
}
