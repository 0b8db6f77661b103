package bedrockbot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"sync"
	"testing"
)

// stubBackend implements modelBackend
type stubBackend struct {
	mu       sync.Mutex
	resp     GenerateResponse
	err      error
	requests []GenerateRequest
}

func (*stubBackend) Name() string {
	return "stub"
}

func (s *stubBackend) Generate(_ context.Context, req GenerateRequest) (GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.resp, s.err
}

func newTestLLMClient(t testing.TB, backend modelBackend) *LLMClient {
	t.Helper()
	cfg := DefaultTestConfig(t)
	catalog, err := LoadModelCatalog(cfg.LLM)
	require.NoError(t, err)
	return newLLMClient(cfg.LLM, backend, catalog, nil)
}

func TestLLMClient_Generate(t *testing.T) {
	backend := &stubBackend{
		resp: GenerateResponse{
			Text:         "  hello there \n",
			StopReason:   "end_turn",
			InputTokens:  5,
			OutputTokens: 2,
		},
	}
	client := newTestLLMClient(t, backend)
	client.metrics = NewMetrics(nil)

	resp, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, testModelA, resp.ModelID)

	require.Len(t, backend.requests, 1)
	req := backend.requests[0]
	assert.Equal(t, testModelA, req.ModelID)
	assert.Equal(t, DefaultLLMSystemPrompt, req.System)
	assert.Equal(t, DefaultLLMMaxTokens, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, DefaultLLMTemperature, *req.Temperature, 0.0001)
}

func TestLLMClient_InvalidModel(t *testing.T) {
	backend := &stubBackend{resp: GenerateResponse{Text: "unused"}}
	client := newTestLLMClient(t, backend)

	_, err := client.Generate(
		context.Background(),
		GenerateRequest{Prompt: "hi", ModelID: "modelC"},
	)
	var modelErr *InvalidModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, "modelC", modelErr.ModelID)
	assert.Empty(t, backend.requests)

	_, err = client.Generate(
		context.Background(),
		GenerateRequest{Prompt: "hi", ModelID: testModelB},
	)
	require.NoError(t, err)
	assert.Len(t, backend.requests, 1)
}

func TestLLMClient_EmptyResponse(t *testing.T) {
	backend := &stubBackend{resp: GenerateResponse{Text: "   "}}
	client := newTestLLMClient(t, backend)

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.ErrorIs(t, err, errEmptyResponse)
	assert.False(t, upstreamErr.Transient)
}

func TestLLMClient_WrapsBackendErrors(t *testing.T) {
	backend := &stubBackend{
		err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}
	client := newTestLLMClient(t, backend)

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, "stub", upstreamErr.Provider)
	assert.True(t, upstreamErr.Transient)
	assert.True(t, isTransientUpstream(err))
}

func TestLLMClient_CanceledContext(t *testing.T) {
	backend := &stubBackend{resp: GenerateResponse{Text: "unused"}}
	client := newTestLLMClient(t, backend)
	client.limiter.SetBurst(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Generate(ctx, GenerateRequest{Prompt: "hi"})
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Empty(t, backend.requests)
}

func TestLLMClient_RecordsRequests(t *testing.T) {
	backend := &stubBackend{
		resp: GenerateResponse{Text: "answer", InputTokens: 3, OutputTokens: 1},
	}
	client := newTestLLMClient(t, backend)
	db := setupTestDB(t)
	client.db = NewDatabase(db, nil, false)

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "question"})
	require.NoError(t, err)

	var requests []LLMRequest
	require.NoError(t, db.Find(&requests).Error)
	require.Len(t, requests, 1)
	assert.Equal(t, "stub", requests[0].Provider)
	assert.Equal(t, testModelA, requests[0].ModelID)
	assert.Equal(t, len("question"), requests[0].PromptLength)
	assert.Equal(t, 3, requests[0].InputTokens)
	assert.Nil(t, requests[0].CommandRecordID)
	assert.Empty(t, requests[0].Error)
}

func TestUpstreamError(t *testing.T) {
	inner := errors.New("throttled")
	err := &UpstreamError{Provider: "bedrock", ModelID: "m", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "bedrock request failed (model: m): throttled", err.Error())
	assert.False(t, isTransientUpstream(err))
	assert.False(t, isTransientUpstream(inner))
}
