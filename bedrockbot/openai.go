package bedrockbot

import (
	"context"
	"errors"
	"github.com/sashabaranov/go-openai"
	"net/http"
)

// OpenAIChatClient is the subset of the go-openai client used to
// generate text, so it can be mocked.
type OpenAIChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// openAIBackend generates text with an OpenAI-compatible chat
// completions endpoint, set with [LLMConfig.Endpoint].
type openAIBackend struct {
	client OpenAIChatClient
}

func newOpenAIBackend(config *LLMConfig, httpClient *http.Client) *openAIBackend {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.Endpoint != "" {
		clientCfg.BaseURL = config.Endpoint
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return &openAIBackend{client: openai.NewClientWithConfig(clientCfg)}
}

func (*openAIBackend) Name() string {
	return LLMProviderOpenAI
}

func (o *openAIBackend) Generate(
	ctx context.Context,
	req GenerateRequest,
) (GenerateResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			},
		)
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		},
	)

	request := openai.ChatCompletionRequest{
		Model:     req.ModelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		request.Temperature = *req.Temperature
	}

	rv := GenerateResponse{ModelID: req.ModelID}
	resp, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return rv, &UpstreamError{
			Provider:  LLMProviderOpenAI,
			ModelID:   req.ModelID,
			Transient: isTransientOpenAIError(err),
			Err:       err,
		}
	}

	rv.InputTokens = resp.Usage.PromptTokens
	rv.OutputTokens = resp.Usage.CompletionTokens
	if len(resp.Choices) == 0 {
		return rv, &UpstreamError{
			Provider: LLMProviderOpenAI,
			ModelID:  req.ModelID,
			Err:      errEmptyResponse,
		}
	}
	choice := resp.Choices[0]
	rv.Text = choice.Message.Content
	rv.StopReason = string(choice.FinishReason)
	return rv, nil
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func isTransientOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return isTransientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return isTransientStatus(reqErr.HTTPStatusCode)
	}
	return isTransientNetworkError(err)
}
