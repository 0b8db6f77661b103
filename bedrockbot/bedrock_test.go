package bedrockbot

import (
	"context"
	"errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

// mockConverseClient implements BedrockConverseAPI
type mockConverseClient struct {
	output *bedrockruntime.ConverseOutput
	err    error
	input  *bedrockruntime.ConverseInput
}

func (m *mockConverseClient) Converse(
	_ context.Context,
	params *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func converseText(text ...string) *bedrockruntime.ConverseOutput {
	blocks := make([]types.ContentBlock, 0, len(text))
	for _, t := range text {
		blocks = append(blocks, &types.ContentBlockMemberText{Value: t})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: blocks,
			},
		},
		StopReason: types.StopReasonEndTurn,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(7),
			TotalTokens:  aws.Int32(19),
		},
	}
}

func TestBedrockBackend_Generate(t *testing.T) {
	client := &mockConverseClient{output: converseText("Hello, ", "world!")}
	backend := &bedrockBackend{client: client}
	temperature := float32(0.3)

	resp, err := backend.Generate(
		context.Background(),
		GenerateRequest{
			Prompt:      "Say hello",
			System:      "Be brief.",
			ModelID:     testModelA,
			MaxTokens:   256,
			Temperature: &temperature,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", resp.Text)
	assert.Equal(t, string(types.StopReasonEndTurn), resp.StopReason)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)

	input := client.input
	require.NotNil(t, input)
	assert.Equal(t, testModelA, aws.ToString(input.ModelId))
	require.Len(t, input.Messages, 1)
	assert.Equal(t, types.ConversationRoleUser, input.Messages[0].Role)
	require.Len(t, input.Messages[0].Content, 1)
	text, ok := input.Messages[0].Content[0].(*types.ContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "Say hello", text.Value)

	require.Len(t, input.System, 1)
	system, ok := input.System[0].(*types.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "Be brief.", system.Value)

	require.NotNil(t, input.InferenceConfig)
	assert.Equal(t, int32(256), aws.ToInt32(input.InferenceConfig.MaxTokens))
	assert.Equal(t, temperature, aws.ToFloat32(input.InferenceConfig.Temperature))
}

func TestBedrockBackend_NoSystemPrompt(t *testing.T) {
	client := &mockConverseClient{output: converseText("ok")}
	backend := &bedrockBackend{client: client}

	_, err := backend.Generate(
		context.Background(),
		GenerateRequest{Prompt: "hi", ModelID: testModelA, MaxTokens: 10},
	)
	require.NoError(t, err)
	assert.Empty(t, client.input.System)
}

func TestBedrockBackend_Errors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "throttled",
			err:       &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
			transient: true,
		},
		{
			name:      "model timeout",
			err:       &types.ModelTimeoutException{Message: aws.String("timed out")},
			transient: true,
		},
		{
			name:      "access denied",
			err:       &types.AccessDeniedException{Message: aws.String("denied")},
			transient: false,
		},
		{
			name:      "validation",
			err:       &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model"},
			transient: false,
		},
		{
			name:      "deadline",
			err:       context.DeadlineExceeded,
			transient: true,
		},
		{
			name:      "other",
			err:       errors.New("something else"),
			transient: false,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				backend := &bedrockBackend{client: &mockConverseClient{err: tc.err}}
				_, err := backend.Generate(
					context.Background(),
					GenerateRequest{Prompt: "hi", ModelID: testModelA, MaxTokens: 10},
				)
				var upstreamErr *UpstreamError
				require.ErrorAs(t, err, &upstreamErr)
				assert.Equal(t, LLMProviderBedrock, upstreamErr.Provider)
				assert.Equal(t, tc.transient, upstreamErr.Transient)
			},
		)
	}
}

func TestBedrockBackend_UnexpectedOutput(t *testing.T) {
	client := &mockConverseClient{output: &bedrockruntime.ConverseOutput{}}
	backend := &bedrockBackend{client: client}

	_, err := backend.Generate(
		context.Background(),
		GenerateRequest{Prompt: "hi", ModelID: testModelA, MaxTokens: 10},
	)
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.False(t, upstreamErr.Transient)
}
