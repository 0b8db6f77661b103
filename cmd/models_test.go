package cmd

import (
	"bytes"
	"context"
	"errors"
	"github.com/arcward/bedrockbot/bedrockbot"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"strings"
	"testing"
)

type fakeModelLister struct {
	summaries []bedrocktypes.FoundationModelSummary
	err       error
	input     *bedrock.ListFoundationModelsInput
}

func (f *fakeModelLister) ListFoundationModels(
	_ context.Context,
	params *bedrock.ListFoundationModelsInput,
	_ ...func(*bedrock.Options),
) (*bedrock.ListFoundationModelsOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrock.ListFoundationModelsOutput{ModelSummaries: f.summaries}, nil
}

func TestModelsListCommand(t *testing.T) {
	isolateConfig(t)

	t.Setenv("BWB_LLM_MODELS", "anthropic.claude-v2 meta.llama3 anthropic.claude-instant-v1")
	t.Setenv("BWB_LLM_DEFAULT_MODEL", "anthropic.claude-v2")

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
		},
	)

	rootCmd.SetArgs([]string{"models", "list", "anthropic"})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"anthropic.claude-v2", "anthropic.claude-instant-v1"}, lines)
}

func TestRefreshModels(t *testing.T) {
	isolateConfig(t)

	lister := &fakeModelLister{
		summaries: []bedrocktypes.FoundationModelSummary{
			{
				ModelId:      aws.String("anthropic.claude-v2"),
				ModelName:    aws.String("Claude"),
				ProviderName: aws.String("Anthropic"),
			},
			{
				ModelId:      aws.String("amazon.titan-text-express-v1"),
				ModelName:    aws.String("Titan Text G1 - Express"),
				ProviderName: aws.String("Amazon"),
			},
		},
	}
	path := filepath.Join(t.TempDir(), "models.json")

	require.NoError(t, refreshModels(context.Background(), lister, path))
	assert.Equal(t, bedrocktypes.ModelModalityText, lister.input.ByOutputModality)

	models, err := bedrockbot.ReadModelsFile(path)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]bedrockbot.ModelSummary{
			{
				ModelID:      "anthropic.claude-v2",
				ModelName:    "Claude",
				ProviderName: "Anthropic",
			},
			{
				ModelID:      "amazon.titan-text-express-v1",
				ModelName:    "Titan Text G1 - Express",
				ProviderName: "Amazon",
			},
		},
		models,
	)
}

func TestRefreshModelsError(t *testing.T) {
	isolateConfig(t)

	lister := &fakeModelLister{err: errors.New("access denied")}
	path := filepath.Join(t.TempDir(), "models.json")

	err := refreshModels(context.Background(), lister, path)
	var upstreamErr *bedrockbot.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.NoFileExists(t, path)
}
