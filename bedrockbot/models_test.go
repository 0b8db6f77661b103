package bedrockbot

import (
	"context"
	"errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

const testModelsFile = `{
  "modelSummaries": [
    {
      "modelArn": "arn:aws:bedrock:us-east-1::foundation-model/anthropic.claude-v2",
      "modelId": "anthropic.claude-v2",
      "modelName": "Claude",
      "providerName": "Anthropic",
      "outputModalities": ["TEXT"]
    },
    {
      "modelId": "meta.llama3-8b-instruct-v1:0",
      "modelName": "Llama 3 8B Instruct",
      "providerName": "Meta"
    },
    {
      "modelId": "anthropic.claude-v2",
      "modelName": "Claude (duplicate)",
      "providerName": "Anthropic"
    },
    {
      "modelName": "No ID"
    }
  ]
}`

func writeTestModelsFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(testModelsFile), 0644))
	return path
}

type mockModelLister struct {
	mock.Mock
}

func (m *mockModelLister) ListFoundationModels(
	ctx context.Context,
	params *bedrock.ListFoundationModelsInput,
	_ ...func(*bedrock.Options),
) (*bedrock.ListFoundationModelsOutput, error) {
	args := m.Called(ctx, params)
	out := args.Get(0)
	if out != nil {
		return out.(*bedrock.ListFoundationModelsOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestLoadModelCatalog_File(t *testing.T) {
	cfg := DefaultTestConfig(t).LLM
	cfg.Models = nil
	cfg.ModelsFile = writeTestModelsFile(t)
	cfg.DefaultModel = "anthropic.claude-v2"

	catalog, err := LoadModelCatalog(cfg)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{"anthropic.claude-v2", "meta.llama3-8b-instruct-v1:0"},
		catalog.IDs(),
	)
	assert.True(t, catalog.Contains("meta.llama3-8b-instruct-v1:0"))
	assert.False(t, catalog.Contains("amazon.titan"))
	assert.Equal(t, "Claude", catalog.Models()[0].ModelName)
}

func TestLoadModelCatalog_StaticListTakesPrecedence(t *testing.T) {
	cfg := DefaultTestConfig(t).LLM
	cfg.ModelsFile = writeTestModelsFile(t)

	catalog, err := LoadModelCatalog(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{testModelA, testModelB}, catalog.IDs())
}

func TestLoadModelCatalog_MissingFile(t *testing.T) {
	cfg := DefaultTestConfig(t).LLM
	cfg.Models = nil
	cfg.ModelsFile = filepath.Join(t.TempDir(), "nope.json")

	catalog, err := LoadModelCatalog(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{testModelA}, catalog.IDs())
}

func TestLoadModelCatalog_InvalidFile(t *testing.T) {
	cfg := DefaultTestConfig(t).LLM
	cfg.Models = nil
	cfg.ModelsFile = filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(cfg.ModelsFile, []byte("{not json"), 0644))

	_, err := LoadModelCatalog(cfg)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.models_file", cfgErr.Field)
}

func TestLoadModelCatalog_DefaultModelMissing(t *testing.T) {
	cfg := DefaultTestConfig(t).LLM
	cfg.DefaultModel = "modelC"

	_, err := LoadModelCatalog(cfg)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.default_model", cfgErr.Field)
}

func TestModelCatalog_Filter(t *testing.T) {
	catalog := NewModelCatalog(
		[]ModelSummary{
			{ModelID: "anthropic.claude-v2", ModelName: "Claude", ProviderName: "Anthropic"},
			{ModelID: "meta.llama3", ModelName: "Llama 3", ProviderName: "Meta"},
			{ModelID: "amazon.titan-text", ModelName: "Titan Text", ProviderName: "Amazon"},
		},
	)
	assert.Len(t, catalog.Filter(""), 3)
	assert.Len(t, catalog.Filter("  "), 3)

	matches := catalog.Filter("LLAMA")
	require.Len(t, matches, 1)
	assert.Equal(t, "meta.llama3", matches[0].ModelID)

	matches = catalog.Filter("a")
	assert.Len(t, matches, 3)

	assert.Empty(t, catalog.Filter("cohere"))
}

func TestModelCatalog_Nil(t *testing.T) {
	var catalog *ModelCatalog
	assert.False(t, catalog.Contains(testModelA))
	assert.Nil(t, catalog.IDs())
	assert.Equal(t, 0, catalog.Len())
	assert.Nil(t, catalog.Models())
}

func TestModelSummary_String(t *testing.T) {
	assert.Equal(
		t,
		"**Claude (anthropic.claude-v2)** - Anthropic",
		ModelSummary{ModelID: "anthropic.claude-v2", ModelName: "Claude", ProviderName: "Anthropic"}.String(),
	)
	assert.Equal(t, "**modelA (modelA)**", ModelSummary{ModelID: testModelA}.String())
}

func TestWriteModelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	models := []ModelSummary{
		{ModelID: testModelA, ModelName: "A", ProviderName: "P"},
		{ModelID: testModelB},
	}
	require.NoError(t, WriteModelsFile(path, models))

	got, err := ReadModelsFile(path)
	require.NoError(t, err)
	assert.Equal(t, models, got)
}

func TestFetchFoundationModels(t *testing.T) {
	textModels := mock.MatchedBy(
		func(in *bedrock.ListFoundationModelsInput) bool {
			return in.ByOutputModality == bedrocktypes.ModelModalityText
		},
	)

	lister := &mockModelLister{}
	lister.On("ListFoundationModels", mock.Anything, textModels).Return(
		&bedrock.ListFoundationModelsOutput{
			ModelSummaries: []bedrocktypes.FoundationModelSummary{
				{
					ModelId:      aws.String("anthropic.claude-v2"),
					ModelName:    aws.String("Claude"),
					ProviderName: aws.String("Anthropic"),
				},
			},
		}, nil,
	)
	models, err := FetchFoundationModels(context.Background(), lister)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]ModelSummary{{ModelID: "anthropic.claude-v2", ModelName: "Claude", ProviderName: "Anthropic"}},
		models,
	)
	lister.AssertExpectations(t)

	lister = &mockModelLister{}
	lister.On("ListFoundationModels", mock.Anything, textModels).
		Return(nil, errors.New("no access"))
	_, err = FetchFoundationModels(context.Background(), lister)
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	lister.AssertNumberOfCalls(t, "ListFoundationModels", 1)
}
