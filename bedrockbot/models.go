package bedrockbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"os"
	"strings"
)

// modelListPreviewSize is the number of models shown by 'models' with
// no query
const modelListPreviewSize = 5

// ModelSummary describes one available model, as listed by
// `aws bedrock list-foundation-models`
type ModelSummary struct {
	ModelID      string `json:"modelId"`
	ModelName    string `json:"modelName,omitempty"`
	ProviderName string `json:"providerName,omitempty"`
}

// modelsFile is the top-level structure of a models file
type modelsFile struct {
	ModelSummaries []ModelSummary `json:"modelSummaries"`
}

// ModelCatalog is the fixed, ordered list of model IDs that may be sent
// to the provider. It's read-only after construction.
type ModelCatalog struct {
	models []ModelSummary
	ids    map[string]struct{}
}

// NewModelCatalog creates a catalog from model summaries, keeping their
// order. Entries without an ID, and repeated IDs, are skipped.
func NewModelCatalog(models []ModelSummary) *ModelCatalog {
	c := &ModelCatalog{ids: make(map[string]struct{}, len(models))}
	for _, m := range models {
		m.ModelID = strings.TrimSpace(m.ModelID)
		if m.ModelID == "" {
			continue
		}
		if _, seen := c.ids[m.ModelID]; seen {
			continue
		}
		c.ids[m.ModelID] = struct{}{}
		c.models = append(c.models, m)
	}
	return c
}

// NewModelCatalogFromIDs creates a catalog from a plain list of model IDs
func NewModelCatalogFromIDs(ids ...string) *ModelCatalog {
	models := make([]ModelSummary, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelSummary{ModelID: id})
	}
	return NewModelCatalog(models)
}

// ReadModelsFile reads model summaries from a JSON models file
func ReadModelsFile(path string) ([]ModelSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f modelsFile
	if err = json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing models file %q: %w", path, err)
	}
	return f.ModelSummaries, nil
}

// WriteModelsFile writes model summaries to path, in the same format
// read by ReadModelsFile
func WriteModelsFile(path string, models []ModelSummary) error {
	data, err := json.MarshalIndent(modelsFile{ModelSummaries: models}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// LoadModelCatalog builds the catalog from the LLM config.
//
// A static [LLMConfig.Models] list takes precedence over
// [LLMConfig.ModelsFile]. If the models file doesn't exist, the catalog
// only contains [LLMConfig.DefaultModel]. The default model must be in
// the resulting catalog, or a *ConfigurationError is returned.
func LoadModelCatalog(config *LLMConfig) (*ModelCatalog, error) {
	var catalog *ModelCatalog
	switch {
	case len(config.Models) > 0:
		catalog = NewModelCatalogFromIDs(config.Models...)
	case config.ModelsFile != "":
		models, err := ReadModelsFile(config.ModelsFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			catalog = NewModelCatalogFromIDs(config.DefaultModel)
		case err != nil:
			return nil, &ConfigurationError{Field: "llm.models_file", Err: err}
		default:
			catalog = NewModelCatalog(models)
		}
	default:
		catalog = NewModelCatalogFromIDs(config.DefaultModel)
	}

	if !catalog.Contains(config.DefaultModel) {
		return nil, &ConfigurationError{
			Field: "llm.default_model",
			Err: fmt.Errorf(
				"default model %q is not an available model",
				config.DefaultModel,
			),
		}
	}
	return catalog, nil
}

// Contains reports whether modelID is in the catalog
func (c *ModelCatalog) Contains(modelID string) bool {
	if c == nil {
		return false
	}
	_, ok := c.ids[modelID]
	return ok
}

// IDs returns the model IDs in the catalog, in their configured order
func (c *ModelCatalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.models))
	for _, m := range c.models {
		ids = append(ids, m.ModelID)
	}
	return ids
}

// Models returns a copy of the catalog's model summaries
func (c *ModelCatalog) Models() []ModelSummary {
	if c == nil {
		return nil
	}
	return append([]ModelSummary(nil), c.models...)
}

func (c *ModelCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.models)
}

// Filter returns the models whose ID, name or provider contains query,
// case-insensitively
func (c *ModelCatalog) Filter(query string) []ModelSummary {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return c.Models()
	}
	var matches []ModelSummary
	for _, m := range c.Models() {
		if strings.Contains(strings.ToLower(m.ModelID), query) ||
			strings.Contains(strings.ToLower(m.ModelName), query) ||
			strings.Contains(strings.ToLower(m.ProviderName), query) {
			matches = append(matches, m)
		}
	}
	return matches
}

// String formats the model for a chat reply
func (m ModelSummary) String() string {
	name := m.ModelName
	if name == "" {
		name = m.ModelID
	}
	s := fmt.Sprintf("**%s (%s)**", name, m.ModelID)
	if m.ProviderName != "" {
		s += " - " + m.ProviderName
	}
	return s
}

// formatModelList formats models one per line
func formatModelList(models []ModelSummary) string {
	lines := make([]string, 0, len(models))
	for _, m := range models {
		lines = append(lines, m.String())
	}
	return strings.Join(lines, "\n")
}

// BedrockModelLister is the subset of the bedrock control plane client
// used to refresh the models file
type BedrockModelLister interface {
	ListFoundationModels(
		ctx context.Context,
		params *bedrock.ListFoundationModelsInput,
		optFns ...func(*bedrock.Options),
	) (*bedrock.ListFoundationModelsOutput, error)
}

// NewBedrockModelLister creates a bedrock control plane client from the
// LLM config
func NewBedrockModelLister(ctx context.Context, config *LLMConfig) (BedrockModelLister, error) {
	awsCfg, err := loadAWSConfig(ctx, config, nil)
	if err != nil {
		return nil, err
	}
	return bedrock.NewFromConfig(awsCfg), nil
}

// FetchFoundationModels lists the text-output foundation models
// available in the client's region
func FetchFoundationModels(ctx context.Context, client BedrockModelLister) ([]ModelSummary, error) {
	out, err := client.ListFoundationModels(
		ctx, &bedrock.ListFoundationModelsInput{
			ByOutputModality: bedrocktypes.ModelModalityText,
		},
	)
	if err != nil {
		return nil, &UpstreamError{
			Provider:  LLMProviderBedrock,
			Transient: isTransientBedrockError(err),
			Err:       err,
		}
	}
	models := make([]ModelSummary, 0, len(out.ModelSummaries))
	for _, s := range out.ModelSummaries {
		models = append(
			models, ModelSummary{
				ModelID:      aws.ToString(s.ModelId),
				ModelName:    aws.ToString(s.ModelName),
				ProviderName: aws.ToString(s.ProviderName),
			},
		)
	}
	return models, nil
}
