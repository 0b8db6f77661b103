package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"net/http"
	"strings"
)

// bedrockTransientErrorCodes are bedrock runtime error codes for requests
// that may succeed if retried
var bedrockTransientErrorCodes = map[string]bool{
	"ThrottlingException":         true,
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelTimeoutException":       true,
	"ModelNotReadyException":      true,
}

// BedrockConverseAPI is the subset of the bedrock runtime client used to
// generate text, so it can be mocked.
type BedrockConverseAPI interface {
	Converse(
		ctx context.Context,
		params *bedrockruntime.ConverseInput,
		optFns ...func(*bedrockruntime.Options),
	) (*bedrockruntime.ConverseOutput, error)
}

// bedrockBackend generates text with the bedrock Converse API, which
// accepts the same request shape for every text model.
type bedrockBackend struct {
	client BedrockConverseAPI
}

func (*bedrockBackend) Name() string {
	return LLMProviderBedrock
}

// loadAWSConfig loads the AWS config for the configured region/profile,
// and verifies credentials can be retrieved. Missing credentials are
// returned as a *ConfigurationError.
func loadAWSConfig(
	ctx context.Context,
	config *LLMConfig,
	httpClient *http.Client,
) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(config.Profile))
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsCfg, &ConfigurationError{Field: "llm", Err: err}
	}
	if awsCfg.Credentials == nil {
		return awsCfg, &ConfigurationError{
			Field: "llm",
			Err:   errors.New("no AWS credentials found"),
		}
	}
	if _, err = awsCfg.Credentials.Retrieve(ctx); err != nil {
		return awsCfg, &ConfigurationError{
			Field: "llm",
			Err:   fmt.Errorf("unable to retrieve AWS credentials: %w", err),
		}
	}
	return awsCfg, nil
}

func newBedrockBackend(awsCfg aws.Config, config *LLMConfig) *bedrockBackend {
	client := bedrockruntime.NewFromConfig(
		awsCfg, func(o *bedrockruntime.Options) {
			if config.Endpoint != "" {
				o.BaseEndpoint = aws.String(config.Endpoint)
			}
		},
	)
	return &bedrockBackend{client: client}
}

func (b *bedrockBackend) Generate(
	ctx context.Context,
	req GenerateRequest,
) (GenerateResponse, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.ModelID),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(req.MaxTokens)),
			Temperature: req.Temperature,
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	rv := GenerateResponse{ModelID: req.ModelID}
	out, err := b.client.Converse(ctx, input)
	if err != nil {
		return rv, &UpstreamError{
			Provider:  LLMProviderBedrock,
			ModelID:   req.ModelID,
			Transient: isTransientBedrockError(err),
			Err:       err,
		}
	}

	rv.StopReason = string(out.StopReason)
	if out.Usage != nil {
		rv.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		rv.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return rv, &UpstreamError{
			Provider: LLMProviderBedrock,
			ModelID:  req.ModelID,
			Err:      fmt.Errorf("unexpected output type %T", out.Output),
		}
	}

	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, isText := block.(*types.ContentBlockMemberText); isText {
			text.WriteString(t.Value)
		}
	}
	rv.Text = text.String()
	return rv, nil
}

func isTransientBedrockError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return bedrockTransientErrorCodes[apiErr.ErrorCode()]
	}
	return isTransientNetworkError(err)
}
