package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// bedrockConverseAPI abstracts the Bedrock runtime client for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockInvoker executes prompts via the AWS Bedrock Converse API.
type BedrockInvoker struct {
	name   string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockInvoker creates a Bedrock invoker using the default AWS
// credential chain.
func NewBedrockInvoker(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockInvoker, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockInvoker{
		name:   cfg.Name,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockInvokerWithClient injects a client, for tests.
func newBedrockInvokerWithClient(name string, client bedrockConverseAPI, logger *slog.Logger) *BedrockInvoker {
	return &BedrockInvoker{name: name, client: client, logger: logger}
}

// Invoke implements domain.ModelInvoker. The catalogue entry name doubles as
// the Bedrock model id.
func (p *BedrockInvoker) Invoke(ctx context.Context, entry domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(entry.Name),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: prompt.Input},
			},
		}},
	}
	if prompt.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: prompt.System},
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if opts.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(opts.Temperature))
	}

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, mapBedrockError(err)
	}

	result := &domain.ModelResponse{Model: entry.Name}
	if output.Usage != nil {
		result.Usage = domain.ModelUsage{
			InputTokens:  int(aws.ToInt32(output.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
		}
	}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				result.Text = b.Value
			}
		}
	}

	p.logger.Debug("model call completed",
		"provider", p.name,
		"entry", entry.Name,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens)

	return result, nil
}

// mapBedrockError translates AWS API errors to provider sentinels.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	const op = "model.bedrock"
	msg := err.Error()

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewDomainError(op, domain.ErrProviderTimeout, msg)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return domain.NewDomainError(op, domain.ErrProviderQuota, msg)
		case "ValidationException":
			return domain.NewDomainError(op, domain.ErrProviderRejected, msg)
		case "AccessDeniedException", "UnrecognizedClientException":
			return domain.NewDomainError(op, domain.ErrProviderFatal, msg)
		case "ModelTimeoutException":
			return domain.NewDomainError(op, domain.ErrProviderTimeout, msg)
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return domain.NewDomainError(op, domain.ErrProviderUnavailable, msg)
		}
	}

	return domain.NewDomainError(op, domain.ErrProviderUnavailable, msg)
}

var _ domain.ModelInvoker = (*BedrockInvoker)(nil)
