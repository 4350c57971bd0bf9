package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/protocol"
)

// BedrockConfig holds AWS connection settings for the Bedrock caller.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockCaller implements the Caller contract directly over the AWS SDK's
// Converse and ConverseStream APIs. It bypasses the HTTP adapter layer since
// the SDK owns the transport, signing and retries.
type BedrockCaller struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

func NewBedrockCaller(ctx context.Context, cfg BedrockConfig) (*BedrockCaller, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = model.DefaultModelFor(model.ProviderBedrock)
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
	}

	return &BedrockCaller{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

func (c *BedrockCaller) Provider() model.Provider { return model.ProviderBedrock }
func (c *BedrockCaller) DefaultModel() string     { return c.defaultModel }

// RequiresDownloadingFile reports true for any URL-only file: Converse only
// accepts inline bytes.
func (c *BedrockCaller) RequiresDownloadingFile(file *protocol.File, modelID string) bool {
	return file.Data == ""
}

func (c *BedrockCaller) Complete(ctx context.Context, messages []protocol.Message, opts RequestOptions) (*Result, error) {
	modelID := opts.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	wireMessages, system, err := c.buildMessages(messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        wireMessages,
		System:          system,
		InferenceConfig: inferenceConfig(opts),
		ToolConfig:      toolConfig(opts.Tools),
	}

	out, err := c.client.Converse(ctx, input)
	if err != nil {
		return nil, c.classifySDKError(err)
	}

	result := &Result{FinishReason: string(out.StopReason)}
	if out.Usage != nil {
		result.Usage = bedrockUsage(out.Usage)
	}
	if out.StopReason == types.StopReasonMaxTokens {
		return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
	}
	if out.StopReason == types.StopReasonContentFiltered {
		return nil, apierror.New(apierror.KindContentModeration, "provider refused the generation")
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, apierror.New(apierror.KindProviderInternal, "bedrock returned no message")
	}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			result.Content += b.Value
		case *types.ContentBlockMemberReasoningContent:
			if text, ok := b.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
				result.ReasoningSteps = append(result.ReasoningSteps, aws.ToString(text.Value.Text))
			}
		case *types.ContentBlockMemberToolUse:
			var args map[string]any
			if b.Value.Input != nil {
				_ = b.Value.Input.UnmarshalSmithyDocument(&args)
			}
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCallRequest{
				ID:       aws.ToString(b.Value.ToolUseId),
				ToolName: protocol.CanonicalToolName(aws.ToString(b.Value.Name)),
				Input:    args,
			})
		}
	}

	// some hosted models answer refusals with a 200 instead of a filter stop
	if len(result.ToolCalls) == 0 && IsModerationRefusal(result.Content) {
		return nil, apierror.New(apierror.KindContentModeration, "provider refused the generation")
	}
	return result, nil
}

func (c *BedrockCaller) Stream(ctx context.Context, messages []protocol.Message, opts RequestOptions, handler StreamHandler) (*Result, error) {
	modelID := opts.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	wireMessages, system, err := c.buildMessages(messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(modelID),
		Messages:        wireMessages,
		System:          system,
		InferenceConfig: inferenceConfig(opts),
		ToolConfig:      toolConfig(opts.Tools),
	}

	out, err := c.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, c.classifySDKError(err)
	}
	eventStream := out.GetStream()
	defer eventStream.Close()

	agg := NewAggregator(DefaultAccumulatorLimit)
	var usage Usage
	gotUsage := false

	emit := func(delta StreamDelta) error {
		agg.Consume(delta)
		if handler != nil {
			return handler(delta)
		}
		return nil
	}

	for event := range eventStream.Events() {
		if ctx.Err() != nil {
			return nil, apierror.Wrap(ctx.Err(), apierror.KindClientDisconnect, "stream cancelled")
		}
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				err = emit(StreamDelta{ToolDeltas: []ToolCallDelta{{
					Index:    int(aws.ToInt32(ev.Value.ContentBlockIndex)),
					ID:       aws.ToString(toolUse.Value.ToolUseId),
					ToolName: aws.ToString(toolUse.Value.Name),
				}}})
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				err = emit(StreamDelta{Content: delta.Value})
			case *types.ContentBlockDeltaMemberReasoningContent:
				if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
					err = emit(StreamDelta{Reasoning: text.Value})
				}
			case *types.ContentBlockDeltaMemberToolUse:
				err = emit(StreamDelta{ToolDeltas: []ToolCallDelta{{
					Index:         int(aws.ToInt32(ev.Value.ContentBlockIndex)),
					InputFragment: aws.ToString(delta.Value.Input),
				}}})
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			switch ev.Value.StopReason {
			case types.StopReasonMaxTokens:
				return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
			case types.StopReasonContentFiltered:
				return nil, apierror.New(apierror.KindContentModeration, "provider refused the generation")
			}
			err = emit(StreamDelta{FinishReason: string(ev.Value.StopReason)})
		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				usage = bedrockUsage(ev.Value.Usage)
				gotUsage = true
				u := usage
				err = emit(StreamDelta{Usage: &u})
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if err := eventStream.Err(); err != nil {
		return nil, c.classifySDKError(err)
	}

	result := agg.Result()
	if gotUsage {
		result.Usage = usage
	}
	if len(result.ToolCalls) == 0 && IsModerationRefusal(result.Content) {
		return nil, apierror.New(apierror.KindContentModeration, "provider refused the generation")
	}
	return result, nil
}

// StandardizeMessages parses stored messages, which for this caller are kept
// in the canonical form already.
func (c *BedrockCaller) StandardizeMessages(raw []byte) ([]protocol.Message, error) {
	var out []protocol.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, "unparseable stored messages")
	}
	return out, nil
}

func (c *BedrockCaller) buildMessages(messages []protocol.Message) ([]types.Message, []types.SystemContentBlock, error) {
	var system []types.SystemContentBlock
	wire := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: msg.Text()})
			continue
		}

		var content []types.ContentBlock
		for _, block := range msg.Content {
			switch block.Kind {
			case protocol.ContentText:
				content = append(content, &types.ContentBlockMemberText{Value: block.Text})
			case protocol.ContentFile:
				cb, err := bedrockFileBlock(block.File)
				if err != nil {
					return nil, nil, err
				}
				content = append(content, cb)
			case protocol.ContentToolCallRequest:
				if block.ToolRequest == nil {
					continue
				}
				input := block.ToolRequest.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(block.ToolRequest.ID),
						Name:      aws.String(protocol.ProviderSafeToolName(block.ToolRequest.ToolName)),
						Input:     document.NewLazyDocument(input),
					},
				})
			case protocol.ContentToolCallResult:
				if block.ToolResult == nil {
					continue
				}
				status := types.ToolResultStatusSuccess
				if block.ToolResult.Error != "" {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(block.ToolResult.ID),
						Status:    status,
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: toolResultText(block.ToolResult)},
						},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == protocol.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		wire = append(wire, types.Message{Role: role, Content: content})
	}
	return wire, system, nil
}

func bedrockFileBlock(file *protocol.File) (types.ContentBlock, error) {
	if file == nil || file.Data == "" {
		return nil, apierror.New(apierror.KindInvalidFile, "bedrock requires inline file data")
	}
	data, err := base64.StdEncoding.DecodeString(file.Data)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindInvalidFile, "file data is not valid base64")
	}

	switch file.Format() {
	case protocol.FileFormatImage:
		format, ok := bedrockImageFormat(file.ContentType)
		if !ok {
			return nil, apierror.Newf(apierror.KindInvalidFile, "unsupported image type %s", file.ContentType)
		}
		return &types.ContentBlockMemberImage{
			Value: types.ImageBlock{
				Format: format,
				Source: &types.ImageSourceMemberBytes{Value: data},
			},
		}, nil
	case protocol.FileFormatPDF:
		return &types.ContentBlockMemberDocument{
			Value: types.DocumentBlock{
				Format: types.DocumentFormatPdf,
				Name:   aws.String("document"),
				Source: &types.DocumentSourceMemberBytes{Value: data},
			},
		}, nil
	default:
		return nil, apierror.Newf(apierror.KindModelDoesNotSupportMode,
			"bedrock does not accept %s content", file.ContentType)
	}
}

func bedrockImageFormat(contentType string) (types.ImageFormat, bool) {
	switch strings.ToLower(contentType) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func inferenceConfig(opts RequestOptions) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	if opts.MaxTokens != nil {
		cfg.MaxTokens = aws.Int32(int32(*opts.MaxTokens))
	}
	if opts.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*opts.Temperature))
	}
	if opts.TopP != nil {
		cfg.TopP = aws.Float32(float32(*opts.TopP))
	}
	return cfg
}

func toolConfig(tools []ToolDefinition) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	wire := make([]types.Tool, len(tools))
	for i, tool := range tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		wire[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(protocol.ProviderSafeToolName(tool.Name)),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: wire}
}

func bedrockUsage(u *types.TokenUsage) Usage {
	return Usage{
		PromptTokenCount:     int(aws.ToInt32(u.InputTokens)),
		CompletionTokenCount: int(aws.ToInt32(u.OutputTokens)),
		CachedTokenCount:     int(aws.ToInt32(u.CacheReadInputTokens)),
	}
}

func (c *BedrockCaller) classifySDKError(err error) error {
	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return apierror.Wrap(err, apierror.KindRateLimit, "bedrock throttled the request")
	}
	var timeout *types.ModelTimeoutException
	if errors.As(err, &timeout) {
		return apierror.Wrap(err, apierror.KindReadTimeout, "bedrock model timed out")
	}
	var notReady *types.ModelNotReadyException
	if errors.As(err, &notReady) {
		return apierror.Wrap(err, apierror.KindProviderInternal, "bedrock model not ready")
	}
	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return apierror.Wrap(err, apierror.KindProviderInternal, "bedrock unavailable")
	}
	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return apierror.Wrap(err, apierror.KindProviderInternal, "bedrock internal error")
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return apierror.Wrap(err, apierror.KindAuthentication, "bedrock access denied")
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return apierror.Wrap(err, apierror.KindBadRequest, "bedrock rejected the request")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Wrap(err, apierror.KindReadTimeout, "bedrock request timed out")
	}
	return apierror.Wrap(err, apierror.KindProviderInternal, "bedrock request failed")
}
