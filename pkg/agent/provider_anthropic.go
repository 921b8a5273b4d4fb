package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements StreamingProvider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider. baseURL may be empty.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	params, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return p.convertResponse(response)
}

// Stream makes a streaming API call, reporting text and thinking deltas as
// they arrive
func (p *AnthropicProvider) Stream(ctx context.Context, request LLMRequest, onChunk func(StreamChunk)) (*LLMResponse, error) {
	params, err := p.buildParams(request)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok && onChunk != nil {
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onChunk(StreamChunk{Type: ChunkText, Text: delta.Text})
			case anthropic.ThinkingDelta:
				onChunk(StreamChunk{Type: ChunkThinking, Text: delta.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return p.convertResponse(&message)
}

func (p *AnthropicProvider) buildParams(request LLMRequest) (anthropic.MessageNewParams, error) {
	anthropicMessages := []anthropic.MessageParam{}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleSystem:
			continue // System prompt handled separately
		case RoleTool:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Parameters, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case RoleUser:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	reqParams := anthropic.MessageNewParams{
		Model:       anthropic.Model(request.Model),
		Messages:    anthropicMessages,
		MaxTokens:   int64(request.MaxTokens),
		Temperature: anthropic.Float(request.Temperature),
	}

	if request.SystemPrompt != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: request.SystemPrompt},
		}
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.InputSchema["properties"],
				},
			}
			if required, ok := spec.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
		reqParams.ToolChoice = anthropicToolChoice(request.ToolChoice)
	}

	return reqParams, nil
}

func anthropicToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch {
	case choice == "none":
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case choice == "required":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case strings.HasPrefix(choice, "tool:"):
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{
			Name: strings.TrimPrefix(choice, "tool:"),
		}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

func (p *AnthropicProvider) convertResponse(response *anthropic.Message) (*LLMResponse, error) {
	var content, thinking strings.Builder
	toolCalls := []ToolCall{}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ThinkingBlock:
			thinking.WriteString(b.Thinking)
		case anthropic.ToolUseBlock:
			params := map[string]interface{}{}
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &params); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:         b.ID,
				Name:       b.Name,
				Parameters: params,
			})
		}
	}

	return &LLMResponse{
		Content:    content.String(),
		Thinking:   thinking.String(),
		ToolCalls:  toolCalls,
		Model:      string(response.Model),
		StopReason: string(response.StopReason),
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}
