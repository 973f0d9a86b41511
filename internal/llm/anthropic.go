package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicClient adapts the official Anthropic Messages API to the Client
// interface. Transport retries are handled by the SDK.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates an adapter with the given API key. An empty key
// falls back to the SDK's environment lookup.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	opts := []option.RequestOption{option.WithMaxRetries(4)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// CreateMessage implements Client.
func (c *AnthropicClient) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  buildMessages(req.Messages),
	}
	if req.System != "" {
		sys := anthropic.TextBlockParam{Text: req.System}
		if req.SystemCache {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, &APIError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
		}
		return nil, fmt.Errorf("llm: anthropic: %w", err)
	}

	out := &Response{
		ID:         resp.ID,
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			tb := block.AsText()
			if tb.Text != "" {
				out.Content = append(out.Content, TextBlock(tb.Text))
			}
		case "tool_use":
			ub := block.AsToolUse()
			input := map[string]interface{}{}
			if data, err := json.Marshal(ub.Input); err == nil {
				_ = json.Unmarshal(data, &input)
			}
			out.Content = append(out.Content, Block{
				Type:  BlockToolUse,
				ID:    ub.ID,
				Name:  ub.Name,
				Input: input,
			})
		case "thinking":
			th := block.AsThinking()
			out.Content = append(out.Content, Block{
				Type:      BlockThinking,
				Thinking:  th.Thinking,
				Signature: th.Signature,
			})
		}
	}
	return out, nil
}

// buildMessages converts neutral messages to Anthropic message params.
func buildMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if p, ok := buildBlock(b); ok {
				blocks = append(blocks, p)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func buildBlock(b Block) (anthropic.ContentBlockParamUnion, bool) {
	switch b.Type {
	case BlockText:
		p := anthropic.TextBlockParam{Text: b.Text}
		if b.CacheControl {
			p.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		return anthropic.ContentBlockParamUnion{OfText: &p}, true
	case BlockImage:
		p := imageParam(b.ImageData)
		if b.CacheControl {
			p.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		return anthropic.ContentBlockParamUnion{OfImage: &p}, true
	case BlockToolUse:
		return anthropic.NewToolUseBlock(b.ID, b.Input, b.Name), true
	case BlockToolResult:
		p := anthropic.ToolResultBlockParam{
			ToolUseID: b.ToolUseID,
			IsError:   anthropic.Bool(b.IsError),
		}
		for _, inner := range b.Content {
			switch inner.Type {
			case BlockText:
				p.Content = append(p.Content, anthropic.ToolResultBlockParamContentUnion{
					OfText: &anthropic.TextBlockParam{Text: inner.Text},
				})
			case BlockImage:
				img := imageParam(inner.ImageData)
				p.Content = append(p.Content, anthropic.ToolResultBlockParamContentUnion{
					OfImage: &img,
				})
			}
		}
		if b.CacheControl {
			p.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		return anthropic.ContentBlockParamUnion{OfToolResult: &p}, true
	case BlockThinking:
		return anthropic.NewThinkingBlock(b.Signature, b.Thinking), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func imageParam(base64PNG string) anthropic.ImageBlockParam {
	return anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfBase64: &anthropic.Base64ImageSourceParam{
				Data:      base64PNG,
				MediaType: anthropic.Base64ImageSourceMediaTypeImagePNG,
			},
		},
	}
}

// buildTools converts tool definitions to Anthropic tool params.
func buildTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if props, ok := t.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		switch req := t.InputSchema["required"].(type) {
		case []string:
			schema.Required = req
		case []interface{}:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
