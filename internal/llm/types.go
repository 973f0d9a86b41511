// Package llm defines the vendor-neutral model request/response types the
// sampling loop works over, a Client interface, and adapters behind it.
package llm

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
	BlockThinking   = "thinking"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block is one content item within a message. Which fields are meaningful
// depends on Type: Text for text blocks; ID/Name/Input for tool_use;
// ToolUseID/IsError/Content for tool_result; ImageData (base64 PNG) for
// image; Thinking/Signature for thinking blocks. CacheControl marks a prompt
// cache breakpoint.
type Block struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text,omitempty"`
	ID           string                 `json:"id,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	ToolUseID    string                 `json:"tool_use_id,omitempty"`
	IsError      bool                   `json:"is_error,omitempty"`
	Content      []Block                `json:"content,omitempty"`
	ImageData    string                 `json:"image_data,omitempty"`
	Thinking     string                 `json:"thinking,omitempty"`
	Signature    string                 `json:"signature,omitempty"`
	CacheControl bool                   `json:"cache_control,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// Message is one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// UserMessage builds a user turn from blocks.
func UserMessage(blocks ...Block) Message {
	return Message{Role: RoleUser, Content: blocks}
}

// ToolDefinition declaratively exposes a callable tool to the model.
// InputSchema is a JSON Schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is one outbound model call.
type Request struct {
	Model          string           `json:"model"`
	System         string           `json:"system,omitempty"`
	SystemCache    bool             `json:"system_cache,omitempty"`
	MaxTokens      int              `json:"max_tokens"`
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ThinkingBudget int              `json:"thinking_budget,omitempty"`
}

// Usage captures token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed model call.
type Response struct {
	ID         string  `json:"id"`
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
}
