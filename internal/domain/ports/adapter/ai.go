package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ModelInfo describes a model.
type ModelInfo struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider,omitempty"`
	Description string   `json:"description,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Supports    []string `json:"supports,omitempty"`
}

// Usage for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ToolSchema is a function the model may call. Parameters is a JSON schema object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a structured invocation emitted by the model. Arguments is raw JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ChatResult is either assistant text, tool calls, or both.
type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// AIServiceAdapter is the port for LLM chat.
type AIServiceAdapter interface {
	ListModels(ctx context.Context) ([]string, error)
	GetModelInfo(model string) (ModelInfo, error)

	// CountTokens must return prompt tokens for the provided messages
	// (provider-specific counting; best-effort when exact isn't available).
	CountTokens(ctx context.Context, model string, messages []Message) (int, error)

	// Chat returns only the assistant text
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// ChatWithUsage returns assistant text + usage as reported by the provider.
	ChatWithUsage(ctx context.Context, model string, messages []Message) (string, Usage, error)

	// ChatWithTools offers tools to the model; the result may carry tool calls instead of text.
	ChatWithTools(ctx context.Context, model string, messages []Message, tools []ToolSchema) (ChatResult, error)
}

// EmbeddingAdapter turns text into a fixed-length vector.
type EmbeddingAdapter interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
