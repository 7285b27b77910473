package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var (
	_ adapter.AIServiceAdapter = (*OpenAIAdapter)(nil)
	_ adapter.EmbeddingAdapter = (*OpenAIEmbedder)(nil)
)

// OpenAIAdapter implements adapter.AIServiceAdapter with the Chat Completions API.
// Any OpenAI-compatible gateway works through baseURL.
type OpenAIAdapter struct {
	client openai.Client
	model  string
	maxOut int
}

func newOpenAIClient(apiKey, baseURL string) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(60 * time.Second),
		option.WithMaxRetries(2),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return openai.NewClient(opts...)
}

func NewOpenAIAdapter(apiKey, baseURL, model string, maxOut int) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIAdapter{client: newOpenAIClient(apiKey, baseURL), model: model, maxOut: maxOut}, nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{o.model}, nil
}

func (o *OpenAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{
		Name:        modelOrDefault(model, o.model),
		Provider:    "openai",
		Description: "OpenAI Chat Completions model",
		Supports:    []string{"text", "tools"},
	}, nil
}

func (o *OpenAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return CountMessageTokens(modelOrDefault(model, o.model), messages), nil
}

func (o *OpenAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	res, err := o.complete(ctx, model, messages, nil)
	return res.Content, err
}

func (o *OpenAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	res, err := o.complete(ctx, model, messages, nil)
	return res.Content, res.Usage, err
}

func (o *OpenAIAdapter) ChatWithTools(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	return o.complete(ctx, model, messages, tools)
}

func (o *OpenAIAdapter) complete(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	model = modelOrDefault(model, o.model)
	if len(messages) == 0 {
		return adapter.ChatResult{}, errors.New("openai: no messages")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if o.maxOut > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxOut))
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
		}))
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		metrics.ObserveChatUsage("openai", model, 0, 0, 0, latency, false)
		return adapter.ChatResult{}, openAIError(err)
	}

	out := adapter.ChatResult{
		Usage: adapter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	metrics.ObserveChatUsage("openai", model, out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Usage.TotalTokens, latency, true)
	if len(resp.Choices) == 0 {
		return out, domain.NewUpstreamError("openai", 0, domain.ErrEmptyModelResponse)
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, adapter.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toOpenAIMessages(msgs []adapter.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant", "model":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// openAIError keeps context errors and wraps the rest as upstream failures.
func openAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return domain.NewUpstreamError("openai", apiErr.StatusCode, err)
	}
	return domain.NewUpstreamError("openai", 0, err)
}

// OpenAIEmbedder implements adapter.EmbeddingAdapter with the Embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dims int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{client: newOpenAIClient(apiKey, baseURL), model: model, dims: dims}, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: openai.Int(int64(e.dims)),
	})
	if err != nil {
		metrics.IncEmbedding("openai", false)
		return nil, openAIError(err)
	}
	metrics.IncEmbedding("openai", true)
	if len(resp.Data) == 0 {
		return nil, domain.NewUpstreamError("openai", 0, errors.New("no embedding returned"))
	}
	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
