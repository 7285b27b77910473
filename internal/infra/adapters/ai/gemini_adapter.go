package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/metrics"
)

var (
	_ adapter.AIServiceAdapter = (*GeminiAdapter)(nil)
	_ adapter.EmbeddingAdapter = (*GeminiEmbedder)(nil)
)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
}

func newGenAIClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string, maxOut int) (*GeminiAdapter, error) {
	c, err := newGenAIClient(ctx, apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, maxOut: maxOut}, nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	var out []string
	for m := range g.client.Models.All(ctx) {
		if m.Name != "" {
			out = append(out, m.Name)
		}
	}
	if len(out) == 0 && g.defaultModel != "" {
		out = []string{g.defaultModel}
	}
	return out, nil
}

func (g *GeminiAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	m, err := g.client.Models.Get(context.Background(), modelOrDefault(model, g.defaultModel), nil)
	if err != nil {
		return adapter.ModelInfo{Name: model, Provider: "gemini"}, nil
	}
	return adapter.ModelInfo{
		Name:        m.Name,
		Provider:    "gemini",
		Description: m.Description,
		MaxTokens:   int(m.InputTokenLimit),
		Supports:    m.SupportedActions,
	}, nil
}

func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	_, contents := toGenAIHistory(messages)
	resp, err := g.client.Models.CountTokens(ctx, modelOrDefault(model, g.defaultModel), contents, nil)
	if err != nil {
		// offline estimate keeps history trimming working when the count endpoint fails
		return CountMessageTokens(model, messages), nil
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	res, err := g.generate(ctx, model, messages, nil)
	return res.Content, err
}

func (g *GeminiAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	res, err := g.generate(ctx, model, messages, nil)
	return res.Content, res.Usage, err
}

func (g *GeminiAdapter) ChatWithTools(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	return g.generate(ctx, model, messages, tools)
}

func (g *GeminiAdapter) generate(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	if len(messages) == 0 {
		return adapter.ChatResult{}, errors.New("gemini: no messages")
	}
	model = modelOrDefault(model, g.defaultModel)
	system, contents := toGenAIHistory(messages)

	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if g.maxOut > 0 {
		cfg.MaxOutputTokens = int32(g.maxOut)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		metrics.ObserveChatUsage("gemini", model, 0, 0, 0, latency, false)
		return adapter.ChatResult{}, geminiError(err)
	}

	var out adapter.ChatResult
	if resp.UsageMetadata != nil {
		out.Usage = adapter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	metrics.ObserveChatUsage("gemini", model, out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Usage.TotalTokens, latency, true)

	out.Content = resp.Text()
	for _, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			args = []byte("{}")
		}
		out.ToolCalls = append(out.ToolCalls, adapter.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(args)})
	}
	return out, nil
}

// toGenAIHistory splits system messages into a system instruction and maps
// the rest onto user/model turns.
func toGenAIHistory(msgs []adapter.Message) (*genai.Content, []*genai.Content) {
	var system []*genai.Part
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		switch strings.ToLower(m.Role) {
		case "assistant", "model":
			role = genai.RoleModel
		case "system":
			system = append(system, &genai.Part{Text: m.Content})
			continue
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	if len(system) == 0 {
		return nil, out
	}
	return &genai.Content{Parts: system}, out
}

func geminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewUpstreamError("gemini", apiErr.Code, err)
	}
	return domain.NewUpstreamError("gemini", 0, err)
}

// GeminiEmbedder implements adapter.EmbeddingAdapter with EmbedContent.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, baseURL, model string, dims int) (*GeminiEmbedder, error) {
	c, err := newGenAIClient(ctx, apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "text-embedding-004"
	}
	if dims <= 0 {
		dims = 768
	}
	return &GeminiEmbedder{client: c, model: model, dims: dims}, nil
}

func (e *GeminiEmbedder) Dimensions() int { return e.dims }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(e.dims)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		metrics.IncEmbedding("gemini", false)
		return nil, geminiError(err)
	}
	metrics.IncEmbedding("gemini", true)
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, domain.NewUpstreamError("gemini", 0, errors.New("no embedding returned"))
	}
	return resp.Embeddings[0].Values, nil
}
