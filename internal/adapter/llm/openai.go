// Package llm provides card generators: an OpenAI-compatible chat
// completions client, a circuit breaker around any generator, and a static
// generator for demos.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/config"
	"kanban-ai/internal/infra/tracer"
)

var _ domain.Generator = (*OpenAIGenerator)(nil)

// OpenAIGenerator implements domain.Generator against any OpenAI-compatible
// chat completions API, asking for JSON output.
type OpenAIGenerator struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *http.Client
	schemas     schemaSet
	logger      *slog.Logger
}

// NewOpenAIGenerator creates a generator from cfg.
func NewOpenAIGenerator(cfg config.LLMConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIGenerator{
		name:        name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      NewHTTPClient(cfg),
		schemas:     schemas,
		logger:      logger,
	}, nil
}

func (g *OpenAIGenerator) Name() string { return g.name }

func (g *OpenAIGenerator) Generate(ctx context.Context, req domain.GenerateRequest) ([]domain.GeneratedCard, error) {
	raw, err := g.complete(ctx, "generate", generatePrompt(req))
	if err != nil {
		return nil, err
	}
	var out struct {
		Cards []domain.GeneratedCard `json:"cards"`
	}
	if err := decodeOutput(raw, g.schemas.generate, &out); err != nil {
		return nil, err
	}
	return out.Cards, nil
}

func (g *OpenAIGenerator) Modify(ctx context.Context, req domain.ModifyRequest) (*domain.CardPatch, error) {
	raw, err := g.complete(ctx, "modify", modifyPrompt(req))
	if err != nil {
		return nil, err
	}
	var patch domain.CardPatch
	if err := decodeOutput(raw, g.schemas.modify, &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

func (g *OpenAIGenerator) Move(ctx context.Context, req domain.MoveRequest) ([]domain.MoveDecision, error) {
	raw, err := g.complete(ctx, "move", movePrompt(req))
	if err != nil {
		return nil, err
	}
	var out struct {
		Moves []domain.MoveDecision `json:"moves"`
	}
	if err := decodeOutput(raw, g.schemas.move, &out); err != nil {
		return nil, err
	}
	return out.Moves, nil
}

// complete sends one system+user exchange and returns the assistant text.
func (g *OpenAIGenerator) complete(ctx context.Context, action, userPrompt string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", g.name),
			tracer.StringAttr("llm.model", g.model),
			tracer.StringAttr("automation.action", action),
		),
	)
	defer span.End()

	oaiReq := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:      g.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	if g.temperature > 0 {
		temp := g.temperature
		oaiReq.Temperature = &temp
	}
	body, err := json.Marshal(oaiReq)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if g.apiKey != "" {
		headers["Authorization"] = "Bearer " + g.apiKey
	}
	respBody, err := doJSONRequest(ctx, g.client, g.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return "", domain.NewDomainError("OpenAIGenerator.complete", domain.ErrProviderError, "unmarshal response: "+err.Error())
	}
	if len(resp.Choices) == 0 {
		err := domain.NewDomainError("OpenAIGenerator.complete", domain.ErrGeneratorOutput, "no choices returned")
		tracer.RecordError(span, err)
		return "", err
	}

	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	g.logger.Debug("llm completion",
		"provider", g.name,
		"model", resp.Model,
		"action", action,
		"tokens", resp.Usage.TotalTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// --- chat completions wire types ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
