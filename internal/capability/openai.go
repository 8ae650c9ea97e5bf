package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are a precise code generator. Return the requested artifact inside a single fenced code block."

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points the client at any OpenAI-compatible endpoint. Empty
	// keeps the library default.
	BaseURL string
	// Model is used when Generate receives an empty capability id.
	Model        string
	SystemPrompt string
}

// OpenAI implements Generator over the chat completions API. The capability
// id passed to Generate selects the model.
type OpenAI struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger
}

// NewOpenAI builds a client from cfg.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("capability: openai api key is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	logger.Info("initializing openai capability", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		system: system,
		logger: logger,
	}, nil
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, prompt, capabilityID string) (Response, error) {
	model := capabilityID
	if model == "" {
		model = o.model
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Warn("openai call failed", "model", model, "error", err)
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}
	text := resp.Choices[0].Message.Content
	name := resp.Model
	if name == "" {
		name = model
	}
	return Response{
		Text:     text,
		Artifact: ExtractArtifact(text),
		Metadata: Metadata{
			Capability:   name,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// classify maps client errors onto the transport taxonomy. Rate limits and
// server errors are retryable; other API errors are not.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return fmt.Errorf("capability: openai rejected request: %w", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retryableStatus(reqErr.HTTPStatusCode) {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return fmt.Errorf("capability: openai request failed: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
