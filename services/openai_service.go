package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chathub/config"
	"chathub/models"

	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"
)

// EmptyResponseFallback replaces a completion that carries no content.
const EmptyResponseFallback = "Sorry, the model did not return a valid response."

// Chunk is one increment of a provider stream. Either field may be empty;
// a chunk with both empty is a keep-alive.
type Chunk struct {
	Content   string
	Reasoning string
}

func (c Chunk) Empty() bool {
	return c.Content == "" && c.Reasoning == ""
}

// ChunkStream is a finite, non-restartable provider stream. Next returns
// io.EOF once the stream is exhausted and a *StreamInterruptedError if it
// breaks.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}

// Provider is the upstream model provider boundary.
type Provider interface {
	// Complete performs a single-message call. Failures are *UpstreamError.
	Complete(ctx context.Context, model, message string, cred *models.Credential) (string, error)
	// Stream opens a streamed call. Failure to open is *StreamUnavailableError.
	Stream(ctx context.Context, model, message string, cred *models.Credential) (ChunkStream, error)
}

// ProviderClient talks to an OpenAI-compatible chat completions endpoint.
type ProviderClient struct {
	rest        *resty.Client
	streamHTTP  *http.Client
	baseURL     string
	maxTokens   int
	temperature float32
	logger      *slog.Logger
}

var _ Provider = (*ProviderClient)(nil)

func NewProviderClient(cfg config.ProviderConfig, logger *slog.Logger) *ProviderClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderClient{
		rest: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		// Streams may legitimately outlive the timeout; only the wait for
		// response headers is bounded.
		streamHTTP: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger.With("component", "provider"),
	}
}

func (p *ProviderClient) endpoint(cred *models.Credential) string {
	if cred != nil && cred.BaseURL != "" {
		return strings.TrimRight(cred.BaseURL, "/")
	}
	return p.baseURL
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []map[string]string `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float32             `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *ProviderClient) Complete(ctx context.Context, model, message string, cred *models.Credential) (string, error) {
	body := completionRequest{
		Model:       model,
		Messages:    []map[string]string{{"role": models.RoleUser, "content": message}},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}

	resp, err := p.rest.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+cred.APIKey).
		SetBody(body).
		Post(p.endpoint(cred) + "/chat/completions")
	if err != nil {
		p.logger.Warn("completion call failed", "provider", cred.Provider, "model", model, "error", err)
		return "", &UpstreamError{Cause: err}
	}
	if resp.IsError() {
		p.logger.Warn("completion call rejected", "provider", cred.Provider, "model", model, "status", resp.StatusCode())
		return "", &UpstreamError{StatusCode: resp.StatusCode(), Cause: errors.New(truncate(resp.String(), 200))}
	}

	var result completionResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == nil {
		return EmptyResponseFallback, nil
	}
	return *result.Choices[0].Message.Content, nil
}

func (p *ProviderClient) Stream(ctx context.Context, model, message string, cred *models.Credential) (ChunkStream, error) {
	cfg := openai.DefaultConfig(cred.APIKey)
	cfg.BaseURL = p.endpoint(cred)
	cfg.HTTPClient = p.streamHTTP
	client := openai.NewClientWithConfig(cfg)

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      true,
	})
	if err != nil {
		p.logger.Warn("stream open failed", "provider", cred.Provider, "model", model, "error", err)
		return nil, &StreamUnavailableError{Cause: err}
	}
	return &openaiChunkStream{stream: stream}, nil
}

type openaiChunkStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiChunkStream) Next() (Chunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, &StreamInterruptedError{Cause: err}
	}
	if len(resp.Choices) == 0 {
		return Chunk{}, nil
	}
	delta := resp.Choices[0].Delta
	return Chunk{Content: delta.Content, Reasoning: delta.ReasoningContent}, nil
}

func (s *openaiChunkStream) Close() error {
	return s.stream.Close()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
