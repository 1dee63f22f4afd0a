// Package llm provides the completion API client.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/giknew/giknew/internal/config"
	"github.com/giknew/giknew/internal/domain"
)

// Completion models per mode.
const (
	modelFast     = "LongCat-Flash-Chat"
	modelThinking = "LongCat-Flash-Thinking"
)

const (
	// transportTimeout bounds one completion call, independent of the
	// caller's pipeline budget.
	transportTimeout = 28 * time.Second
	defaultMaxTokens = 800
	maxTokensCeiling = 1000
)

// Message is one role/content entry of the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion invocation.
type Request struct {
	Mode      string
	Messages  []Message
	MaxTokens int
}

// Completer abstracts the completion API for the orchestrator.
type Completer interface {
	// Complete runs a single batch request and returns the full text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream runs a streaming request, invoking onDelta for every
	// incremental fragment, and returns the accumulated full text.
	Stream(ctx context.Context, req Request, onDelta func(delta, full string)) (string, error)
}

// Client calls an OpenAI-shaped /v1/chat/completions endpoint.
type Client struct {
	api *openai.Client
}

// NewClient builds a Client for the configured endpoint.
func NewClient(cfg config.CompletionConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"
	apiCfg.HTTPClient = &http.Client{Timeout: transportTimeout}
	return &Client{api: openai.NewClientWithConfig(apiCfg)}
}

// ModelForMode maps a user mode to the provider model name.
func ModelForMode(mode string) string {
	if mode == domain.ModeThinking {
		return modelThinking
	}
	return modelFast
}

func buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > maxTokensCeiling {
		maxTokens = maxTokensCeiling
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:     ModelForMode(req.Mode),
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

// Complete runs a single batch completion.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, buildRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream runs a streaming completion, accumulating the full text across
// deltas. The stream terminates on the provider's DONE sentinel.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(delta, full string)) (string, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, buildRequest(req, true))
	if err != nil {
		return "", fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), fmt.Errorf("read completion stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta, full.String())
		}
	}
}

// IsTimeout reports whether a completion failure looks like a timeout
// rather than a provider error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
