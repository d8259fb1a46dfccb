// Package llm is a minimal client for OpenAI-compatible chat completions
// APIs. It covers exactly what the transcript analyzer needs: a single
// non-streaming completion with an optional JSON response format.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
	JSONOutput  bool
}

// Response carries the first choice's text and token usage.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Provider is the interface the analyzer depends on. The concrete
// implementation is *Client; tests supply fakes.
type Provider interface {
	Complete(ctx context.Context, request Request) (*Response, error)
}

// ProviderError is returned when the LLM API responds with an error.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports whether the error is a rate limit response.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// Client talks to an OpenAI-compatible /v1/chat/completions endpoint.
// Compatible with any server that implements the chat completions wire
// format (OpenAI, Azure OpenAI, OpenRouter, vLLM, Ollama, llama.cpp).
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a client for the given base URL (without the
// /v1/chat/completions suffix) and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Compile-time check that Client implements Provider.
var _ Provider = (*Client)(nil)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Temperature    *float64            `json:"temperature,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the request and blocks until the full response is
// available.
func (c *Client) Complete(ctx context.Context, request Request) (*Response, error) {
	wire := wireRequest{
		Model:       request.Model,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
	}
	if request.System != "" {
		wire.Messages = append(wire.Messages, wireMessage{Role: "system", Content: request.System})
	}
	wire.Messages = append(wire.Messages, wireMessage{Role: "user", Content: request.User})
	if request.JSONOutput {
		wire.ResponseFormat = &wireResponseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, providerError(resp.StatusCode, raw)
	}

	var decoded wireResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("llm: response contained no choices")
	}

	return &Response{
		Content: decoded.Choices[0].Message.Content,
		Model:   decoded.Model,
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}, nil
}

// providerError extracts the provider's error detail from an error body.
func providerError(status int, raw []byte) *ProviderError {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	perr := &ProviderError{StatusCode: status}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		perr.Type = envelope.Error.Type
		perr.Message = envelope.Error.Message
		return perr
	}
	detail := string(raw)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	perr.Message = detail
	return perr
}
