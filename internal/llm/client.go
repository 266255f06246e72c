// Package llm is the boundary to the text-completion inference backend.
// The engine treats it as a black box: a rendered prompt goes in, a text
// completion comes out. Timeouts and malformed output are recoverable
// errors for the caller, never process-fatal.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Config struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Client struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client

	anthropicSDK anthropic.Client
}

func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("api_key is required")
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	switch provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return nil, errors.New("unsupported provider: " + cfg.Provider)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		Provider:  provider,
		BaseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		APIKey:    apiKey,
		Model:     model,
		MaxTokens: cfg.MaxTokens,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if req.Model == "" {
		req.Model = c.Model
	}
	if req.MaxTokens <= 0 && c.MaxTokens > 0 {
		req.MaxTokens = c.MaxTokens
	}
	switch c.Provider {
	case ProviderAnthropic:
		return c.chatAnthropic(ctx, req)
	default:
		return c.chatOpenAI(ctx, req)
	}
}

// Complete submits a single-turn prompt and returns the completion text.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	msgs := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	resp, err := c.Chat(ctx, ChatRequest{Messages: msgs, Temperature: 0.2})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
