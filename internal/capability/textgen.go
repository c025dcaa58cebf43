package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextRequest is a role-tagged prompt with length and creativity controls.
type TextRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type TextGenerator interface {
	Generate(ctx context.Context, req TextRequest) (string, error)
}

type ChatConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	TimeoutSeconds int
	Temperature    float64
	MaxTokens      int
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	cfg        ChatConfig
	httpClient *http.Client
}

type Option func(*http.Client) *http.Client

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(current *http.Client) *http.Client {
		if client != nil {
			return client
		}
		return current
	}
}

func NewChatClient(cfg ChatConfig, opts ...Option) *ChatClient {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	httpClient := &http.Client{Timeout: timeout}
	for _, opt := range opts {
		httpClient = opt(httpClient)
	}
	return &ChatClient{cfg: cfg, httpClient: httpClient}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate returns the first non-empty completion. A response with no
// choices or only blank content is ErrEmptyContent.
func (c *ChatClient) Generate(ctx context.Context, req TextRequest) (string, error) {
	if c == nil || c.cfg.APIKey == "" || c.cfg.BaseURL == "" || c.cfg.Model == "" {
		return "", fmt.Errorf("text generation: %w", ErrNotConfigured)
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("text generation: messages required")
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	payload, err := json.Marshal(chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("text generation: encode body: %w", err)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "chat", "completions")
	if err != nil {
		return "", fmt.Errorf("text generation: build url: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("text generation: new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("text generation: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("text generation: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", &StatusError{Capability: "text generation", StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("text generation: malformed response: %w", err)
	}
	if completion.Error != nil && strings.TrimSpace(completion.Error.Message) != "" {
		return "", fmt.Errorf("text generation: %s", completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("text generation: no choices: %w", ErrEmptyContent)
	}
	for _, choice := range completion.Choices {
		if content := firstNonEmpty(choice.Message.Content, choice.Text); content != "" {
			return content, nil
		}
	}
	choice := completion.Choices[0]
	return "", fmt.Errorf("text generation (finish_reason=%q, refusal=%q): %w",
		choice.FinishReason, truncate(choice.Message.Refusal, 200), ErrEmptyContent)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
