package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type SpeechRequest struct {
	Text   string
	Voice  string
	Format string
}

// Audio is synthesized speech. DurationSeconds is zero when the service
// does not report it.
type Audio struct {
	Data            []byte
	ContentType     string
	DurationSeconds float64
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (Audio, error)
}

type SpeechConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	TimeoutSeconds int
	Format         string
}

// SpeechClient calls an OpenAI-compatible /audio/speech endpoint, which
// answers with raw audio bytes.
type SpeechClient struct {
	cfg        SpeechConfig
	httpClient *http.Client
}

func NewSpeechClient(cfg SpeechConfig, opts ...Option) *SpeechClient {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Format == "" {
		cfg.Format = "mp3"
	}
	httpClient := &http.Client{Timeout: timeout}
	for _, opt := range opts {
		httpClient = opt(httpClient)
	}
	return &SpeechClient{cfg: cfg, httpClient: httpClient}
}

type speechPayload struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func (c *SpeechClient) Synthesize(ctx context.Context, req SpeechRequest) (Audio, error) {
	if c == nil || c.cfg.APIKey == "" || c.cfg.BaseURL == "" {
		return Audio{}, fmt.Errorf("speech synthesis: %w", ErrNotConfigured)
	}
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("speech synthesis: text required")
	}
	if strings.TrimSpace(req.Voice) == "" {
		return Audio{}, fmt.Errorf("speech synthesis: voice required")
	}
	format := req.Format
	if format == "" {
		format = c.cfg.Format
	}
	payload, err := json.Marshal(speechPayload{
		Model:          c.cfg.Model,
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: format,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis: encode body: %w", err)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "audio", "speech")
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis: build url: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis: new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Audio{}, &StatusError{Capability: "speech synthesis", StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("speech synthesis: %w", ErrEmptyContent)
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		return Audio{}, fmt.Errorf("speech synthesis: malformed response: expected audio, got %s", truncate(string(data), 200))
	}
	if contentType == "" {
		contentType = "audio/" + format
	}
	audio := Audio{Data: data, ContentType: contentType}
	if raw := resp.Header.Get("X-Audio-Duration"); raw != "" {
		if d, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && d > 0 {
			audio.DurationSeconds = d
		}
	}
	return audio, nil
}

// EstimateDuration approximates spoken length from word count.
func EstimateDuration(text string, wordsPerMinute int) float64 {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(words) * 60 / float64(wordsPerMinute)
}
