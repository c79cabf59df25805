package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Anthropic Claude Models
// Full list: https://platform.claude.com/docs/en/about-claude/models/overview
//
// Claude 4.5:
//   - claude-sonnet-4-5  : Smart model for complex agents and coding
//   - claude-haiku-4-5   : Fastest with near-frontier intelligence
//   - claude-opus-4-5    : Maximum intelligence, premium performance

const (
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic implements Adapter for Anthropic's Messages API.
type Anthropic struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// AnthropicOption configures an Anthropic adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL sets a custom base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = strings.TrimRight(url, "/") }
}

// WithAnthropicHTTPClient sets a custom HTTP client.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) { a.httpClient = c }
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(cfg Config, opts ...AnthropicOption) (*Anthropic, error) {
	if err := cfg.validate("anthropic"); err != nil {
		return nil, err
	}
	a := &Anthropic{
		cfg:        cfg,
		baseURL:    anthropicBaseURL,
		httpClient: defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ID returns the backend identifier.
func (a *Anthropic) ID() string { return a.cfg.ID }

// Generate sends the prompt to a Claude model.
func (a *Anthropic) Generate(ctx context.Context, prompt Prompt, opts Options) Response {
	return a.GenerateStream(ctx, prompt, opts, nil)
}

// GenerateStream streams the message when callback is non-nil.
func (a *Anthropic) GenerateStream(ctx context.Context, prompt Prompt, opts Options, callback StreamCallback) Response {
	start := time.Now()
	var (
		text string
		err  error
	)
	if callback == nil {
		text, err = a.complete(ctx, prompt.Text(), opts)
	} else {
		text, err = a.stream(ctx, prompt.Text(), opts, callback)
	}
	resp := Finish(ctx, a.cfg.ID, start, opts, text, err)
	resp.Provider = "anthropic"
	resp.Model = a.cfg.Model
	return resp
}

// Ping verifies the API key with a one-token message.
func (a *Anthropic) Ping(ctx context.Context) error {
	_, err := a.complete(ctx, "ping", Options{MaxTokens: 1})
	return pingResult(err)
}

func (a *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (a *Anthropic) complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := postJSON(ctx, a.httpClient, "anthropic", a.baseURL+"/messages", a.headers(), a.payload(prompt, opts, false))
	if err != nil {
		return "", err
	}

	var decoded anthropicResponse
	if err := decodeJSON(resp, "anthropic", &decoded); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", &MalformedError{Vendor: "anthropic", Reason: "no content in response"}
	}
	return b.String(), nil
}

func (a *Anthropic) stream(ctx context.Context, prompt string, opts Options, callback StreamCallback) (string, error) {
	resp, err := postJSON(ctx, a.httpClient, "anthropic", a.baseURL+"/messages", a.headers(), a.payload(prompt, opts, true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var (
		full      strings.Builder
		done      bool
		streamErr error
	)
	err = scanEvents(resp.Body, func(data string) bool {
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			streamErr = &MalformedError{Vendor: "anthropic", Reason: "undecodable stream event: " + err.Error()}
			return false
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" {
				full.WriteString(event.Delta.Text)
				callback(event.Delta.Text)
			}
		case "error":
			streamErr = streamError("anthropic", event.Error.Type, event.Error.Message, 0)
			return false
		case "message_stop":
			done = true
			return false
		}
		return true
	})
	switch {
	case err != nil:
		return "", err
	case streamErr != nil:
		return "", streamErr
	case !done:
		return "", &MalformedError{Vendor: "anthropic", Reason: errIncompleteStream}
	}
	return full.String(), nil
}

func (a *Anthropic) payload(prompt string, opts Options, stream bool) anthropicRequest {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicMaxTokens
	}
	return anthropicRequest{
		Model:         a.cfg.Model,
		MaxTokens:     maxTokens,
		System:        opts.System,
		Temperature:   opts.Temperature,
		StopSequences: opts.Stop,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
		Stream: stream,
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
