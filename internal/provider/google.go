package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Google Gemini Models
// Full list: https://ai.google.dev/gemini-api/docs/models
//
//   - gemini-3-flash-preview     : Balanced, built for speed and scale
//   - gemini-2.5-pro             : Advanced thinking model, complex reasoning
//   - gemini-2.5-flash           : Best price-performance
//   - gemini-1.5-flash           : Legacy fast model
//   - gemini-1.5-pro             : Legacy large-context model

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Google implements Adapter for the Gemini generateContent API.
type Google struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// GoogleOption configures a Google adapter.
type GoogleOption func(*Google)

// WithGoogleBaseURL sets a custom base URL.
func WithGoogleBaseURL(url string) GoogleOption {
	return func(g *Google) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithGoogleHTTPClient sets a custom HTTP client.
func WithGoogleHTTPClient(c *http.Client) GoogleOption {
	return func(g *Google) { g.httpClient = c }
}

// NewGoogle creates a Gemini adapter.
func NewGoogle(cfg Config, opts ...GoogleOption) (*Google, error) {
	if err := cfg.validate("google"); err != nil {
		return nil, err
	}
	g := &Google{
		cfg:        cfg,
		baseURL:    googleBaseURL,
		httpClient: defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ID returns the backend identifier.
func (g *Google) ID() string { return g.cfg.ID }

// Generate sends the prompt to a Gemini model.
func (g *Google) Generate(ctx context.Context, prompt Prompt, opts Options) Response {
	start := time.Now()
	text, err := g.complete(ctx, prompt.Text(), opts)
	resp := Finish(ctx, g.cfg.ID, start, opts, text, err)
	resp.Provider = "google"
	resp.Model = g.cfg.Model
	return resp
}

// Ping verifies the API key with a one-token generation.
func (g *Google) Ping(ctx context.Context) error {
	_, err := g.complete(ctx, "ping", Options{MaxTokens: 1})
	return pingResult(err)
}

func (g *Google) complete(ctx context.Context, prompt string, opts Options) (string, error) {
	payload := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
	}
	if opts.System != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: opts.System}}}
	}
	if opts.MaxTokens > 0 || opts.Temperature != nil || len(opts.Stop) > 0 {
		payload.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
			StopSequences:   opts.Stop,
		}
	}

	// The key goes in a header so it never shows up in URL-bearing errors.
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.cfg.Model)
	resp, err := postJSON(ctx, g.httpClient, "google", url, map[string]string{"x-goog-api-key": g.cfg.APIKey}, payload)
	if err != nil {
		return "", err
	}

	var decoded geminiResponse
	if err := decodeJSON(resp, "google", &decoded); err != nil {
		return "", err
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		reason := "no content in response"
		if decoded.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + decoded.PromptFeedback.BlockReason
		}
		return "", &MalformedError{Vendor: "google", Reason: reason}
	}

	var b strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}
