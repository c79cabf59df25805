package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// OpenAI Models
// Full list: https://platform.openai.com/docs/models
//
// Frontier (GPT-5):
//   - gpt-5.2              : Best model for coding and agentic tasks
//   - gpt-5.1              : Previous flagship
//   - gpt-5                : Previous intelligent reasoning model
//   - gpt-5-mini           : Faster, cost-efficient for well-defined tasks
//
// Previous:
//   - gpt-4o               : Fast, intelligent, flexible GPT model
//   - gpt-4o-mini          : Fast, affordable for focused tasks
//   - gpt-3.5-turbo        : Legacy chat model

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAI implements Adapter for the Chat Completions API. The same type
// serves OpenAI-compatible gateways such as OpenRouter.
type OpenAI struct {
	cfg        Config
	vendor     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAI adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL sets a custom base URL (useful for proxies or compatible APIs).
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = strings.TrimRight(url, "/") }
}

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) { o.httpClient = c }
}

// WithOpenAIHeader adds a header to every request.
func WithOpenAIHeader(key, value string) OpenAIOption {
	return func(o *OpenAI) {
		if value != "" {
			o.headers[key] = value
		}
	}
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(cfg Config, opts ...OpenAIOption) (*OpenAI, error) {
	return newOpenAICompatible("openai", openAIBaseURL, cfg, opts...)
}

// NewOpenRouter creates an adapter for OpenRouter's OpenAI-compatible API.
// appTitle and referer are optional attribution headers.
func NewOpenRouter(cfg Config, appTitle, referer string, opts ...OpenAIOption) (*OpenAI, error) {
	opts = append([]OpenAIOption{
		WithOpenAIHeader("X-Title", appTitle),
		WithOpenAIHeader("HTTP-Referer", referer),
	}, opts...)
	return newOpenAICompatible("openrouter", openRouterBaseURL, cfg, opts...)
}

func newOpenAICompatible(vendor, baseURL string, cfg Config, opts ...OpenAIOption) (*OpenAI, error) {
	if err := cfg.validate(vendor); err != nil {
		return nil, err
	}
	o := &OpenAI{
		cfg:        cfg,
		vendor:     vendor,
		baseURL:    baseURL,
		headers:    map[string]string{},
		httpClient: defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.headers["Authorization"] = "Bearer " + cfg.APIKey
	return o, nil
}

// ID returns the backend identifier.
func (o *OpenAI) ID() string { return o.cfg.ID }

// Generate sends the prompt to the chat completions endpoint.
func (o *OpenAI) Generate(ctx context.Context, prompt Prompt, opts Options) Response {
	return o.GenerateStream(ctx, prompt, opts, nil)
}

// GenerateStream streams the completion when callback is non-nil.
func (o *OpenAI) GenerateStream(ctx context.Context, prompt Prompt, opts Options, callback StreamCallback) Response {
	start := time.Now()
	var (
		text string
		err  error
	)
	if callback == nil {
		text, err = o.complete(ctx, prompt.Text(), opts)
	} else {
		text, err = o.stream(ctx, prompt.Text(), opts, callback)
	}
	resp := Finish(ctx, o.cfg.ID, start, opts, text, err)
	resp.Provider = o.vendor
	resp.Model = o.cfg.Model
	return resp
}

// Ping verifies the API key with a one-token completion.
func (o *OpenAI) Ping(ctx context.Context) error {
	_, err := o.complete(ctx, "ping", Options{MaxTokens: 1})
	return pingResult(err)
}

func (o *OpenAI) complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := postJSON(ctx, o.httpClient, o.vendor, o.baseURL+"/chat/completions", o.headers, o.payload(prompt, opts, false))
	if err != nil {
		return "", err
	}

	var decoded openAIResponse
	if err := decodeJSON(resp, o.vendor, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Choices) == 0 {
		return "", &MalformedError{Vendor: o.vendor, Reason: "no choices in response"}
	}
	return decoded.Choices[0].Message.Content, nil
}

func (o *OpenAI) stream(ctx context.Context, prompt string, opts Options, callback StreamCallback) (string, error) {
	resp, err := postJSON(ctx, o.httpClient, o.vendor, o.baseURL+"/chat/completions", o.headers, o.payload(prompt, opts, true))
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
		if data == "[DONE]" {
			done = true
			return false
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			streamErr = &MalformedError{Vendor: o.vendor, Reason: "undecodable stream chunk: " + err.Error()}
			return false
		}
		if chunk.Error != nil {
			streamErr = streamError(o.vendor, chunk.Error.Type, chunk.Error.Message, chunk.Error.status())
			return false
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			callback(chunk.Choices[0].Delta.Content)
		}
		return true
	})
	switch {
	case err != nil:
		return "", err
	case streamErr != nil:
		return "", streamErr
	case !done:
		return "", &MalformedError{Vendor: o.vendor, Reason: errIncompleteStream}
	}
	return full.String(), nil
}

func (o *OpenAI) payload(prompt string, opts Options, stream bool) openAIRequest {
	var messages []openAIMessage
	if opts.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: prompt})
	req := openAIRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
		Stream:      stream,
	}
	if o.vendor == "openai" && reasoningModel(o.cfg.Model) {
		req.MaxCompletionTokens = opts.MaxTokens
	} else {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

// reasoningModel reports OpenAI models that reject max_tokens in favor of
// max_completion_tokens.
func reasoningModel(model string) bool {
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	Stop                []string        `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openAIError `json:"error,omitempty"`
}

// openAIError is the error object OpenAI and OpenRouter send in place of a
// chunk. OpenRouter puts an HTTP status in Code; OpenAI uses a string code.
type openAIError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code,omitempty"`
}

func (e *openAIError) status() int {
	var code int
	if err := json.Unmarshal(e.Code, &code); err != nil || code < 400 || code > 599 {
		return 0
	}
	return code
}
