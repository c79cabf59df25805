package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
)

// StreamCallback is called for each chunk of streamed content.
type StreamCallback func(chunk string)

// Adapter wraps one vendor backend behind a uniform call shape.
//
// Generate never returns an error: transport, auth, rate-limit and parse
// failures are reported through the Status and ErrorDetail fields of the
// returned Response.
type Adapter interface {
	// ID is the backend identifier used for selection and reporting.
	ID() string

	// Generate sends the prompt and returns exactly one Response.
	Generate(ctx context.Context, prompt Prompt, opts Options) Response
}

// StreamAdapter is implemented by adapters that can report partial output
// while the response is being generated.
type StreamAdapter interface {
	Adapter

	// GenerateStream behaves like Generate and invokes callback for each
	// chunk of text received.
	GenerateStream(ctx context.Context, prompt Prompt, opts Options, callback StreamCallback) Response
}

// Pinger is implemented by adapters that can cheaply verify their
// credentials with a minimal request.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prompt is the user's question plus an optional backend selection.
// The zero value is not valid; use NewPrompt.
type Prompt struct {
	text     string
	backends []string
}

// NewPrompt validates text and returns an immutable Prompt.
func NewPrompt(text string, backends ...string) (Prompt, error) {
	if strings.TrimSpace(text) == "" {
		return Prompt{}, apperrors.New(apperrors.CodeInvalidPrompt, "question text is empty")
	}
	var sel []string
	for _, b := range backends {
		if b = strings.TrimSpace(b); b != "" {
			sel = append(sel, b)
		}
	}
	return Prompt{text: text, backends: sel}, nil
}

// Text returns the question text.
func (p Prompt) Text() string { return p.text }

// Backends returns a copy of the selected backend identifiers.
func (p Prompt) Backends() []string {
	if len(p.backends) == 0 {
		return nil
	}
	out := make([]string, len(p.backends))
	copy(out, p.backends)
	return out
}

// Options are the generation parameters shared by all vendors.
type Options struct {
	// MaxTokens caps output length. Zero leaves the vendor default.
	MaxTokens int
	// Temperature in [0,2]. Nil leaves the vendor default.
	Temperature *float64
	// Stop sequences truncate the output.
	Stop []string
	// System is sent as the system instruction when non-empty.
	System string
}

// Temperature returns a pointer suitable for Options.Temperature.
func Temperature(v float64) *float64 { return &v }

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.MaxTokens < 0 {
		return apperrors.Newf(apperrors.CodeConfiguration, "max_tokens must not be negative, got %d", o.MaxTokens)
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return apperrors.Newf(apperrors.CodeConfiguration, "temperature must be within [0,2], got %g", *o.Temperature)
	}
	return nil
}

// Status is the outcome of one adapter call.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// FailureKind narrows down why a call did not succeed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureAuth      FailureKind = "auth"
	FailureRateLimit FailureKind = "rate_limit"
	FailureBadInput  FailureKind = "bad_request"
	FailureServer    FailureKind = "server"
	FailureTransport FailureKind = "transport"
	FailureMalformed FailureKind = "malformed"
	FailureTimeout   FailureKind = "timeout"
	FailurePanic     FailureKind = "panic"
)

// Response is the result of one adapter call. It is never mutated after
// creation. ErrorDetail is non-empty iff Status is not StatusOK.
type Response struct {
	BackendID   string
	Provider    string
	Model       string
	Text        string
	Latency     time.Duration
	Status      Status
	Kind        FailureKind
	ErrorDetail string
}

// OK reports whether the call succeeded.
func (r Response) OK() bool { return r.Status == StatusOK }

// Succeeded builds an ok Response.
func Succeeded(backendID, text string, latency time.Duration) Response {
	return Response{BackendID: backendID, Text: text, Latency: latency, Status: StatusOK}
}

// Failed builds an error Response.
func Failed(backendID string, kind FailureKind, detail string, latency time.Duration) Response {
	if detail == "" {
		detail = string(kind)
	}
	return Response{BackendID: backendID, Latency: latency, Status: StatusError, Kind: kind, ErrorDetail: detail}
}

// TimedOut builds a timeout Response.
func TimedOut(backendID, detail string, latency time.Duration) Response {
	if detail == "" {
		detail = "deadline exceeded"
	}
	return Response{BackendID: backendID, Latency: latency, Status: StatusTimeout, Kind: FailureTimeout, ErrorDetail: detail}
}

// ResponseSet holds one Response per requested backend, in request order.
type ResponseSet []Response

// Candidate is an ok response together with its position in the set.
type Candidate struct {
	Index    int
	Response Response
}

// Successful returns the ok responses in request order.
func (s ResponseSet) Successful() []Candidate {
	var out []Candidate
	for i, r := range s {
		if r.OK() {
			out = append(out, Candidate{Index: i, Response: r})
		}
	}
	return out
}

// Failures returns the responses whose status is not ok, in request order.
func (s ResponseSet) Failures() []Response {
	var out []Response
	for _, r := range s {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// AllFailed reports whether no entry succeeded. An empty set counts as failed.
func (s ResponseSet) AllFailed() bool {
	for _, r := range s {
		if r.OK() {
			return false
		}
	}
	return true
}

// QueryFunc is the raw call an adapter performs; errors are classified by
// Finish.
type QueryFunc func(ctx context.Context, prompt Prompt, opts Options) (string, error)

// NewFunc adapts a plain function to Adapter. Useful for tests and simple
// inline backends.
func NewFunc(id string, fn QueryFunc) Adapter {
	return &funcAdapter{id: id, fn: fn}
}

type funcAdapter struct {
	id string
	fn QueryFunc
}

func (f *funcAdapter) ID() string { return f.id }

func (f *funcAdapter) Generate(ctx context.Context, prompt Prompt, opts Options) (resp Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = Failed(f.id, FailurePanic, fmt.Sprintf("panic: %v", r), time.Since(start))
		}
	}()
	text, err := f.fn(ctx, prompt, opts)
	return Finish(ctx, f.id, start, opts, text, err)
}

// terminationMarker is the end-of-answer token the coding prompts ask for.
const terminationMarker = "TERMINATE"

// Finish converts the outcome of a raw vendor call into a Response. It is the
// single place where errors stop propagating.
func Finish(ctx context.Context, backendID string, start time.Time, opts Options, text string, err error) Response {
	latency := time.Since(start)
	if err != nil {
		return classify(ctx, backendID, err, latency)
	}
	text = ApplyStop(text, opts.Stop)
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), terminationMarker))
	if text == "" {
		return Failed(backendID, FailureMalformed, "empty response", latency)
	}
	return Succeeded(backendID, text, latency)
}

// ApplyStop truncates text at the earliest stop sequence.
func ApplyStop(text string, stops []string) string {
	cut := len(text)
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}

func classify(ctx context.Context, backendID string, err error, latency time.Duration) Response {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TimedOut(backendID, "deadline exceeded", latency)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return TimedOut(backendID, "canceled before completion", latency)
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return TimedOut(backendID, err.Error(), latency)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return Failed(backendID, apiErr.Kind(), apiErr.Error(), latency)
	}
	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return Failed(backendID, FailureMalformed, malformed.Error(), latency)
	}
	return Failed(backendID, FailureTransport, err.Error(), latency)
}
