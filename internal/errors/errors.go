// Package errors defines the coded error type surfaced by the pipeline.
//
// Callers import it as apperrors and inspect failures with CodeOf or
// errors.Is against a sentinel built with New(code, "").
package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies a pipeline failure.
type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeAdapterFailure       Code = "ADAPTER_FAILURE"
	CodeNoViableResponse     Code = "NO_VIABLE_RESPONSE"
	CodeNoBackendsConfigured Code = "NO_BACKENDS_CONFIGURED"
	CodeRefereeCallFailed    Code = "REFEREE_CALL_FAILED"
	CodeConfiguration        Code = "CONFIGURATION"
	CodeInvalidPrompt        Code = "INVALID_PROMPT"
	CodeCanceled             Code = "CANCELED"
)

var defaultMessages = map[Code]string{
	CodeUnknown:              "unknown error",
	CodeAdapterFailure:       "backend call failed",
	CodeNoViableResponse:     "all backends failed",
	CodeNoBackendsConfigured: "no backends configured",
	CodeRefereeCallFailed:    "referee call failed",
	CodeConfiguration:        "invalid configuration",
	CodeInvalidPrompt:        "invalid prompt",
	CodeCanceled:             "canceled",
}

// Error is a coded error carrying optional cause and metadata.
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option configures an Error.
type Option func(*Error)

// WithMetadata attaches a key/value pair, e.g. a backend id and its failure.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an Error. An empty message falls back to the code's default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	if len(e.metadata) > 0 {
		b.WriteString(" (")
		for i, k := range e.metadataKeys() {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(e.metadata[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without cause or metadata.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) metadataKeys() []string {
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// From extracts an *Error from err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// Exit codes used by the command line tools.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitInterrupted = 130
)

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case CodeConfiguration, CodeNoBackendsConfigured, CodeInvalidPrompt:
		return ExitConfig
	case CodeCanceled:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
