package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response body ends up in
// ErrorDetail.
const maxErrorBody = 2048

// APIError is a non-2xx answer from a vendor endpoint.
type APIError struct {
	Vendor     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Vendor, e.StatusCode, e.Body)
}

// Kind maps the HTTP status to a FailureKind.
func (e *APIError) Kind() FailureKind {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return FailureAuth
	case e.StatusCode == http.StatusTooManyRequests:
		return FailureRateLimit
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		return FailureTimeout
	case e.StatusCode >= 500:
		return FailureServer
	default:
		return FailureBadInput
	}
}

// MalformedError reports a 2xx response the adapter could not interpret.
type MalformedError struct {
	Vendor string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Vendor, e.Reason)
}

// errIncompleteStream reports a stream that closed before its terminal
// event, so the text collected so far may be truncated.
const errIncompleteStream = "stream ended before completion"

// streamError converts an error event delivered inside a 2xx event stream.
// Vendors tag these with an error type instead of an HTTP status, so the
// type is mapped onto the status the same failure gets outside a stream.
func streamError(vendor, errType, message string, status int) *APIError {
	if status == 0 {
		status = streamErrorStatus(errType)
	}
	body := strings.TrimSpace(message)
	if errType != "" {
		body = strings.TrimSpace(errType + ": " + body)
	}
	return &APIError{Vendor: vendor, StatusCode: status, Body: body}
}

func streamErrorStatus(errType string) int {
	switch errType {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return http.StatusTooManyRequests
	case "authentication_error", "invalid_api_key":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "invalid_request_error", "not_found_error", "request_too_large":
		return http.StatusBadRequest
	case "overloaded_error":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// pingResult reduces a one-token call to what it says about the key. Any 2xx
// answer proves the key, even when the body carries no usable text.
func pingResult(err error) error {
	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return nil
	}
	return err
}

// postJSON sends payload and returns the open response on 2xx. Any other
// status is drained into an *APIError.
func postJSON(ctx context.Context, client *http.Client, vendor, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{Vendor: vendor, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

// decodeJSON reads a whole response body into v.
func decodeJSON(resp *http.Response, vendor string, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &MalformedError{Vendor: vendor, Reason: err.Error()}
	}
	return nil
}

// scanEvents walks a server-sent event stream and calls fn with the payload
// of each data line. Returning false from fn stops the scan.
func scanEvents(r io.Reader, fn func(data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if !fn(data) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
