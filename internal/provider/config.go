package provider

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// Config carries everything a vendor adapter needs. Credentials are passed
// in explicitly; adapters never read the environment.
type Config struct {
	// ID identifies the backend, e.g. "openai" or "gemini-flash".
	ID string
	// Model is the vendor model name.
	Model string
	// APIKey authenticates against the vendor.
	APIKey string
}

func (c Config) validate(vendor string) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New(vendor + ": backend id required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New(vendor + ": model required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New(vendor + ": api key required")
	}
	return nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}
