// Package catalog lists the models offered by vendors that expose a model
// listing endpoint and stores the result as YAML.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
)

const (
	SourceOpenAI     = "openai"
	SourceOpenRouter = "openrouter"

	openAIModelsURL     = "https://api.openai.com/v1/models"
	openRouterModelsURL = "https://openrouter.ai/api/v1/models"
)

// Model is one catalog entry.
type Model struct {
	Source        string `yaml:"source"`
	ID            string `yaml:"id"`
	Name          string `yaml:"name,omitempty"`
	ContextLength int    `yaml:"context_length,omitempty"`
	PromptPrice   string `yaml:"prompt_price,omitempty"`
	OutputPrice   string `yaml:"completion_price,omitempty"`
}

// Catalog is the on-disk document.
type Catalog struct {
	GeneratedAt time.Time `yaml:"generated_at"`
	Models      []Model   `yaml:"models"`
}

// Sources reports which sources have at least one entry.
func (c *Catalog) Sources() map[string]bool {
	out := make(map[string]bool)
	for _, m := range c.Models {
		out[m.Source] = true
	}
	return out
}

// Allows reports whether model is acceptable for vendor. Vendors the
// catalog has no entries for are not restricted.
func (c *Catalog) Allows(vendor, model string) bool {
	if c == nil || !c.Sources()[vendor] {
		return true
	}
	for _, m := range c.Models {
		if m.Source == vendor && m.ID == model {
			return true
		}
	}
	return false
}

// Sort orders models by source, then id.
func (c *Catalog) Sort() {
	sort.Slice(c.Models, func(i, j int) bool {
		if c.Models[i].Source == c.Models[j].Source {
			return c.Models[i].ID < c.Models[j].ID
		}
		return c.Models[i].Source < c.Models[j].Source
	})
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "reading model catalog")
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "parsing model catalog")
	}
	return &c, nil
}

// Write encodes c as YAML to w.
func (c *Catalog) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Fetcher downloads model listings.
type Fetcher struct {
	Client        *http.Client
	OpenAIURL     string
	OpenRouterURL string
}

// NewFetcher returns a Fetcher for the public vendor endpoints.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		Client:        &http.Client{Timeout: timeout},
		OpenAIURL:     openAIModelsURL,
		OpenRouterURL: openRouterModelsURL,
	}
}

type openAIListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type openRouterListResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// OpenAI lists OpenAI models. apiKey is required.
func (f *Fetcher) OpenAI(ctx context.Context, apiKey string) ([]Model, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "openai: api key required")
	}
	var parsed openAIListResponse
	if err := f.get(ctx, f.OpenAIURL, apiKey, &parsed); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	out := make([]Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, Model{Source: SourceOpenAI, ID: m.ID})
	}
	return out, nil
}

// OpenRouter lists OpenRouter models. apiKey is optional.
func (f *Fetcher) OpenRouter(ctx context.Context, apiKey string) ([]Model, error) {
	var parsed openRouterListResponse
	if err := f.get(ctx, f.OpenRouterURL, apiKey, &parsed); err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	out := make([]Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, Model{
			Source:        SourceOpenRouter,
			ID:            m.ID,
			Name:          m.Name,
			ContextLength: m.ContextLength,
			PromptPrice:   m.Pricing.Prompt,
			OutputPrice:   m.Pricing.Completion,
		})
	}
	return out, nil
}

func (f *Fetcher) get(ctx context.Context, url, apiKey string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 600))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
