package config

import (
	"net/http"
	"strings"

	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/provider"
)

// NewAdapter builds the vendor adapter for backend id. client may be nil.
func (c *Config) NewAdapter(id string, client *http.Client) (provider.Adapter, error) {
	b, ok := c.Backends[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeConfiguration, "unknown backend %q", id)
	}
	cfg := provider.Config{ID: id, Model: b.Model, APIKey: c.credential(id)}

	var (
		a   provider.Adapter
		err error
	)
	switch b.Vendor {
	case VendorOpenAI, VendorOpenRouter:
		var opts []provider.OpenAIOption
		if b.BaseURL != "" {
			opts = append(opts, provider.WithOpenAIBaseURL(b.BaseURL))
		}
		if client != nil {
			opts = append(opts, provider.WithOpenAIHTTPClient(client))
		}
		if b.Vendor == VendorOpenRouter {
			a, err = provider.NewOpenRouter(cfg, c.Web.AppName, "", opts...)
		} else {
			a, err = provider.NewOpenAI(cfg, opts...)
		}
	case VendorAnthropic:
		var opts []provider.AnthropicOption
		if b.BaseURL != "" {
			opts = append(opts, provider.WithAnthropicBaseURL(b.BaseURL))
		}
		if client != nil {
			opts = append(opts, provider.WithAnthropicHTTPClient(client))
		}
		a, err = provider.NewAnthropic(cfg, opts...)
	case VendorGoogle:
		var opts []provider.GoogleOption
		if b.BaseURL != "" {
			opts = append(opts, provider.WithGoogleBaseURL(b.BaseURL))
		}
		if client != nil {
			opts = append(opts, provider.WithGoogleHTTPClient(client))
		}
		a, err = provider.NewGoogle(cfg, opts...)
	default:
		return nil, apperrors.Newf(apperrors.CodeConfiguration, "backend %q: unsupported vendor %q", id, b.Vendor)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "backend "+id)
	}
	return a, nil
}

// Registry builds adapters for ids plus the referee and scoring backend
// when they are needed.
func (c *Config) Registry(ids []string, client *http.Client) (*provider.Registry, error) {
	need := append([]string(nil), ids...)
	if strings.EqualFold(c.Strategy, string(consensus.StrategySynthesize)) {
		need = append(need, c.Referee)
	}
	if strings.EqualFold(c.Scorer, "model") {
		need = append(need, c.ScoringBackend)
	}

	reg := provider.NewRegistry()
	seen := make(map[string]bool, len(need))
	for _, id := range need {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, err := c.NewAdapter(id, client)
		if err != nil {
			return nil, err
		}
		reg.Register(a)
	}
	return reg, nil
}
