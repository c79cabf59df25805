// Package app wires configuration into runnable pipelines. The CLI and the
// web server both go through Service.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/johnayoung/mergemind/internal/config"
	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/pipeline"
	"github.com/johnayoung/mergemind/internal/provider"
	"github.com/johnayoung/mergemind/internal/runner"
)

// Request is one question plus per-request overrides.
type Request struct {
	Question string
	// Backends is a selection such as "openai,google:gemini-2.5-pro". Empty
	// means the configured default selection.
	Backends string
	// Strategy overrides the configured strategy when set.
	Strategy string
	// CheckKeys pings every involved backend before dispatching.
	CheckKeys bool
	// Callbacks receive dispatch progress.
	Callbacks *runner.Callbacks
}

// BackendInfo describes a configured backend without its credential.
type BackendInfo struct {
	ID         string `json:"id"`
	Vendor     string `json:"vendor"`
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
	Default    bool   `json:"default"`
}

// Service runs questions against a base configuration. It is safe for
// concurrent use; every request works on its own copy of the config.
type Service struct {
	cfg    *config.Config
	client *http.Client
	log    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the client used by every vendor adapter.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// New creates a service. cfg must already have its credentials loaded.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{cfg: cfg, log: logger.Named("app")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// selection resolves the backend ids a request would use and applies any
// inline model overrides to cfg.
func selection(cfg *config.Config, spec string) ([]string, error) {
	if strings.TrimSpace(spec) == "" {
		return cfg.DefaultSelection(), nil
	}
	return cfg.ParseSelection(spec)
}

// Ask runs the full pipeline for req. Configuration problems are reported
// before any network call.
func (s *Service) Ask(ctx context.Context, req Request) (*pipeline.Result, error) {
	cfg := s.cfg.Clone()
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}

	ids, err := selection(cfg, req.Backends)
	if err != nil {
		return nil, err
	}
	prompt, err := provider.NewPrompt(req.Question, ids...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(ids); err != nil {
		return nil, err
	}

	p, err := s.build(cfg, ids, req)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, prompt)
}

func (s *Service) build(cfg *config.Config, ids []string, req Request) (*pipeline.Pipeline, error) {
	reg, err := cfg.Registry(ids, s.client)
	if err != nil {
		return nil, err
	}
	strategy, err := consensus.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	var judge provider.Adapter
	if strings.EqualFold(cfg.Scorer, "model") {
		if judge, err = reg.Get(cfg.ScoringBackend); err != nil {
			return nil, err
		}
	}
	scoreOpts := cfg.RefereeOptions()
	scoreOpts.System = ""
	scoreOpts.MaxTokens = 8
	scorer, err := consensus.ScorerByName(cfg.Scorer, judge, scoreOpts)
	if err != nil {
		return nil, err
	}

	selOpts := []consensus.SelectorOption{
		consensus.WithScorer(scorer),
		consensus.WithFallback(cfg.Fallback),
	}
	var extra []string
	if strategy == consensus.StrategySynthesize {
		referee, err := reg.Get(cfg.Referee)
		if err != nil {
			return nil, err
		}
		selOpts = append(selOpts, consensus.WithReferee(referee, cfg.RefereeOptions()))
		extra = append(extra, cfg.Referee)
	}
	if judge != nil {
		extra = append(extra, judge.ID())
	}
	sel, err := consensus.NewSelector(strategy, selOpts...)
	if err != nil {
		return nil, err
	}

	run := runner.New(cfg.Timeout, runner.WithMaxParallel(cfg.MaxParallel)).WithCallbacks(req.Callbacks)
	return pipeline.New(reg, run, sel,
		pipeline.WithOptions(cfg.Options()),
		pipeline.WithGlobalTimeout(cfg.GlobalTimeout),
		pipeline.WithKeyCheck(req.CheckKeys, extra...),
	), nil
}

// CheckKeys pings the selected backends (default selection when spec is
// empty). Backends without a credential are reported invalid without a
// network call.
func (s *Service) CheckKeys(ctx context.Context, spec string) ([]pipeline.KeyCheck, error) {
	cfg := s.cfg.Clone()
	ids, err := selection(cfg, spec)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeNoBackendsConfigured, "no backends with credentials")
	}

	out := make([]pipeline.KeyCheck, len(ids))
	var (
		adapters []provider.Adapter
		slots    []int
	)
	for i, id := range ids {
		if !cfg.HasCredential(id) {
			out[i] = pipeline.KeyCheck{BackendID: id, Status: pipeline.KeyInvalid, Detail: "missing credential " + cfg.Backends[id].APIKeyEnv}
			continue
		}
		a, err := cfg.NewAdapter(id, s.client)
		if err != nil {
			out[i] = pipeline.KeyCheck{BackendID: id, Status: pipeline.KeyInvalid, Detail: err.Error()}
			continue
		}
		adapters = append(adapters, a)
		slots = append(slots, i)
	}
	for j, kc := range pipeline.CheckKeys(ctx, adapters) {
		out[slots[j]] = kc
	}
	for _, kc := range out {
		s.log.Info("key check", "backend", kc.BackendID, "status", kc.Status)
	}
	return out, nil
}

// Backends lists the configured backends.
func (s *Service) Backends() []BackendInfo {
	defaults := make(map[string]bool)
	for _, id := range s.cfg.DefaultSelection() {
		defaults[id] = true
	}
	out := make([]BackendInfo, 0, len(s.cfg.Backends))
	for id, b := range s.cfg.Backends {
		out = append(out, BackendInfo{
			ID:         id,
			Vendor:     b.Vendor,
			Model:      b.Model,
			Configured: s.cfg.HasCredential(id),
			Default:    defaults[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Selection returns the backend ids a request with the given --backends
// value would query, without applying model overrides to the service.
func (s *Service) Selection(spec string) ([]string, error) {
	return selection(s.cfg.Clone(), spec)
}
