// Package consensus reduces a set of backend responses to one verdict,
// either by ranking them or by asking a referee model to synthesize an
// answer.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/provider"
)

// Strategy selects how a verdict is produced.
type Strategy string

const (
	StrategyRank       Strategy = "rank"
	StrategySynthesize Strategy = "synthesize"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRank:
		return StrategyRank, nil
	case StrategySynthesize:
		return StrategySynthesize, nil
	default:
		return "", apperrors.Newf(apperrors.CodeConfiguration, "unknown strategy %q (want rank or synthesize)", s)
	}
}

// Score is the rank score of one candidate.
type Score struct {
	BackendID string  `json:"backend"`
	Index     int     `json:"index"`
	Value     float64 `json:"value"`
	Error     string  `json:"error,omitempty"`
}

// Verdict is the final answer of a pipeline run.
type Verdict struct {
	// ChosenBackendID is empty when the answer was synthesized by a referee.
	ChosenBackendID string
	FinalText       string
	Rationale       string
	Strategy        Strategy
	// RefereeID names the referee backend for synthesized verdicts.
	RefereeID string
	// Scores is set when ranking took place, in response order.
	Scores []Score
	// FellBack reports that the referee failed and the verdict came from
	// ranking instead.
	FellBack bool
}

// Selected reports whether the verdict is one backend's own answer.
func (v Verdict) Selected() bool { return v.ChosenBackendID != "" }

// Selector reduces a ResponseSet to a Verdict.
type Selector struct {
	strategy    Strategy
	scorer      Scorer
	referee     provider.Adapter
	refereeOpts provider.Options
	fallback    bool
	log         *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithScorer sets the scoring function used by the rank strategy and by the
// synthesize fallback.
func WithScorer(s Scorer) SelectorOption {
	return func(sel *Selector) { sel.scorer = s }
}

// WithReferee sets the adapter used by the synthesize strategy. When
// opts.System is empty, RefereeSystemPrompt is used.
func WithReferee(a provider.Adapter, opts provider.Options) SelectorOption {
	return func(sel *Selector) {
		if opts.System == "" {
			opts.System = RefereeSystemPrompt
		}
		sel.referee = a
		sel.refereeOpts = opts
	}
}

// WithFallback makes a failed referee call fall back to ranking.
func WithFallback(enabled bool) SelectorOption {
	return func(sel *Selector) { sel.fallback = enabled }
}

// WithSelectorLogger sets the logger.
func WithSelectorLogger(l *slog.Logger) SelectorOption {
	return func(sel *Selector) { sel.log = l }
}

// NewSelector validates the strategy configuration.
func NewSelector(strategy Strategy, opts ...SelectorOption) (*Selector, error) {
	s := &Selector{strategy: strategy, scorer: LengthScorer}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("referee")
	}
	switch strategy {
	case StrategyRank:
	case StrategySynthesize:
		if s.referee == nil {
			return nil, apperrors.New(apperrors.CodeConfiguration, "synthesize strategy requires a referee backend")
		}
	default:
		return nil, apperrors.Newf(apperrors.CodeConfiguration, "unknown strategy %q", strategy)
	}
	if s.scorer == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "rank strategy requires a scorer")
	}
	return s, nil
}

// Strategy returns the configured strategy.
func (s *Selector) Strategy() Strategy { return s.strategy }

// Select produces a verdict from set.
//
// With no successful response it fails with CodeNoViableResponse. With
// exactly one it returns that response without scoring or calling the
// referee.
func (s *Selector) Select(ctx context.Context, prompt provider.Prompt, set provider.ResponseSet) (Verdict, error) {
	candidates := set.Successful()
	switch len(candidates) {
	case 0:
		return Verdict{}, NoViableResponse(set)
	case 1:
		only := candidates[0].Response
		return Verdict{
			ChosenBackendID: only.BackendID,
			FinalText:       only.Text,
			Rationale:       fmt.Sprintf("%s was the only backend that answered", only.BackendID),
			Strategy:        s.strategy,
		}, nil
	}

	if s.strategy == StrategyRank {
		return s.rank(ctx, prompt, candidates)
	}
	return s.synthesize(ctx, prompt, candidates)
}

func (s *Selector) rank(ctx context.Context, prompt provider.Prompt, candidates []provider.Candidate) (Verdict, error) {
	scores := make([]Score, len(candidates))

	// Scorers may call a model, so score concurrently; each goroutine owns
	// one slot.
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() error {
			sc := Score{BackendID: c.Response.BackendID, Index: c.Index}
			v, err := s.scorer.Score(gctx, prompt.Text(), c.Response)
			if err != nil {
				sc.Error = err.Error()
				s.log.Warn("scoring failed", "backend", sc.BackendID, "scorer", s.scorer.Name(), "error", err)
			} else {
				sc.Value = v
			}
			scores[i] = sc
			return nil
		})
	}
	_ = g.Wait()

	best := bestScore(scores)
	chosen := candidates[best].Response
	return Verdict{
		ChosenBackendID: chosen.BackendID,
		FinalText:       chosen.Text,
		Rationale: fmt.Sprintf("highest %s score (%.2f) among %d responses",
			s.scorer.Name(), scores[best].Value, len(candidates)),
		Strategy: StrategyRank,
		Scores:   scores,
	}, nil
}

// bestScore returns the index of the highest scoring entry. Entries whose
// scorer failed lose to any successfully scored entry; ties go to the
// earliest position.
func bestScore(scores []Score) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		cur, top := scores[i], scores[best]
		if top.Error != "" && cur.Error == "" {
			best = i
			continue
		}
		if cur.Error != "" {
			continue
		}
		if cur.Value > top.Value {
			best = i
		}
	}
	return best
}

func (s *Selector) synthesize(ctx context.Context, prompt provider.Prompt, candidates []provider.Candidate) (Verdict, error) {
	responses := make([]provider.Response, len(candidates))
	for i, c := range candidates {
		responses[i] = c.Response
	}

	meta, err := BuildMetaPrompt(prompt.Text(), responses)
	if err != nil {
		return Verdict{}, apperrors.Wrap(apperrors.CodeRefereeCallFailed, err, "building referee prompt")
	}
	metaPrompt, err := provider.NewPrompt(meta)
	if err != nil {
		return Verdict{}, apperrors.Wrap(apperrors.CodeRefereeCallFailed, err, "building referee prompt")
	}

	out := s.referee.Generate(ctx, metaPrompt, s.refereeOpts)
	if out.OK() {
		return Verdict{
			FinalText: out.Text,
			Rationale: fmt.Sprintf("synthesized by %s from %d responses", s.referee.ID(), len(candidates)),
			Strategy:  StrategySynthesize,
			RefereeID: s.referee.ID(),
		}, nil
	}

	refErr := apperrors.New(apperrors.CodeRefereeCallFailed,
		fmt.Sprintf("referee %s failed", s.referee.ID()),
		apperrors.WithMetadata(s.referee.ID(), fmt.Sprintf("%s: %s", out.Status, out.ErrorDetail)),
	)
	if !s.fallback {
		return Verdict{}, refErr
	}

	s.log.Warn("referee failed, falling back to ranking", "referee", s.referee.ID(), "status", out.Status, "detail", out.ErrorDetail)
	v, err := s.rank(ctx, prompt, candidates)
	if err != nil {
		return Verdict{}, err
	}
	v.FellBack = true
	v.Rationale = fmt.Sprintf("referee %s failed (%s); %s", s.referee.ID(), out.ErrorDetail, v.Rationale)
	return v, nil
}

// NoViableResponse builds the error returned when no backend succeeded. The
// metadata maps each backend to its failure.
func NoViableResponse(set provider.ResponseSet) error {
	if len(set) == 0 {
		return apperrors.New(apperrors.CodeNoViableResponse, "no backend responses to choose from")
	}
	opts := make([]apperrors.Option, 0, len(set))
	for _, r := range set.Failures() {
		opts = append(opts, apperrors.WithMetadata(r.BackendID, fmt.Sprintf("%s: %s", r.Status, r.ErrorDetail)))
	}
	return apperrors.New(apperrors.CodeNoViableResponse, fmt.Sprintf("all %d backends failed", len(set)), opts...)
}
