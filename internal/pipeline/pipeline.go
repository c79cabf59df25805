// Package pipeline runs one question through the whole referee flow: resolve
// the selected backends, fan the prompt out, then reduce the responses to a
// single verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/provider"
	"github.com/johnayoung/mergemind/internal/runner"
)

// Result is the outcome of one Run.
type Result struct {
	RunID     string
	Question  string
	Verdict   consensus.Verdict
	Responses provider.ResponseSet
	Elapsed   time.Duration
}

// Failures lists the responses that did not succeed, in request order.
func (r *Result) Failures() []provider.Response {
	return r.Responses.Failures()
}

// Pipeline composes dispatch and selection.
type Pipeline struct {
	registry      *provider.Registry
	runner        *runner.Runner
	selector      *consensus.Selector
	opts          provider.Options
	globalTimeout time.Duration
	checkKeys     bool
	extraKeys     []string
	log           *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOptions sets the generation options sent to every candidate backend.
func WithOptions(opts provider.Options) Option {
	return func(p *Pipeline) { p.opts = opts }
}

// WithGlobalTimeout bounds the fan-out as a whole. When it expires, backends
// that have not answered are recorded as timeouts and selection proceeds
// with what arrived.
func WithGlobalTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.globalTimeout = d }
}

// WithKeyCheck pings every selected backend, plus the extra ids (referee,
// scoring backend), before dispatching.
func WithKeyCheck(enabled bool, extra ...string) Option {
	return func(p *Pipeline) {
		p.checkKeys = enabled
		p.extraKeys = extra
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a pipeline.
func New(reg *provider.Registry, r *runner.Runner, sel *consensus.Selector, opts ...Option) *Pipeline {
	p := &Pipeline{registry: reg, runner: r, selector: sel}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Named("pipeline")
	}
	return p
}

// Run answers prompt with the backends it names.
//
// Errors carry one of: CodeNoBackendsConfigured or CodeConfiguration (before
// any network call), CodeNoViableResponse (every backend failed),
// CodeRefereeCallFailed, or CodeCanceled. Except for configuration errors,
// the returned Result holds the responses collected so far.
func (p *Pipeline) Run(ctx context.Context, prompt provider.Prompt) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), Question: prompt.Text()}
	start := time.Now()
	log := p.log.With("run_id", res.RunID)

	adapters, err := p.registry.Resolve(prompt.Backends())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}

	if p.checkKeys {
		if err := p.verifyKeys(ctx, prompt.Backends()); err != nil {
			return nil, err
		}
	}

	log.Info("dispatching", "backends", prompt.Backends(), "strategy", p.selector.Strategy())

	dispatchCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.globalTimeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, p.globalTimeout)
	}
	res.Responses = p.runner.Dispatch(dispatchCtx, prompt, p.opts, adapters)
	cancel()

	if err := ctx.Err(); err != nil {
		res.Elapsed = time.Since(start)
		return res, canceled(err)
	}

	verdict, err := p.selector.Select(ctx, prompt, res.Responses)
	res.Elapsed = time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, canceled(ctxErr)
		}
		log.Warn("no verdict", "code", apperrors.CodeOf(err), "error", err)
		return res, err
	}
	res.Verdict = verdict

	log.Info("verdict ready",
		"strategy", verdict.Strategy,
		"chosen", verdict.ChosenBackendID,
		"failures", len(res.Failures()),
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

// withExtra appends the extra ids that are not already selected.
func withExtra(ids, extra []string) []string {
	out := append([]string(nil), ids...)
	for _, id := range extra {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (p *Pipeline) verifyKeys(ctx context.Context, ids []string) error {
	adapters, err := p.registry.Resolve(withExtra(ids, p.extraKeys))
	if err != nil {
		return err
	}
	var opts []apperrors.Option
	for _, st := range CheckKeys(ctx, adapters) {
		if st.Status == KeyInvalid {
			opts = append(opts, apperrors.WithMetadata(st.BackendID, st.Detail))
		}
	}
	if len(opts) > 0 {
		return apperrors.New(apperrors.CodeConfiguration, fmt.Sprintf("%d backend key(s) failed validation", len(opts)), opts...)
	}
	return nil
}

func canceled(err error) error {
	msg := "run canceled"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "run deadline exceeded"
	}
	return apperrors.Wrap(apperrors.CodeCanceled, err, msg)
}

// KeyStatus values.
const (
	KeyValid       = "valid"
	KeyInvalid     = "invalid"
	KeyUnsupported = "unsupported"
)

// KeyCheck is the result of pinging one backend.
type KeyCheck struct {
	BackendID string `json:"backend"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// CheckKeys pings every adapter that implements provider.Pinger, concurrently.
// Results are in adapter order.
func CheckKeys(ctx context.Context, adapters []provider.Adapter) []KeyCheck {
	out := make([]KeyCheck, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			kc := KeyCheck{BackendID: a.ID()}
			pinger, ok := a.(provider.Pinger)
			switch {
			case !ok:
				kc.Status = KeyUnsupported
			default:
				if err := pinger.Ping(ctx); err != nil {
					kc.Status = KeyInvalid
					kc.Detail = err.Error()
				} else {
					kc.Status = KeyValid
				}
			}
			out[i] = kc
			return nil
		})
	}
	_ = g.Wait()
	return out
}
