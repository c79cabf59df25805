package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/provider"
)

// Callbacks receive progress events while a dispatch is running. They are
// invoked from the per-backend goroutines and must be safe for concurrent use.
type Callbacks struct {
	OnStart    func(backend string)
	OnStream   func(backend, chunk string)
	OnComplete func(resp provider.Response)
}

// Runner fans one prompt out to several adapters concurrently.
type Runner struct {
	timeout     time.Duration
	maxParallel int
	callbacks   *Callbacks
	log         *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxParallel bounds how many adapter calls run at once. Zero means no
// limit.
func WithMaxParallel(n int) Option {
	return func(r *Runner) { r.maxParallel = n }
}

// WithLogger sets the logger used for per-call diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a runner with the given per-call timeout. A non-positive
// timeout leaves calls bounded only by the caller's context.
func New(timeout time.Duration, opts ...Option) *Runner {
	r := &Runner{timeout: timeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Named("runner")
	}
	return r
}

// WithCallbacks sets progress callbacks and returns the runner.
func (r *Runner) WithCallbacks(cb *Callbacks) *Runner {
	r.callbacks = cb
	return r
}

// Dispatch calls every adapter with the same prompt and returns one Response
// per adapter, in adapter order.
//
// A failing or slow adapter never affects the others. When ctx is done before
// every call has finished, Dispatch returns immediately; results already
// produced are kept and unfinished entries are recorded as timeouts.
func (r *Runner) Dispatch(ctx context.Context, prompt provider.Prompt, opts provider.Options, adapters []provider.Adapter) provider.ResponseSet {
	slots := make([]chan provider.Response, len(adapters))
	for i := range slots {
		slots[i] = make(chan provider.Response, 1)
	}

	// Launching happens off the collecting goroutine so a parallelism limit
	// cannot hold the collector past ctx's deadline.
	go func() {
		var g errgroup.Group
		if r.maxParallel > 0 {
			g.SetLimit(r.maxParallel)
		}
		for i, a := range adapters {
			g.Go(func() error {
				slots[i] <- r.call(ctx, a, prompt, opts)
				return nil
			})
		}
		_ = g.Wait()
	}()

	start := time.Now()
	set := make(provider.ResponseSet, len(adapters))
	for i, a := range adapters {
		select {
		case resp := <-slots[i]:
			set[i] = resp
		case <-ctx.Done():
			select {
			case resp := <-slots[i]:
				set[i] = resp
			default:
				set[i] = provider.TimedOut(a.ID(), "pipeline deadline reached before completion", time.Since(start))
			}
		}
	}
	return set
}

// call runs one adapter under the per-call deadline. The deadline is enforced
// here as well, so an adapter that ignores ctx still yields a timeout.
func (r *Runner) call(ctx context.Context, a provider.Adapter, prompt provider.Prompt, opts provider.Options) provider.Response {
	id := a.ID()
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return provider.TimedOut(id, "not started: "+err.Error(), 0)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	r.started(id)

	done := make(chan provider.Response, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- provider.Failed(id, provider.FailurePanic, fmt.Sprintf("panic: %v", p), time.Since(start))
			}
		}()
		done <- r.generate(callCtx, a, prompt, opts)
	}()

	var resp provider.Response
	select {
	case resp = <-done:
	case <-callCtx.Done():
		select {
		case resp = <-done:
		default:
			detail := fmt.Sprintf("no response within %s", r.timeout)
			if ctx.Err() != nil {
				detail = "canceled before completion"
			}
			resp = provider.TimedOut(id, detail, time.Since(start))
		}
	}
	resp = normalize(id, resp)

	attrs := []any{"backend", id, "status", resp.Status, "latency", resp.Latency.Round(time.Millisecond)}
	if resp.OK() {
		r.log.Debug("backend responded", attrs...)
	} else {
		r.log.Warn("backend failed", append(attrs, "kind", resp.Kind, "detail", resp.ErrorDetail)...)
	}
	r.completed(resp)
	return resp
}

func (r *Runner) generate(ctx context.Context, a provider.Adapter, prompt provider.Prompt, opts provider.Options) provider.Response {
	if r.callbacks != nil && r.callbacks.OnStream != nil {
		if s, ok := a.(provider.StreamAdapter); ok {
			id := a.ID()
			return s.GenerateStream(ctx, prompt, opts, func(chunk string) {
				r.callbacks.OnStream(id, chunk)
			})
		}
	}
	return a.Generate(ctx, prompt, opts)
}

// normalize enforces the Response invariants on whatever an adapter returned.
func normalize(id string, resp provider.Response) provider.Response {
	if resp.BackendID == "" {
		resp.BackendID = id
	}
	switch resp.Status {
	case provider.StatusOK:
		resp.Kind = provider.FailureNone
		resp.ErrorDetail = ""
	case provider.StatusError, provider.StatusTimeout:
		if resp.ErrorDetail == "" {
			resp.ErrorDetail = string(resp.Status)
		}
	default:
		resp.Status = provider.StatusError
		resp.Kind = provider.FailureMalformed
		resp.ErrorDetail = "adapter returned no status"
	}
	return resp
}

func (r *Runner) started(id string) {
	if r.callbacks != nil && r.callbacks.OnStart != nil {
		r.callbacks.OnStart(id)
	}
}

func (r *Runner) completed(resp provider.Response) {
	if r.callbacks != nil && r.callbacks.OnComplete != nil {
		r.callbacks.OnComplete(resp)
	}
}
