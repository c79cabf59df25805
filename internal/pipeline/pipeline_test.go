package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/provider"
	"github.com/johnayoung/mergemind/internal/runner"
)

func answer(id, text string) provider.Adapter {
	return provider.NewFunc(id, func(ctx context.Context, p provider.Prompt, o provider.Options) (string, error) {
		return text, nil
	})
}

func failing(id string, err error) provider.Adapter {
	return provider.NewFunc(id, func(ctx context.Context, p provider.Prompt, o provider.Options) (string, error) {
		return "", err
	})
}

func slow(id string, d time.Duration) provider.Adapter {
	return provider.NewFunc(id, func(ctx context.Context, p provider.Prompt, o provider.Options) (string, error) {
		select {
		case <-time.After(d):
			return "late " + id, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
}

// pingable wraps an adapter with a fixed Ping result.
type pingable struct {
	provider.Adapter
	err error
}

func (p pingable) Ping(context.Context) error { return p.err }

func prompt(t *testing.T, text string, backends ...string) provider.Prompt {
	t.Helper()
	p, err := provider.NewPrompt(text, backends...)
	require.NoError(t, err)
	return p
}

func TestRun_EndToEndSynthesize(t *testing.T) {
	var refereeCalls int32
	var metaPrompt string
	referee := provider.NewFunc("referee", func(ctx context.Context, p provider.Prompt, o provider.Options) (string, error) {
		atomic.AddInt32(&refereeCalls, 1)
		metaPrompt = p.Text()
		return "merged: A+B", nil
	})

	reg := provider.NewRegistry(answer("A", "A: s[::-1]"), answer("B", "B: ''.join(reversed(s))"), referee)
	sel, err := consensus.NewSelector(consensus.StrategySynthesize, consensus.WithReferee(referee, provider.Options{}))
	require.NoError(t, err)

	p := New(reg, runner.New(time.Second), sel)
	res, err := p.Run(context.Background(), prompt(t, "reverse a string", "A", "B"))
	require.NoError(t, err)

	assert.Equal(t, "merged: A+B", res.Verdict.FinalText)
	assert.Empty(t, res.Verdict.ChosenBackendID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&refereeCalls))
	assert.Contains(t, metaPrompt, "reverse a string")
	assert.Contains(t, metaPrompt, "A: s[::-1]")
	assert.Len(t, res.Responses, 2)
	assert.Empty(t, res.Failures())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "reverse a string", res.Question)
}

func TestRun_ReportsFailuresAlongsideVerdict(t *testing.T) {
	reg := provider.NewRegistry(
		failing("openai", &provider.APIError{Vendor: "openai", StatusCode: 401, Body: "bad key"}),
		answer("google", "only survivor"),
	)
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	res, err := New(reg, runner.New(time.Second), sel).Run(context.Background(), prompt(t, "q", "openai", "google"))
	require.NoError(t, err)

	assert.Equal(t, "only survivor", res.Verdict.FinalText)
	require.Len(t, res.Failures(), 1)
	assert.Equal(t, "openai", res.Failures()[0].BackendID)
	assert.Equal(t, provider.FailureAuth, res.Failures()[0].Kind)
}

func TestRun_Errors(t *testing.T) {
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	t.Run("no backends selected", func(t *testing.T) {
		p := New(provider.NewRegistry(answer("a", "x")), runner.New(time.Second), sel)
		_, err := p.Run(context.Background(), prompt(t, "q"))
		assert.Equal(t, apperrors.CodeNoBackendsConfigured, apperrors.CodeOf(err))
	})

	t.Run("unknown backend", func(t *testing.T) {
		p := New(provider.NewRegistry(answer("a", "x")), runner.New(time.Second), sel)
		_, err := p.Run(context.Background(), prompt(t, "q", "a", "zzz"))
		assert.Equal(t, apperrors.CodeConfiguration, apperrors.CodeOf(err))
	})

	t.Run("all backends failed", func(t *testing.T) {
		reg := provider.NewRegistry(
			failing("a", errors.New("connection refused")),
			failing("b", &provider.APIError{Vendor: "b", StatusCode: 500, Body: "boom"}),
		)
		res, err := New(reg, runner.New(time.Second), sel).Run(context.Background(), prompt(t, "q", "a", "b"))
		assert.Equal(t, apperrors.CodeNoViableResponse, apperrors.CodeOf(err))
		require.NotNil(t, res)
		assert.Len(t, res.Failures(), 2)
	})

	t.Run("referee failed", func(t *testing.T) {
		referee := failing("ref", errors.New("referee down"))
		synth, err := consensus.NewSelector(consensus.StrategySynthesize, consensus.WithReferee(referee, provider.Options{}))
		require.NoError(t, err)
		reg := provider.NewRegistry(answer("a", "x"), answer("b", "y"))

		_, err = New(reg, runner.New(time.Second), synth).Run(context.Background(), prompt(t, "q", "a", "b"))
		assert.Equal(t, apperrors.CodeRefereeCallFailed, apperrors.CodeOf(err))
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := New(provider.NewRegistry(answer("a", "x")), runner.New(time.Second), sel)
		_, err := p.Run(ctx, prompt(t, "q", "a"))
		assert.Equal(t, apperrors.CodeCanceled, apperrors.CodeOf(err))
	})
}

func TestRun_GlobalTimeoutKeepsFinishedResults(t *testing.T) {
	reg := provider.NewRegistry(answer("fast", "quick answer"), slow("slow", 5*time.Second))
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	p := New(reg, runner.New(10*time.Second), sel, WithGlobalTimeout(100*time.Millisecond))

	start := time.Now()
	res, err := p.Run(context.Background(), prompt(t, "q", "fast", "slow"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "quick answer", res.Verdict.FinalText)
	assert.Equal(t, provider.StatusTimeout, res.Responses[1].Status)
}

func TestRun_PassesOptions(t *testing.T) {
	var got provider.Options
	a := provider.NewFunc("a", func(ctx context.Context, p provider.Prompt, o provider.Options) (string, error) {
		got = o
		return "x", nil
	})
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	opts := provider.Options{MaxTokens: 64, System: "be brief"}
	_, err = New(provider.NewRegistry(a), runner.New(time.Second), sel, WithOptions(opts)).
		Run(context.Background(), prompt(t, "q", "a"))
	require.NoError(t, err)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Equal(t, "be brief", got.System)
}

func TestRun_KeyCheck(t *testing.T) {
	var calls int32
	counted := provider.NewFunc("good", func(ctx context.Context, p provider.Prompt, o provider.Options) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	})
	reg := provider.NewRegistry(
		pingable{Adapter: counted},
		pingable{Adapter: answer("bad", "y"), err: errors.New("401 invalid api key")},
		pingable{Adapter: answer("ref", "z")},
	)
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	_, err = New(reg, runner.New(time.Second), sel, WithKeyCheck(true, "ref")).
		Run(context.Background(), prompt(t, "q", "good", "bad"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConfiguration, apperrors.CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "bad"), err.Error())
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "no dispatch after a failed key check")
}

func TestRun_KeyCheckRefereeAlsoSelected(t *testing.T) {
	reg := provider.NewRegistry(pingable{Adapter: answer("a", "short")}, pingable{Adapter: answer("ref", "longer")})
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	res, err := New(reg, runner.New(time.Second), sel, WithKeyCheck(true, "ref")).
		Run(context.Background(), prompt(t, "q", "a", "ref"))
	require.NoError(t, err)
	assert.Len(t, res.Responses, 2)
}

func TestRun_DuplicateBackend(t *testing.T) {
	reg := provider.NewRegistry(answer("a", "x"))
	sel, err := consensus.NewSelector(consensus.StrategyRank)
	require.NoError(t, err)

	_, err = New(reg, runner.New(time.Second), sel).Run(context.Background(), prompt(t, "q", "a", "a"))
	assert.Equal(t, apperrors.CodeConfiguration, apperrors.CodeOf(err))
}

func TestCheckKeys(t *testing.T) {
	got := CheckKeys(context.Background(), []provider.Adapter{
		pingable{Adapter: answer("a", "")},
		answer("b", ""),
		pingable{Adapter: answer("c", ""), err: errors.New("nope")},
	})
	assert.Equal(t, []KeyCheck{
		{BackendID: "a", Status: KeyValid},
		{BackendID: "b", Status: KeyUnsupported},
		{BackendID: "c", Status: KeyInvalid, Detail: "nope"},
	}, got)
}
