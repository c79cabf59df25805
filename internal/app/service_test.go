package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/mergemind/internal/config"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/pipeline"
)

// fakeVendor serves an OpenAI-compatible chat endpoint whose reply depends
// on the requested model. Requests with the key "bad" get a 401.
type fakeVendor struct {
	srv   *httptest.Server
	calls int32
}

func newFakeVendor(t *testing.T, replies map[string]string) *fakeVendor {
	t.Helper()
	f := &fakeVendor{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.calls, 1)
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		reply, ok := replies[req.Model]
		if !ok {
			http.Error(w, "unknown model", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": reply}}},
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func testConfig(baseURL string, keys map[string]string) *config.Config {
	cfg := config.Defaults()
	for id, model := range map[string]string{"a": "model-a", "b": "model-b", "ref": "referee"} {
		cfg.Backends[id] = config.BackendConfig{
			Vendor:    config.VendorOpenAI,
			Model:     model,
			BaseURL:   baseURL,
			APIKeyEnv: "KEY_" + id,
		}
	}
	cfg.Selection = []string{"a", "b"}
	cfg.Referee = "ref"
	cfg.LoadCredentials(func(k string) (string, bool) {
		v, ok := keys[k]
		return v, ok
	})
	return cfg
}

var allKeys = map[string]string{"KEY_a": "ka", "KEY_b": "kb", "KEY_ref": "kr"}

func TestAsk_Synthesize(t *testing.T) {
	vendor := newFakeVendor(t, map[string]string{
		"model-a": "A: s[::-1]",
		"model-b": "B: ''.join(reversed(s)) TERMINATE",
		"referee": "merged: A+B",
	})
	svc := New(testConfig(vendor.srv.URL, allKeys))

	res, err := svc.Ask(context.Background(), Request{Question: "reverse a string"})
	require.NoError(t, err)

	assert.Equal(t, "merged: A+B", res.Verdict.FinalText)
	assert.Empty(t, res.Verdict.ChosenBackendID)
	require.Len(t, res.Responses, 2)
	assert.Equal(t, "B: ''.join(reversed(s))", res.Responses[1].Text)
	assert.Equal(t, "model-a", res.Responses[0].Model)
	assert.EqualValues(t, 3, atomic.LoadInt32(&vendor.calls))
}

func TestAsk_RankOverrideAndInlineModel(t *testing.T) {
	vendor := newFakeVendor(t, map[string]string{
		"model-a":   "short",
		"model-b":   "b",
		"model-b-2": "a considerably longer answer",
	})
	base := testConfig(vendor.srv.URL, allKeys)
	svc := New(base)

	res, err := svc.Ask(context.Background(), Request{
		Question: "q",
		Backends: "a,b:model-b-2",
		Strategy: "rank",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Verdict.ChosenBackendID)
	assert.Equal(t, "a considerably longer answer", res.Verdict.FinalText)
	assert.EqualValues(t, 2, atomic.LoadInt32(&vendor.calls), "rank makes no referee call")
	assert.Equal(t, "model-b", base.Backends["b"].Model, "overrides do not leak into the base config")
}

func TestAsk_ConfigurationErrorsBeforeNetwork(t *testing.T) {
	vendor := newFakeVendor(t, nil)

	tests := []struct {
		name string
		keys map[string]string
		req  Request
		want apperrors.Code
	}{
		{name: "empty question", keys: allKeys, req: Request{Question: "  "}, want: apperrors.CodeInvalidPrompt},
		{name: "no credentials", keys: nil, req: Request{Question: "q"}, want: apperrors.CodeNoBackendsConfigured},
		{name: "explicit backend without key", keys: map[string]string{"KEY_a": "ka", "KEY_ref": "kr"}, req: Request{Question: "q", Backends: "a,b"}, want: apperrors.CodeConfiguration},
		{name: "unknown backend", keys: allKeys, req: Request{Question: "q", Backends: "zzz"}, want: apperrors.CodeConfiguration},
		{name: "bad strategy", keys: allKeys, req: Request{Question: "q", Strategy: "vote"}, want: apperrors.CodeConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(testConfig(vendor.srv.URL, tt.keys)).Ask(context.Background(), tt.req)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
	assert.Zero(t, atomic.LoadInt32(&vendor.calls))
}

func TestAsk_AllBackendsFail(t *testing.T) {
	vendor := newFakeVendor(t, map[string]string{})
	res, err := New(testConfig(vendor.srv.URL, allKeys)).Ask(context.Background(), Request{Question: "q"})

	assert.Equal(t, apperrors.CodeNoViableResponse, apperrors.CodeOf(err))
	require.NotNil(t, res)
	assert.Len(t, res.Failures(), 2)
}

func TestAsk_KeyCheckStopsBadKeys(t *testing.T) {
	vendor := newFakeVendor(t, map[string]string{"model-a": "x", "model-b": "y", "referee": "z"})
	keys := map[string]string{"KEY_a": "ka", "KEY_b": "bad", "KEY_ref": "kr"}

	_, err := New(testConfig(vendor.srv.URL, keys)).Ask(context.Background(), Request{Question: "q", CheckKeys: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConfiguration, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "b:")
}

func TestCheckKeys(t *testing.T) {
	vendor := newFakeVendor(t, map[string]string{"model-a": "pong"})
	keys := map[string]string{"KEY_a": "ka", "KEY_b": "bad"}
	svc := New(testConfig(vendor.srv.URL, keys))

	got, err := svc.CheckKeys(context.Background(), "a,b,ref")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, pipeline.KeyCheck{BackendID: "a", Status: pipeline.KeyValid}, got[0])
	assert.Equal(t, pipeline.KeyInvalid, got[1].Status)
	assert.Contains(t, got[1].Detail, "401")
	assert.Equal(t, pipeline.KeyInvalid, got[2].Status)
	assert.Equal(t, "missing credential KEY_ref", got[2].Detail)

	_, err = New(testConfig(vendor.srv.URL, nil)).CheckKeys(context.Background(), "")
	assert.Equal(t, apperrors.CodeNoBackendsConfigured, apperrors.CodeOf(err))
}

func TestBackends(t *testing.T) {
	svc := New(testConfig("http://unused", map[string]string{"KEY_a": "ka"}))

	var a, openai BackendInfo
	for _, b := range svc.Backends() {
		switch b.ID {
		case "a":
			a = b
		case "openai":
			openai = b
		}
	}
	assert.Equal(t, BackendInfo{ID: "a", Vendor: "openai", Model: "model-a", Configured: true, Default: true}, a)
	assert.False(t, openai.Configured)
	assert.False(t, openai.Default)
}

func TestSelection(t *testing.T) {
	svc := New(testConfig("http://unused", map[string]string{"KEY_b": "kb"}))

	ids, err := svc.Selection("")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	ids, err = svc.Selection("a:other,b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, "model-a", svc.Backends()[0].Model)
}
