package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/mergemind/internal/app"
	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/pipeline"
	"github.com/johnayoung/mergemind/internal/provider"
)

type fakeService struct {
	lastReq  app.Request
	lastSpec string
	res      *pipeline.Result
	err      error
	keys     []pipeline.KeyCheck
}

func (f *fakeService) Ask(ctx context.Context, req app.Request) (*pipeline.Result, error) {
	f.lastReq = req
	return f.res, f.err
}

func (f *fakeService) CheckKeys(ctx context.Context, spec string) ([]pipeline.KeyCheck, error) {
	f.lastSpec = spec
	return f.keys, f.err
}

func (f *fakeService) Backends() []app.BackendInfo {
	return []app.BackendInfo{{ID: "openai", Vendor: "openai", Model: "gpt-4o-mini", Configured: true, Default: true}}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func do(t *testing.T, svc Service, method, path, body string) (int, map[string]any) {
	t.Helper()
	a := New(svc, Config{AppName: "test", Logger: quietLogger()})

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	return resp.StatusCode, out
}

func TestHealthAndBackends(t *testing.T) {
	svc := &fakeService{}

	status, body := do(t, svc, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = do(t, svc, http.MethodGet, "/api/v1/backends", "")
	assert.Equal(t, http.StatusOK, status)
	backends := body["backends"].([]any)
	require.Len(t, backends, 1)
	assert.Equal(t, "openai", backends[0].(map[string]any)["id"])
}

func TestAsk(t *testing.T) {
	svc := &fakeService{res: &pipeline.Result{
		RunID:    "run-1",
		Question: "reverse a string",
		Verdict:  consensus.Verdict{FinalText: "merged: A+B", Strategy: consensus.StrategySynthesize, RefereeID: "openai"},
		Responses: provider.ResponseSet{
			provider.Succeeded("A", "a", time.Second),
			provider.Succeeded("B", "b", time.Second),
			provider.Failed("C", provider.FailureAuth, "bad key", 0),
		},
	}}

	status, body := do(t, svc, http.MethodPost, "/api/v1/ask",
		`{"question":"reverse a string","backends":["A","B:model-x","C"],"strategy":"synthesize"}`)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "reverse a string", svc.lastReq.Question)
	assert.Equal(t, "A,B:model-x,C", svc.lastReq.Backends)
	assert.Equal(t, "synthesize", svc.lastReq.Strategy)

	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, "merged: A+B", verdict["final_text"])
	assert.Nil(t, verdict["chosen_backend_id"])
	failures := body["failures"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, "C", failures[0].(map[string]any)["backend"])
}

func TestAsk_ErrorMapping(t *testing.T) {
	partial := &pipeline.Result{RunID: "r", Responses: provider.ResponseSet{provider.TimedOut("A", "deadline exceeded", time.Second)}}

	tests := []struct {
		name   string
		res    *pipeline.Result
		err    error
		status int
		code   string
	}{
		{name: "invalid prompt", err: apperrors.New(apperrors.CodeInvalidPrompt, ""), status: http.StatusBadRequest, code: "INVALID_PROMPT"},
		{name: "configuration", err: apperrors.New(apperrors.CodeConfiguration, "missing credential"), status: http.StatusBadRequest, code: "CONFIGURATION"},
		{name: "no viable response", res: partial, err: apperrors.New(apperrors.CodeNoViableResponse, ""), status: http.StatusBadGateway, code: "NO_VIABLE_RESPONSE"},
		{name: "referee failed", res: partial, err: apperrors.New(apperrors.CodeRefereeCallFailed, ""), status: http.StatusBadGateway, code: "REFEREE_CALL_FAILED"},
		{name: "canceled", res: partial, err: apperrors.New(apperrors.CodeCanceled, ""), status: http.StatusGatewayTimeout, code: "CANCELED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, &fakeService{res: tt.res, err: tt.err}, http.MethodPost, "/api/v1/ask", `{"question":"q"}`)
			assert.Equal(t, tt.status, status)
			if tt.res == nil {
				assert.Equal(t, tt.code, body["code"])
				return
			}
			errBody := body["error"].(map[string]any)
			assert.Equal(t, tt.code, errBody["code"])
			assert.Nil(t, body["verdict"])
			assert.Len(t, body["responses"], 1)
		})
	}
}

func TestAsk_BadJSON(t *testing.T) {
	status, body := do(t, &fakeService{}, http.MethodPost, "/api/v1/ask", `{"question":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid JSON body", body["message"])
}

func TestCheckKeys(t *testing.T) {
	svc := &fakeService{keys: []pipeline.KeyCheck{
		{BackendID: "openai", Status: pipeline.KeyValid},
		{BackendID: "google", Status: pipeline.KeyInvalid, Detail: "missing credential GOOGLE_API_KEY"},
	}}

	status, body := do(t, svc, http.MethodPost, "/api/v1/keys/check", `{"backends":["openai","google"]}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "openai,google", svc.lastSpec)
	assert.Len(t, body["keys"], 2)

	status, _ = do(t, svc, http.MethodPost, "/api/v1/keys/check", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "", svc.lastSpec)

	svc.err = apperrors.New(apperrors.CodeNoBackendsConfigured, "")
	status, body = do(t, svc, http.MethodPost, "/api/v1/keys/check", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "NO_BACKENDS_CONFIGURED", body["code"])
}

func TestNotFound(t *testing.T) {
	status, body := do(t, &fakeService{}, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UNKNOWN", body["code"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(nil))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}
