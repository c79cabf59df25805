package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/pipeline"
	"github.com/johnayoung/mergemind/internal/provider"
)

func sampleResult() *pipeline.Result {
	return &pipeline.Result{
		RunID:    "run-1",
		Question: "reverse a string",
		Responses: provider.ResponseSet{
			provider.Succeeded("A", "answer A", 1500*time.Millisecond),
			provider.Failed("B", provider.FailureRateLimit, "openai API error (status 429): slow down", 20*time.Millisecond),
		},
		Elapsed: 1600 * time.Millisecond,
	}
}

func TestFromResult_Synthesized(t *testing.T) {
	res := sampleResult()
	res.Verdict = consensus.Verdict{FinalText: "merged: A+B", Strategy: consensus.StrategySynthesize, RefereeID: "ref"}

	doc := FromResult(res, nil)
	require.NotNil(t, doc.Verdict)
	assert.Nil(t, doc.Verdict.ChosenBackendID)
	assert.Equal(t, "merged: A+B", doc.Verdict.FinalText)
	assert.Equal(t, int64(1600), doc.ElapsedMS)
	require.Len(t, doc.Responses, 2)
	assert.Equal(t, int64(1500), doc.Responses[0].LatencyMS)
	require.Len(t, doc.Failures, 1)
	assert.Equal(t, "rate_limit", doc.Failures[0].Kind)
	assert.Nil(t, doc.Error)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, doc))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	verdict := raw["verdict"].(map[string]any)
	v, present := verdict["chosen_backend_id"]
	assert.True(t, present, "chosen_backend_id is always present")
	assert.Nil(t, v)
}

func TestFromResult_Selected(t *testing.T) {
	res := sampleResult()
	res.Verdict = consensus.Verdict{ChosenBackendID: "A", FinalText: "answer A", Strategy: consensus.StrategyRank}

	doc := FromResult(res, nil)
	require.NotNil(t, doc.Verdict.ChosenBackendID)
	assert.Equal(t, "A", *doc.Verdict.ChosenBackendID)
}

func TestFromResult_Error(t *testing.T) {
	err := apperrors.New(apperrors.CodeNoViableResponse, "all 2 backends failed",
		apperrors.WithMetadata("A", "timeout: deadline exceeded"))

	doc := FromResult(sampleResult(), err)
	assert.Nil(t, doc.Verdict)
	require.NotNil(t, doc.Error)
	assert.Equal(t, "NO_VIABLE_RESPONSE", doc.Error.Code)
	assert.Equal(t, "timeout: deadline exceeded", doc.Error.Metadata["A"])

	doc = FromResult(nil, errors.New("boom"))
	assert.Equal(t, "UNKNOWN", doc.Error.Code)
	assert.Empty(t, doc.Responses)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "out.json")
	require.NoError(t, WriteFile(path, FromResult(sampleResult(), nil)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"run_id": "run-1"`)
}
