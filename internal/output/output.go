// Package output builds the JSON document written by --json and --output and
// returned by the web API.
package output

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/johnayoung/mergemind/internal/consensus"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/pipeline"
	"github.com/johnayoung/mergemind/internal/provider"
)

// Document is the serialized form of a pipeline run.
type Document struct {
	RunID     string     `json:"run_id"`
	Question  string     `json:"question"`
	Verdict   *Verdict   `json:"verdict,omitempty"`
	Responses []Response `json:"responses"`
	Failures  []Failure  `json:"failures,omitempty"`
	Error     *Error     `json:"error,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
	CreatedAt time.Time  `json:"created_at"`
}

// Verdict mirrors consensus.Verdict. ChosenBackendID is null for
// synthesized answers.
type Verdict struct {
	ChosenBackendID *string           `json:"chosen_backend_id"`
	FinalText       string            `json:"final_text"`
	Rationale       string            `json:"rationale"`
	Strategy        string            `json:"strategy"`
	RefereeID       string            `json:"referee,omitempty"`
	Scores          []consensus.Score `json:"scores,omitempty"`
	FellBack        bool              `json:"fell_back,omitempty"`
}

// Response is one backend's answer.
type Response struct {
	BackendID   string `json:"backend"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Status      string `json:"status"`
	Text        string `json:"text,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	LatencyMS   int64  `json:"latency_ms"`
}

// Failure names a backend that did not answer, and why.
type Failure struct {
	BackendID string `json:"backend"`
	Status    string `json:"status"`
	Kind      string `json:"kind,omitempty"`
	Detail    string `json:"detail"`
}

// Error describes why no verdict was produced.
type Error struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FromResult converts a pipeline result. res may be nil when the run failed
// before dispatch; runErr may be nil on success.
func FromResult(res *pipeline.Result, runErr error) *Document {
	doc := &Document{CreatedAt: time.Now().UTC(), Responses: []Response{}}
	if res != nil {
		doc.RunID = res.RunID
		doc.Question = res.Question
		doc.ElapsedMS = res.Elapsed.Milliseconds()
		for _, r := range res.Responses {
			doc.Responses = append(doc.Responses, fromResponse(r))
		}
		for _, r := range res.Failures() {
			doc.Failures = append(doc.Failures, Failure{
				BackendID: r.BackendID,
				Status:    string(r.Status),
				Kind:      string(r.Kind),
				Detail:    r.ErrorDetail,
			})
		}
		if runErr == nil {
			doc.Verdict = fromVerdict(res.Verdict)
		}
	}
	if runErr != nil {
		doc.Error = FromError(runErr)
	}
	return doc
}

// FromError describes err for the document's error field.
func FromError(err error) *Error {
	e := &Error{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
	if appErr, ok := apperrors.From(err); ok {
		if md := appErr.Metadata(); len(md) > 0 {
			e.Metadata = md
		}
	}
	return e
}

func fromVerdict(v consensus.Verdict) *Verdict {
	out := &Verdict{
		FinalText: v.FinalText,
		Rationale: v.Rationale,
		Strategy:  string(v.Strategy),
		RefereeID: v.RefereeID,
		Scores:    v.Scores,
		FellBack:  v.FellBack,
	}
	if v.Selected() {
		id := v.ChosenBackendID
		out.ChosenBackendID = &id
	}
	return out
}

func fromResponse(r provider.Response) Response {
	return Response{
		BackendID:   r.BackendID,
		Provider:    r.Provider,
		Model:       r.Model,
		Status:      string(r.Status),
		Text:        r.Text,
		ErrorDetail: r.ErrorDetail,
		LatencyMS:   r.Latency.Milliseconds(),
	}
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteFile writes doc to path, creating parent directories.
func WriteFile(path string, doc *Document) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, doc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
