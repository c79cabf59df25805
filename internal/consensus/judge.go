package consensus

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/johnayoung/mergemind/internal/provider"
)

// RefereeSystemPrompt is the default system instruction for the referee.
const RefereeSystemPrompt = `You are a senior engineer acting as judge.
Evaluate the candidate solutions, merge their strengths and output the single best solution.
Provide an explanation and the final code only.`

const metaPromptTemplate = `A user asked the following coding question:
{{.Question}}

{{len .Candidates}} assistants answered independently.
{{range $i, $c := .Candidates}}
--- Candidate {{inc $i}} (backend: {{$c.BackendID}}{{if $c.Model}}, model: {{$c.Model}}{{end}}) ---
{{$c.Text}}
{{end}}
Task
Write ONE final answer to the user's question.

Method
1) Check each candidate for correctness first, then efficiency, then clarity.
2) Keep what the correct candidates agree on; where they disagree, prefer the variant that is logically sound and better justified.
3) Fix bugs you find instead of copying them. Do not invent requirements the user did not state.

Output
- The explanation followed by the final code in a fenced code block, in the language the user asked for.
- No preamble, no mention of candidates, backends or this review.
`

var metaPrompt = template.Must(template.New("referee").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(metaPromptTemplate))

// BuildMetaPrompt renders the referee request from the question and the
// successful candidate responses. Only response text and identifiers are
// included.
func BuildMetaPrompt(question string, candidates []provider.Response) (string, error) {
	data := struct {
		Question   string
		Candidates []provider.Response
	}{
		Question:   question,
		Candidates: candidates,
	}

	var buf bytes.Buffer
	if err := metaPrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}
