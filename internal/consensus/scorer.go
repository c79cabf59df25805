package consensus

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/provider"
)

// Scorer assigns a quality score to one successful response. Higher is
// better.
type Scorer interface {
	Name() string
	Score(ctx context.Context, question string, resp provider.Response) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc struct {
	Label string
	Fn    func(ctx context.Context, question string, resp provider.Response) (float64, error)
}

func (f ScorerFunc) Name() string { return f.Label }

func (f ScorerFunc) Score(ctx context.Context, question string, resp provider.Response) (float64, error) {
	return f.Fn(ctx, question, resp)
}

// LengthScorer scores a response by its length in runes.
var LengthScorer Scorer = ScorerFunc{
	Label: "length",
	Fn: func(_ context.Context, _ string, resp provider.Response) (float64, error) {
		return float64(utf8.RuneCountInString(strings.TrimSpace(resp.Text))), nil
	},
}

var fence = regexp.MustCompile("(?m)^\\s*```\\s*([A-Za-z0-9_+#-]*)\\s*$")

// CodeBlockScorer rewards what a coding answer is expected to contain: at
// least one fenced code block, a language tag on it and prose around it.
// Length only breaks ties between otherwise equal answers.
var CodeBlockScorer Scorer = ScorerFunc{
	Label: "codeblock",
	Fn: func(_ context.Context, _ string, resp provider.Response) (float64, error) {
		text := strings.TrimSpace(resp.Text)
		matches := fence.FindAllStringSubmatch(text, -1)

		var score float64
		if len(matches) >= 2 {
			score += 5
			if matches[0][1] != "" {
				score++
			}
		}
		if prose := fence.Split(text, -1); len(prose) > 0 {
			var outside int
			for i, part := range prose {
				// Even indices are outside fences.
				if i%2 == 0 {
					outside += len(strings.TrimSpace(part))
				}
			}
			if outside > 0 {
				score += 2
			}
		}
		score += float64(min(len(text), 4000)) / 4000
		return score, nil
	},
}

const scorePromptTemplate = `Rate the following answer to a coding question on a scale from 0 to 10,
where 10 is a correct, efficient and well explained solution.
Reply with the number only.

Question:
%s

Answer:
%s`

var firstNumber = regexp.MustCompile(`-?\d+(\.\d+)?`)

// ModelScorer asks a secondary model to rate each response from 0 to 10.
func ModelScorer(judge provider.Adapter, opts provider.Options) Scorer {
	return ScorerFunc{
		Label: "model:" + judge.ID(),
		Fn: func(ctx context.Context, question string, resp provider.Response) (float64, error) {
			p, err := provider.NewPrompt(fmt.Sprintf(scorePromptTemplate, question, resp.Text))
			if err != nil {
				return 0, err
			}
			out := judge.Generate(ctx, p, opts)
			if !out.OK() {
				return 0, fmt.Errorf("scoring with %s: %s", judge.ID(), out.ErrorDetail)
			}
			return parseScore(out.Text)
		},
	}
}

func parseScore(text string) (float64, error) {
	m := firstNumber.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("no score in %q", truncate(text, 40))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, err
	}
	return max(0, min(10, v)), nil
}

// ScorerByName resolves a scorer name from configuration. judge is required
// for "model" only.
func ScorerByName(name string, judge provider.Adapter, opts provider.Options) (Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "length":
		return LengthScorer, nil
	case "codeblock", "code":
		return CodeBlockScorer, nil
	case "model":
		if judge == nil {
			return nil, apperrors.New(apperrors.CodeConfiguration, "model scorer requires a scoring backend")
		}
		return ModelScorer(judge, opts), nil
	default:
		return nil, apperrors.Newf(apperrors.CodeConfiguration, "unknown scorer %q (want length, codeblock or model)", name)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
