package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/johnayoung/mergemind/internal/config"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
)

type options struct {
	question      string
	file          string
	backends      string
	strategy      string
	referee       string
	scorer        string
	timeout       time.Duration
	globalTimeout time.Duration
	fallback      bool
	maxTokens     int
	temperature   float64
	stop          string
	configPath    string
	envFile       string
	checkKeys     bool
	json          bool
	output        string
	quiet         bool
	logLevel      string
	version       bool

	args []string
	set  map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("mergemind", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: mergemind [flags] [question...]")
		fs.PrintDefaults()
	}

	fs.StringVar(&o.question, "question", "", "Question to ask (alternatively positional args, --file or stdin)")
	fs.StringVar(&o.file, "file", "", "Read the question from a file")
	fs.StringVar(&o.backends, "backends", "", "Comma-separated backends, optionally id:model (default: configured selection)")
	fs.StringVar(&o.strategy, "strategy", "", "Verdict strategy: rank or synthesize")
	fs.StringVar(&o.referee, "referee", "", "Backend that synthesizes the final answer")
	fs.StringVar(&o.scorer, "scorer", "", "Rank scorer: length, codeblock or model")
	fs.DurationVar(&o.timeout, "timeout", 0, "Per-backend timeout (e.g. 90s)")
	fs.DurationVar(&o.globalTimeout, "global-timeout", 0, "Timeout for the whole fan-out")
	fs.BoolVar(&o.fallback, "fallback", false, "Fall back to ranking when the referee fails")
	fs.IntVar(&o.maxTokens, "max-tokens", 0, "Maximum tokens per answer")
	fs.Float64Var(&o.temperature, "temperature", 0, "Sampling temperature (0-2)")
	fs.StringVar(&o.stop, "stop", "", "Comma-separated stop sequences")
	fs.StringVar(&o.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&o.envFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	fs.BoolVar(&o.checkKeys, "check-keys", false, "Validate API keys before asking")
	fs.BoolVar(&o.json, "json", false, "Write the run document as JSON to stdout")
	fs.StringVar(&o.output, "output", "", "Also write the run document to this file")
	fs.BoolVar(&o.quiet, "quiet", false, "Suppress progress output")
	fs.BoolVar(&o.quiet, "q", false, "Suppress progress output (shorthand)")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&o.version, "version", false, "Print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	o.args = fs.Args()
	return o, nil
}

// apply copies explicitly set flags over the loaded configuration.
func (o *options) apply(cfg *config.Config) {
	if o.set["strategy"] {
		cfg.Strategy = o.strategy
	}
	if o.set["referee"] {
		cfg.Referee = o.referee
		if !o.set["scorer"] {
			cfg.ScoringBackend = o.referee
		}
	}
	if o.set["scorer"] {
		cfg.Scorer = o.scorer
	}
	if o.set["timeout"] {
		cfg.Timeout = o.timeout
	}
	if o.set["global-timeout"] {
		cfg.GlobalTimeout = o.globalTimeout
	}
	if o.set["fallback"] {
		cfg.Fallback = o.fallback
	}
	if o.set["max-tokens"] {
		cfg.Generation.MaxTokens = o.maxTokens
	}
	if o.set["temperature"] {
		t := o.temperature
		cfg.Generation.Temperature = &t
	}
	if o.set["stop"] {
		cfg.Generation.Stop = splitList(o.stop)
	}
	if o.set["log-level"] {
		cfg.Log.Level = o.logLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readQuestion picks the question from, in order: --question, positional
// arguments, --file, then stdin when it is not a terminal.
func readQuestion(o *options, stdin *os.File) (string, error) {
	if strings.TrimSpace(o.question) != "" {
		return o.question, nil
	}
	if len(o.args) > 0 {
		return strings.Join(o.args, " "), nil
	}
	if o.file != "" {
		data, err := os.ReadFile(o.file)
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeInvalidPrompt, err, "reading question file")
		}
		return strings.TrimSpace(string(data)), nil
	}
	if stdin != nil {
		if stat, err := stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice == 0 {
			return readAll(stdin)
		}
	}
	return "", apperrors.New(apperrors.CodeInvalidPrompt,
		"no question provided: use --question, positional arguments, --file, or pipe to stdin")
}

func readAll(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", apperrors.Wrap(apperrors.CodeInvalidPrompt, err, "reading stdin")
	}
	return strings.Join(lines, "\n"), nil
}
