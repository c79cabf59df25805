// Package ui renders run progress and results for a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/johnayoung/mergemind/internal/consensus"
	"github.com/johnayoung/mergemind/internal/provider"
	"github.com/johnayoung/mergemind/internal/runner"
)

// Palette holds the escape sequences used for styling. The zero value
// renders plain text.
type Palette struct {
	Reset, Bold, Dim, Green, Yellow, Blue, Cyan, Red string
}

// Colors is the ANSI palette.
var Colors = Palette{
	Reset:  "\033[0m",
	Bold:   "\033[1m",
	Dim:    "\033[2m",
	Green:  "\033[32m",
	Yellow: "\033[33m",
	Blue:   "\033[34m",
	Cyan:   "\033[36m",
	Red:    "\033[31m",
}

// Plain renders without escape sequences.
var Plain = Palette{}

// PaletteFor picks Colors for terminals and Plain otherwise.
func PaletteFor(f *os.File) Palette {
	if IsTerminal(f) {
		return Colors
	}
	return Plain
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type backendStatus int

const (
	statusPending backendStatus = iota
	statusRunning
	statusStreaming
	statusDone
	statusFailed
)

type backendState struct {
	id       string
	status   backendStatus
	started  time.Time
	finished time.Time
	chars    int
	detail   string
	latency  time.Duration
	timedOut bool
}

// Progress shows one line per backend while a dispatch runs.
type Progress struct {
	mu       sync.Mutex
	w        io.Writer
	p        Palette
	states   map[string]*backendState
	order    []string
	start    time.Time
	ticker   *time.Ticker
	done     chan struct{}
	stopped  chan struct{}
	quiet    bool
	live     bool
	rendered int
}

// NewProgress creates a progress view for the given backends. When live is
// false (output is not a terminal) lines are printed once per event instead
// of being redrawn.
func NewProgress(w io.Writer, backends []string, p Palette, live, quiet bool) *Progress {
	pr := &Progress{
		w:       w,
		p:       p,
		states:  make(map[string]*backendState, len(backends)),
		order:   backends,
		start:   time.Now(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		quiet:   quiet,
		live:    live,
	}
	for _, id := range backends {
		pr.states[id] = &backendState{id: id}
	}
	return pr
}

// Callbacks wires the view to a runner. Only the live view shows partial
// output, so only it asks the runner to stream.
func (pr *Progress) Callbacks() *runner.Callbacks {
	cb := &runner.Callbacks{
		OnStart:    pr.started,
		OnComplete: pr.completed,
	}
	if pr.live && !pr.quiet {
		cb.OnStream = pr.streaming
	}
	return cb
}

// Start begins redrawing.
func (pr *Progress) Start() {
	if pr.quiet || !pr.live {
		return
	}
	pr.ticker = time.NewTicker(100 * time.Millisecond)
	go func() {
		defer close(pr.stopped)
		for {
			select {
			case <-pr.ticker.C:
				pr.render()
			case <-pr.done:
				return
			}
		}
	}()
	pr.render()
}

// Stop ends redrawing and clears the view.
func (pr *Progress) Stop() {
	if pr.quiet || !pr.live {
		return
	}
	close(pr.done)
	pr.ticker.Stop()
	<-pr.stopped

	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.clear()
}

func (pr *Progress) started(id string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	st, ok := pr.states[id]
	if !ok {
		return
	}
	st.status = statusRunning
	st.started = time.Now()
	if !pr.live && !pr.quiet {
		fmt.Fprintf(pr.w, "%s… %s started%s\n", pr.p.Dim, id, pr.p.Reset)
	}
}

func (pr *Progress) streaming(id, chunk string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if st, ok := pr.states[id]; ok {
		st.status = statusStreaming
		st.chars += len(chunk)
	}
}

func (pr *Progress) completed(resp provider.Response) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	st, ok := pr.states[resp.BackendID]
	if !ok {
		return
	}
	st.finished = time.Now()
	st.latency = resp.Latency
	if resp.OK() {
		st.status = statusDone
		st.chars = len(resp.Text)
	} else {
		st.status = statusFailed
		st.detail = resp.ErrorDetail
		st.timedOut = resp.Status == provider.StatusTimeout
	}
	if !pr.live && !pr.quiet {
		pr.line(st)
	}
}

func (pr *Progress) render() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.clear()
	fmt.Fprintf(pr.w, "%s%s⚡ Asking %d backends%s %s(%.1fs)%s\n",
		pr.p.Bold, pr.p.Cyan, len(pr.order), pr.p.Reset,
		pr.p.Dim, time.Since(pr.start).Seconds(), pr.p.Reset)
	for _, id := range pr.order {
		pr.line(pr.states[id])
	}
	fmt.Fprintln(pr.w)
	pr.rendered = len(pr.order) + 2
}

func (pr *Progress) line(st *backendState) {
	var icon, color, status string
	now := time.Now()

	switch st.status {
	case statusPending:
		icon, color, status = "○", pr.p.Dim, "pending"
	case statusRunning:
		icon, color = spinner(now), pr.p.Yellow
		status = fmt.Sprintf("waiting %.1fs", now.Sub(st.started).Seconds())
	case statusStreaming:
		icon, color = spinner(now), pr.p.Cyan
		status = fmt.Sprintf("streaming ~%d tokens %.1fs", st.chars/4, now.Sub(st.started).Seconds())
	case statusDone:
		icon, color = "✓", pr.p.Green
		status = fmt.Sprintf("done ~%d tokens in %.1fs", st.chars/4, st.latency.Seconds())
	case statusFailed:
		icon, color = "✗", pr.p.Red
		if st.timedOut {
			icon, color = "⏱", pr.p.Yellow
		}
		status = truncate(st.detail, 60)
	}

	fmt.Fprintf(pr.w, "  %s%s%s %-20s %s%s%s\n",
		color, icon, pr.p.Reset, truncate(st.id, 20), color, status, pr.p.Reset)
}

func (pr *Progress) clear() {
	for i := 0; i < pr.rendered; i++ {
		fmt.Fprint(pr.w, "\033[A\033[K")
	}
	pr.rendered = 0
}

func spinner(t time.Time) string {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	return frames[int(t.UnixMilli()/100)%len(frames)]
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len([]rune(s)) > n {
		return string([]rune(s)[:n-1]) + "…"
	}
	return s
}

// PrintHeader prints the question being asked.
func PrintHeader(w io.Writer, p Palette, question string) {
	fmt.Fprintf(w, "\n%s%s╭─ mergemind ─╮%s\n", p.Bold, p.Cyan, p.Reset)
	fmt.Fprintf(w, "%s│%s Question: %s%s%s\n", p.Cyan, p.Reset, p.Dim, truncate(question, 60), p.Reset)
	fmt.Fprintf(w, "%s╰─────────────╯%s\n\n", p.Cyan, p.Reset)
}

// PrintVerdict prints the final answer. Only the answer text goes to w;
// callers print the rationale separately on the diagnostic stream.
func PrintVerdict(w io.Writer, v consensus.Verdict) {
	fmt.Fprintln(w, strings.TrimRight(v.FinalText, "\n"))
}

// PrintRationale describes how the verdict was reached.
func PrintRationale(w io.Writer, p Palette, v consensus.Verdict) {
	source := v.ChosenBackendID
	if !v.Selected() {
		source = "synthesized by " + v.RefereeID
	}
	fmt.Fprintf(w, "%s%s✓ verdict (%s, %s)%s\n", p.Bold, p.Green, v.Strategy, source, p.Reset)
	fmt.Fprintf(w, "%s  %s%s\n", p.Dim, v.Rationale, p.Reset)
	if v.FellBack {
		fmt.Fprintf(w, "%s  referee failed; fell back to ranking%s\n", p.Yellow, p.Reset)
	}
}

// PrintFailures lists backends that did not answer. It prints nothing when
// failures is empty.
func PrintFailures(w io.Writer, p Palette, failures []provider.Response) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintf(w, "%s%d backend(s) failed:%s\n", p.Red, len(failures), p.Reset)
	for _, f := range failures {
		label := string(f.Status)
		if f.Kind != "" && f.Kind != provider.FailureNone {
			label = string(f.Kind)
		}
		fmt.Fprintf(w, "  %s✗ %s%s [%s] %s\n", p.Red, f.BackendID, p.Reset, label, f.ErrorDetail)
	}
}

// PrintSummary prints counts and total time.
func PrintSummary(w io.Writer, p Palette, set provider.ResponseSet, elapsed time.Duration) {
	ok := len(set.Successful())
	fmt.Fprintf(w, "%s─── %d backends: %s%d ok%s%s, %s%d failed%s%s, %.1fs ───%s\n",
		p.Dim, len(set),
		p.Green, ok, p.Reset, p.Dim,
		p.Red, len(set)-ok, p.Reset, p.Dim,
		elapsed.Seconds(), p.Reset)
}

// PrintError prints an error line.
func PrintError(w io.Writer, p Palette, msg string) {
	fmt.Fprintf(w, "%s✗ %s%s\n", p.Red, msg, p.Reset)
}
