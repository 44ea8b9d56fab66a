// Package relay turns the worker's event stream into paced progress
// reports on the human-facing thread.
package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworks/sessiond/internal/model"
	"github.com/agentworks/sessiond/internal/sink"
)

// Marker prefixes every post so the system's own comments can be told
// apart from human ones.
const Marker = "<!-- session-agent -->"

// readOnlyTools may be grouped into one combined report. Anything else
// is reported in its own batch.
var readOnlyTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"WebFetch":     true,
	"WebSearch":    true,
	"NotebookRead": true,
	"TodoRead":     true,
}

type pairEntry struct {
	inv    model.ToolInvocationEvent
	result *model.ToolResultEvent
}

type report struct {
	body      string
	immediate bool
}

// Relay batches tool invocations with their results and delivers the
// rendered reports on a separate goroutine, pacing posts to at most one
// per interval. Ingestion never waits on delivery; the two sides share
// only the pending batch, under the mutex.
type Relay struct {
	sink     sink.Sink
	limiter  *rate.Limiter
	maxBatch int
	logger   zerolog.Logger

	mu       sync.Mutex
	entries  []*pairEntry
	orphans  []model.ToolResultEvent
	mutating bool
	closed   bool

	reports chan report
}

func New(s sink.Sink, minInterval time.Duration, maxBatch int, logger zerolog.Logger) *Relay {
	if maxBatch <= 0 {
		maxBatch = 5
	}
	return &Relay{
		sink:     s,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		maxBatch: maxBatch,
		logger:   logger,
		reports:  make(chan report, 32),
	}
}

// Run delivers queued reports until Close drains the queue. Pacing
// applies to every post except a final flush.
func (r *Relay) Run(ctx context.Context) error {
	for rep := range r.reports {
		if !rep.immediate {
			if err := r.limiter.Wait(ctx); err != nil {
				r.logger.Debug().Err(err).Msg("pacing wait aborted")
			}
		}
		if err := r.sink.Post(ctx, rep.body); err != nil {
			r.logger.Warn().Err(err).Msg("report delivery failed, dropping")
		}
	}
	return nil
}

// OnEvent routes one decoded worker event into the batch state.
func (r *Relay) OnEvent(ev model.Event) {
	switch e := ev.(type) {
	case model.TextEvent:
		r.onText(e)
	case model.ToolInvocationEvent:
		r.onToolInvocation(e)
	case model.ToolResultEvent:
		r.onToolResult(e)
	case model.TurnMetaEvent:
		// Continuation bookkeeping happens in the scanner.
	}
}

// onText flushes whatever is pending, then posts the text alone.
func (r *Relay) onText(ev model.TextEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked(false)
	body := strings.TrimSpace(ev.Body)
	if body == "" {
		return
	}
	r.enqueue(report{body: Marker + "\n" + body})
}

func (r *Relay) onToolInvocation(ev model.ToolInvocationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if readOnlyTools[ev.Name] {
		// Read-only calls group together, but never onto a mutating batch.
		if r.mutating && len(r.entries) > 0 {
			r.flushLocked(false)
		}
		r.mutating = false
	} else {
		r.flushLocked(false)
		r.mutating = true
	}

	r.entries = append(r.entries, &pairEntry{inv: ev})
	if len(r.entries) >= r.maxBatch {
		r.flushLocked(false)
	}
}

func (r *Relay) onToolResult(ev model.ToolResultEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := false
	if ev.CorrelationID != "" {
		for _, e := range r.entries {
			if e.result == nil && e.inv.CorrelationID == ev.CorrelationID {
				res := ev
				e.result = &res
				matched = true
				break
			}
		}
	}
	if !matched {
		// Fall back to arrival order: oldest unmatched invocation.
		for _, e := range r.entries {
			if e.result == nil && (ev.CorrelationID == "" || e.inv.CorrelationID == "") {
				res := ev
				e.result = &res
				matched = true
				break
			}
		}
	}
	if !matched {
		r.orphans = append(r.orphans, ev)
	}

	if len(r.entries) > 0 && r.allPairedLocked() {
		r.flushLocked(false)
	}
}

// FinalFlush posts all remaining state, paired or not, skipping the
// pacing wait, and stops the delivery loop once the queue drains.
func (r *Relay) FinalFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.flushLocked(true)
	r.closed = true
	close(r.reports)
}

func (r *Relay) allPairedLocked() bool {
	for _, e := range r.entries {
		if e.result == nil {
			return false
		}
	}
	return true
}

func (r *Relay) flushLocked(immediate bool) {
	if len(r.entries) == 0 && len(r.orphans) == 0 {
		return
	}
	body := renderReport(r.entries, r.orphans)
	r.entries = nil
	r.orphans = nil
	r.mutating = false
	r.enqueue(report{body: body, immediate: immediate})
}

// enqueue never blocks ingestion; a full queue means delivery is far
// behind and the report is dropped.
func (r *Relay) enqueue(rep report) {
	if r.closed {
		return
	}
	select {
	case r.reports <- rep:
	default:
		r.logger.Warn().Msg("report queue full, dropping report")
	}
}

func renderReport(entries []*pairEntry, orphans []model.ToolResultEvent) string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("\n")
	for _, e := range entries {
		b.WriteString("- `")
		b.WriteString(e.inv.Name)
		b.WriteString("`")
		if in := condenseInput(e.inv.Input); in != "" {
			b.WriteString(" ")
			b.WriteString(in)
		}
		switch {
		case e.result == nil:
			b.WriteString(" — no result")
		case e.result.IsError:
			b.WriteString(" — error")
			if snippet := condenseContent(e.result.Content); snippet != "" {
				b.WriteString(": ")
				b.WriteString(snippet)
			}
		default:
			b.WriteString(" — ok")
		}
		b.WriteString("\n")
	}
	for _, o := range orphans {
		b.WriteString("- unmatched result")
		if snippet := condenseContent(o.Content); snippet != "" {
			b.WriteString(": ")
			b.WriteString(snippet)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

const (
	maxInputKeys   = 3
	maxValueRunes  = 60
	maxResultRunes = 120
)

func condenseInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxInputKeys {
		keys = keys[:maxInputKeys]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncate(fmt.Sprint(input[k]), maxValueRunes)))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func condenseContent(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[:i]
	}
	return truncate(content, maxResultRunes)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
