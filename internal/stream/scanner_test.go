package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworks/sessiond/internal/model"
)

const sampleStream = `{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the failing test."},{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"main.go"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"package main"}]}}
{"type":"result","session_id":"conv-44c1"}
`

func collect(t *testing.T, r io.Reader, opts ...Option) ([]model.Event, *Scanner, error) {
	t.Helper()
	s := NewScanner(zerolog.Nop(), opts...)
	var events []model.Event
	err := s.Scan(context.Background(), r, func(ev model.Event) {
		events = append(events, ev)
	})
	return events, s, err
}

func TestScanDispatchesTypedEvents(t *testing.T) {
	events, s, err := collect(t, strings.NewReader(sampleStream))
	require.NoError(t, err)
	require.Len(t, events, 4)

	text, ok := events[0].(model.TextEvent)
	require.True(t, ok)
	assert.Equal(t, "Looking at the failing test.", text.Body)

	inv, ok := events[1].(model.ToolInvocationEvent)
	require.True(t, ok)
	assert.Equal(t, "tu_1", inv.CorrelationID)
	assert.Equal(t, "Read", inv.Name)
	assert.Equal(t, "main.go", inv.Input["file_path"])

	res, ok := events[2].(model.ToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, "tu_1", res.CorrelationID)
	assert.Equal(t, "package main", res.Content)
	assert.False(t, res.IsError)

	meta, ok := events[3].(model.TurnMetaEvent)
	require.True(t, ok)
	assert.Equal(t, "conv-44c1", meta.ContinuationToken)
	assert.Equal(t, "conv-44c1", s.ContinuationToken())
}

// oneByteReader forces every possible split point, including ones in
// the middle of a JSON record.
type oneByteReader struct{ rest []byte }

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		return 0, io.EOF
	}
	p[0] = r.rest[0]
	r.rest = r.rest[1:]
	return 1, nil
}

func TestScanIsChunkBoundaryAgnostic(t *testing.T) {
	whole, _, err := collect(t, strings.NewReader(sampleStream))
	require.NoError(t, err)

	split, _, err := collect(t, &oneByteReader{rest: []byte(sampleStream)})
	require.NoError(t, err)

	assert.Equal(t, whole, split)
}

func TestScanSkipsUndecodableLines(t *testing.T) {
	in := "npm WARN deprecated package\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}` + "\n" +
		"{broken json\n"
	events, s, err := collect(t, strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.TextEvent{Body: "ok"}, events[0])
	assert.Equal(t, 2, s.ParseFaults())
}

func TestScanDecodesTrailingSegmentAtEOF(t *testing.T) {
	// No trailing newline on the last record.
	in := `{"type":"result","session_id":"conv-tail"}`
	events, s, err := collect(t, strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "conv-tail", s.ContinuationToken())
}

func TestScanFlattensToolResultBlockArrays(t *testing.T) {
	in := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_9","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}],"is_error":true}]}}` + "\n"
	events, _, err := collect(t, strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, events, 1)
	res := events[0].(model.ToolResultEvent)
	assert.Equal(t, "line one\nline two", res.Content)
	assert.True(t, res.IsError)
}

// stuckReader delivers one record then blocks until closed.
type stuckReader struct {
	first   []byte
	served  bool
	release chan struct{}
}

func (r *stuckReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		return copy(p, r.first), nil
	}
	<-r.release
	return 0, io.EOF
}

func TestScanWatchdogFiresOnStalledReader(t *testing.T) {
	r := &stuckReader{
		first:   []byte(`{"type":"result","session_id":"conv-x"}` + "\n"),
		release: make(chan struct{}),
	}
	defer close(r.release)

	stalled := false
	s := NewScanner(zerolog.Nop(), WithStallWatchdog(50*time.Millisecond, func() { stalled = true }))

	var events []model.Event
	err := s.Scan(context.Background(), r, func(ev model.Event) { events = append(events, ev) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrProcessStalled))
	assert.True(t, stalled, "stall callback must fire")
	assert.Len(t, events, 1, "events before the stall are still delivered")
}

func TestScanStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &stuckReader{release: make(chan struct{}), served: true}
	defer close(r.release)

	s := NewScanner(zerolog.Nop())
	err := s.Scan(ctx, r, func(model.Event) {})
	assert.True(t, errors.Is(err, context.Canceled))
}
