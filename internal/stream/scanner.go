// Package stream decodes the worker's newline-delimited stdout records
// into typed events.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworks/sessiond/internal/model"
)

// Handler receives decoded events in stream order.
type Handler func(ev model.Event)

// Scanner reads a worker output stream in bounded chunks, splits it on
// newlines, and decodes each segment as one JSON record. Malformed
// segments are skipped; record order is preserved.
type Scanner struct {
	chunkSize    int
	stallTimeout time.Duration
	onStall      func()
	logger       zerolog.Logger

	continuationToken string
	parseFaults       int
}

type Option func(*Scanner)

// WithStallWatchdog arms the read watchdog: when no chunk arrives for
// the given duration, onStall is invoked and the scan aborts with
// model.ErrProcessStalled. A zero duration disables the watchdog.
func WithStallWatchdog(timeout time.Duration, onStall func()) Option {
	return func(s *Scanner) {
		s.stallTimeout = timeout
		s.onStall = onStall
	}
}

func WithChunkSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func NewScanner(logger zerolog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		chunkSize: 64 * 1024,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContinuationToken returns the token from the most recent "result"
// record, for resuming the conversation on the next worker run.
func (s *Scanner) ContinuationToken() string {
	return s.continuationToken
}

// ParseFaults returns the number of segments skipped as undecodable.
func (s *Scanner) ParseFaults() int {
	return s.parseFaults
}

type chunk struct {
	data []byte
	err  error
}

// Scan consumes r until EOF, invoking handle for every decoded event.
// Reads happen on a feeder goroutine so the watchdog can observe a
// wedged reader even though io.Reader has no deadline support.
func (s *Scanner) Scan(ctx context.Context, r io.Reader, handle Handler) error {
	stop := make(chan struct{})
	defer close(stop)

	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, s.chunkSize)
			n, err := r.Read(buf)
			select {
			case chunks <- chunk{data: buf[:n], err: err}:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if s.stallTimeout > 0 {
		timer = time.NewTimer(s.stallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			if s.onStall != nil {
				s.onStall()
			}
			return fmt.Errorf("no output for %s: %w", s.stallTimeout, model.ErrProcessStalled)
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.stallTimeout)
			}
			pending = s.drain(append(pending, c.data...), handle)
			if c.err != nil {
				// Trailing unterminated segment: decode iff complete.
				if line := bytes.TrimSpace(pending); len(line) > 0 {
					s.decodeLine(line, handle)
				}
				if c.err == io.EOF {
					return nil
				}
				return fmt.Errorf("read worker output: %w", c.err)
			}
		}
	}
}

// drain splits off every complete line from buf, decodes each, and
// returns the unterminated remainder.
func (s *Scanner) drain(buf []byte, handle Handler) []byte {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return buf
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		s.decodeLine(line, handle)
	}
}

// record is the worker's wire shape. Unknown record and content types
// are ignored so new worker output does not break the scan.
type record struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []contentItem `json:"content"`
	} `json:"message"`
}

type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (s *Scanner) decodeLine(line []byte, handle Handler) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		s.parseFaults++
		s.logger.Debug().Err(err).Int("bytes", len(line)).Msg("skipping undecodable output line")
		return
	}

	switch rec.Type {
	case "assistant":
		for _, item := range rec.Message.Content {
			switch item.Type {
			case "text":
				handle(model.TextEvent{Body: item.Text})
			case "tool_use":
				handle(model.ToolInvocationEvent{
					CorrelationID: item.ID,
					Name:          item.Name,
					Input:         item.Input,
				})
			}
		}
	case "user":
		for _, item := range rec.Message.Content {
			if item.Type != "tool_result" {
				continue
			}
			handle(model.ToolResultEvent{
				CorrelationID: item.ToolUseID,
				Content:       flattenContent(item.Content),
				IsError:       item.IsError,
			})
		}
	case "result":
		if rec.SessionID != "" {
			s.continuationToken = rec.SessionID
		}
		handle(model.TurnMetaEvent{ContinuationToken: rec.SessionID})
	default:
		s.logger.Debug().Str("type", rec.Type).Msg("ignoring unknown record type")
	}
}

// flattenContent renders a tool result body. The worker emits either a
// bare string or an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b bytes.Buffer
		for _, blk := range blocks {
			if blk.Type != "text" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(blk.Text)
		}
		return b.String()
	}
	return string(raw)
}
