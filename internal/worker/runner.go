// Package worker launches the coding-agent subprocess and drains its
// output stream.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworks/sessiond/internal/model"
	"github.com/agentworks/sessiond/internal/stream"
)

type Runner struct {
	command      string
	workDir      string
	chunkSize    int
	stallTimeout time.Duration
	logger       zerolog.Logger
}

func NewRunner(command, workDir string, chunkSize int, stallTimeout time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		command:      command,
		workDir:      workDir,
		chunkSize:    chunkSize,
		stallTimeout: stallTimeout,
		logger:       logger,
	}
}

// RunResult is the outcome of one worker turn. ContinuationToken and
// Summary are populated from whatever the stream delivered before any
// failure; Err carries the process fault, if any.
type RunResult struct {
	ContinuationToken string
	Summary           string
	ParseFaults       int
	Err               error
}

// BuildArgs assembles the worker CLI invocation for one prompt.
// A continuation token resumes the prior conversation.
func BuildArgs(prompt, continuationToken string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if continuationToken != "" {
		args = append(args, "--resume", continuationToken)
	}
	return args
}

// Run executes one worker turn: spawn, drain stdout through the
// scanner, wait for exit. The watchdog kills the whole process group
// when output stalls; context cancellation does the same.
func (r *Runner) Run(ctx context.Context, prompt, continuationToken string, handle stream.Handler) RunResult {
	cmd := exec.CommandContext(ctx, r.command, BuildArgs(prompt, continuationToken)...)
	cmd.Dir = r.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = 10 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, limit: 64 * 1024}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{Err: fmt.Errorf("worker stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return RunResult{Err: fmt.Errorf("start worker: %w", err)}
	}
	r.logger.Info().Int("pid", cmd.Process.Pid).Bool("resumed", continuationToken != "").Msg("worker started")

	scanner := stream.NewScanner(r.logger,
		stream.WithChunkSize(r.chunkSize),
		stream.WithStallWatchdog(r.stallTimeout, func() {
			r.logger.Warn().Dur("stall_timeout", r.stallTimeout).Msg("worker output stalled, killing process group")
			if err := killGroup(cmd); err != nil {
				r.logger.Warn().Err(err).Msg("kill after stall failed")
			}
		}),
	)

	var result RunResult
	scanErr := scanner.Scan(ctx, stdout, func(ev model.Event) {
		if text, ok := ev.(model.TextEvent); ok {
			result.Summary = text.Body
		}
		handle(ev)
	})
	waitErr := cmd.Wait()

	result.ContinuationToken = scanner.ContinuationToken()
	result.ParseFaults = scanner.ParseFaults()

	switch {
	case scanErr != nil && errors.Is(scanErr, model.ErrProcessStalled):
		result.Err = scanErr
	case scanErr != nil && !errors.Is(scanErr, context.Canceled):
		result.Err = scanErr
	case waitErr != nil:
		result.Err = fmt.Errorf("worker exited: %w (stderr: %s)", waitErr, condenseStderr(stderr.String()))
	}
	return result
}

// killGroup signals the worker's whole process group so shell children
// die with it.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return cmd.Process.Kill()
	}
	return nil
}

func condenseStderr(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	out := strings.Join(lines, " / ")
	if len(out) > 500 {
		out = out[len(out)-500:]
	}
	return out
}

type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if l.n >= l.limit {
		return orig, nil
	}
	if l.n+len(p) > l.limit {
		p = p[:l.limit-l.n]
	}
	n, err := l.w.Write(p)
	l.n += n
	if err != nil {
		return n, err
	}
	return orig, nil
}
