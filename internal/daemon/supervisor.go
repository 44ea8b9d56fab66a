// Package daemon is the per-session supervisor: it claims the session,
// serves the prompt API, and drives worker turns.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworks/sessiond/internal/config"
	"github.com/agentworks/sessiond/internal/db"
	"github.com/agentworks/sessiond/internal/model"
	"github.com/agentworks/sessiond/internal/relay"
	"github.com/agentworks/sessiond/internal/sink"
	"github.com/agentworks/sessiond/internal/worker"
)

type Prompt struct {
	Prompt string `json:"prompt"`
	Author string `json:"author"`
}

type Supervisor struct {
	cfg      config.Config
	store    *db.Store
	runner   *worker.Runner
	reporter sink.Sink
	logger   zerolog.Logger

	template model.Session
	initial  string

	mu                sync.Mutex
	sessionID         string
	continuationToken string

	prompts  chan Prompt
	stopOnce sync.Once
	stopCh   chan struct{}
	httpSrv  *http.Server
}

// NewSupervisor wires one session's supervisor. template carries the
// session identity (natural key, repo, issue); initialPrompt, when
// non-empty, is processed before the API queue.
func NewSupervisor(cfg config.Config, store *db.Store, runner *worker.Runner, reporter sink.Sink, template model.Session, initialPrompt string, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		reporter: reporter,
		logger:   logger,
		template: template,
		initial:  initialPrompt,
		prompts:  make(chan Prompt, cfg.PromptQueueDepth),
		stopCh:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/prompts", s.promptsHandler)
	mux.HandleFunc("/v1/shutdown", s.shutdownHandler)
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run claims the session, marks it RUNNING, and serves prompts until
// the context is cancelled or a shutdown is requested. On the way out
// the session is moved to a terminal status.
func (s *Supervisor) Run(ctx context.Context) error {
	sess, err := s.store.CreateSession(ctx, s.template)
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	s.mu.Lock()
	s.sessionID = sess.ID
	s.continuationToken = sess.ContinuationToken
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	running := model.StatusRunning
	addr := ln.Addr().String()
	if _, err := s.store.UpdateSession(ctx, sess.ID, db.SessionPatch{
		Status:        &running,
		ReachableAddr: &addr,
	}); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("mark session running: %w", err)
	}
	s.logger.Info().Str("session_id", sess.ID).Str("addr", addr).Msg("session running")

	if err := s.reporter.Post(ctx, relay.Marker+"\nAgent session started. Reply with a prompt to direct it."); err != nil {
		s.logger.Warn().Err(err).Msg("ready announcement failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve prompt api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		return s.httpSrv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		return s.promptLoop(gctx)
	})

	runErr := g.Wait()
	s.finish(sess.ID, runErr)
	return runErr
}

// Stop requests a cooperative shutdown.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) promptLoop(ctx context.Context) error {
	if p := strings.TrimSpace(s.initial); p != "" {
		s.processPrompt(ctx, Prompt{Prompt: p, Author: "trigger"})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.prompts:
			s.processPrompt(ctx, p)
		}
	}
}

// processPrompt runs one worker turn: acknowledge, relay the stream,
// final flush, persist the continuation token. A failed turn is
// reported on the thread but does not fail the session; the next
// prompt gets a fresh worker.
func (s *Supervisor) processPrompt(ctx context.Context, p Prompt) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	sessionID := s.sessionID
	token := s.continuationToken
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.store.TouchActivity(ctx, sessionID, now); err != nil {
		s.logger.Warn().Err(err).Msg("activity touch failed")
	}

	ack := relay.Marker + "\nOn it."
	if p.Author != "" {
		ack = fmt.Sprintf("%s\nOn it — prompt from @%s.", relay.Marker, p.Author)
	}
	if err := s.reporter.Post(ctx, ack); err != nil {
		s.logger.Warn().Err(err).Msg("acknowledgement failed")
	}

	rel := relay.New(s.reporter, s.cfg.ReportMinInterval, s.cfg.MaxBatchSize, s.logger)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := rel.Run(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("relay stopped with error")
		}
	}()

	res := s.runner.Run(ctx, p.Prompt, token, rel.OnEvent)
	rel.FinalFlush()
	<-relayDone

	patch := db.SessionPatch{}
	endedAt := time.Now().UTC()
	patch.LastActivityAt = &endedAt
	if res.ContinuationToken != "" {
		patch.ContinuationToken = &res.ContinuationToken
		s.mu.Lock()
		s.continuationToken = res.ContinuationToken
		s.mu.Unlock()
	}
	if res.Err != nil {
		s.logger.Error().Err(res.Err).Str("session_id", sessionID).Msg("worker turn failed")
		msg := res.Err.Error()
		patch.Error = &msg
		body := relay.Marker + "\nThe worker run failed: " + msg
		if err := s.reporter.Post(ctx, body); err != nil {
			s.logger.Warn().Err(err).Msg("failure report delivery failed")
		}
	}
	if _, err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("persist turn outcome failed")
	}
	if res.ParseFaults > 0 {
		s.logger.Debug().Int("parse_faults", res.ParseFaults).Msg("worker output had undecodable lines")
	}
}

// finish moves the session to a terminal status on the way out. A lost
// transition race means someone else (the reaper) already ended it.
func (s *Supervisor) finish(sessionID string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := model.StatusCompleted
	patch := db.SessionPatch{Status: &status}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status = model.StatusFailed
		msg := runErr.Error()
		patch.Error = &msg
	}
	if _, err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		if errors.Is(err, model.ErrBadTransition) {
			s.logger.Info().Str("session_id", sessionID).Msg("session already terminal")
			return
		}
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("final status update failed")
		return
	}
	s.logger.Info().Str("session_id", sessionID).Str("status", string(status)).Msg("session finished")
}

func (s *Supervisor) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": sessionID,
		"queued":     len(s.prompts),
	})
}

func (s *Supervisor) promptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var p Prompt
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	select {
	case s.prompts <- p:
		s.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "queued": len(s.prompts)})
	default:
		s.writeError(w, http.StatusServiceUnavailable, "prompt queue is full")
	}
}

func (s *Supervisor) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.logger.Info().Msg("shutdown requested")
	s.writeJSON(w, http.StatusAccepted, map[string]any{"stopping": true})
	s.Stop()
}

func (s *Supervisor) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Supervisor) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Supervisor) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
