package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworks/sessiond/internal/config"
	"github.com/agentworks/sessiond/internal/db"
	"github.com/agentworks/sessiond/internal/model"
	"github.com/agentworks/sessiond/internal/worker"
)

type recordingSink struct {
	mu    sync.Mutex
	posts []string
}

func (r *recordingSink) Post(_ context.Context, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, body)
	return nil
}

func (r *recordingSink) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.posts...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "sessions.db")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ReportMinInterval = time.Millisecond
	cfg.ReadStallTimeout = 10 * time.Second
	return cfg
}

func openStore(t *testing.T, cfg config.Config) *db.Store {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, cfg.DBPath, cfg.SessionTTL)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	require.NoError(t, db.ApplyMigrations(ctx, store.DB()))
	return store
}

// fakeWorker writes a canned stream-json conversation and exits.
func fakeWorker(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "worker.sh")
	body := `#!/bin/sh
cat <<'EOF'
{"type":"assistant","message":{"content":[{"type":"text","text":"All tests pass now."}]}}
{"type":"result","session_id":"conv-test-1"}
EOF
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func TestPromptsHandlerValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.PromptQueueDepth = 1
	store := openStore(t, cfg)
	sup := NewSupervisor(cfg, store, nil, &recordingSink{}, model.Session{NaturalKey: "k"}, "", zerolog.Nop())

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/prompts", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		sup.promptsHandler(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, post(`{"prompt":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
	assert.Equal(t, http.StatusAccepted, post(`{"prompt":"fix it","author":"alice"}`).Code)
	// Queue depth 1 and nothing draining it.
	assert.Equal(t, http.StatusServiceUnavailable, post(`{"prompt":"another"}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/prompts", nil)
	rec := httptest.NewRecorder()
	sup.promptsHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestHealthHandler(t *testing.T) {
	cfg := testConfig(t)
	store := openStore(t, cfg)
	sup := NewSupervisor(cfg, store, nil, &recordingSink{}, model.Session{NaturalKey: "k"}, "", zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	sup.healthHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestSupervisorRunsFullSessionLifecycle(t *testing.T) {
	cfg := testConfig(t)
	store := openStore(t, cfg)
	reporter := &recordingSink{}
	runner := worker.NewRunner(fakeWorker(t), "", cfg.ReadChunkSize, cfg.ReadStallTimeout, zerolog.Nop())

	sup := NewSupervisor(cfg, store, runner, reporter,
		model.Session{NaturalKey: "acme/widgets#42", Repo: "acme/widgets", PRNumber: 42},
		"fix the flaky test", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	// Wait for the initial prompt's turn to land its continuation token.
	var sess model.Session
	require.Eventually(t, func() bool {
		got, err := store.GetSessionByNaturalKey(ctx, "acme/widgets#42")
		if err != nil {
			return false
		}
		sess = got
		return got.ContinuationToken == "conv-test-1"
	}, 15*time.Second, 20*time.Millisecond)

	assert.Equal(t, model.StatusRunning, sess.Status)
	assert.NotEmpty(t, sess.ReachableAddr)
	require.NotNil(t, sess.LastActivityAt)

	// A prompt posted through the live API is accepted.
	resp, err := http.Post(
		fmt.Sprintf("http://%s/v1/prompts", sess.ReachableAddr),
		"application/json",
		strings.NewReader(`{"prompt":"also update the docs","author":"alice"}`))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	sup.Stop()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	final, err := store.GetSessionByNaturalKey(context.Background(), "acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.TTLAt)

	posts := reporter.bodies()
	require.NotEmpty(t, posts)
	assert.Contains(t, posts[0], "Agent session started")
	joined := strings.Join(posts, "\n---\n")
	assert.Contains(t, joined, "All tests pass now.")
}
