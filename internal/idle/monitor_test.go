package idle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworks/sessiond/internal/db"
	"github.com/agentworks/sessiond/internal/model"
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

type recordingReclaimer struct {
	mu       sync.Mutex
	sessions []string
}

func (r *recordingReclaimer) Reclaim(_ context.Context, sess model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sess.ID)
	return nil
}

func setup(t *testing.T) (*db.Store, *recordingSink, *recordingReclaimer, *Monitor) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "sessions.db"), 7*24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	require.NoError(t, db.ApplyMigrations(ctx, store.DB()))

	notifier := &recordingSink{}
	reclaimer := &recordingReclaimer{}
	monitor := NewMonitor(store, notifier, reclaimer, 55*time.Minute, 60*time.Minute, zerolog.Nop())
	return store, notifier, reclaimer, monitor
}

func runningSession(t *testing.T, store *db.Store, key string, lastActivity time.Time) model.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, model.Session{NaturalKey: key})
	require.NoError(t, err)
	status := model.StatusRunning
	sess, err = store.UpdateSession(ctx, sess.ID, db.SessionPatch{Status: &status, LastActivityAt: &lastActivity})
	require.NoError(t, err)
	return sess
}

func TestTickLeavesActiveSessionsAlone(t *testing.T) {
	ctx := context.Background()
	store, notifier, reclaimer, monitor := setup(t)

	now := time.Now().UTC()
	sess := runningSession(t, store, "acme/app#1", now.Add(-10*time.Minute))

	require.NoError(t, monitor.Tick(ctx, now))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Empty(t, notifier.posts)
	assert.Empty(t, reclaimer.sessions)
}

func TestTickWarnsOnceBetweenThresholds(t *testing.T) {
	ctx := context.Background()
	store, notifier, reclaimer, monitor := setup(t)

	now := time.Now().UTC()
	sess := runningSession(t, store, "acme/app#2", now.Add(-56*time.Minute))

	require.NoError(t, monitor.Tick(ctx, now))
	require.NoError(t, monitor.Tick(ctx, now.Add(time.Minute)))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status, "warned session keeps running")
	require.NotNil(t, got.IdleWarnedAt)
	assert.Len(t, notifier.posts, 1, "warning is issued exactly once")
	assert.Contains(t, notifier.posts[0], "idle")
	assert.Empty(t, reclaimer.sessions)
}

func TestTickStopsPastHardThresholdExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store, _, reclaimer, monitor := setup(t)

	now := time.Now().UTC()
	sess := runningSession(t, store, "acme/app#3", now.Add(-61*time.Minute))

	require.NoError(t, monitor.Tick(ctx, now))
	// The second sweep sees the session already STOPPED.
	require.NoError(t, monitor.Tick(ctx, now.Add(time.Minute)))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
	assert.Equal(t, []string{sess.ID}, reclaimer.sessions)
}

func TestTickReclaimsStuckStartingSessions(t *testing.T) {
	ctx := context.Background()
	store, _, reclaimer, monitor := setup(t)

	sess, err := store.CreateSession(ctx, model.Session{NaturalKey: "acme/app#4"})
	require.NoError(t, err)

	require.NoError(t, monitor.Tick(ctx, time.Now().UTC().Add(2*time.Hour)))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
	assert.Equal(t, []string{sess.ID}, reclaimer.sessions)
}

// Sessions that never reported activity are measured from created_at.
//
// Note on races: a heartbeat landing between the idle computation and
// the stop write still loses the session, because the sweep compared
// against a stale last_activity_at. This false reclamation is a known,
// accepted tradeoff; the store's conditional write only protects the
// status itself.
func TestTickIdleFallsBackToCreatedAt(t *testing.T) {
	ctx := context.Background()
	store, _, _, monitor := setup(t)

	sess, err := store.CreateSession(ctx, model.Session{NaturalKey: "acme/app#5"})
	require.NoError(t, err)
	status := model.StatusRunning
	_, err = store.UpdateSession(ctx, sess.ID, db.SessionPatch{Status: &status})
	require.NoError(t, err)

	require.NoError(t, monitor.Tick(ctx, time.Now().UTC().Add(61*time.Minute)))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
}
