// Package idle reclaims sessions whose workers have gone quiet.
package idle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworks/sessiond/internal/db"
	"github.com/agentworks/sessiond/internal/model"
	"github.com/agentworks/sessiond/internal/relay"
	"github.com/agentworks/sessiond/internal/sink"
)

// Reclaimer tears down a reclaimed session's physical resources. The
// monitor only decides that reclamation should happen and records it.
type Reclaimer interface {
	Reclaim(ctx context.Context, sess model.Session) error
}

type Monitor struct {
	store     *db.Store
	notifier  sink.Sink
	reclaimer Reclaimer
	warnAfter time.Duration
	stopAfter time.Duration
	logger    zerolog.Logger
}

func NewMonitor(store *db.Store, notifier sink.Sink, reclaimer Reclaimer, warnAfter, stopAfter time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:     store,
		notifier:  notifier,
		reclaimer: reclaimer,
		warnAfter: warnAfter,
		stopAfter: stopAfter,
		logger:    logger,
	}
}

// Tick sweeps one pass over live sessions. Idle time is measured from
// last_activity_at, falling back to created_at. A warning goes out once
// per session past the warn threshold; past the hard threshold the
// session is moved to STOPPED and handed to the reclaimer.
//
// A worker heartbeat can race this sweep: activity recorded just as the
// stop decision lands means a rare false reclamation, which is accepted
// rather than locked against.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	running, err := m.store.ListSessionsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}
	for _, sess := range running {
		m.sweepRunning(ctx, sess, now)
	}

	// Sessions stuck in STARTING never report activity; past the hard
	// threshold they are reclaimed the same way.
	starting, err := m.store.ListSessionsByStatus(ctx, model.StatusStarting)
	if err != nil {
		return fmt.Errorf("list starting sessions: %w", err)
	}
	for _, sess := range starting {
		if now.Sub(sess.IdleSince()) >= m.stopAfter {
			m.stop(ctx, sess, "never became ready")
		}
	}
	return nil
}

func (m *Monitor) sweepRunning(ctx context.Context, sess model.Session, now time.Time) {
	idle := now.Sub(sess.IdleSince())

	if idle >= m.stopAfter {
		m.stop(ctx, sess, fmt.Sprintf("idle for %s", idle.Round(time.Minute)))
		return
	}

	if idle >= m.warnAfter && sess.IdleWarnedAt == nil {
		won, err := m.store.MarkIdleWarned(ctx, sess.ID, now)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("mark idle warning failed")
			return
		}
		if !won {
			return
		}
		remaining := (m.stopAfter - idle).Round(time.Minute)
		body := fmt.Sprintf("%s\nThis session has been idle for %s and will be stopped in about %s unless it becomes active again.",
			relay.Marker, idle.Round(time.Minute), remaining)
		if err := m.notifier.Post(ctx, body); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("idle warning delivery failed")
		}
		m.logger.Info().Str("session_id", sess.ID).Dur("idle", idle).Msg("idle warning issued")
	}
}

func (m *Monitor) stop(ctx context.Context, sess model.Session, reason string) {
	status := model.StatusStopped
	_, err := m.store.UpdateSession(ctx, sess.ID, db.SessionPatch{Status: &status})
	if err != nil {
		if errors.Is(err, model.ErrBadTransition) {
			// Someone else finished the session first.
			m.logger.Debug().Str("session_id", sess.ID).Msg("lost stop race, skipping")
			return
		}
		m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("stop update failed")
		return
	}
	m.logger.Info().Str("session_id", sess.ID).Str("reason", reason).Msg("session stopped")

	if m.reclaimer != nil {
		if err := m.reclaimer.Reclaim(ctx, sess); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("resource reclaim failed")
		}
	}
}
