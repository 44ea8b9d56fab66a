package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentworks/sessiond/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db         *sql.DB
	sessionTTL time.Duration
}

func Open(ctx context.Context, path string, sessionTTL time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, sessionTTL: sessionTTL}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const sessionColumns = `session_id, natural_key, status, source, repo, issue_number, pr_number, branch_name,
worker_handle, reachable_addr, continuation_token, error, created_at, updated_at, last_activity_at, idle_warned_at, ttl_at`

// CreateSession claims the natural key. When a non-terminal session
// already exists for the key, that record is returned unchanged and no
// new row is created. Claim failures are never swallowed; the
// at-most-one-active-session invariant depends on them surfacing.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	key := strings.TrimSpace(sess.NaturalKey)
	if key == "" {
		return model.Session{}, fmt.Errorf("natural_key is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Source == "" {
		sess.Source = model.SourceGitHub
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("begin create session tx: %w", err)
	}

	existing, err := scanSession(tx.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE natural_key = ? AND status IN ('STARTING','RUNNING')
ORDER BY created_at DESC
LIMIT 1
`, key))
	switch {
	case err == nil:
		if commitErr := tx.Commit(); commitErr != nil {
			return model.Session{}, fmt.Errorf("commit idempotent claim: %w", commitErr)
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		tx.Rollback() //nolint:errcheck
		return model.Session{}, err
	}

	// last_activity_at starts NULL; idle time falls back to created_at
	// until the worker reports activity.
	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions(session_id, natural_key, status, source, repo, issue_number, pr_number, branch_name,
	worker_handle, reachable_addr, continuation_token, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sess.ID, key, string(model.StatusStarting), string(sess.Source), sess.Repo, sess.IssueNumber, sess.PRNumber,
		sess.BranchName, sess.WorkerHandle, sess.ReachableAddr, sess.ContinuationToken, sess.Error,
		ts(now), ts(now))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		if isUniqueErr(err) {
			// Lost the claim race; the winner's row is authoritative.
			return s.GetSessionByNaturalKey(ctx, key)
		}
		return model.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("commit create session: %w", err)
	}
	return s.GetSession(ctx, sess.ID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE session_id = ?
`, sessionID)
	return scanSession(row)
}

// GetSessionByNaturalKey returns the most recently created session for
// the key regardless of status.
func (s *Store) GetSessionByNaturalKey(ctx context.Context, naturalKey string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE natural_key = ?
ORDER BY created_at DESC, session_id DESC
LIMIT 1
`, strings.TrimSpace(naturalKey))
	return scanSession(row)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE status = ?
ORDER BY created_at ASC
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions by status: %w", err)
	}
	return out, nil
}

// SessionPatch is a partial update; nil fields are left untouched.
type SessionPatch struct {
	Status            *model.SessionStatus
	WorkerHandle      *string
	ReachableAddr     *string
	ContinuationToken *string
	Error             *string
	LastActivityAt    *time.Time
}

// UpdateSession merges the patch in one conditional write. The write is
// keyed on the status read at the start of the transaction, so a racing
// status change fails loudly instead of being silently overwritten.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) (model.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("begin update session tx: %w", err)
	}

	current, err := scanSession(tx.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE session_id = ?
`, sessionID))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Session{}, err
	}

	now := time.Now().UTC()
	sets := []string{"updated_at = ?"}
	args := []any{ts(now)}

	if patch.Status != nil {
		next := *patch.Status
		if !next.Valid() {
			tx.Rollback() //nolint:errcheck
			return model.Session{}, fmt.Errorf("invalid status %q", next)
		}
		if !model.CanTransition(current.Status, next) {
			tx.Rollback() //nolint:errcheck
			return model.Session{}, fmt.Errorf("%s -> %s: %w", current.Status, next, model.ErrBadTransition)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(next))
		if next.Terminal() && current.TTLAt == nil {
			sets = append(sets, "ttl_at = ?")
			args = append(args, ts(now.Add(s.sessionTTL)))
		}
	}
	if patch.WorkerHandle != nil {
		sets = append(sets, "worker_handle = ?")
		args = append(args, *patch.WorkerHandle)
	}
	if patch.ReachableAddr != nil {
		sets = append(sets, "reachable_addr = ?")
		args = append(args, *patch.ReachableAddr)
	}
	if patch.ContinuationToken != nil {
		sets = append(sets, "continuation_token = ?")
		args = append(args, *patch.ContinuationToken)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.LastActivityAt != nil {
		// last_activity_at is monotonically non-decreasing.
		if current.LastActivityAt == nil || patch.LastActivityAt.After(*current.LastActivityAt) {
			sets = append(sets, "last_activity_at = ?")
			args = append(args, ts(*patch.LastActivityAt))
		}
	}

	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE session_id = ? AND status = ?`, strings.Join(sets, ", "))
	args = append(args, sessionID, string(current.Status))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Session{}, fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Session{}, fmt.Errorf("update session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback() //nolint:errcheck
		return model.Session{}, fmt.Errorf("session %s changed status concurrently: %w", sessionID, model.ErrBadTransition)
	}

	updated, err := scanSession(tx.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE session_id = ?
`, sessionID))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return model.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("commit update session: %w", err)
	}
	return updated, nil
}

// TouchActivity advances last_activity_at, never moving it backwards.
// Heartbeats are best-effort: a missing row is not an error.
func (s *Store) TouchActivity(ctx context.Context, sessionID string, now time.Time) error {
	now = now.UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET last_activity_at = ?, updated_at = ?
WHERE session_id = ?
  AND (last_activity_at IS NULL OR last_activity_at < ?)
`, ts(now), ts(now), sessionID, ts(now))
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// MarkIdleWarned records the one-time idle warning. Returns true when
// this caller won the marker; false when a warning was already issued.
func (s *Store) MarkIdleWarned(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET idle_warned_at = ?, updated_at = ?
WHERE session_id = ? AND idle_warned_at IS NULL
`, ts(now.UTC()), ts(now.UTC()), sessionID)
	if err != nil {
		return false, fmt.Errorf("mark idle warned: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark idle warned rows affected: %w", err)
	}
	return affected > 0, nil
}

// PurgeExpired deletes terminal sessions past their retention horizon.
// Non-terminal rows are never deleted here.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE status IN ('COMPLETED','FAILED','STOPPED')
  AND ttl_at IS NOT NULL
  AND ttl_at < ?
`, ts(now.UTC()))
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired rows affected: %w", err)
	}
	return deleted, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		sess           model.Session
		status         string
		source         string
		createdAt      string
		updatedAt      string
		lastActivityAt sql.NullString
		idleWarnedAt   sql.NullString
		ttlAt          sql.NullString
	)
	if err := scanner.Scan(
		&sess.ID,
		&sess.NaturalKey,
		&status,
		&source,
		&sess.Repo,
		&sess.IssueNumber,
		&sess.PRNumber,
		&sess.BranchName,
		&sess.WorkerHandle,
		&sess.ReachableAddr,
		&sess.ContinuationToken,
		&sess.Error,
		&createdAt,
		&updatedAt,
		&lastActivityAt,
		&idleWarnedAt,
		&ttlAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = model.SessionStatus(status)
	sess.Source = model.SessionSource(source)
	var err error
	sess.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	sess.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	if lastActivityAt.Valid {
		v, parseErr := parseTS(lastActivityAt.String)
		if parseErr != nil {
			return model.Session{}, fmt.Errorf("parse session last_activity_at: %w", parseErr)
		}
		sess.LastActivityAt = &v
	}
	if idleWarnedAt.Valid {
		v, parseErr := parseTS(idleWarnedAt.String)
		if parseErr != nil {
			return model.Session{}, fmt.Errorf("parse session idle_warned_at: %w", parseErr)
		}
		sess.IdleWarnedAt = &v
	}
	if ttlAt.Valid {
		v, parseErr := parseTS(ttlAt.String)
		if parseErr != nil {
			return model.Session{}, fmt.Errorf("parse session ttl_at: %w", parseErr)
		}
		sess.TTLAt = &v
	}
	return sess, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
