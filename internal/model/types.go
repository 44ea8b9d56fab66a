package model

import (
	"errors"
	"time"
)

// SessionStatus is the persisted lifecycle state of an agent session.
type SessionStatus string

const (
	StatusStarting  SessionStatus = "STARTING"
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusFailed    SessionStatus = "FAILED"
	StatusStopped   SessionStatus = "STOPPED"
)

// allowedTransitions maps a status to the statuses it may move to.
// Terminal statuses have no successors.
var allowedTransitions = map[SessionStatus][]SessionStatus{
	StatusStarting: {StatusRunning, StatusCompleted, StatusFailed, StatusStopped},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusStopped},
}

func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a status change from -> to is legal.
// A no-op transition (same status) is always allowed so repeated
// heartbeat-style updates do not fail.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type SessionSource string

const (
	SourceGitHub SessionSource = "github"
	SourceJira   SessionSource = "jira"
)

// Session is the persisted record for one agent work session.
// At most one non-terminal session exists per NaturalKey.
type Session struct {
	ID                string
	NaturalKey        string
	Status            SessionStatus
	Source            SessionSource
	Repo              string
	IssueNumber       int64
	PRNumber          int64
	BranchName        string
	WorkerHandle      string
	ReachableAddr     string
	ContinuationToken string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastActivityAt    *time.Time
	IdleWarnedAt      *time.Time
	TTLAt             *time.Time
}

// IdleSince returns the reference instant idle time is measured from.
func (s Session) IdleSince() time.Time {
	if s.LastActivityAt != nil && !s.LastActivityAt.IsZero() {
		return *s.LastActivityAt
	}
	return s.CreatedAt
}

// Event is one decoded unit of worker output. Implementations are
// immutable once constructed; stream order is significant.
type Event interface {
	isEvent()
}

// TextEvent is a plain assistant text block.
type TextEvent struct {
	Body string
}

// ToolInvocationEvent is a request the worker made to an external
// capability, correlated with a later result by CorrelationID.
type ToolInvocationEvent struct {
	CorrelationID string
	Name          string
	Input         map[string]any
}

// ToolResultEvent is the outcome of a prior invocation. CorrelationID
// may be empty when the worker omits it.
type ToolResultEvent struct {
	CorrelationID string
	Content       string
	IsError       bool
}

// TurnMetaEvent carries the continuation token allowing the next worker
// invocation to resume this conversation.
type TurnMetaEvent struct {
	ContinuationToken string
}

func (TextEvent) isEvent()           {}
func (ToolInvocationEvent) isEvent() {}
func (ToolResultEvent) isEvent()     {}
func (TurnMetaEvent) isEvent()       {}

// Fault taxonomy. Parse faults are logged and skipped inside the
// scanner and never surface as errors.
var (
	ErrBadTransition  = errors.New("illegal status transition")
	ErrProcessStalled = errors.New("worker output stalled")
)
