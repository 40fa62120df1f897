// Package sessionlog persists diagnostic sessions as append-only logs.
//
// A session header is written once when the session starts. Phase results
// and checkpoints are appended one record at a time and never rewritten.
// The only change to the header is the single transition from in_progress
// to a terminal status.
package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrOutOfOrder    = errors.New("phase out of order")
	ErrSessionClosed = errors.New("session is closed")
	ErrInvalidRecord = errors.New("invalid record")
)

// Session statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// SessionRecord is the header of one diagnostic session.
type SessionRecord struct {
	ID         string     `json:"id"`
	Problem    string     `json:"problem"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PhaseRecord is the result of one completed phase.
type PhaseRecord struct {
	SessionID   string          `json:"session_id"`
	Phase       int             `json:"phase"`
	Name        string          `json:"name"`
	Result      json.RawMessage `json:"result"`
	CompletedAt time.Time       `json:"completed_at"`
}

// CheckpointRecord is a state capture around a phase.
type CheckpointRecord struct {
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	Name      string          `json:"name"`
	Phase     int             `json:"phase"`
	Position  string          `json:"position"`
	TakenAt   time.Time       `json:"taken_at"`
	Resources json.RawMessage `json:"resources,omitempty"`
}

// Entry is a session with its appended records.
type Entry struct {
	Session     SessionRecord      `json:"session"`
	Phases      []PhaseRecord      `json:"phases"`
	Checkpoints []CheckpointRecord `json:"checkpoints"`
}

// Log stores diagnostic sessions.
type Log interface {
	// Create writes a new session header with status in_progress.
	Create(ctx context.Context, s SessionRecord) error

	// AppendPhase appends the next phase. rec.Phase must be one more than
	// the number of phases already recorded.
	AppendPhase(ctx context.Context, rec PhaseRecord) error

	// AppendCheckpoint appends a checkpoint; Seq is assigned by the log.
	AppendCheckpoint(ctx context.Context, rec CheckpointRecord) error

	// Finish moves an in_progress session to a terminal status.
	Finish(ctx context.Context, id, status, errMsg string) error

	Get(ctx context.Context, id string) (*Entry, error)

	// List returns session headers, newest first. limit <= 0 lists all.
	List(ctx context.Context, limit int) ([]SessionRecord, error)

	Close() error
}

func validateSession(s SessionRecord) error {
	if s.ID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("session id is required"))
	}
	return nil
}

func validateTerminal(status string) error {
	if status != StatusCompleted && status != StatusFailed {
		return errors.Join(ErrInvalidRecord, errors.New("status must be completed or failed"))
	}
	return nil
}
