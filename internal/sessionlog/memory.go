package sessionlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog keeps sessions in memory.
type MemoryLog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string]*Entry), now: time.Now}
}

func (m *MemoryLog) Create(ctx context.Context, s SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSession(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	s.Status = StatusInProgress
	s.Error = ""
	s.FinishedAt = nil
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	m.entries[s.ID] = &Entry{Session: s, Phases: []PhaseRecord{}, Checkpoints: []CheckpointRecord{}}
	return nil
}

func (m *MemoryLog) open(id string) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Session.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return e, nil
}

func (m *MemoryLog) AppendPhase(ctx context.Context, rec PhaseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.open(rec.SessionID)
	if err != nil {
		return err
	}
	if rec.Phase != len(e.Phases)+1 {
		return fmt.Errorf("%w: got phase %d, want %d", ErrOutOfOrder, rec.Phase, len(e.Phases)+1)
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = m.now().UTC()
	}
	rec.Result = append([]byte(nil), rec.Result...)
	e.Phases = append(e.Phases, rec)
	return nil
}

func (m *MemoryLog) AppendCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.open(rec.SessionID)
	if err != nil {
		return err
	}
	rec.Seq = len(e.Checkpoints) + 1
	if rec.TakenAt.IsZero() {
		rec.TakenAt = m.now().UTC()
	}
	rec.Resources = append([]byte(nil), rec.Resources...)
	e.Checkpoints = append(e.Checkpoints, rec)
	return nil
}

func (m *MemoryLog) Finish(ctx context.Context, id, status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTerminal(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.open(id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	e.Session.Status = status
	e.Session.Error = errMsg
	e.Session.FinishedAt = &now
	return nil
}

// Get returns a copy of the session entry.
func (m *MemoryLog) Get(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := &Entry{
		Session:     e.Session,
		Phases:      append([]PhaseRecord{}, e.Phases...),
		Checkpoints: append([]CheckpointRecord{}, e.Checkpoints...),
	}
	return out, nil
}

func (m *MemoryLog) List(ctx context.Context, limit int) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionRecord, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Session)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLog) Close() error { return nil }
