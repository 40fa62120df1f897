// Package events publishes mission and diagnostic lifecycle events.
//
// Events are JSON documents published on NATS subjects:
//
//	fixd.mission.{state}     mission state transitions
//	fixd.diagnostic.phase    diagnostic phase completion or failure
//	fixd.diagnostic.{status} diagnostic session termination
//
// Publishing is best-effort. Callers log publish errors and carry on; a
// broker outage never fails a mission.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "fixd"

// Event is one lifecycle notification.
type Event struct {
	Kind      string            `json:"kind"`
	MissionID string            `json:"mission_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	State     string            `json:"state,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Subject returns the subject suffix for the event, without prefix.
func (e Event) Subject() string {
	switch e.Kind {
	case "mission":
		return "mission." + token(e.State)
	case "diagnostic":
		if e.Phase != "" {
			return "diagnostic.phase"
		}
		return "diagnostic." + token(e.State)
	default:
		return token(e.Kind)
	}
}

func token(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Subjects returns the subject of every recorded event, in order.
func (r *Recorder) Subjects() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Subject()
	}
	return out
}

// Emit publishes ev through p and logs failures. A nil publisher is a no-op.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("event publish failed",
			zap.String("subject", ev.Subject()),
			zap.Error(err),
		)
	}
}

// Options configures a NATS connection.
type Options struct {
	URL    string
	Token  string
	Prefix string
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(opts Options, logger *zap.Logger) (*NATSPublisher, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	natsOpts := []nats.Option{
		nats.Name("fixd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}
	p := NewNATSPublisher(nc, opts.Prefix, logger)
	p.owned = true
	return p, nil
}
