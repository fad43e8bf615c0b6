// Package audit records append-only structured events about pipeline decisions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EvidenceCaptured  = "evidence.captured"
	EvidenceUnchanged = "evidence.unchanged"
	ClaimAccepted     = "claim.accepted"
	ClaimRejected     = "claim.rejected"
	RuleComposed      = "rule.composed"
	RuleStatusChanged = "rule.status_changed"
	ConflictOpened    = "conflict.opened"
	ConflictResolved  = "conflict.resolved"
	ConflictEscalated = "conflict.escalated"
	ReleasePublished  = "release.published"
	JobDeadLettered   = "job.dead_lettered"
	JobReplayed       = "job.replayed"
	SourceDeactivated = "source.deactivated"
	RuleDecayed       = "rule.decayed"
	RuleRevalidated   = "rule.revalidated"
)

// Event is one audit record. Attrs hold identifiers, enum values and counts.
type Event struct {
	Type    string            `json:"type"`
	Subject string            `json:"subject"` // Primary record id
	RunID   string            `json:"run_id,omitempty"`
	Actor   string            `json:"actor"` // Stage name or reviewer id
	Attrs   map[string]string `json:"attrs,omitempty"`
	At      time.Time         `json:"at"`
}

// Sink accepts audit events
type Sink interface {
	Record(ctx context.Context, e Event) error
	Close() error
}

// Recorder stamps events and never fails the caller; sink errors are logged
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder wraps sink
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Emit records an event; nil recorders drop it
func (r *Recorder) Emit(ctx context.Context, typ, subject, actor string, attrs map[string]string) {
	if r == nil || r.sink == nil {
		return
	}
	e := Event{Type: typ, Subject: subject, Actor: actor, At: r.now()}
	for k, v := range attrs {
		if k == "run_id" {
			e.RunID = v
			continue
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]string, len(attrs))
		}
		e.Attrs[k] = v
	}
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.Warn("audit sink failed", "type", typ, "subject", subject, "error", err)
	}
}

func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, e Event) error {
	attrs := []any{"type", e.Type, "subject", e.Subject, "actor", e.Actor}
	if e.RunID != "" {
		attrs = append(attrs, "run_id", e.RunID)
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Multi fans an event out to every sink
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in order for tests
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of the recorded events
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types in order
func (m *Memory) Types() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of typ were recorded
func (m *Memory) Count(typ string) int {
	n := 0
	for _, e := range m.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}
