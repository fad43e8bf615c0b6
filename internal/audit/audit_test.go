package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Record(context.Context, Event) error { return errors.New("broker down") }
func (failingSink) Close() error                        { return nil }

func TestRecorderLiftsRunID(t *testing.T) {
	mem := &Memory{}
	r := NewRecorder(mem, nil)
	r.Emit(context.Background(), RuleComposed, "r1", "compose", map[string]string{"run_id": "run-1", "concept_id": "vat"})

	events := mem.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, map[string]string{"concept_id": "vat"}, e.Attrs)
	assert.False(t, e.At.IsZero())
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mem := &Memory{}
	r := NewRecorder(Multi{failingSink{}, mem}, logger)

	r.Emit(context.Background(), ReleasePublished, "rel-1", "release", nil)
	assert.Equal(t, []string{ReleasePublished}, mem.Types())
	assert.Contains(t, buf.String(), "audit sink failed")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Emit(context.Background(), ClaimRejected, "c1", "extract", nil)
	assert.NoError(t, r.Close())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, s.Record(context.Background(), Event{Type: ConflictOpened, Subject: "x1", Actor: "review", RunID: "run-2"}))
	assert.Contains(t, buf.String(), `"type":"conflict.opened"`)
	assert.Contains(t, buf.String(), `"run_id":"run-2"`)
}
