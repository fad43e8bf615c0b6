package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/statute/internal/decay"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/predicate"
	"github.com/ppiankov/statute/internal/query"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

type fakeReader struct {
	asOfDate  time.Time
	facts     map[string]any
	release   *model.RuleRelease
	verifyErr error
	floor     float64
	openOnly  bool
}

func (f *fakeReader) AsOf(_ context.Context, conceptID string, date time.Time) ([]*model.RegulatoryRule, error) {
	if conceptID != "vat-rate" {
		return nil, fault.Validation("as of", "unknown concept %s", conceptID)
	}
	f.asOfDate = date
	return []*model.RegulatoryRule{{ID: "r1", ConceptID: conceptID, Status: model.StatusPublished}}, nil
}

func (f *fakeReader) Evaluate(_ context.Context, conceptID string, date time.Time, facts map[string]any) ([]query.Evaluation, error) {
	f.asOfDate, f.facts = date, facts
	return []query.Evaluation{{RuleID: "r1", Outcome: predicate.Outcome{Applies: true}}}, nil
}

func (f *fakeReader) CurrentRelease(context.Context) (*model.RuleRelease, error) {
	if f.release == nil {
		return nil, fmt.Errorf("latest release: %w", store.ErrNotFound)
	}
	return f.release, nil
}

func (f *fakeReader) Release(_ context.Context, version int64) (*model.RuleRelease, error) {
	if f.release == nil || f.release.Version != version {
		return nil, fmt.Errorf("release %d: %w", version, store.ErrNotFound)
	}
	return f.release, nil
}

func (f *fakeReader) VerifyRelease(ctx context.Context, version int64) (*model.RuleRelease, error) {
	rel, err := f.Release(ctx, version)
	if err != nil {
		return nil, err
	}
	return rel, f.verifyErr
}

func (f *fakeReader) Revalidation(_ context.Context, floor float64) ([]decay.Entry, error) {
	f.floor = floor
	return []decay.Entry{{RuleID: "r1", Confidence: 0.4, Severity: decay.SeverityWarning}}, nil
}

func (f *fakeReader) Conflicts(_ context.Context, unresolvedOnly bool) ([]*model.ConflictRecord, error) {
	f.openOnly = unresolvedOnly
	return []*model.ConflictRecord{{ID: "c1", Status: model.ConflictEscalated}}, nil
}

type fakeOperator struct {
	decided  model.Decision
	reviewer string
	replayed string
	by       string
}

func (f *fakeOperator) Decide(_ context.Context, ruleID string, d model.Decision, _, reviewer string) (*model.RegulatoryRule, error) {
	if ruleID != "r1" {
		return nil, fault.Validation("decide", "unknown rule %s", ruleID)
	}
	f.decided, f.reviewer = d, reviewer
	return &model.RegulatoryRule{ID: ruleID, Status: model.StatusApproved}, nil
}

func (f *fakeOperator) Revalidate(_ context.Context, ruleID string, confidence float64, _, by string) (*model.RegulatoryRule, error) {
	f.by = by
	return &model.RegulatoryRule{ID: ruleID, Confidence: confidence}, nil
}

func (f *fakeOperator) DeadLetters(context.Context) ([]*model.DeadLetter, error) {
	return []*model.DeadLetter{{ID: "dl1", Stage: model.StageSentinel}}, nil
}

func (f *fakeOperator) DeadLetter(_ context.Context, id string) (*model.DeadLetter, error) {
	if id != "dl1" {
		return nil, fmt.Errorf("%s: %w", id, queue.ErrNotFound)
	}
	return &model.DeadLetter{ID: id, Stage: model.StageSentinel, Kind: "transient"}, nil
}

func (f *fakeOperator) Replay(_ context.Context, id, by string) (*queue.Job, error) {
	switch id {
	case "dl1":
		f.replayed, f.by = id, by
		return &queue.Job{ID: "job-2", Stage: model.StageSentinel}, nil
	case "done":
		return nil, fault.Validation("replay", "dead letter %s already replayed", id)
	default:
		return nil, fmt.Errorf("replay %s: %w", id, queue.ErrNotFound)
	}
}

type fixture struct {
	reader   *fakeReader
	operator *fakeOperator
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{reader: &fakeReader{}, operator: &fakeOperator{}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "statute_up 1\n")
	})
	srv := New(f.reader, f.operator, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.now = func() time.Time { return time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC) }
	f.handler = srv.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "statute_up 1")
}

func TestAsOf(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/v1/concepts/vat-rate/rules?as_of=2025-01-31", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2025-01-31", body["as_of"])
	assert.Len(t, body["rules"], 1)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), f.reader.asOfDate)

	w, body = f.do(t, http.MethodGet, "/v1/concepts/vat-rate/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2025-06-15", body["as_of"], "defaults to today")

	w, body = f.do(t, http.MethodGet, "/v1/concepts/vat-rate/rules?as_of=31.01.2025", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", body["kind"])

	w, _ = f.do(t, http.MethodGet, "/v1/concepts/nope/rules", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/v1/concepts/vat-rate/evaluate", `{"as_of":"2025-02-01","facts":{"revenue":50000}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["results"], 1)
	assert.Equal(t, float64(50000), f.reader.facts["revenue"])

	tests := []struct {
		name string
		body string
	}{
		{"no facts", `{"as_of":"2025-02-01"}`},
		{"bad date", `{"as_of":"Feb 1","facts":{}}`},
		{"unknown field", `{"facts":{},"when":"now"}`},
		{"not json", `facts=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, http.MethodPost, "/v1/concepts/vat-rate/evaluate", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestReleases(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodGet, "/v1/releases/current", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.reader.release = &model.RuleRelease{ID: "rel-1", Version: 3, ContentHash: "sha256:abc"}
	w, body := f.do(t, http.MethodGet, "/v1/releases/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["version"])

	w, _ = f.do(t, http.MethodGet, "/v1/releases/3", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/v1/releases/4", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.do(t, http.MethodGet, "/v1/releases/latest", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/v1/releases/3/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "sha256:abc", body["content_hash"])

	f.reader.verifyErr = fault.Integrity("verify release 3", errors.New("content hash mismatch"))
	w, body = f.do(t, http.MethodGet, "/v1/releases/3/verify", "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["valid"])
	assert.Contains(t, body["error"], "mismatch")
}

func TestRevalidationAndConflicts(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/v1/revalidation?floor=0.7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["rules"], 1)
	assert.Equal(t, 0.7, f.reader.floor)

	w, _ = f.do(t, http.MethodGet, "/v1/revalidation?floor=2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/v1/conflicts?open=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["conflicts"], 1)
	assert.True(t, f.reader.openOnly)
}

func TestDecision(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/v1/rules/r1/decision", `{"decision":"approve","rationale":"checked art. 38","reviewer":"ana"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "APPROVED", body["status"])
	assert.Equal(t, model.DecisionApprove, f.operator.decided)
	assert.Equal(t, "ana", f.operator.reviewer)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown decision", "/v1/rules/r1/decision", `{"decision":"maybe","rationale":"x","reviewer":"ana"}`},
		{"missing rationale", "/v1/rules/r1/decision", `{"decision":"reject","reviewer":"ana"}`},
		{"unknown rule", "/v1/rules/r9/decision", `{"decision":"reject","rationale":"x","reviewer":"ana"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRevalidate(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/v1/rules/r1/revalidate", `{"confidence":0.95,"by":"ana"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.95, body["confidence"])
	assert.Equal(t, "ana", f.operator.by)

	w, _ = f.do(t, http.MethodPost, "/v1/rules/r1/revalidate", `{"confidence":1.5,"by":"ana"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/v1/deadletters", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["dead_letters"], 1)

	w, body = f.do(t, http.MethodGet, "/v1/deadletters/dl1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "transient", body["kind"])
	w, _ = f.do(t, http.MethodGet, "/v1/deadletters/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodPost, "/v1/deadletters/dl1/replay", `{"by":"ops"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "job-2", body["job_id"])
	assert.Equal(t, "ops", f.operator.by)

	w, _ = f.do(t, http.MethodPost, "/v1/deadletters/dl1/replay", "")
	assert.Equal(t, http.StatusAccepted, w.Code, "body is optional")

	w, _ = f.do(t, http.MethodPost, "/v1/deadletters/done/replay", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodPost, "/v1/deadletters/missing/replay", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := New(&fakeReader{}, &fakeOperator{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
