package decay

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/store"
)

const day = 24 * time.Hour

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestFactor(t *testing.T) {
	assert.Equal(t, 1.0, Factor(30*day, 90*day, 180*day))
	assert.Equal(t, 1.0, Factor(90*day, 90*day, 180*day))
	assert.InDelta(t, 0.5, Factor(270*day, 90*day, 180*day), 1e-9)
	assert.InDelta(t, 0.25, Factor(450*day, 90*day, 180*day), 1e-9)
	assert.Equal(t, 1.0, Factor(450*day, 90*day, 0))
}

func TestApply_MonotonicallyNonIncreasing(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("later passes never raise confidence", prop.ForAll(
		func(base float64, d1, d2 int) bool {
			a1 := time.Duration(d1) * day
			a2 := a1 + time.Duration(d2)*day
			first := Apply(base, base, a1, 90*day, 180*day)
			second := Apply(first, base, a2, 90*day, 180*day)
			return first <= base && second <= first && second >= 0
		},
		gen.Float64Range(0.01, 1),
		gen.IntRange(0, 2000),
		gen.IntRange(0, 2000),
	))
	properties.TestingRun(t)
}

type harness struct {
	repo  *store.Memory
	sink  *audit.Memory
	sched *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{repo: store.NewMemory(), sink: &audit.Memory{}}
	h.sched = New(h.repo, model.DefaultConfig().Decay,
		WithAudit(audit.NewRecorder(h.sink, nil)),
		WithClock(func() time.Time { return now }))
	return h
}

func (h *harness) publish(t *testing.T, id string, fetched time.Time, conf float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.repo.CreateEvidence(ctx, &model.Evidence{ID: "ev-" + id, FetchedAt: fetched}))
	_, err := h.repo.UpsertRule(ctx, &model.RegulatoryRule{
		ID:             id,
		Key:            id,
		ConceptID:      "vat-threshold",
		Status:         model.StatusPublished,
		Confidence:     conf,
		BaseConfidence: conf,
		EvidenceIDs:    []string{"ev-" + id},
		CreatedAt:      fetched,
	})
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, id string) *model.RegulatoryRule {
	t.Helper()
	r, err := h.repo.GetRule(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.publish(t, "stale", now.Add(-300*day), 0.9)
	h.publish(t, "fresh", now.Add(-10*day), 0.9)
	h.publish(t, "rechecked", now.Add(-400*day), 0.9)
	require.NoError(t, h.repo.RecordCheck(ctx, model.SourceCheck{EvidenceID: "ev-rechecked", CheckedAt: now.Add(-5 * day)}))

	res, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.Decayed)
	assert.Equal(t, 1, res.NeedsRevalidation)

	stale := h.get(t, "stale")
	assert.InDelta(t, 0.9*Factor(300*day, 90*day, 180*day), stale.Confidence, 1e-9)
	assert.Equal(t, 0.9, stale.BaseConfidence)
	assert.True(t, stale.NeedsRevalidation)
	assert.Equal(t, model.StatusPublished, stale.Status, "decay never changes status")
	assert.Equal(t, 0.9, h.get(t, "fresh").Confidence)
	assert.Equal(t, 0.9, h.get(t, "rechecked").Confidence)
	assert.Equal(t, 1, h.sink.Count(audit.RuleDecayed))

	again, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Decayed, "same clock, nothing further to decay")
	assert.Equal(t, 1, again.NeedsRevalidation)
}

func TestRunOnce_SkipsNonPublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.repo.UpsertRule(ctx, &model.RegulatoryRule{
		ID:         "approved",
		Key:        "approved",
		Status:     model.StatusApproved,
		Confidence: 0.9,
		CreatedAt:  now.Add(-1000 * day),
	})
	require.NoError(t, err)

	res, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestReportAndRevalidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.publish(t, "old", now.Add(-700*day), 0.9)
	h.publish(t, "older", now.Add(-900*day), 0.9)
	h.publish(t, "ok", now.Add(-10*day), 0.9)
	_, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)

	report, err := h.sched.Report(ctx, 0)
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.Equal(t, "older", report[0].RuleID, "weakest first")
	assert.Equal(t, SeverityCritical, report[0].Severity)
	assert.Equal(t, now.Add(-900*day), report[0].LastConfirmed)

	all, err := h.sched.Report(ctx, 0.95)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, h.repo.CreateEvidence(ctx, &model.Evidence{ID: "ev-new", FetchedAt: now}))
	r, err := h.sched.Revalidate(ctx, "older", 0.8, "ev-new", "ana")
	require.NoError(t, err)
	assert.Equal(t, 0.8, r.Confidence)
	assert.Equal(t, 0.8, r.BaseConfidence)
	assert.False(t, r.NeedsRevalidation)
	assert.Equal(t, []string{"ev-new", "ev-older"}, r.EvidenceIDs)
	assert.Equal(t, 1, h.sink.Count(audit.RuleRevalidated))

	res, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.8, h.get(t, "older").Confidence, "revalidation restarts the clock")
	assert.Equal(t, 1, res.NeedsRevalidation)
}

func TestRevalidate_Invalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.publish(t, "r1", now, 0.9)

	tests := []struct {
		name, rule, evidence string
		conf                 float64
	}{
		{"zero confidence", "r1", "", 0},
		{"above one", "r1", "", 1.2},
		{"unknown rule", "missing", "", 0.9},
		{"unknown evidence", "r1", "ev-missing", 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Revalidate(ctx, tt.rule, tt.conf, tt.evidence, "ana")
			assert.True(t, fault.IsValidation(err))
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "stale", now.Add(-300*day), 0.9)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return h.get(t, "stale").NeedsRevalidation }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
