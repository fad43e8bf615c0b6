package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pageServer serves a mutable body with an ETag derived from a version counter
type pageServer struct {
	mu      sync.Mutex
	body    string
	version int
	status  int
	hold    *sync.WaitGroup // Requests wait here until all expected ones arrive
}

func (p *pageServer) set(body string) {
	p.mu.Lock()
	p.body = body
	p.version++
	p.mu.Unlock()
}

func (p *pageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.hold != nil {
		p.hold.Done()
		p.hold.Wait()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != 0 {
		w.WriteHeader(p.status)
		return
	}
	etag := fmt.Sprintf(`"v%d"`, p.version)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("ETag", etag)
	_, _ = fmt.Fprint(w, p.body)
}

type harness struct {
	sentinel *Sentinel
	repo     *store.Memory
	queue    *queue.Memory
	audit    *audit.Memory
	clock    *testClock
	page     *pageServer
	server   *httptest.Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		repo:  store.NewMemory(),
		queue: queue.NewMemory(),
		audit: &audit.Memory{},
		clock: &testClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		page:  &pageServer{body: "<html><body><p>PDV prag iznosi 40.000 EUR.</p></body></html>"},
	}
	h.server = httptest.NewServer(h.page)
	t.Cleanup(h.server.Close)
	t.Cleanup(func() { _ = h.queue.Close() })

	all := append([]Option{
		WithAudit(audit.NewRecorder(h.audit, nil)),
		WithClock(h.clock.Now),
	}, opts...)
	h.sentinel = New(h.repo, h.queue, NewFetcher(testHTTPConfig()), model.SentinelConfig{
		PollInterval:    time.Hour,
		DeactivateAfter: 2,
	}, all...)
	return h
}

func (h *harness) register(t *testing.T) *model.Source {
	t.Helper()
	src, err := h.sentinel.Register(context.Background(), h.server.URL+"/pdv", "hr")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return src
}

func (h *harness) check(t *testing.T, sourceID string) error {
	t.Helper()
	h.clock.Advance(time.Minute)
	job, err := queue.NewJob(model.StageSentinel, model.SentinelJob{SourceID: sourceID})
	if err != nil {
		t.Fatal(err)
	}
	return h.sentinel.Handle(context.Background(), job)
}

func (h *harness) pending(t *testing.T, stage model.Stage) int64 {
	t.Helper()
	n, err := h.queue.Pending(context.Background(), stage)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSentinel_FirstFetchCapturesEvidence(t *testing.T) {
	h := newHarness(t)
	src := h.register(t)
	if src.Jurisdiction != "HR" {
		t.Errorf("Expected upper-cased jurisdiction, got %s", src.Jurisdiction)
	}

	if err := h.check(t, src.ID); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	ev, err := h.repo.LatestEvidence(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("Expected evidence, got %v", err)
	}
	if !ev.HasChanged || ev.PreviousHash != nil {
		t.Errorf("Expected first evidence changed with no previous hash, got changed=%v prev=%v", ev.HasChanged, ev.PreviousHash)
	}
	if ev.Text != "PDV prag iznosi 40.000 EUR." {
		t.Errorf("Unexpected normalized text: %q", ev.Text)
	}
	if h.pending(t, model.StageExtract) != 1 {
		t.Errorf("Expected one extract job")
	}

	stored, _ := h.repo.GetSource(context.Background(), src.ID)
	if stored.LastEvidenceID != ev.ID || stored.LastHash != ev.ContentHash || stored.ETag != `"v0"` {
		t.Errorf("Source not updated: %+v", stored)
	}
	if h.audit.Count(audit.EvidenceCaptured) != 1 {
		t.Errorf("Expected evidence.captured event")
	}
}

func TestSentinel_UnchangedContentDoesNotTriggerExtraction(t *testing.T) {
	h := newHarness(t)
	src := h.register(t)
	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}
	first, _ := h.repo.LatestEvidence(context.Background(), src.ID)
	_, _ = h.queue.Dequeue(context.Background(), model.StageExtract)

	// 304 via ETag
	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}

	// Same visible text, different markup and whitespace: new ETag, same hash
	h.page.set("<html>\n<body>  <p>PDV prag   iznosi 40.000 EUR.</p>\n</body></html>")
	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}

	latest, _ := h.repo.LatestEvidence(context.Background(), src.ID)
	if latest.ID != first.ID {
		t.Errorf("Expected no new evidence, got %s", latest.ID)
	}
	if n := h.pending(t, model.StageExtract); n != 0 {
		t.Errorf("Expected zero extract jobs for unchanged content, got %d", n)
	}
	if h.audit.Count(audit.EvidenceUnchanged) != 2 {
		t.Errorf("Expected 2 unchanged markers, got %d", h.audit.Count(audit.EvidenceUnchanged))
	}
	confirmed, err := h.repo.LastConfirmed(context.Background(), first.ID)
	if err != nil || !confirmed.After(first.FetchedAt) {
		t.Errorf("Expected re-confirmation after fetch, got %v err=%v", confirmed, err)
	}
}

func TestSentinel_ChangedContentLinksPreviousHash(t *testing.T) {
	h := newHarness(t)
	src := h.register(t)
	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}
	first, _ := h.repo.LatestEvidence(context.Background(), src.ID)

	h.page.set("<html><body><p>PDV prag iznosi 60.000 EUR.</p></body></html>")
	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}

	second, _ := h.repo.LatestEvidence(context.Background(), src.ID)
	if second.ID == first.ID {
		t.Fatal("Expected new evidence")
	}
	if second.PreviousHash == nil || *second.PreviousHash != first.ContentHash {
		t.Errorf("Expected previous hash %s, got %v", first.ContentHash, second.PreviousHash)
	}
	if second.PreviousID != first.ID {
		t.Errorf("Expected evidence to follow %s, got %q", first.ID, second.PreviousID)
	}
	if h.pending(t, model.StageExtract) != 2 {
		t.Errorf("Expected two extract jobs")
	}
}

func TestSentinel_ConcurrentChecksCaptureOnce(t *testing.T) {
	h := newHarness(t)
	src := h.register(t)

	// Both jobs read the same latest Evidence before either writes.
	var both sync.WaitGroup
	both.Add(2)
	h.page.hold = &both

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			job, err := queue.NewJob(model.StageSentinel, model.SentinelJob{SourceID: src.ID})
			if err != nil {
				errs <- err
				return
			}
			errs <- h.sentinel.Handle(context.Background(), job)
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}

	if n := h.audit.Count(audit.EvidenceCaptured); n != 1 {
		t.Errorf("Expected one captured evidence, got %d", n)
	}
	if n := h.pending(t, model.StageExtract); n != 1 {
		t.Errorf("Expected one extract job, got %d", n)
	}
	latest, err := h.repo.LatestEvidence(context.Background(), src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.PreviousID != "" {
		t.Errorf("Expected first evidence of the source, got successor of %s", latest.PreviousID)
	}
}

func TestSentinel_CompletesInterruptedHandOff(t *testing.T) {
	h := newHarness(t)
	src := h.register(t)

	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}
	captured, _ := h.repo.LatestEvidence(context.Background(), src.ID)
	_, _ = h.queue.Dequeue(context.Background(), model.StageExtract)

	// Evidence written by an attempt that died before enqueueing and updating the source.
	orphan := &model.Evidence{
		ID:          "ev-orphan",
		SourceID:    src.ID,
		PreviousID:  captured.ID,
		URL:         src.URL,
		FetchedAt:   h.clock.Now().Add(time.Second),
		ContentHash: captured.ContentHash,
		HasChanged:  true,
	}
	if err := h.repo.CreateEvidence(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}

	if err := h.check(t, src.ID); err != nil {
		t.Fatal(err)
	}

	job, err := h.queue.Dequeue(context.Background(), model.StageExtract)
	if err != nil {
		t.Fatal(err)
	}
	var payload model.ExtractJob
	if err := job.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.EvidenceID != orphan.ID {
		t.Errorf("Expected hand-off for %s, got %s", orphan.ID, payload.EvidenceID)
	}
	stored, _ := h.repo.GetSource(context.Background(), src.ID)
	if stored.LastEvidenceID != orphan.ID {
		t.Errorf("Expected source to point at recovered evidence, got %s", stored.LastEvidenceID)
	}
}

func TestSentinel_FetchErrorsAreClassified(t *testing.T) {
	h := newHarness(t)
	src := h.register(t)

	h.page.status = http.StatusServiceUnavailable
	if err := h.check(t, src.ID); !fault.IsTransient(err) {
		t.Errorf("Expected transient for 503, got %v", err)
	}

	h.page.status = http.StatusNotFound
	if err := h.check(t, src.ID); !fault.IsValidation(err) {
		t.Errorf("Expected validation for 404, got %v", err)
	}

	job, _ := queue.NewJob(model.StageSentinel, model.SentinelJob{SourceID: "missing"})
	if err := h.sentinel.Handle(context.Background(), job); !fault.IsValidation(err) {
		t.Errorf("Expected validation for unknown source, got %v", err)
	}
}

func TestSentinel_RobotsDisallow(t *testing.T) {
	h := newHarness(t)
	robotsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
			return
		}
		_, _ = fmt.Fprint(w, "<p>private</p>")
	}))
	defer robotsServer.Close()

	h.sentinel.robots = NewRobotsChecker("statute-test/1.0", robotsServer.Client(), nil)
	src, err := h.sentinel.Register(context.Background(), robotsServer.URL+"/page", "HR")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.check(t, src.ID); !fault.IsValidation(err) {
		t.Errorf("Expected validation error for robots disallow, got %v", err)
	}
	if _, err := h.repo.LatestEvidence(context.Background(), src.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected no evidence, got %v", err)
	}
}

func TestSentinel_PollSkipsInactiveAndNotDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.register(t)
	b, err := h.sentinel.Register(ctx, h.server.URL+"/other", "HR")
	if err != nil {
		t.Fatal(err)
	}

	n, err := h.sentinel.Poll(ctx, false)
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 never-checked sources enqueued, got %d err=%v", n, err)
	}
	drain(t, h.queue, model.StageSentinel, 2)

	if err := h.check(t, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.sentinel.Deactivate(ctx, b.ID, "operator"); err != nil {
		t.Fatal(err)
	}

	if n, _ := h.sentinel.Poll(ctx, false); n != 0 {
		t.Errorf("Expected nothing due, got %d", n)
	}
	if n, _ := h.sentinel.Poll(ctx, true); n != 1 {
		t.Errorf("Expected forced poll of the active source only, got %d", n)
	}
	drain(t, h.queue, model.StageSentinel, 1)

	h.clock.Advance(2 * time.Hour)
	if n, _ := h.sentinel.Poll(ctx, false); n != 1 {
		t.Errorf("Expected source due after poll interval, got %d", n)
	}
}

func TestSentinel_DeactivatesAfterConsecutiveDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.register(t)
	job, _ := queue.NewJob(model.StageSentinel, model.SentinelJob{SourceID: src.ID})

	h.sentinel.OnDeadLetter(ctx, job, nil)
	stored, _ := h.repo.GetSource(ctx, src.ID)
	if !stored.Active || stored.ConsecutiveFailures != 1 {
		t.Fatalf("Expected active with 1 failure, got %+v", stored)
	}

	h.sentinel.OnDeadLetter(ctx, job, nil)
	stored, _ = h.repo.GetSource(ctx, src.ID)
	if stored.Active || stored.DeactivatedAt == nil {
		t.Errorf("Expected deactivated after 2 failures, got %+v", stored)
	}
	if h.audit.Count(audit.SourceDeactivated) != 1 {
		t.Errorf("Expected one source.deactivated event")
	}

	// A queued job for an inactive source still runs and resets the counter.
	if err := h.check(t, src.ID); err != nil {
		t.Fatalf("Expected in-flight job to complete, got %v", err)
	}
	stored, _ = h.repo.GetSource(ctx, src.ID)
	if stored.ConsecutiveFailures != 0 {
		t.Errorf("Expected failures reset on success, got %d", stored.ConsecutiveFailures)
	}
}

func TestSentinel_RegisterValidation(t *testing.T) {
	h := newHarness(t)
	for _, raw := range []string{"", "ftp://example.com/x", "/relative/path", "https://"} {
		if _, err := h.sentinel.Register(context.Background(), raw, "HR"); !fault.IsValidation(err) {
			t.Errorf("Expected validation error for %q, got %v", raw, err)
		}
	}

	h.register(t)
	if _, err := h.sentinel.Register(context.Background(), h.server.URL+"/pdv", "HR"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected duplicate URL conflict, got %v", err)
	}
}

func drain(t *testing.T, q *queue.Memory, stage model.Stage, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		if _, err := q.Dequeue(ctx, stage); err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
	}
}
