package sentinel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/statute/internal/model"
)

func noProbeSleep(t *testing.T) {
	orig := probeSleepFunc
	probeSleepFunc = func(time.Duration) {}
	t.Cleanup(func() { probeSleepFunc = orig })
}

func TestProbe_HeadFallbackToGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewProber(testHTTPConfig(), nil, NewAuthorityClassifier(model.AuthorityConfig{}))
	result, err := prober.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.Reachable || result.StatusCode != http.StatusOK {
		t.Errorf("Expected reachable 200, got %+v", result)
	}
	if result.ContentType != "text/html; charset=utf-8" {
		t.Errorf("Unexpected content type: %s", result.ContentType)
	}
	if !result.RobotsAllowed {
		t.Error("Expected robots allowed without a checker")
	}
}

func TestProbe_RetriesServerErrors(t *testing.T) {
	noProbeSleep(t)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewProber(testHTTPConfig(), nil, NewAuthorityClassifier(model.AuthorityConfig{}))
	result, err := prober.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.Reachable {
		t.Errorf("Expected reachable after retries, got %+v", result)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestProbe_NotFoundIsNotRetried(t *testing.T) {
	noProbeSleep(t)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	prober := NewProber(testHTTPConfig(), nil, NewAuthorityClassifier(model.AuthorityConfig{}))
	result, err := prober.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Reachable || result.StatusCode != http.StatusNotFound {
		t.Errorf("Expected unreachable 404, got %+v", result)
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts.Load())
	}
}

func TestProbe_RobotsAndAuthority(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testHTTPConfig()
	authority := NewAuthorityClassifier(model.AuthorityConfig{PrimaryDomains: []string{"127.0.0.1"}})
	prober := NewProber(cfg, NewRobotsChecker(cfg.UserAgent, server.Client(), nil), authority)

	result, err := prober.Probe(context.Background(), server.URL+"/law")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.RobotsAllowed {
		t.Error("Expected robots disallow")
	}
	if result.Authority != model.TierPrimary {
		t.Errorf("Expected primary authority, got %v", result.Authority)
	}
}
