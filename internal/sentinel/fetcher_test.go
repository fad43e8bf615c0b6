package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
)

func testHTTPConfig() model.HTTPConfig {
	return model.HTTPConfig{
		Timeout:      5 * time.Second,
		UserAgent:    "statute-test/1.0",
		MaxBodyBytes: 1 << 20,
	}
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "statute-test/1.0" {
			t.Errorf("Unexpected User-Agent: %s", got)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("ETag", `"v1"`)
		_, _ = fmt.Fprint(w, "<html><body>OK</body></html>")
	}))
	defer server.Close()

	result, err := NewFetcher(testHTTPConfig()).Fetch(context.Background(), server.URL, "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Body != "<html><body>OK</body></html>" {
		t.Errorf("Unexpected body: %s", result.Body)
	}
	if result.Meta.ETag != `"v1"` || result.Meta.StatusCode != http.StatusOK {
		t.Errorf("Unexpected meta: %+v", result.Meta)
	}
	if result.NotModified {
		t.Error("Expected NotModified=false")
	}
}

func TestFetch_ConditionalNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = fmt.Fprint(w, "fresh")
	}))
	defer server.Close()

	result, err := NewFetcher(testHTTPConfig()).Fetch(context.Background(), server.URL, `"v1"`)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.NotModified {
		t.Fatal("Expected NotModified for matching ETag")
	}
	if result.Meta.ETag != `"v1"` {
		t.Errorf("Expected ETag carried over, got %q", result.Meta.ETag)
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "0123456789")
	}))
	defer server.Close()

	cfg := testHTTPConfig()
	cfg.MaxBodyBytes = 4
	result, err := NewFetcher(cfg).Fetch(context.Background(), server.URL, "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Body != "0123" {
		t.Errorf("Expected truncated body, got %q", result.Body)
	}
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   fault.Kind
	}{
		{http.StatusServiceUnavailable, fault.KindTransient},
		{http.StatusTooManyRequests, fault.KindTransient},
		{http.StatusRequestTimeout, fault.KindTransient},
		{http.StatusNotFound, fault.KindValidation},
		{http.StatusForbidden, fault.KindValidation},
		{http.StatusGone, fault.KindValidation},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewFetcher(testHTTPConfig()).Fetch(context.Background(), server.URL, "")
			if err == nil {
				t.Fatal("Expected error")
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.status {
				t.Fatalf("Expected StatusError %d, got %v", tt.status, err)
			}
			if got := fault.KindOf(Classify("src-1", err)); got != tt.kind {
				t.Errorf("Expected %s, got %s", tt.kind, got)
			}
		})
	}
}

func TestClassify_NetworkErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewFetcher(testHTTPConfig()).Fetch(context.Background(), url, "")
	if err == nil {
		t.Fatal("Expected connection error")
	}
	if !fault.IsTransient(Classify("src-1", err)) {
		t.Errorf("Expected connection refused to be transient, got %v", Classify("src-1", err))
	}

	if Classify("src-1", nil) != nil {
		t.Error("Expected nil for nil error")
	}
	if !fault.IsValidation(Classify("src-1", errors.New("create request: parse \"::\": missing protocol scheme"))) {
		t.Error("Expected malformed request to be a validation error")
	}
}

func TestFetch_TooManyRedirects(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	_, err := NewFetcher(testHTTPConfig()).Fetch(context.Background(), server.URL+"/a", "")
	if err == nil {
		t.Fatal("Expected redirect limit error")
	}
}
