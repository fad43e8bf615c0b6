package worker

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_New(t *testing.T) {
	limiter := NewLimiter(10, 5)
	if limiter.defaultBurst != 5 {
		t.Errorf("expected burst 5, got %d", limiter.defaultBurst)
	}

	l2 := NewLimiter(10, -1)
	if l2.defaultBurst != 1 {
		t.Errorf("expected default burst 1 for negative input, got %d", l2.defaultBurst)
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(100, 1)
	ctx := context.Background()

	if err := limiter.Wait(ctx, "https://narodne-novine.nn.hr/clanci"); err != nil {
		t.Errorf("wait failed: %v", err)
	}

	// Different host should also work
	if err := limiter.Wait(ctx, "https://porezna-uprava.gov.hr"); err != nil {
		t.Errorf("wait failed: %v", err)
	}
}

func TestLimiter_RateLimit(t *testing.T) {
	limiter := NewLimiter(1, 1)
	ctx := context.Background()
	url := "http://example.com"

	if err := limiter.Wait(ctx, url); err != nil {
		t.Errorf("first wait failed: %v", err)
	}

	// Burst 1 is consumed
	if limiter.Allow(url) {
		t.Errorf("expected allow to fail (exhausted tokens)")
	}

	// Host matching ignores case
	if limiter.Allow("http://EXAMPLE.com/other") {
		t.Errorf("expected same host with different case to share the limiter")
	}

	if !limiter.Allow("http://other.com") {
		t.Errorf("expected allow for other host")
	}
}

func TestLimiter_ApplyCrawlDelay(t *testing.T) {
	limiter := NewLimiter(10, 10)

	if err := limiter.ApplyCrawlDelay("http://slow.com/robots.txt", 10*time.Second); err != nil {
		t.Fatalf("ApplyCrawlDelay failed: %v", err)
	}

	if !limiter.Allow("http://slow.com/a") {
		t.Errorf("first request should pass")
	}
	if limiter.Allow("http://slow.com/b") {
		t.Errorf("second request should wait for the crawl delay")
	}
	if !limiter.Allow("http://fast.com") {
		t.Errorf("other host should pass")
	}
}

func TestLimiter_CrawlDelayNeverLoosens(t *testing.T) {
	limiter := NewLimiter(0.01, 1)
	if err := limiter.ApplyCrawlDelay("http://gov.hr", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	limiter.Allow("http://gov.hr")
	if limiter.Allow("http://gov.hr") {
		t.Errorf("crawl delay shorter than the default rate must not loosen the limit")
	}
}

func TestHostOf(t *testing.T) {
	host, err := hostOf("http://Example.com/foo")
	if err != nil {
		t.Fatalf("hostOf failed: %v", err)
	}
	if host != "example.com" {
		t.Errorf("expected example.com, got %s", host)
	}

	if _, err = hostOf("::invalid"); err == nil {
		t.Errorf("expected error for invalid URL")
	}
	if _, err = hostOf("/relative/path"); err == nil {
		t.Errorf("expected error for URL without host")
	}
}
