package sentinel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/statute/internal/model"
)

const probeMaxRetries = 3

// probeSleepFunc is the sleep function used between retries (injectable for tests)
var probeSleepFunc = time.Sleep

// Prober checks a candidate source before registration: reachability,
// robots.txt permission and authority tier. No evidence is captured.
type Prober struct {
	httpClient *http.Client
	userAgent  string
	robots     *RobotsChecker
	authority  *AuthorityClassifier
}

// NewProber creates a prober sharing the sentinel's HTTP settings
func NewProber(cfg model.HTTPConfig, robots *RobotsChecker, authority *AuthorityClassifier) *Prober {
	return &Prober{
		httpClient: newHTTPClient(cfg),
		userAgent:  cfg.UserAgent,
		robots:     robots,
		authority:  authority,
	}
}

// Probe implements worker.Prober
func (p *Prober) Probe(ctx context.Context, rawURL string) (*model.SourceProbe, error) {
	result := &model.SourceProbe{
		URL:           rawURL,
		Authority:     p.authority.Classify(rawURL),
		RobotsAllowed: true,
	}

	if p.robots != nil {
		allowed, delay, err := p.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		result.RobotsAllowed = allowed
		result.CrawlDelay = delay
	}

	for attempt := 0; attempt < probeMaxRetries; attempt++ {
		p.probeOnce(ctx, result)
		if !isRetryableProbe(result) {
			break
		}
		if attempt < probeMaxRetries-1 {
			probeSleepFunc(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	return result, nil
}

func (p *Prober) probeOnce(ctx context.Context, result *model.SourceProbe) {
	result.Error = ""
	result.StatusCode = 0
	result.Reachable = false

	resp, err := p.do(ctx, http.MethodHead, result.URL)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		_ = resp.Body.Close()
		resp, err = p.do(ctx, http.MethodGet, result.URL)
	}
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	result.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 400
	if final := resp.Request.URL.String(); final != result.URL {
		result.FinalURL = final
	}
}

func (p *Prober) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	return p.httpClient.Do(req)
}

// isRetryableProbe returns true for results that indicate transient failures
func isRetryableProbe(result *model.SourceProbe) bool {
	if result.StatusCode >= 500 || result.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return result.Error != "" && result.StatusCode == 0 && isRetryableFetchError(fmt.Errorf("%s", result.Error))
}
