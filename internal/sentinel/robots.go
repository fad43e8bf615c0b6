package sentinel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/ppiankov/statute/internal/cache"
)

const (
	robotsTTL      = 12 * time.Hour
	robotsMaxBytes = 512 << 10
)

// robotsEntry is the cached form of a robots.txt response
type robotsEntry struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// RobotsChecker checks robots.txt compliance. Responses are cached per host.
type RobotsChecker struct {
	cache      cache.Cache
	httpClient *http.Client
	userAgent  string
	agentToken string
}

// NewRobotsChecker creates a new robots.txt checker backed by c
func NewRobotsChecker(userAgent string, client *http.Client, c cache.Cache) *RobotsChecker {
	if c == nil {
		c = cache.NewMemoryCache(robotsTTL, time.Hour)
	}
	return &RobotsChecker{
		cache:      c,
		httpClient: client,
		userAgent:  userAgent,
		agentToken: NormalizeUserAgent(userAgent),
	}
}

// CanFetch checks if the URL can be fetched according to robots.txt.
// An unreachable robots.txt allows the fetch.
func (r *RobotsChecker) CanFetch(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse URL: %w", err)
	}

	data, err := r.robotsData(ctx, parsed.Scheme, parsed.Host)
	if err != nil {
		return true, 0, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	allowed := data.TestAgent(path, r.agentToken)

	var crawlDelay time.Duration
	if group := data.FindGroup(r.agentToken); group != nil {
		crawlDelay = group.CrawlDelay
	}
	return allowed, crawlDelay, nil
}

func (r *RobotsChecker) robotsData(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	key := cache.Key("robots", strings.ToLower(host))

	var entry robotsEntry
	if !cache.GetJSON(r.cache, key, &entry) {
		fetched, err := r.fetch(ctx, fmt.Sprintf("%s://%s/robots.txt", scheme, host))
		if err != nil {
			return nil, err
		}
		entry = *fetched
		_ = cache.SetJSON(r.cache, key, entry, robotsTTL)
	}

	data, err := robotstxt.FromStatusAndBytes(entry.Status, entry.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}

func (r *RobotsChecker) fetch(ctx context.Context, robotsURL string) (*robotsEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 5xx is not cached and the fetch is allowed.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots.txt status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	return &robotsEntry{Status: resp.StatusCode, Body: body}, nil
}

// NormalizeUserAgent extracts the product token used for robots.txt matching
func NormalizeUserAgent(ua string) string {
	parts := strings.Fields(ua)
	if len(parts) > 0 {
		return strings.Split(parts[0], "/")[0]
	}
	return ua
}
