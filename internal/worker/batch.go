package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/statute/internal/model"
)

// Prober checks a candidate source without capturing evidence
type Prober interface {
	Probe(ctx context.Context, url string) (*model.SourceProbe, error)
}

// ProbeJob probes one URL
type ProbeJob struct {
	URL    string
	Prober Prober
}

// Execute executes the probe job
func (j *ProbeJob) Execute(ctx context.Context) Result {
	probe, err := j.Prober.Probe(ctx, j.URL)
	return &ProbeResult{URL: j.URL, Probe: probe, Error: err}
}

// ProbeResult represents the result of a probe job
type ProbeResult struct {
	URL   string
	Probe *model.SourceProbe
	Error error
}

// GetError returns the error from the probe result
func (r *ProbeResult) GetError() error {
	return r.Error
}

// BatchProber probes many sources concurrently
type BatchProber struct {
	prober      Prober
	concurrency int
}

// NewBatchProber creates a new batch prober
func NewBatchProber(prober Prober, concurrency int) *BatchProber {
	return &BatchProber{prober: prober, concurrency: concurrency}
}

// ProbeURLs probes urls and returns results in input order
func (b *BatchProber) ProbeURLs(ctx context.Context, urls []string) []*ProbeResult {
	if len(urls) == 0 {
		return []*ProbeResult{}
	}

	pool := NewPool(ctx, b.concurrency)
	pool.Start()

	for _, u := range urls {
		if !pool.Submit(&ProbeJob{URL: u, Prober: b.prober}) {
			break
		}
	}

	results := pool.Wait()
	out := make([]*ProbeResult, len(urls))
	for i, u := range urls {
		if i < len(results) && results[i] != nil {
			out[i] = results[i].(*ProbeResult)
			continue
		}
		out[i] = &ProbeResult{URL: u, Error: ctx.Err()}
	}
	return out
}

// SourceSpec is one line of a source import file: "<url> [jurisdiction]"
type SourceSpec struct {
	URL          string
	Jurisdiction string
}

// ReadSourcesFromFile reads source specs, skipping blanks, comments and duplicate URLs
func ReadSourcesFromFile(filePath string) ([]SourceSpec, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var specs []SourceSpec
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		spec := SourceSpec{URL: fields[0]}
		if len(fields) > 1 {
			spec.Jurisdiction = strings.ToUpper(fields[1])
		}
		if !seen[spec.URL] {
			seen[spec.URL] = true
			specs = append(specs, spec)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return specs, nil
}
