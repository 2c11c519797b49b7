package datadog

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"fbextract/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter records the payloads Flush hands to the intake API.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) allSeries() []datadogV2.MetricSeries {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datadogV2.MetricSeries
	for _, p := range f.payloads {
		out = append(out, p.Series...)
	}
	return out
}

func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1700000000, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func findSeries(series []datadogV2.MetricSeries, metric string, tag string) (datadogV2.MetricSeries, bool) {
	for _, s := range series {
		if s.Metric != metric {
			continue
		}
		if tag != "" && !hasTag(s.Tags, tag) {
			continue
		}
		return s, true
	}
	return datadogV2.MetricSeries{}, false
}

func hasTag(tags []string, want string) bool {
	for _, tg := range tags {
		if tg == want {
			return true
		}
	}
	return false
}

func seriesValue(t *testing.T, s datadogV2.MetricSeries) float64 {
	t.Helper()
	if len(s.Points) != 1 || s.Points[0].Value == nil {
		t.Fatalf("series %q has malformed points: %+v", s.Metric, s.Points)
	}
	return *s.Points[0].Value
}

// TestResolveEnvTag verifies environment-tag precedence: ENV wins over
// DD_ENV, whitespace-only values are ignored, unset means env:unknown.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{"ENV wins", "prod", "stage", "env:prod"},
		{"DD_ENV fallback", "", "stage", "env:stage"},
		{"whitespace ignored", "   ", "\n\t", "env:unknown"},
		{"unset", "", "", "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag() = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestBufKeyRoundTrip verifies tag lists survive the buffer-key encoding.
func TestBufKeyRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tags []string
	}{
		{"two tags", []string{"step:query_feed", "status:ok"}},
		{"one tag", []string{"status:200"}},
		{"empty tag values", []string{"step:", "status:"}},
		{"no tags", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := makeKey("fbextract.step.total", tc.tags).tagList()
			if !reflect.DeepEqual(got, tc.tags) {
				t.Fatalf("tagList() = %v, want %v", got, tc.tags)
			}
		})
	}
}

// TestNearestRank verifies percentile selection on sorted samples.
func TestNearestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 0.50, 0},
		{"single", []float64{7}, 0.95, 7},
		{"median of five", []float64{1, 2, 3, 4, 5}, 0.50, 3},
		{"p90 small n", []float64{1, 2, 3, 4, 5}, 0.90, 5},
		{"p99 small n", []float64{1, 2, 3}, 0.99, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := nearestRank(tc.sorted, tc.p); got != tc.want {
				t.Fatalf("nearestRank(%v, %v) = %v, want %v", tc.sorted, tc.p, got, tc.want)
			}
		})
	}
}

// TestNewBackend_Defaults verifies option defaulting and base tags.
func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:extract"},
		submitter: fs,
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() error: %v", err)
	}
	defer func() { _ = b.Close() }()

	if !hasTag(b.baseTags, "job:fbextract") {
		t.Fatalf("baseTags missing job:fbextract: %v", b.baseTags)
	}
	if !hasTag(b.baseTags, "service:extract") {
		t.Fatalf("baseTags missing service:extract: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery = %s, want 60s", b.flushEvery)
	}
}

// TestFlush_SubmitsAndResets verifies a flush ships the buffered series
// once and leaves empty buffers behind.
func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter("extractor_step_total", 2, metrics.Labels{"step": "query_feed", "status": "ok"})
	b.IncCounter("extractor_step_total", 1, metrics.Labels{"step": "query_feed", "status": "ok"})
	b.IncCounter("extractor_records_total", 3, metrics.Labels{"kind": "feed_comments"})
	b.ObserveHistogram("extractor_http_request_duration_seconds", 0.1, metrics.Labels{"status": "200"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submissions = %d, want 1", fs.count())
	}

	series := fs.allSeries()
	step, ok := findSeries(series, "fbextract.step.total", "step:query_feed")
	if !ok {
		t.Fatalf("missing fbextract.step.total series: %+v", series)
	}
	if got := seriesValue(t, step); got != 3 {
		t.Fatalf("step total = %v, want 3 (merged increments)", got)
	}
	rows, ok := findSeries(series, "fbextract.rows.total", "table:feed_comments")
	if !ok {
		t.Fatalf("missing fbextract.rows.total with table tag: %+v", series)
	}
	if got := seriesValue(t, rows); got != 3 {
		t.Fatalf("rows total = %v, want 3", got)
	}

	b.mu.Lock()
	empty := len(b.counts) == 0 && len(b.samples) == 0
	b.mu.Unlock()
	if !empty {
		t.Fatal("buffers not reset after Flush")
	}

	// A second flush with nothing recorded submits nothing.
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submissions after empty flush = %d, want 1", fs.count())
	}
}

// TestFlush_PercentileGauges verifies each sample set turns into the fixed
// gauge fan-out with the series tags carried over.
func TestFlush_PercentileGauges(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	for _, v := range []float64{0.5, 0.1, 0.3, 0.2, 0.4} {
		b.ObserveHistogram("extractor_http_request_duration_seconds", v, metrics.Labels{"status": "200"})
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	series := fs.allSeries()
	want := map[string]float64{
		"fbextract.http.request_duration_seconds.p50":     0.3,
		"fbextract.http.request_duration_seconds.p90":     0.5,
		"fbextract.http.request_duration_seconds.p95":     0.5,
		"fbextract.http.request_duration_seconds.p99":     0.5,
		"fbextract.http.request_duration_seconds.max":     0.5,
		"fbextract.http.request_duration_seconds.samples": 5,
	}
	for metric, wantVal := range want {
		s, ok := findSeries(series, metric, "status:200")
		if !ok {
			t.Fatalf("missing gauge %q", metric)
		}
		if got := seriesValue(t, s); got != wantVal {
			t.Fatalf("%s = %v, want %v", metric, got, wantVal)
		}
		if s.Type == nil || *s.Type != datadogV2.METRICINTAKETYPE_GAUGE {
			t.Fatalf("%s type = %v, want gauge", metric, s.Type)
		}
		if !hasTag(s.Tags, "job:job1") {
			t.Fatalf("%s missing base tag job:job1, tags = %v", metric, s.Tags)
		}
	}
}

// TestRecord_IgnoresOutOfContract verifies points outside the metric name
// contract or with unusable labels are dropped rather than shipped.
func TestRecord_IgnoresOutOfContract(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter("extractor_http_requests_total", 0, nil)
	b.IncCounter("extractor_records_total", 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.IncCounter("extractor_step_duration_seconds", 1, nil)
	b.ObserveHistogram("extractor_step_duration_seconds", -1, metrics.Labels{"step": "a", "status": "ok"})
	b.ObserveHistogram("extractor_http_requests_total", 0.1, metrics.Labels{"status": "200"})

	// Missing status tags fall back to status:unknown.
	b.IncCounter("extractor_http_requests_total", 1, metrics.Labels{})
	b.ObserveHistogram("extractor_http_request_duration_seconds", 0.1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	series := fs.allSeries()
	if _, ok := findSeries(series, "fbextract.http.requests.total", "status:unknown"); !ok {
		t.Fatalf("missing requests.total with status:unknown: %+v", series)
	}
	if _, ok := findSeries(series, "fbextract.http.request_duration_seconds.p50", "status:unknown"); !ok {
		t.Fatalf("missing request_duration p50 with status:unknown")
	}
	if _, ok := findSeries(series, "fbextract.rows.total", ""); ok {
		t.Fatal("rows.total without a kind label must be dropped")
	}
	if len(series) != 7 {
		t.Fatalf("series count = %d, want 7 (1 count + 6 gauges)", len(series))
	}
}

// TestLoopAndClose verifies the ticker loop flushes in the background and
// Close performs one final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() error: %v", err)
	}

	b.IncCounter("extractor_http_requests_total", 1, metrics.Labels{"status": "200"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for fs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() == 0 {
		_ = b.Close()
		t.Fatal("background loop never flushed")
	}

	b.IncCounter("extractor_http_requests_total", 1, metrics.Labels{"status": "200"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("submissions after Close = %d, want at least 2", fs.count())
	}
}

// TestRecord_Concurrent verifies recording from many goroutines loses
// nothing.
func TestRecord_Concurrent(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	const workers, iters = 8, 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter("extractor_step_total", 1, metrics.Labels{"step": "query_feed", "status": "ok"})
				b.ObserveHistogram("extractor_step_duration_seconds", 0.01, metrics.Labels{"step": "query_feed", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	s, ok := findSeries(fs.allSeries(), "fbextract.step.total", "step:query_feed")
	if !ok {
		t.Fatal("missing step total series")
	}
	if got := seriesValue(t, s); got != workers*iters {
		t.Fatalf("step total = %v, want %d", got, workers*iters)
	}
	samples, ok := findSeries(fs.allSeries(), "fbextract.step.duration_seconds.samples", "step:query_feed")
	if !ok {
		t.Fatal("missing duration samples gauge")
	}
	if got := seriesValue(t, samples); got != workers*iters {
		t.Fatalf("duration samples = %v, want %d", got, workers*iters)
	}
}

// TestParseTagsCSV verifies trimming and empty-segment handling.
func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty returns nil", "", nil},
		{"trims and skips blanks", " env:prod , ,service:extract,  ,team:data ", []string{"env:prod", "service:extract", "team:data"}},
		{"single tag", "service:extract", []string{"service:extract"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
