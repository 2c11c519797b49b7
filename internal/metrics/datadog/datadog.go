// Package datadog submits the extractor's metrics to Datadog.
//
// The backend buffers data points in memory and ships them on a ticker
// (default once per minute) plus one final time on Close, so long extractions
// show up as a time series rather than a single spike at exit. Recording is
// lock-protected and cheap; Flush swaps the buffers out under the lock and
// submits outside of it, so a slow intake never stalls extraction goroutines.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"fbextract/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "fbextract".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them; unit tests
	// use them to avoid real submission and nondeterministic tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the one SDK call this package needs. The official
// client only offers the concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP, so the backend depends on this interface and
// tests swap in a recording fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesRule translates one facade metric name into a Datadog series.
// tagger returns the series tags for a recorded point, or nil to drop it.
type seriesRule struct {
	series     string
	distribute bool
	tagger     func(metrics.Labels) []string
}

func stepTags(l metrics.Labels) []string {
	return []string{"step:" + l["step"], "status:" + l["status"]}
}

func statusTag(l metrics.Labels) []string {
	st := l["status"]
	if st == "" {
		st = "unknown"
	}
	return []string{"status:" + st}
}

func tableTag(l metrics.Labels) []string {
	if l["kind"] == "" {
		return nil
	}
	return []string{"table:" + l["kind"]}
}

var rules = map[string]seriesRule{
	"extractor_step_total": {
		series: "fbextract.step.total",
		tagger: stepTags,
	},
	"extractor_records_total": {
		series: "fbextract.rows.total",
		tagger: tableTag,
	},
	"extractor_http_requests_total": {
		series: "fbextract.http.requests.total",
		tagger: statusTag,
	},
	"extractor_http_errors_total": {
		series: "fbextract.http.errors.total",
		tagger: statusTag,
	},
	"extractor_step_duration_seconds": {
		series:     "fbextract.step.duration_seconds",
		distribute: true,
		tagger:     stepTags,
	},
	"extractor_http_request_duration_seconds": {
		series:     "fbextract.http.request_duration_seconds",
		distribute: true,
		tagger:     statusTag,
	},
	"extractor_http_response_duration_seconds": {
		series:     "fbextract.http.response_duration_seconds",
		distribute: true,
		tagger:     statusTag,
	},
	"extractor_http_download_bytes": {
		series:     "fbextract.http.download_bytes",
		distribute: true,
		tagger:     statusTag,
	},
}

// bufKey identifies one buffered series. Tags are joined with a NUL byte so
// the key survives map round-trips without ambiguity.
type bufKey struct {
	series string
	tags   string
}

func makeKey(series string, tags []string) bufKey {
	return bufKey{series: series, tags: strings.Join(tags, "\x00")}
}

func (k bufKey) tagList() []string {
	if k.tags == "" {
		return nil
	}
	return strings.Split(k.tags, "\x00")
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu      sync.Mutex
	counts  map[bufKey]float64
	samples map[bufKey][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and
// starts its flush loop. The environment tag is taken from ENV, then DD_ENV,
// otherwise env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "fbextract"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	tickerFn := opts.newTicker
	if tickerFn == nil {
		tickerFn = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  tickerFn,
		counts:     make(map[bufKey]float64),
		samples:    make(map[bufKey][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
// "Close once" semantics: a second Close panics on the closed channel.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend. Metric names outside the extractor
// contract are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	r, ok := rules[name]
	if !ok || r.distribute {
		return
	}
	tags := r.tagger(labels)
	if tags == nil {
		return
	}
	k := makeKey(r.series, tags)

	b.mu.Lock()
	b.counts[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Negative samples and metric
// names outside the extractor contract are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	r, ok := rules[name]
	if !ok || !r.distribute {
		return
	}
	tags := r.tagger(labels)
	if tags == nil {
		return
	}
	k := makeKey(r.series, tags)

	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

// Flush submits buffered metrics and resets the buffers. Buffers are reset
// even when submission fails, so delivery trouble never re-counts work.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counts := b.counts
	samples := b.samples
	b.counts = make(map[bufKey]float64)
	b.samples = make(map[bufKey][]float64)
	b.mu.Unlock()

	if len(counts) == 0 && len(samples) == 0 {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(counts, samples, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries renders the detached buffers into Datadog series at a fixed
// timestamp. Pure: no locks, no network, no clocks.
func (b *Backend) buildSeries(counts map[bufKey]float64, samples map[bufKey][]float64, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counts)+6*len(samples))

	for k, v := range counts {
		if v == 0 {
			continue
		}
		series = append(series, b.point(k.series, v, k.tagList(), datadogV2.METRICINTAKETYPE_COUNT, nowUnix))
	}

	for k, vals := range samples {
		if len(vals) == 0 {
			continue
		}
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		tags := k.tagList()
		for _, pc := range []struct {
			suffix string
			value  float64
		}{
			{".p50", nearestRank(sorted, 0.50)},
			{".p90", nearestRank(sorted, 0.90)},
			{".p95", nearestRank(sorted, 0.95)},
			{".p99", nearestRank(sorted, 0.99)},
			{".max", sorted[len(sorted)-1]},
			{".samples", float64(len(sorted))},
		} {
			series = append(series, b.point(k.series+pc.suffix, pc.value, tags, datadogV2.METRICINTAKETYPE_GAUGE, nowUnix))
		}
	}

	return series
}

func (b *Backend) point(metric string, value float64, extraTags []string, typ datadogV2.MetricIntakeType, nowUnix int64) datadogV2.MetricSeries {
	tags := make([]string, 0, len(b.baseTags)+len(extraTags))
	tags = append(tags, b.baseTags...)
	tags = append(tags, extraTags...)
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// nearestRank picks the percentile from an already sorted sample slice.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:extract".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
