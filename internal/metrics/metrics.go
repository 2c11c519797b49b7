// Package metrics is a minimal backend-agnostic metrics facade.
//
// The extractor core records counters and histograms through this package and
// stays unaware of the concrete backend. A backend (e.g. Datadog) is installed
// once at process start with SetBackend; the default backend drops everything,
// so library code never has to nil-check.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Labels are low-cardinality metric tags.
type Labels map[string]string

// Backend buffers and ships metrics. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush submits buffered metrics. Safe to call at any time.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var current atomic.Value // Backend

func init() { current.Store(Backend(nopBackend{})) }

// SetBackend installs the process-wide backend. Pass nil to restore the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	current.Store(b)
}

func backend() Backend { return current.Load().(Backend) }

// Flush submits buffered metrics on the current backend.
func Flush() error { return backend().Flush() }

// IncCounter increments a named counter.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of a named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// RecordHTTP records one HTTP attempt: request count, error count (when err
// is non-nil or status >= 400), and latency/size distributions. status 0
// means the request never produced a response (network error).
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "0"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	labels := Labels{"status": st, "job": job}

	IncCounter("extractor_http_requests_total", 1, labels)
	if err != nil || status >= 400 {
		IncCounter("extractor_http_errors_total", 1, labels)
	}
	if reqDur >= 0 {
		ObserveHistogram("extractor_http_request_duration_seconds", reqDur.Seconds(), labels)
	}
	if respDur >= 0 {
		ObserveHistogram("extractor_http_response_duration_seconds", respDur.Seconds(), labels)
	}
	if bytes >= 0 {
		ObserveHistogram("extractor_http_download_bytes", float64(bytes), labels)
	}
}

// RecordStep records a completed unit of work (one query, one account, one
// async job) with its terminal status: ok, error or skipped.
func RecordStep(step, status string, dur time.Duration) {
	labels := Labels{"step": step, "status": status}
	IncCounter("extractor_step_total", 1, labels)
	if dur >= 0 {
		ObserveHistogram("extractor_step_duration_seconds", dur.Seconds(), labels)
	}
}

// RecordRows counts rows emitted for a destination table.
func RecordRows(table string, n int) {
	if n <= 0 {
		return
	}
	IncCounter("extractor_records_total", float64(n), Labels{"kind": table})
}
