// Package fetch performs one logical load against the graph API per call,
// shielding callers from transient and known-recoverable failures.
//
// It owns request-parameter construction (date windows, insights directive
// extraction, extra-parameter merging), endpoint path building, pagination
// URL handling with the stale-pagination workaround, async insights job
// start/poll, and the recoverable-error classification boundary.
package fetch

import (
	"context"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fbextract/internal/config"
	"fbextract/internal/graph"
)

// API is the transport dependency. *graph.Client satisfies it; tests inject
// fakes.
type API interface {
	Get(ctx context.Context, path string, params url.Values) (map[string]any, error)
	Post(ctx context.Context, path string, body map[string]any) (map[string]any, error)
}

// Instagram-specific metrics. Their presence marks an IG insights query,
// which the API limits to a 30 day window.
var igInsightsMetrics = []string{"follower_count", "reach", "impressions", "profile_views"}

const maxIGInsightsDays = 30

// staleWindow is how recent a pagination "since" timestamp must be for the
// next link to count as pointing at "now" (no more historical data).
const staleWindow = time.Hour

// Fetcher loads pages and async insights reports.
type Fetcher struct {
	API        API
	APIVersion string

	// Now/Sleep are seams for deterministic tests. Nil means real time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool

	// Async poll pacing. Zero values mean 5s interval, 60 attempts.
	PollInterval    time.Duration
	MaxPollAttempts int
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// emptyResult is the canonical "nothing to parse" response. Mutated nowhere;
// always build a fresh one.
func emptyResult() map[string]any {
	return map[string]any{"data": []any{}}
}

// Load performs one logical load for a query against a node.
//
// Async queries start a report job and poll it to completion. Sync queries
// build parameters, hit the node (or its sub-path / insights edge) and return
// the raw JSON.
//
// extra is merged over the built parameters; dispatch uses it to inject the
// access token.
//
// Errors:
//   - Known-recoverable API conditions degrade to {"data": []} with a
//     warning; they never propagate.
//   - Anything else is returned with the full response context attached.
func (f *Fetcher) Load(ctx context.Context, q config.Query, nodeID string, extra url.Values) (map[string]any, error) {
	if q.IsAsync() {
		return f.loadAsync(ctx, q, nodeID, extra)
	}
	return f.loadPage(ctx, q, nodeID, extra)
}

func (f *Fetcher) loadAsync(ctx context.Context, q config.Query, nodeID string, extra url.Values) (map[string]any, error) {
	jobID, err := f.StartAsyncJob(ctx, q, nodeID, extra)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return emptyResult(), nil
	}
	log.Printf("stage=async_poll job=%s node=%s", jobID, nodeID)
	return f.PollJob(ctx, jobID, extra.Get("access_token"))
}

func (f *Fetcher) loadPage(ctx context.Context, q config.Query, nodeID string, extra url.Values) (map[string]any, error) {
	params, err := f.buildParams(q)
	if err != nil {
		return nil, err
	}
	for k, vs := range extra {
		params[k] = vs
	}

	path := f.endpointPath(q, nodeID)

	resp, err := f.API.Get(ctx, path, params)
	if err != nil {
		if ae, ok := graph.AsAPIError(err); ok {
			if reason, recoverable := classifyRecoverable(ae); recoverable {
				log.Printf("stage=load status=skipped node=%s reason=%q", nodeID, reason)
				return emptyResult(), nil
			}
		}
		return nil, err
	}
	if resp == nil {
		return emptyResult(), nil
	}
	return resp, nil
}

// buildParams assembles the request parameters for a sync query:
// fixed limit, resolved since/until, either the literal fields parameter or
// the extracted insights directives, and the raw extra parameter fragment
// merged last (highest precedence).
func (f *Fetcher) buildParams(q config.Query) (url.Values, error) {
	params := url.Values{}
	params.Set("limit", q.Params.Limit)

	now := f.now()

	if s := strings.TrimSpace(q.Params.Since); s != "" {
		t, err := ResolveRelativeDate(s, now)
		if err != nil {
			return nil, err
		}
		params.Set("since", calendarDate(t))
	}
	if u := strings.TrimSpace(q.Params.Until); u != "" {
		t, err := ResolveRelativeDate(u, now)
		if err != nil {
			return nil, err
		}
		params.Set("until", calendarDate(t))
	}

	if q.IsInsightsFields() {
		d, err := ParseInsightsDirectives(q.Params.Fields)
		if err != nil {
			return nil, err
		}
		if len(d.Metrics) > 0 {
			params.Set("metric", strings.Join(d.Metrics, ","))
		}
		if d.Period != "" {
			params.Set("period", d.Period)
		}
		if d.Since != "" {
			t, err := ResolveRelativeDate(d.Since, now)
			if err != nil {
				return nil, err
			}
			params.Set("since", calendarDate(t))
		}
		if d.Until != "" {
			t, err := ResolveRelativeDate(d.Until, now)
			if err != nil {
				return nil, err
			}
			params.Set("until", calendarDate(t))
		}
		if err := validateIGInsightsWindow(params, q.Params.Fields, now); err != nil {
			return nil, err
		}
	} else if q.Params.Fields != "" {
		params.Set("fields", q.Params.Fields)
	}

	mergeRawParams(params, q.Params.Parameters)
	return params, nil
}

// mergeRawParams merges an ampersand-joined key=value fragment into params,
// overwriting on collision.
func mergeRawParams(params url.Values, raw string) {
	for _, pair := range strings.Split(raw, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		params.Set(k, strings.TrimSpace(v))
	}
}

// endpointPath builds "{version}/{node}[/{path|insights}]".
func (f *Fetcher) endpointPath(q config.Query, nodeID string) string {
	parts := []string{f.APIVersion, nodeID}
	switch {
	case q.IsInsightsFields():
		parts = append(parts, "insights")
	case q.Params.Path != "":
		parts = append(parts, q.Params.Path)
	}
	return strings.Join(parts, "/")
}

// validateIGInsightsWindow rejects Instagram insights queries spanning more
// than 30 days before the request is made, replacing a cryptic API 400 with
// an actionable message.
func validateIGInsightsWindow(params url.Values, fields string, now time.Time) error {
	isIG := false
	for _, m := range igInsightsMetrics {
		if strings.Contains(fields, m) {
			isIG = true
			break
		}
	}
	if !isIG {
		return nil
	}

	sinceStr := params.Get("since")
	if sinceStr == "" {
		return nil
	}
	since, err := time.Parse("2006-01-02", sinceStr)
	if err != nil {
		return nil // let the API complain about what we cannot parse
	}

	until := now
	if untilStr := params.Get("until"); untilStr != "" {
		u, err := time.Parse("2006-01-02", untilStr)
		if err != nil {
			return nil
		}
		until = u
	}

	if days := int(until.Sub(since).Hours() / 24); days > maxIGInsightsDays {
		return config.Userf(
			"Instagram insights queries cannot exceed %d days; this query spans %d days (since=%s). Reduce the date range.",
			maxIGInsightsDays, days, sinceStr)
	}
	return nil
}

// LoadFromURL follows a pagination next link. The absolute URL is re-parsed
// into path+params for the same client (same base, same auth carried in the
// query string).
//
// The API has a known bug where next links on terminal pages point at "now"
// and loop forever. When the link's since timestamp is within the last hour
// with no until, or both bounds are in the future, this returns {"data": []}
// without a request. A future until over a safely-past since is dropped so
// the window stays open-ended.
func (f *Fetcher) LoadFromURL(ctx context.Context, rawURL string) (map[string]any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, config.Userf("invalid pagination url %q: %v", rawURL, err)
	}
	params := u.Query()

	nowTS := f.now().Unix()
	sinceTS, hasSince := parseUnixTS(params.Get("since"))
	untilTS, hasUntil := parseUnixTS(params.Get("until"))
	staleAfter := nowTS - int64(staleWindow.Seconds())

	if hasSince && !hasUntil && sinceTS > staleAfter {
		log.Printf("stage=pagination status=end_of_history since=%d", sinceTS)
		return emptyResult(), nil
	}
	if hasUntil && untilTS > nowTS {
		if hasSince && sinceTS > staleAfter {
			log.Printf("stage=pagination status=end_of_history since=%d until=%d", sinceTS, untilTS)
			return emptyResult(), nil
		}
		// since is old enough; keep fetching up to the present.
		params.Del("until")
	}

	resp, err := f.API.Get(ctx, u.Path, params)
	if err != nil {
		if ae, ok := graph.AsAPIError(err); ok {
			if reason, recoverable := classifyRecoverable(ae); recoverable {
				log.Printf("stage=pagination status=skipped reason=%q", reason)
				return emptyResult(), nil
			}
		}
		return nil, err
	}
	if resp == nil {
		return emptyResult(), nil
	}
	return resp, nil
}

// parseUnixTS accepts only 10-digit Unix timestamps, the shape the API puts
// in pagination links. Calendar dates and junk report not-present.
func parseUnixTS(v string) (int64, bool) {
	if len(v) != 10 {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
