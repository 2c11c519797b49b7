package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"fbextract/internal/config"
	"fbextract/internal/flatten"
	"fbextract/internal/graph"
)

// call records one request the fake API received.
type call struct {
	method string
	path   string
	params url.Values
	body   map[string]any
}

// fakeAPI scripts responses per method+path and records every call. A path
// can appear multiple times; responses are consumed in order.
type fakeAPI struct {
	t     *testing.T
	calls []call

	get  func(path string, params url.Values) (map[string]any, error)
	post func(path string, body map[string]any) (map[string]any, error)
}

func (f *fakeAPI) Get(_ context.Context, path string, params url.Values) (map[string]any, error) {
	f.calls = append(f.calls, call{method: "GET", path: path, params: params})
	if f.get == nil {
		f.t.Fatalf("unexpected GET %s", path)
	}
	return f.get(path, params)
}

func (f *fakeAPI) Post(_ context.Context, path string, body map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, call{method: "POST", path: path, body: body})
	if f.post == nil {
		f.t.Fatalf("unexpected POST %s", path)
	}
	return f.post(path, body)
}

func (f *fakeAPI) getCalls(path string) []call {
	var out []call
	for _, c := range f.calls {
		if c.method == "GET" && c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func collectEmit(dst *[]flatten.Result) Emit {
	return func(res flatten.Result) error {
		*dst = append(*dst, res)
		return nil
	}
}

func pageError(status int, message string, code, subcode int) error {
	body := fmt.Sprintf(`{"error": {"message": %q, "code": %d, "error_subcode": %d}}`, message, code, subcode)
	return &graph.APIError{StatusCode: status, Body: body}
}

var testAccounts = []config.Account{
	{ID: "a1", Name: "One"},
	{ID: "a2", Name: "Two"},
}

// TestRun_BatchSuccess verifies a batchable sync query issues one ids
// request and emits a result per returned account object.
func TestRun_BatchSuccess(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		if path != "v23.0/" {
			t.Fatalf("GET path = %q, want the batch root", path)
		}
		if got := params.Get("ids"); got != "a1,a2" {
			t.Fatalf("ids = %q, want a1,a2", got)
		}
		if got := params.Get("access_token"); got != "user-token" {
			t.Fatalf("access_token = %q, want the user token", got)
		}
		return map[string]any{
			"a1": map[string]any{"id": "a1", "about": "first"},
			"a2": map[string]any{"id": "a2", "about": "second"},
		}, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindSyncNested, Name: "page", Params: config.QueryParams{Fields: "about"}}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), testAccounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(emitted) != 2 {
		t.Fatalf("emitted = %d results, want 2", len(emitted))
	}
	if got := emitted[0]["page"][0]["about"]; got != "first" {
		t.Fatalf("first result = %v, want the a1 row first (sorted ids)", emitted[0])
	}
	if len(api.calls) != 1 {
		t.Fatalf("api calls = %d, want exactly the batch request", len(api.calls))
	}
}

// TestRun_BatchItemErrorSkipped verifies a per-id error object inside the
// batch response skips that account without failing the others.
func TestRun_BatchItemErrorSkipped(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		return map[string]any{
			"a1": map[string]any{"error": map[string]any{"message": "nope"}},
			"a2": map[string]any{"id": "a2", "about": "second"},
		}, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindSyncNested, Name: "page", Params: config.QueryParams{Fields: "about"}}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), testAccounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted = %d results, want only the healthy account", len(emitted))
	}
}

// TestRun_BatchPageTokenFallback verifies the specific "Page Access Token"
// rejection falls back to per-account requests instead of ending the query.
func TestRun_BatchPageTokenFallback(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		if path == "v23.0/" {
			return nil, pageError(400, "A Page Access Token is required to request this resource", 190, 0)
		}
		// Per-account node fetches.
		id := strings.TrimPrefix(path, "v23.0/")
		return map[string]any{"id": id, "about": "via " + id}, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindSyncNested, Name: "page", Params: config.QueryParams{Fields: "about"}}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), testAccounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 2 {
		t.Fatalf("emitted = %d results, want one per account after fallback", len(emitted))
	}
	if len(api.getCalls("v23.0/a1")) != 1 || len(api.getCalls("v23.0/a2")) != 1 {
		t.Fatalf("fallback did not hit both accounts; calls: %v", api.calls)
	}
}

// TestRun_BatchOtherErrorEndsQuery verifies any other batch failure logs and
// ends the query without falling back and without failing the run.
func TestRun_BatchOtherErrorEndsQuery(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		return nil, pageError(500, "internal", 1, 0)
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindSyncNested, Name: "page", Params: config.QueryParams{Fields: "about"}}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), testAccounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("emitted = %d results, want none", len(emitted))
	}
	if len(api.calls) != 1 {
		t.Fatalf("api calls = %d, want only the failed batch (no per-account fallback)", len(api.calls))
	}
}

// TestRun_PerAccountPageTokens verifies a path query resolves page tokens
// once from me/accounts, maps them through the account's facebook page id,
// and sends them on the per-account requests.
func TestRun_PerAccountPageTokens(t *testing.T) {
	t.Parallel()

	accounts := []config.Account{
		{ID: "ig1", FBPageID: "page1"},
		{ID: "ig2"},
	}

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		switch path {
		case "v23.0/me/accounts":
			return map[string]any{
				"data": []any{
					map[string]any{"id": "page1", "access_token": "page-token-1"},
				},
			}, nil
		case "v23.0/ig1/feed":
			if got := params.Get("access_token"); got != "page-token-1" {
				t.Fatalf("ig1 token = %q, want page-token-1", got)
			}
			return map[string]any{"data": []any{map[string]any{"id": "p1", "message": "hi"}}}, nil
		case "v23.0/ig2/feed":
			if got := params.Get("access_token"); got != "user-token" {
				t.Fatalf("ig2 token = %q, want user token fallback", got)
			}
			return map[string]any{"data": []any{}}, nil
		}
		t.Fatalf("unexpected GET %s", path)
		return nil, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindSyncNested, Name: "page_feed", Params: config.QueryParams{Path: "feed", Fields: "message"}}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), accounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted = %d results, want 1 (ig2 was empty)", len(emitted))
	}
	if calls := api.getCalls("v23.0/me/accounts"); len(calls) != 1 {
		t.Fatalf("me/accounts calls = %d, want the lookup exactly once", len(calls))
	}
}

// TestRun_PageTokenRejectedRetriesWithUserToken verifies a 400 on a
// page-token request retries the same account once with the user token.
func TestRun_PageTokenRejectedRetriesWithUserToken(t *testing.T) {
	t.Parallel()

	accounts := []config.Account{{ID: "ig1", FBPageID: "page1"}}

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		switch path {
		case "v23.0/me/accounts":
			return map[string]any{
				"data": []any{map[string]any{"id": "page1", "access_token": "page-token-1"}},
			}, nil
		case "v23.0/ig1/feed":
			if params.Get("access_token") == "page-token-1" {
				return nil, pageError(400, "Unsupported get request", 100, 0)
			}
			return map[string]any{"data": []any{map[string]any{"id": "p1", "message": "hi"}}}, nil
		}
		t.Fatalf("unexpected GET %s", path)
		return nil, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindSyncNested, Name: "page_feed", Params: config.QueryParams{Path: "feed", Fields: "message"}}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), accounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted = %d results, want the retried account", len(emitted))
	}
	if calls := api.getCalls("v23.0/ig1/feed"); len(calls) != 2 {
		t.Fatalf("feed calls = %d, want rejected + retry", len(calls))
	}
}

// TestRun_AsyncFlow verifies async insights queries start one report per
// account, poll it, and emit the parsed report.
func TestRun_AsyncFlow(t *testing.T) {
	t.Parallel()

	accounts := []config.Account{{ID: "111"}}

	api := &fakeAPI{t: t}
	api.post = func(path string, body map[string]any) (map[string]any, error) {
		if path != "v23.0/act_111/insights" {
			t.Fatalf("POST path = %q, want the prefixed insights edge", path)
		}
		if got, _ := body["access_token"].(string); got != "user-token" {
			t.Fatalf("async start token = %q, want user token", got)
		}
		return map[string]any{"report_run_id": "rep1"}, nil
	}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		switch path {
		case "v23.0/rep1":
			return map[string]any{
				"async_status":             "Job Completed",
				"async_percent_completion": float64(100),
			}, nil
		case "v23.0/rep1/insights":
			return map[string]any{
				"data": []any{map[string]any{"account_id": "111", "spend": "9.5"}},
			}, nil
		}
		t.Fatalf("unexpected GET %s", path)
		return nil, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{Kind: config.KindAsyncInsights, Name: "ads"}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), accounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted = %d results, want 1", len(emitted))
	}
	rows := emitted[0]["ads_insights"]
	if len(rows) != 1 || rows[0]["spend"] != "9.5" {
		t.Fatalf("async result = %v, want the report row in ads_insights", emitted[0])
	}
	if rows[0]["fb_graph_node"] != "page_insights" {
		t.Fatalf("fb_graph_node = %v, want page_insights", rows[0]["fb_graph_node"])
	}
}

// TestRun_TargetIDsFilter verifies a query with explicit ids only touches
// the listed accounts.
func TestRun_TargetIDsFilter(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{t: t}
	api.get = func(path string, params url.Values) (map[string]any, error) {
		if got := params.Get("ids"); got != "a2" {
			t.Fatalf("ids = %q, want only a2", got)
		}
		return map[string]any{"a2": map[string]any{"id": "a2", "about": "second"}}, nil
	}

	d := &Dispatcher{API: api, APIVersion: "v23.0", UserToken: "user-token"}
	q := config.Query{
		Kind:   config.KindSyncNested,
		Name:   "page",
		Params: config.QueryParams{Fields: "about", IDs: "a2"},
	}

	var emitted []flatten.Result
	if err := d.Run(context.Background(), testAccounts, []config.Query{q}, collectEmit(&emitted)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted = %d results, want 1", len(emitted))
	}
}

// TestRequiresPageToken covers the endpoint and field markers that force
// page tokens.
func TestRequiresPageToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query config.Query
		want  bool
	}{
		{"plain fields", config.Query{Params: config.QueryParams{Fields: "about,name"}}, false},
		{"feed path", config.Query{Params: config.QueryParams{Path: "feed"}}, true},
		{"ratings path", config.Query{Params: config.QueryParams{Path: "ratings"}}, true},
		{"insights marker in fields", config.Query{Params: config.QueryParams{Fields: "insights.metric(page_fans)"}}, true},
		{"from marker in fields", config.Query{Params: config.QueryParams{Fields: "message,from"}}, true},
		{"async never", config.Query{Kind: config.KindAsyncInsights, Params: config.QueryParams{Path: "insights"}}, false},
	}
	for _, tt := range tests {
		if got := requiresPageToken(tt.query); got != tt.want {
			t.Fatalf("%s: requiresPageToken() = %t, want %t", tt.name, got, tt.want)
		}
	}
}

// TestGraphNode covers the fb_graph_node derivation.
func TestGraphNode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		isPageToken bool
		query       config.Query
		want        string
	}{
		{"async", false, config.Query{Kind: config.KindAsyncInsights}, "page_insights"},
		{"node query", false, config.Query{Params: config.QueryParams{Fields: "about"}}, "page"},
		{"node insights fields with page token", true, config.Query{Params: config.QueryParams{Fields: "insights.metric(x)"}}, "page_insights"},
		{"node insights fields with user token", false, config.Query{Params: config.QueryParams{Fields: "insights.metric(x)"}}, "page"},
		{"path query", false, config.Query{Params: config.QueryParams{Path: "feed"}}, "page_feed"},
	}
	for _, tt := range tests {
		if got := graphNode(tt.isPageToken, tt.query); got != tt.want {
			t.Fatalf("%s: graphNode() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
