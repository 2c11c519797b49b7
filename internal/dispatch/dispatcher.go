// Package dispatch drives configured queries across accounts: it decides
// batch versus per-account execution, resolves which token each request
// needs, starts and polls async insights jobs, and streams flattened results
// to a caller-supplied emit function.
package dispatch

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"fbextract/internal/config"
	"fbextract/internal/fetch"
	"fbextract/internal/flatten"
	"fbextract/internal/graph"
	"fbextract/internal/metrics"
)

// Emit receives the flattened result of one finished work unit. A non-nil
// error aborts the run; per-unit API failures never reach it.
type Emit func(res flatten.Result) error

// Endpoint paths that only work with a page access token.
var pageTokenPaths = map[string]struct{}{
	"insights": {},
	"feed":     {},
	"posts":    {},
	"ratings":  {},
	"likes":    {},
	"stories":  {},
}

// Dispatcher executes queries for a fixed set of accounts and one user
// token. It caches page tokens for the lifetime of the run, so construct a
// fresh Dispatcher per run.
type Dispatcher struct {
	API        fetch.API
	APIVersion string
	UserToken  string

	// Seams forwarded to the fetchers this dispatcher builds.
	Now             func() time.Time
	Sleep           func(ctx context.Context, d time.Duration) bool
	PollInterval    time.Duration
	MaxPollAttempts int

	pageTokens map[string]string
}

func (d *Dispatcher) newFetcher() *fetch.Fetcher {
	return &fetch.Fetcher{
		API:             d.API,
		APIVersion:      d.APIVersion,
		Now:             d.Now,
		Sleep:           d.Sleep,
		PollInterval:    d.PollInterval,
		MaxPollAttempts: d.MaxPollAttempts,
	}
}

// asyncJob tracks one started insights report until it is polled.
type asyncJob struct {
	reportID  string
	accountID string
	token     string
	query     config.Query
	graphNode string
}

// Run executes every query. Async insights jobs are all started first so
// the API computes reports concurrently, then polled one by one; sync
// queries follow sequentially. Failures of individual accounts or jobs are
// logged and skipped, so one bad unit never sinks the run.
func (d *Dispatcher) Run(ctx context.Context, accounts []config.Account, queries []config.Query, emit Emit) error {
	var asyncQueries, syncQueries []config.Query
	for _, q := range queries {
		if q.IsAsync() {
			asyncQueries = append(asyncQueries, q)
		} else {
			syncQueries = append(syncQueries, q)
		}
	}

	var jobs []asyncJob
	for _, q := range asyncQueries {
		log.Printf("stage=dispatch starting async query=%s", q.Name)
		jobs = append(jobs, d.startAsyncJobs(ctx, accounts, q)...)
	}
	if len(jobs) > 0 {
		log.Printf("stage=dispatch polling async jobs=%d", len(jobs))
		if err := d.pollJobs(ctx, jobs, emit); err != nil {
			return err
		}
	}

	for _, q := range syncQueries {
		log.Printf("stage=dispatch processing sync query=%s", q.Name)
		start := time.Now()
		err := d.runSyncQuery(ctx, accounts, q, emit)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordStep("query_"+q.Name, status, time.Since(start))
		if err != nil {
			return err
		}
	}
	return nil
}

// startAsyncJobs starts one report per targeted account. Start failures are
// logged and the account is skipped.
func (d *Dispatcher) startAsyncJobs(ctx context.Context, accounts []config.Account, q config.Query) []asyncJob {
	accounts = filterAccounts(accounts, q)
	tokens := d.tokensFor(ctx, accounts, q)
	f := d.newFetcher()

	var jobs []asyncJob
	for _, acc := range accounts {
		token := tokens[acc.ID]
		params := url.Values{"access_token": {token}}
		reportID, err := f.StartAsyncJob(ctx, q, acc.ID, params)
		if err != nil {
			log.Printf("stage=dispatch start async failed account=%s err=%v", acc.ID, err)
			continue
		}
		if reportID == "" {
			continue
		}
		jobs = append(jobs, asyncJob{
			reportID:  reportID,
			accountID: acc.ID,
			token:     token,
			query:     q,
			graphNode: graphNode(false, q),
		})
	}
	return jobs
}

func (d *Dispatcher) pollJobs(ctx context.Context, jobs []asyncJob, emit Emit) error {
	f := d.newFetcher()
	for _, job := range jobs {
		report, err := f.PollJob(ctx, job.reportID, job.token)
		if err != nil {
			log.Printf("stage=dispatch async job failed report=%s err=%v", job.reportID, err)
			continue
		}
		if data, _ := report["data"].([]any); len(data) == 0 {
			continue
		}

		fl := &flatten.Flattener{Pager: f, AccountID: job.accountID, Query: job.query}
		res, err := fl.Parse(ctx, report, job.graphNode, job.accountID)
		if err != nil {
			log.Printf("stage=dispatch parse async result failed report=%s err=%v", job.reportID, err)
			continue
		}
		if len(res) == 0 {
			continue
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

// runSyncQuery first tries one batched request for all target ids. When the
// API answers that the query needs a page access token, it falls back to
// per-account requests; any other batch failure ends the query.
func (d *Dispatcher) runSyncQuery(ctx context.Context, accounts []config.Account, q config.Query, emit Emit) error {
	batchable := q.Params.Path == "" && q.Kind != config.KindNested
	if batchable && !q.IsInsightsFields() {
		ids := q.TargetIDs()
		if len(ids) == 0 {
			for _, acc := range accounts {
				ids = append(ids, acc.ID)
			}
		}
		if len(ids) > 0 {
			done, err := d.runBatch(ctx, ids, q, emit)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
	return d.runPerAccount(ctx, accounts, q, emit)
}

// runBatch returns done=true when the query is fully handled, done=false
// when the caller should fall back to per-account requests.
func (d *Dispatcher) runBatch(ctx context.Context, ids []string, q config.Query, emit Emit) (bool, error) {
	log.Printf("stage=dispatch batch fetch query=%s ids=%d", q.Name, len(ids))
	params := url.Values{
		"ids":          {strings.Join(ids, ",")},
		"fields":       {q.Params.Fields},
		"access_token": {d.UserToken},
	}

	response, err := d.API.Get(ctx, d.APIVersion+"/", params)
	if err != nil {
		if ae, ok := graph.AsAPIError(err); ok && ae.ContainsPhrase("Page Access Token") {
			log.Printf("stage=dispatch batch needs page token, falling back query=%s", q.Name)
			return false, nil
		}
		log.Printf("stage=dispatch batch failed query=%s err=%v", q.Name, err)
		return true, nil
	}
	if len(response) == 0 {
		log.Printf("stage=dispatch empty batch response query=%s", q.Name)
		return true, nil
	}

	itemIDs := make([]string, 0, len(response))
	for id := range response {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	node := graphNode(false, q)
	for _, id := range itemIDs {
		item, ok := response[id].(map[string]any)
		if !ok {
			continue
		}
		if apiErr, hasErr := item["error"]; hasErr {
			log.Printf("stage=dispatch batch item error id=%s err=%v", id, apiErr)
			continue
		}

		fl := &flatten.Flattener{AccountID: id, Query: q}
		res, err := fl.Parse(ctx, item, node, id)
		if err != nil {
			return true, err
		}
		if len(res) == 0 {
			continue
		}
		if err := emit(res); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (d *Dispatcher) runPerAccount(ctx context.Context, accounts []config.Account, q config.Query, emit Emit) error {
	accounts = filterAccounts(accounts, q)
	usePageToken := requiresPageToken(q)
	tokens := d.tokensFor(ctx, accounts, q)
	f := d.newFetcher()

	for _, acc := range accounts {
		token := tokens[acc.ID]
		node := graphNode(usePageToken, q)

		page, err := f.Load(ctx, q, acc.ID, url.Values{"access_token": {token}})
		if err != nil && usePageToken && graph.IsStatus(err, 400) {
			// Some nodes reject their own page token; the user token is
			// usually still accepted.
			log.Printf("stage=dispatch page token rejected account=%s, retrying with user token", acc.ID)
			node = graphNode(false, q)
			page, err = f.Load(ctx, q, acc.ID, url.Values{"access_token": {d.UserToken}})
		}
		if err != nil {
			log.Printf("stage=dispatch load failed account=%s query=%s err=%v", acc.ID, q.Name, err)
			continue
		}

		fl := &flatten.Flattener{Pager: f, AccountID: acc.ID, Query: q}
		res, err := fl.Parse(ctx, page, node, acc.ID)
		if err != nil {
			return err
		}
		if len(res) == 0 {
			continue
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

// filterAccounts narrows accounts to the query's explicit id list, when set.
func filterAccounts(accounts []config.Account, q config.Query) []config.Account {
	ids := q.TargetIDs()
	if len(ids) == 0 {
		return accounts
	}
	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}
	var out []config.Account
	for _, acc := range accounts {
		if _, ok := selected[acc.ID]; ok {
			out = append(out, acc)
		}
	}
	return out
}

// tokensFor maps each account to the token its requests should carry: page
// tokens when the query needs them, the user token otherwise.
func (d *Dispatcher) tokensFor(ctx context.Context, accounts []config.Account, q config.Query) map[string]string {
	if !requiresPageToken(q) {
		tokens := make(map[string]string, len(accounts))
		for _, acc := range accounts {
			tokens[acc.ID] = d.UserToken
		}
		return tokens
	}
	return d.pageTokensFor(ctx, accounts)
}

// pageTokensFor fetches page access tokens once per run and caches them.
// Accounts without a facebook page id (Instagram business accounts) and any
// lookup miss fall back to the user token.
func (d *Dispatcher) pageTokensFor(ctx context.Context, accounts []config.Account) map[string]string {
	if d.pageTokens != nil {
		return d.pageTokens
	}

	tokens := make(map[string]string, len(accounts))
	params := url.Values{
		"fields":       {"id,access_token"},
		"access_token": {d.UserToken},
	}
	response, err := d.API.Get(ctx, d.APIVersion+"/me/accounts", params)
	if err != nil {
		log.Printf("stage=dispatch unable to get page tokens err=%v", err)
		for _, acc := range accounts {
			tokens[acc.ID] = d.UserToken
		}
		d.pageTokens = tokens
		return tokens
	}

	byPage := map[string]string{}
	if data, ok := response["data"].([]any); ok {
		for _, item := range data {
			page, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := page["id"].(string)
			token, _ := page["access_token"].(string)
			if id != "" && token != "" {
				byPage[id] = token
			}
		}
	}

	for _, acc := range accounts {
		tokens[acc.ID] = d.UserToken
		if acc.FBPageID != "" {
			if token, ok := byPage[acc.FBPageID]; ok {
				tokens[acc.ID] = token
			}
		}
	}
	d.pageTokens = tokens
	return tokens
}

// requiresPageToken reports whether the query hits an endpoint that demands
// a page access token instead of the user token.
func requiresPageToken(q config.Query) bool {
	if q.IsAsync() {
		return false
	}
	if _, ok := pageTokenPaths[q.Params.Path]; ok {
		return true
	}
	f := q.Params.Fields
	for _, marker := range []string{"insights", "likes", "from", "username"} {
		if strings.Contains(f, marker) {
			return true
		}
	}
	return false
}

// graphNode derives the fb_graph_node value stamped on rows: "page" plus
// the query path, or "page_insights" for insights-shaped queries.
func graphNode(isPageToken bool, q config.Query) string {
	if q.IsAsync() {
		return "page_insights"
	}
	if q.Params.Path == "" {
		if isPageToken && strings.Contains(q.Params.Fields, "insights") {
			return "page_insights"
		}
		return "page"
	}
	return "page_" + q.Params.Path
}
