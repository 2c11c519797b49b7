package fetch

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fbextract/internal/config"
)

// Terminal async job statuses.
const (
	statusCompleted = "Job Completed"
	statusFailed    = "Job Failed"
	statusSkipped   = "Job Skipped"
)

// StartAsyncJob POSTs an insights report request for an ad account and
// returns the report run id.
//
// Soft-fail contract: a missing report id or a request failure returns
// ("", nil) after logging, so the dispatcher can skip this unit of work while
// siblings proceed.
func (f *Fetcher) StartAsyncJob(ctx context.Context, q config.Query, nodeID string, params url.Values) (string, error) {
	if !strings.HasPrefix(nodeID, "act_") {
		nodeID = "act_" + nodeID
	}
	path := f.APIVersion + "/" + nodeID + "/insights"

	body := make(map[string]any, len(params)+4)
	for k := range params {
		body[k] = params.Get(k)
	}
	for _, pair := range strings.Split(q.Params.Parameters, "&") {
		if k, v, ok := strings.Cut(pair, "="); ok && strings.TrimSpace(k) != "" {
			body[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	log.Printf("stage=async_start node=%s query=%s", nodeID, q.Name)

	resp, err := f.API.Post(ctx, path, body)
	if err != nil {
		log.Printf("stage=async_start status=error node=%s err=%v", nodeID, err)
		return "", nil
	}
	jobID, _ := resp["report_run_id"].(string)
	if jobID == "" {
		// Some responses carry the id as a number.
		if n, ok := resp["report_run_id"].(float64); ok {
			return formatGraphID(n), nil
		}
		log.Printf("stage=async_start status=no_report_run_id node=%s", nodeID)
		return "", nil
	}
	return jobID, nil
}

// PollJob polls a report job until completion and fetches its insights.
//
// Pacing: fixed interval (default 5s) with a hard attempt ceiling (default
// 60, i.e. five minutes). Status "Job Failed"/"Job Skipped" fails fast;
// reaching the ceiling is a timeout error. After a completed job, a failing
// final fetch degrades to {"data": []} so one lost report does not end the run.
func (f *Fetcher) PollJob(ctx context.Context, jobID, token string) (map[string]any, error) {
	interval := f.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxAttempts := f.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = 60
	}

	params := url.Values{}
	if token != "" {
		params.Set("access_token", token)
	}

	completed := false
	for attempt := 0; attempt < maxAttempts && !completed; attempt++ {
		resp, err := f.API.Get(ctx, f.APIVersion+"/"+jobID, params)
		if err != nil {
			return nil, fmt.Errorf("poll job %s: %w", jobID, err)
		}
		if resp == nil {
			return nil, fmt.Errorf("poll job %s: empty status response", jobID)
		}

		percent, _ := resp["async_percent_completion"].(float64)
		status, _ := resp["async_status"].(string)
		log.Printf("stage=async_poll job=%s percent=%d status=%q", jobID, int(percent), status)

		if status == statusFailed || status == statusSkipped {
			return nil, fmt.Errorf("async insights job %s terminated: %s", jobID, status)
		}
		if percent == 100 && status == statusCompleted {
			completed = true
			break
		}

		if !f.sleep(ctx, interval) {
			return nil, ctx.Err()
		}
	}

	if !completed {
		return nil, fmt.Errorf("async insights job %s did not complete within %s", jobID, time.Duration(maxAttempts)*interval)
	}

	final, err := f.API.Get(ctx, f.APIVersion+"/"+jobID+"/insights", params)
	if err != nil {
		log.Printf("stage=async_fetch status=error job=%s err=%v", jobID, err)
		return emptyResult(), nil
	}
	if final == nil {
		return emptyResult(), nil
	}
	return final, nil
}

// formatGraphID renders a numeric graph id without scientific notation.
func formatGraphID(n float64) string {
	return strconv.FormatInt(int64(n), 10)
}
