// Command fbextract pulls data from the Facebook Graph API into a
// relational sink.
//
// It runs the queries declared in a JSON configuration across the configured
// accounts, flattens the nested API responses into tables, and appends the
// rows to the selected backend. Besides the extraction run it offers sync
// actions that list the accounts the token can see.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"fbextract/internal/config"
	"fbextract/internal/dispatch"
	"fbextract/internal/fetch"
	"fbextract/internal/flatten"
	"fbextract/internal/graph"
	"fbextract/internal/metrics"
	"fbextract/internal/metrics/datadog"
	"fbextract/internal/sink"
	"fbextract/internal/storage"

	_ "fbextract/internal/storage/mssql"
	_ "fbextract/internal/storage/postgres"
	_ "fbextract/internal/storage/sqlite"
)

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject fake factories and capture stdout/stderr.
//   - Alternate runtimes: swap the metrics backend or the row store.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	RepoFactory    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewGraphClient func(opts graph.Options) fetch.API

	Now func() time.Time
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigPath   string
	Action       string
	ValidateOnly bool
	Verbose      bool

	BaseURL string

	MetricsBackend string
	JobName        string
	DDTagsCSV      string
	FlushEvery     time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a
// code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		RepoFactory: storage.New,
		NewGraphClient: func(opts graph.Options) fetch.API {
			return graph.New(opts)
		},
		Now: time.Now,
	})
	os.Exit(code)
}

// run executes the extractor command and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: user error (bad configuration, invalid query, rejected token).
//   - 2: internal error (backend init, storage, unexpected API failure).
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	// Every log line goes through the token mask. Next-page URLs and error
	// bodies from the API embed access tokens.
	log.SetOutput(graph.NewRedactWriter(d.Stderr))
	log.SetFlags(log.LstdFlags | log.LUTC)

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}

	conf, err := config.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "config: %v\n", err)
		return 1
	}

	issues := conf.Validate()
	for _, issue := range issues {
		log.Printf("stage=config %s", issue)
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(d.Stderr, "configuration is invalid")
		return 1
	}
	if cfg.ValidateOnly {
		fmt.Fprintln(d.Stdout, "configuration ok")
		return 0
	}

	if d.NewGraphClient == nil {
		fmt.Fprintln(d.Stderr, "internal error: NewGraphClient is nil")
		return 2
	}
	client := d.NewGraphClient(graph.Options{
		BaseURL: cfg.BaseURL,
		JobName: cfg.JobName,
	})

	switch cfg.Action {
	case "run":
		return runExtraction(ctx, cfg, conf, client, d)
	case "accounts":
		return listAccounts(ctx, conf, client, d, "me/accounts", "id,business_name,name,category")
	case "adaccounts":
		return listAccounts(ctx, conf, client, d, "me/adaccounts", "account_id,id,business_name,name,currency")
	case "igaccounts":
		return listAccounts(ctx, conf, client, d, "me/accounts", "instagram_business_account,name,category")
	default:
		fmt.Fprintf(d.Stderr, "unknown action %q (want run, accounts, adaccounts or igaccounts)\n", cfg.Action)
		return 1
	}
}

func runExtraction(ctx context.Context, cfg runConfig, conf *config.Config, client fetch.API, d deps) int {
	runID := uuid.NewString()
	log.Printf("stage=run start run=%s api_version=%s", runID, conf.APIVersion)

	if cfg.MetricsBackend == "datadog" {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "run:"+runID)
		backend, err := d.BackendFactory(ctx, cfg.JobName, tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	if cfg.Verbose && conf.OAuth.AppKey != "" && conf.OAuth.AppSecret != "" {
		debugToken(ctx, conf, client)
	}

	if d.RepoFactory == nil {
		fmt.Fprintln(d.Stderr, "internal error: RepoFactory is nil")
		return 2
	}
	repo, err := d.RepoFactory(ctx, storage.Config{Kind: conf.Sink.Kind, DSN: conf.Sink.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "storage init failed: %v\n", err)
		return 2
	}
	defer repo.Close()

	writer := sink.NewWriter(repo)
	accounts := conf.AccountList()

	if err := writer.WriteAccounts(ctx, accounts); err != nil {
		fmt.Fprintf(d.Stderr, "writing accounts table failed: %v\n", err)
		return 2
	}

	queries := conf.EnabledQueries()
	if len(queries) == 0 {
		log.Printf("stage=run no enabled queries, nothing to do")
		return 0
	}
	log.Printf("stage=run queries=%d accounts=%d", len(queries), len(accounts))

	dispatcher := &dispatch.Dispatcher{
		API:        client,
		APIVersion: conf.APIVersion,
		UserToken:  conf.OAuth.AccessToken,
		Now:        d.Now,
	}

	start := d.Now()
	err = dispatcher.Run(ctx, accounts, queries, func(res flatten.Result) error {
		return writer.WriteResult(ctx, res)
	})
	metrics.RecordStep("run", stepStatus(err), time.Since(start))
	if err != nil {
		if config.IsUserError(err) {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintf(d.Stderr, "extraction failed: %v\n", err)
		return 2
	}

	log.Printf("stage=run done run=%s", runID)
	return 0
}

func stepStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// listAccounts implements the sync actions: fetch the account listing the
// token can see and print it as JSON.
func listAccounts(ctx context.Context, conf *config.Config, client fetch.API, d deps, urlPath, fields string) int {
	gc, ok := client.(*graph.Client)
	if !ok {
		fmt.Fprintln(d.Stderr, "internal error: account listing needs a graph client")
		return 2
	}

	accounts, err := gc.ListAccounts(ctx, conf.APIVersion, urlPath, fields, conf.OAuth.AccessToken)
	if err != nil {
		fmt.Fprintf(d.Stderr, "failed to list accounts: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(d.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(accounts); err != nil {
		fmt.Fprintf(d.Stderr, "encoding accounts failed: %v\n", err)
		return 2
	}
	return 0
}

// debugToken introspects the access token and logs its validity and scopes.
// Failures are logged and ignored; introspection is diagnostics only.
func debugToken(ctx context.Context, conf *config.Config, client fetch.API) {
	gc, ok := client.(*graph.Client)
	if !ok {
		return
	}
	resp, err := gc.DebugToken(ctx, conf.APIVersion, conf.OAuth.AccessToken, conf.OAuth.AppKey, conf.OAuth.AppSecret)
	if err != nil {
		log.Printf("stage=run token introspection failed err=%v", err)
		return
	}
	data, _ := resp["data"].(map[string]any)
	valid, _ := data["is_valid"].(bool)
	scopes, _ := data["scopes"].([]any)
	log.Printf("stage=run token valid=%t scopes=%d", valid, len(scopes))
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("fbextract", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "", "Path to the JSON run configuration")
	fs.StringVar(&cfg.Action, "action", "run", "Action to perform: run, accounts, adaccounts, igaccounts")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the configuration and exit")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose diagnostics (includes token introspection)")
	fs.StringVar(&cfg.BaseURL, "api-base", "", "Override the Graph API base URL (tests, proxies)")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "none", "Metrics backend: none or datadog")
	fs.StringVar(&cfg.JobName, "name", "fbextract", "Logical job name used in metrics tags")
	fs.StringVar(&cfg.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:extract)")
	fs.DurationVar(&cfg.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.ConfigPath == "" {
		return runConfig{}, errors.New("missing required -config <path>")
	}
	switch cfg.MetricsBackend {
	case "none", "datadog":
	default:
		return runConfig{}, fmt.Errorf("unknown -metrics-backend %q (want none or datadog)", cfg.MetricsBackend)
	}

	return cfg, nil
}
