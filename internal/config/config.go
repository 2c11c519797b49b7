// Package config defines the run configuration for the graph extractor:
// the account universe, the ordered query list, credentials, and the sink.
//
// The config file is JSON, decoded as-is. Defaults are applied by Load so the
// rest of the program can rely on fully populated values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Query kinds. The kind decides the execution strategy in dispatch.
const (
	KindSyncNested    = "sync-nested"
	KindAsyncInsights = "async-insights"

	// KindNested marks queries that must never be batch-fetched even though
	// they have no sub-path (their response shape needs per-account parsing).
	KindNested = "nested-query"
)

// QueryParams are the raw request-building inputs of one query.
type QueryParams struct {
	// Path is the API sub-resource (e.g. "feed", "posts"). Empty means the
	// node itself (or the insights edge when Fields starts with "insights").
	Path string `json:"path,omitempty"`

	// Fields is the comma-separated field list. For insights queries it may
	// embed inline directives: insights.metric(...).period(...).since(...).until(...)
	Fields string `json:"fields,omitempty"`

	// IDs optionally restricts the query to an explicit comma-separated
	// subset of account ids.
	IDs string `json:"ids,omitempty"`

	Limit string `json:"limit,omitempty"`
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`

	// Parameters is a raw query-string fragment merged last (highest
	// precedence), e.g. "action_breakdowns=action_type&level=ad".
	Parameters string `json:"parameters,omitempty"`
}

// Query is one named unit of extraction work. Immutable after Load.
type Query struct {
	ID       int         `json:"id"`
	Kind     string      `json:"type"`
	Name     string      `json:"name"`
	RunByID  bool        `json:"run-by-id"`
	Params   QueryParams `json:"query"`
	Disabled bool        `json:"disabled"`
}

// IsAsync reports whether the query runs as a server-side insights job.
func (q Query) IsAsync() bool { return q.Kind == KindAsyncInsights }

// IsInsightsFields reports whether the query is an insights field query:
// no sub-path and a fields string beginning with "insights". Such queries hit
// the node's insights edge and use the metric/period directive parameters.
func (q Query) IsInsightsFields() bool {
	return q.Params.Path == "" && strings.HasPrefix(q.Params.Fields, "insights")
}

// IsActionBreakdown reports whether the query requests action statistics
// split by a sub-dimension. Matched on the raw parameter fragment so configs
// written against the upstream API docs keep working verbatim.
func (q Query) IsActionBreakdown() bool {
	return strings.Contains(q.Params.Parameters, "action_breakdowns=action_reaction") ||
		strings.Contains(q.Params.Parameters, "action_breakdowns=action_type")
}

// IsReactionBreakdown reports whether the breakdown dimension is the
// reaction type.
func (q Query) IsReactionBreakdown() bool {
	return strings.Contains(q.Params.Parameters, "action_breakdowns=action_reaction")
}

// TargetIDs returns the explicit id subset, or nil when the query targets the
// whole account universe.
func (q Query) TargetIDs() []string {
	if strings.TrimSpace(q.Params.IDs) == "" {
		return nil
	}
	parts := strings.Split(q.Params.IDs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Account is one addressable graph node (ad account, page, or Instagram
// business account). Loaded from configuration; immutable.
type Account struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	AccountID    string           `json:"account_id,omitempty"`
	BusinessName string           `json:"business_name,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	Category     string           `json:"category,omitempty"`
	CategoryList []map[string]any `json:"category_list,omitempty"`
	Tasks        []string         `json:"tasks,omitempty"`

	// FBPageID links an Instagram/page account to its underlying Facebook
	// Page; needed for page-token resolution.
	FBPageID string `json:"fb_page_id,omitempty"`
}

// Credentials are the OAuth inputs. AccessToken is the primary user token;
// AppKey/AppSecret are only needed for token introspection.
type Credentials struct {
	AccessToken string `json:"access_token,omitempty"`
	Token       string `json:"token,omitempty"`
	AppKey      string `json:"appKey,omitempty"`
	AppSecret   string `json:"appSecret,omitempty"`
}

// Sink selects the relational backend receiving the flattened tables.
type Sink struct {
	// Kind: "postgres" | "sqlite" | "mssql".
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`
}

// Config is the full run configuration.
type Config struct {
	Accounts   map[string]Account `json:"accounts"`
	Queries    []Query            `json:"queries"`
	APIVersion string             `json:"api-version"`
	BucketID   string             `json:"bucket-id,omitempty"`
	OAuth      Credentials        `json:"oauth"`
	Sink       Sink               `json:"sink"`
}

// EnabledQueries returns the queries that should run, preserving order.
func (c *Config) EnabledQueries() []Query {
	out := make([]Query, 0, len(c.Queries))
	for _, q := range c.Queries {
		if !q.Disabled {
			out = append(out, q)
		}
	}
	return out
}

// AccountList returns the accounts in a deterministic order (sorted by id).
func (c *Config) AccountList() []Account {
	out := make([]Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load reads and decodes a JSON config file and applies defaults.
//
// Errors:
//   - Missing/unreadable file or malformed JSON is a UserError (the operator
//     owns the config file).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Userf("open config: %v", err)
	}
	defer f.Close()

	var c Config
	dec := json.NewDecoder(f)
	if err := dec.Decode(&c); err != nil {
		return nil, Userf("decode config %s: %v", path, err)
	}

	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "v23.0"
	}

	// Direct-insert token support: a raw "token" value is promoted to the
	// access token when no access token is configured.
	if c.OAuth.AccessToken == "" && c.OAuth.Token != "" {
		c.OAuth.AccessToken = c.OAuth.Token
	}
	if c.OAuth.AccessToken == "" {
		c.OAuth.AccessToken = os.Getenv("FB_ACCESS_TOKEN")
	}

	for i := range c.Queries {
		if strings.TrimSpace(c.Queries[i].Params.Limit) == "" {
			c.Queries[i].Params.Limit = "25"
		}
		if c.Queries[i].Kind == "" {
			c.Queries[i].Kind = KindSyncNested
		}
	}

	// Accounts are keyed by id in the file; make sure the struct id matches
	// the map key even when the file omits it inside the object.
	for id, a := range c.Accounts {
		if a.ID == "" {
			a.ID = id
			c.Accounts[id] = a
		}
	}
}

// Severity levels for validation issues.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one validation finding, addressed by a config path.
type Issue struct {
	Severity string
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Validate checks the config for fatal and suspicious settings. Errors make
// the run abort before any network call; warnings are logged and ignored.
func (c *Config) Validate() []Issue {
	var issues []Issue

	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, args...)})
	}

	if c.OAuth.AccessToken == "" {
		errf("oauth.access_token", "missing access token (config or FB_ACCESS_TOKEN)")
	}
	if c.Sink.Kind == "" {
		errf("sink.kind", "sink.kind must be set (postgres|sqlite|mssql)")
	}
	if c.Sink.Kind != "" && c.Sink.DSN == "" {
		errf("sink.dsn", "sink.dsn must be set")
	}
	if len(c.Accounts) == 0 {
		warnf("accounts", "no accounts configured; only batch-less queries with explicit ids will produce data")
	}

	seen := make(map[string]int)
	for i, q := range c.Queries {
		path := fmt.Sprintf("queries[%d]", i)
		if q.Name == "" {
			errf(path+".name", "query name must be set (it is the output table name)")
		}
		switch q.Kind {
		case KindSyncNested, KindAsyncInsights, KindNested:
		default:
			errf(path+".type", "unknown query type %q", q.Kind)
		}
		if prev, dup := seen[q.Name]; dup && !q.Disabled {
			warnf(path+".name", "duplicate query name %q (also queries[%d]); rows will append into the same tables", q.Name, prev)
		}
		if !q.Disabled {
			seen[q.Name] = i
		}
	}

	return issues
}

// HasErrors reports whether any issue in the slice is fatal.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
