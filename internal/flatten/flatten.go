// Package flatten decomposes nested graph API responses into flat tables.
//
// Parse is a pure function over its inputs: each call returns a fresh
// Result, and recursion levels merge results explicitly by table name rather
// than sharing an accumulator. Pagination is followed through the Pager
// collaborator with a loop guard, so a buggy terminal next link cannot spin.
package flatten

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"fbextract/internal/config"
)

// Row is one flat record: column name to scalar value.
type Row map[string]any

// Result maps destination table names to their rows, in arrival order.
type Result map[string][]Row

// Merge appends all rows of other into r, preserving arrival order and never
// overwriting existing tables.
func (r Result) Merge(other Result) {
	for table, rows := range other {
		r[table] = append(r[table], rows...)
	}
}

// Rows returns the total row count across tables.
func (r Result) Rows() int {
	n := 0
	for _, rows := range r {
		n += len(rows)
	}
	return n
}

// identifier columns that do not make a row meaningful on their own.
var identifierColumns = map[string]struct{}{
	"id":            {},
	"parent_id":     {},
	"ex_account_id": {},
	"fb_graph_node": {},
}

// add appends row to table unless the row carries nothing beyond
// identifiers. Identifier-only rows are noise produced by sparse API
// responses and are dropped.
func (r Result) add(table string, row Row) {
	for k, v := range row {
		if _, isID := identifierColumns[k]; isID {
			continue
		}
		if v == nil || v == "" {
			continue
		}
		r[table] = append(r[table], row)
		return
	}
}

// Pager follows pagination next links. *fetch.Fetcher satisfies it.
type Pager interface {
	LoadFromURL(ctx context.Context, url string) (map[string]any, error)
}

// Flattener converts responses for one query in one account context.
type Flattener struct {
	// Pager is used to follow paging.next. Nil disables pagination
	// following (batch responses are single-shot).
	Pager Pager

	// AccountID is the graph node context id stamped on every row as
	// ex_account_id.
	AccountID string

	Query config.Query
}

// Parse converts one JSON response into table rows, recursing through nested
// collections, action-statistics blocks and paginated continuations.
//
// graphNode names the position in the graph (e.g. "page_feed_comments");
// parentID links rows to their immediate parent.
func (f *Flattener) Parse(ctx context.Context, response map[string]any, graphNode string, parentID any) (Result, error) {
	return f.parse(ctx, response, graphNode, parentID, "")
}

func (f *Flattener) parse(ctx context.Context, response map[string]any, graphNode string, parentID any, tableOverride string) (Result, error) {
	result := Result{}

	page := response
	prevNext := ""
	for page != nil {
		rows := extractData(page)
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := f.processRow(ctx, row, graphNode, parentID, tableOverride, result); err != nil {
				return nil, err
			}
		}

		next := nextPageURL(page)
		if next == "" || next == prevNext || f.Pager == nil {
			break
		}
		prevNext = next

		nextPage, err := f.Pager.LoadFromURL(ctx, next)
		if err != nil {
			return nil, err
		}
		page = nextPage
	}

	return result, nil
}

// extractData pulls the row list out of a response page: the data array of
// the insights envelope or the response itself; a bare singular entity (has
// an id, no data array) becomes a one-row list.
func extractData(response map[string]any) []map[string]any {
	container := response
	if ins, ok := response["insights"].(map[string]any); ok {
		container = ins
	}

	if data, ok := container["data"].([]any); ok {
		rows := make([]map[string]any, 0, len(data))
		for _, item := range data {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	}

	if _, ok := response["id"]; ok {
		return []map[string]any{response}
	}
	return nil
}

func nextPageURL(response map[string]any) string {
	paging, ok := response["paging"].(map[string]any)
	if !ok {
		return ""
	}
	next, _ := paging["next"].(string)
	return next
}

// fieldClass is the closed classification of a row field. Every field lands
// in exactly one class, decided by an ordered set of predicates.
type fieldClass int

const (
	classValuesArray fieldClass = iota
	classNested
	classSummaryOnly
	classActionStats
	classSerializedList
	classPlain
)

// Serialized-list fields are stored as one JSON string instead of being
// flattened into indexed columns.
var serializedListFields = map[string]struct{}{
	"issues_info":             {},
	"frequency_control_specs": {},
}

func classifyField(key string, value any) fieldClass {
	if key == "values" {
		if _, ok := value.([]any); ok {
			return classValuesArray
		}
	}
	if m, ok := value.(map[string]any); ok {
		if _, hasData := m["data"]; hasData {
			return classNested
		}
		if _, hasSummary := m["summary"]; hasSummary {
			return classSummaryOnly
		}
	}
	if _, isStats := actionStatsFields[key]; isStats {
		if _, ok := value.([]any); ok {
			return classActionStats
		}
	}
	if _, ok := serializedListFields[key]; ok {
		return classSerializedList
	}
	return classPlain
}

// classified holds the outcome of one pass over a row's fields.
type classified struct {
	regular     Row
	nested      map[string]map[string]any
	nestedOrder []string
	actionStats map[string][]any
	statsOrder  []string
	values      []any
}

// classifyRow buckets every field of the row. Fields are visited in sorted
// key order so output is deterministic across runs.
func classifyRow(row map[string]any) (classified, error) {
	c := classified{
		regular:     Row{},
		nested:      map[string]map[string]any{},
		actionStats: map[string][]any{},
	}

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	addSummary := func(summary any) {
		if _, exists := c.nested["summary"]; exists {
			return
		}
		c.nested["summary"] = map[string]any{"data": []any{summary}}
		c.nestedOrder = append(c.nestedOrder, "summary")
	}

	for _, key := range keys {
		value := row[key]
		switch classifyField(key, value) {
		case classValuesArray:
			c.values = value.([]any)

		case classNested:
			m := value.(map[string]any)
			c.nested[key] = m
			c.nestedOrder = append(c.nestedOrder, key)
			// A collection can carry an aggregate summary alongside its
			// data; it becomes its own single-row table.
			if summary, ok := m["summary"]; ok {
				addSummary(summary)
			}

		case classSummaryOnly:
			addSummary(value.(map[string]any)["summary"])

		case classActionStats:
			c.actionStats[key] = value.([]any)
			c.statsOrder = append(c.statsOrder, key)

		case classSerializedList:
			b, err := json.Marshal(value)
			if err != nil {
				return c, fmt.Errorf("serialize field %s: %w", key, err)
			}
			c.regular[key] = string(b)

		case classPlain:
			flattenInto(c.regular, key, value)
		}
	}

	return c, nil
}

// flattenInto flattens composite values into suffixed scalar columns
// (parent_key_subkey, parent_key_0, ...) with no depth limit. Scalars pass
// through under their own key.
func flattenInto(dst Row, key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(dst, key+"_"+k, v[k])
		}
	case []any:
		for i, item := range v {
			flattenInto(dst, fmt.Sprintf("%s_%d", key, i), item)
		}
	default:
		dst[key] = value
	}
}

func (f *Flattener) baseRow(graphNode string, parentID any) Row {
	return Row{
		"ex_account_id": f.AccountID,
		"fb_graph_node": graphNode,
		"parent_id":     parentID,
	}
}

// processRow flattens one source row into result, handling values-array
// expansion, action statistics, and recursion into nested collections.
func (f *Flattener) processRow(ctx context.Context, row map[string]any, graphNode string, parentID any, tableOverride string, result Result) error {
	override := tableOverride
	if override == "" {
		override = f.Query.Params.Path
	}
	table := tableName(f.Query, override)

	c, err := classifyRow(row)
	if err != nil {
		return err
	}

	fullRow := f.baseRow(graphNode, parentID)
	for k, v := range c.regular {
		fullRow[k] = v
	}

	// Breakdown queries suppress the main row whenever action statistics
	// exist; the action rows are the output for that source row.
	suppressMain := f.Query.IsActionBreakdown() && len(c.actionStats) > 0
	if !suppressMain {
		if len(c.values) > 0 {
			f.addValueRows(result, table, fullRow, c.values)
		} else {
			result.add(table, fullRow)
		}
	}

	f.processActionStats(c, row, graphNode, result)

	for _, field := range c.nestedOrder {
		nestedResult, err := f.parse(ctx, c.nested[field], graphNode+"_"+field, row["id"], field)
		if err != nil {
			return err
		}
		result.Merge(nestedResult)
	}

	return nil
}

// addValueRows expands a time-series values array into one row per
// meaningful entry, each merged onto the base row.
func (f *Flattener) addValueRows(result Result, table string, fullRow Row, values []any) {
	insightsQuery := strings.Contains(f.Query.Params.Fields, "insights")

	for _, raw := range values {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		v, present := entry["value"]
		if !present || v == nil || v == "" {
			continue
		}

		row := Row{}
		for k, val := range fullRow {
			row[k] = val
		}
		row["key1"] = ""
		row["key2"] = ""
		row["value"] = v

		if insightsQuery {
			row["end_time"] = entry["end_time"]
		} else if et, ok := entry["end_time"]; ok {
			row["end_time"] = et
		}

		result.add(table, row)
	}
}
