// Package sink writes flattened results into the configured row store.
//
// Tables are shaped lazily from the first batch a run produces for them:
// the column set is the union of all row keys, ordered by a preferred prefix
// with the remainder sorted, and the primary key is the intersection of a
// fixed candidate list with the available columns. Later batches can widen
// the column set; the key is fixed once chosen.
package sink

import (
	"context"
	"log"
	"sort"
	"strconv"

	"fbextract/internal/config"
	"fbextract/internal/flatten"
	"fbextract/internal/metrics"
	"fbextract/internal/storage"
)

// Well-known columns come first, in this order. Everything else follows
// alphabetically.
var preferredColumnsOrder = []string{
	"id",
	"ex_account_id",
	"fb_graph_node",
	"parent_id",
	"name",
	"key1",
	"key2",
	"ads_action_name",
	"action_type",
	"action_reaction",
	"value",
	"period",
	"end_time",
	"title",
	"publisher_platform",
}

// Columns eligible to form a table's primary key, in priority order.
var primaryKeyCandidates = []string{
	"id",
	"parent_id",
	"key1",
	"key2",
	"end_time",
	"account_id",
	"campaign_id",
	"date_start",
	"date_stop",
	"ads_action_name",
	"action_type",
	"action_reaction",
	"ad_id",
	"publisher_platform",
	"adset_id",
}

type tableState struct {
	columns    []string
	columnSet  map[string]struct{}
	primaryKey []string
}

// Writer appends result batches to a Repository. Not safe for concurrent
// use; the dispatcher emits sequentially.
type Writer struct {
	Repo storage.Repository

	tables map[string]*tableState
}

func NewWriter(repo storage.Repository) *Writer {
	return &Writer{Repo: repo, tables: map[string]*tableState{}}
}

// WriteResult persists one flattened result, table by table in name order.
func (w *Writer) WriteResult(ctx context.Context, res flatten.Result) error {
	names := make([]string, 0, len(res))
	for name := range res {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rows := res[name]
		if len(rows) == 0 {
			continue
		}
		generic := make([]map[string]any, len(rows))
		for i, r := range rows {
			generic[i] = r
		}
		if err := w.writeTable(ctx, name, generic, nil); err != nil {
			return err
		}
	}
	return nil
}

// WriteAccounts persists the configured accounts as their own table, keyed
// by id. Empty fields are left out so the table only carries what the
// configuration actually set.
func (w *Writer) WriteAccounts(ctx context.Context, accounts []config.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	log.Printf("stage=sink writing accounts table rows=%d", len(accounts))

	rows := make([]map[string]any, 0, len(accounts))
	for _, acc := range accounts {
		row := map[string]any{"id": acc.ID}
		setIf := func(col, v string) {
			if v != "" {
				row[col] = v
			}
		}
		setIf("account_id", acc.AccountID)
		setIf("name", acc.Name)
		setIf("business_name", acc.BusinessName)
		setIf("currency", acc.Currency)
		setIf("category", acc.Category)
		setIf("fb_page_id", acc.FBPageID)
		if len(acc.CategoryList) > 0 {
			for i, item := range acc.CategoryList {
				for k, v := range item {
					row["category_list_"+strconv.Itoa(i)+"_"+k] = v
				}
			}
		}
		for i, task := range acc.Tasks {
			row["tasks_"+strconv.Itoa(i)] = task
		}
		rows = append(rows, row)
	}
	return w.writeTable(ctx, "accounts", rows, []string{"id"})
}

// writeTable ensures the table shape covers the batch, then appends. A nil
// forcedKey means the key is derived from the batch columns.
func (w *Writer) writeTable(ctx context.Context, name string, rows []map[string]any, forcedKey []string) error {
	batchColumns := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			batchColumns[k] = struct{}{}
		}
	}

	state, ok := w.tables[name]
	if !ok {
		key := forcedKey
		if key == nil {
			key = derivePrimaryKey(batchColumns)
		}
		state = &tableState{
			columns:    orderColumns(batchColumns),
			columnSet:  map[string]struct{}{},
			primaryKey: key,
		}
		for _, c := range state.columns {
			state.columnSet[c] = struct{}{}
		}
		w.tables[name] = state
	} else if grown := state.grow(batchColumns); !grown {
		// Shape unchanged, skip the DDL round trip.
		return w.append(ctx, name, state, rows)
	}

	spec := storage.TableSpec{Name: name, Columns: state.columns, PrimaryKey: state.primaryKey}
	if err := w.Repo.EnsureTable(ctx, spec); err != nil {
		return err
	}
	return w.append(ctx, name, state, rows)
}

// grow widens the column set with any new batch columns, keeping the
// preferred-then-sorted order. Reports whether anything changed.
func (s *tableState) grow(batchColumns map[string]struct{}) bool {
	grown := false
	for c := range batchColumns {
		if _, ok := s.columnSet[c]; !ok {
			s.columnSet[c] = struct{}{}
			grown = true
		}
	}
	if grown {
		s.columns = orderColumns(s.columnSet)
	}
	return grown
}

func (w *Writer) append(ctx context.Context, name string, state *tableState, rows []map[string]any) error {
	values := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(state.columns))
		for j, col := range state.columns {
			vals[j] = storage.FormatValue(row[col])
		}
		values[i] = vals
	}

	n, err := w.Repo.AppendRows(ctx, name, state.columns, values, state.primaryKey)
	if err != nil {
		return err
	}
	metrics.RecordRows(name, int(n))
	log.Printf("stage=sink table=%s rows=%d written=%d", name, len(rows), n)
	return nil
}

// orderColumns lays out columns as the preferred prefix followed by the
// rest in sorted order.
func orderColumns(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	seen := map[string]struct{}{}
	for _, c := range preferredColumnsOrder {
		if _, ok := set[c]; ok {
			out = append(out, c)
			seen[c] = struct{}{}
		}
	}
	rest := make([]string, 0, len(set))
	for c := range set {
		if _, ok := seen[c]; !ok {
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// derivePrimaryKey intersects the candidate list with the available
// columns. A batch with none of the candidates but an id column is keyed by
// id; otherwise the table has no key and appends are not deduplicated.
func derivePrimaryKey(set map[string]struct{}) []string {
	var key []string
	for _, c := range primaryKeyCandidates {
		if _, ok := set[c]; ok {
			key = append(key, c)
		}
	}
	if len(key) > 0 {
		return key
	}
	if _, ok := set["id"]; ok {
		return []string{"id"}
	}
	return nil
}

