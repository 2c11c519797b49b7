// Package mssql implements the row store on SQL Server.
//
// Key differences from the Postgres backend:
//   - No CREATE TABLE IF NOT EXISTS; existence is probed via OBJECT_ID.
//   - No ON CONFLICT; idempotent appends use per-row INSERT ... WHERE NOT
//     EXISTS, which avoids MERGE and its locking surprises.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"fbextract/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	createSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}

	for _, col := range spec.Columns {
		alter := buildAddColumnSQL(spec.Name, col)
		if _, err := r.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", spec.Name, col, err)
		}
	}
	return nil
}

// AppendRows inserts row by row. With keyColumns set each INSERT is guarded
// by NOT EXISTS on the key, so duplicates are skipped instead of erroring.
func (r *Repo) AppendRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	keyIdx, err := columnIndices(columns, keyColumns)
	if err != nil {
		return 0, err
	}

	total := int64(0)
	for _, row := range rows {
		sqlText, args := buildInsertRowSQL(table, columns, row, keyColumns, keyIdx)
		res, err := r.db.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func columnIndices(columns, wanted []string) ([]int, error) {
	idx := make([]int, 0, len(wanted))
	for _, w := range wanted {
		found := -1
		for i, c := range columns {
			if c == w {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("mssql: key column %q not present in columns", w)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID existence check, which
// keeps EnsureTable idempotent without IF NOT EXISTS syntax.
func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("mssql: table spec without name")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", spec.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', N'U') IS NULL ", strings.ReplaceAll(spec.Name, "'", "''"))
	b.WriteString("CREATE TABLE ")
	b.WriteString(msIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
		// PK columns need a bounded type; NVARCHAR(MAX) cannot be indexed.
		if contains(spec.PrimaryKey, c) {
			b.WriteString(" NVARCHAR(450)")
		} else {
			b.WriteString(" NVARCHAR(MAX)")
		}
	}
	if len(spec.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, c := range spec.PrimaryKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(msIdent(c))
		}
		b.WriteString(")")
	}
	b.WriteString(");")
	return b.String(), nil
}

func buildAddColumnSQL(table, column string) string {
	return fmt.Sprintf(
		"IF COL_LENGTH(N'%s', N'%s') IS NULL ALTER TABLE %s ADD %s NVARCHAR(MAX);",
		strings.ReplaceAll(table, "'", "''"),
		strings.ReplaceAll(column, "'", "''"),
		msIdent(table), msIdent(column),
	)
}

func buildInsertRowSQL(table string, columns []string, row []any, keyColumns []string, keyIdx []int) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(msIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") SELECT ")

	args := make([]any, 0, len(columns)+len(keyIdx))
	p := 1
	for j := range columns {
		if j > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", p)
		args = append(args, row[j])
		p++
	}

	if len(keyColumns) > 0 {
		b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
		b.WriteString(msIdent(table))
		b.WriteString(" WHERE ")
		for i, c := range keyColumns {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(msIdent(c))
			fmt.Fprintf(&b, " = @p%d", p)
			args = append(args, row[keyIdx[i]])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(";")
	return b.String(), args
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}
