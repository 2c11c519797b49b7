// Package postgres implements the row store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"fbextract/internal/storage"
)

type Repo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTable creates the table when missing and widens existing tables with
// ADD COLUMN IF NOT EXISTS, so schema growth across runs never fails.
func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	createSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}

	for _, col := range spec.Columns {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT;",
			pgIdent(spec.Name), pgIdent(col))
		if _, err := r.pool.Exec(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", spec.Name, col, err)
		}
	}
	return nil
}

// AppendRows bulk-inserts rows. With keyColumns set the statement carries
// ON CONFLICT (...) DO NOTHING, making re-runs idempotent.
func (r *Repo) AppendRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	sql, args := buildInsertSQL(table, columns, rows, keyColumns)
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("postgres: table spec without name")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("postgres: table %s has no columns", spec.Name)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" TEXT")
	}
	if len(spec.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, c := range spec.PrimaryKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(")")
	}
	b.WriteString(");")
	return b.String(), nil
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// It is pure and deterministic, so placeholder numbering and the ON CONFLICT
// clause can be unit tested without a database.
func buildInsertSQL(table string, columns []string, rows [][]any, keyColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(keyColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range keyColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// pgIdent quotes an identifier for Postgres.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
