// Package sqlite implements the row store on SQLite via database/sql and
// the modernc.org driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"fbextract/internal/storage"
)

// SQLite caps the number of bound variables per statement. Inserts are
// chunked so column-count times row-count stays under the default limit.
const maxBindVars = 999

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
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

// EnsureTable creates the table when missing. SQLite has no ADD COLUMN IF
// NOT EXISTS, so missing columns are detected via PRAGMA table_info and
// added one by one.
func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	createSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}

	existing, err := r.tableColumns(ctx, spec.Name)
	if err != nil {
		return err
	}
	for _, col := range spec.Columns {
		if existing[col] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT;", sqlIdent(spec.Name), sqlIdent(col))
		if _, err := r.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", spec.Name, col, err)
		}
	}
	return nil
}

func (r *Repo) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", sqlIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// AppendRows bulk-inserts rows in chunks. With keyColumns set it uses
// INSERT OR IGNORE, which relies on the table's primary key.
func (r *Repo) AppendRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	prefix := "INSERT INTO "
	if len(keyColumns) > 0 {
		prefix = "INSERT OR IGNORE INTO "
	}

	chunk := maxBindVars / len(columns)
	if chunk < 1 {
		chunk = 1
	}

	total := int64(0)
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}

		sqlText, args := buildInsertSQL(prefix, table, columns, rows[start:end])
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

func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("sqlite: table spec without name")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("sqlite: table %s has no columns", spec.Name)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" TEXT")
	}
	if len(spec.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, c := range spec.PrimaryKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sqlIdent(c))
		}
		b.WriteString(")")
	}
	b.WriteString(");")
	return b.String(), nil
}

func buildInsertSQL(prefix, table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, row[j])
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
