// Package db holds the Postgres plumbing behind the store: table
// descriptors for COPY loads and catalog merges, and transactions.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table describes a destination for bulk writes.
type Table struct {
	Name    string
	Columns []string
	// Key is the unique constraint Merge resolves conflicts on.
	Key []string
	// Refresh lists the columns overwritten when a key already exists.
	// Empty means every non-key column.
	Refresh []string
}

// Copy streams rows into the table with COPY. q may be a pool or an open
// transaction, so evidence rows can land in the same transaction as the
// scan record they support.
func (t Table) Copy(ctx context.Context, q Querier, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := q.CopyFrom(ctx, pgx.Identifier{t.Name}, t.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", t.Name)
	}
	return n, nil
}

// Merge COPYs rows into a staging table and folds them into t with
// INSERT ... ON CONFLICT in one transaction. Rows whose refreshed columns
// are unchanged are not rewritten and do not count as affected.
func (t Table) Merge(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.validate(); err != nil {
		return 0, err
	}

	staging := t.stagingName()
	var affected int64
	err := InTx(ctx, pool, func(tx pgx.Tx) error {
		create := "CREATE TEMP TABLE " + pgx.Identifier{staging}.Sanitize() +
			" (LIKE " + ident(t.Name) + " INCLUDING DEFAULTS) ON COMMIT DROP"
		if _, err := tx.Exec(ctx, create); err != nil {
			return eris.Wrapf(err, "db: stage %s", t.Name)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, t.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: copy into staging for %s", t.Name)
		}
		tag, err := tx.Exec(ctx, t.mergeSQL(staging))
		if err != nil {
			return eris.Wrapf(err, "db: merge %s", t.Name)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (t Table) validate() error {
	switch {
	case t.Name == "":
		return eris.New("db: table name is required")
	case len(t.Columns) == 0:
		return eris.Errorf("db: %s: no columns", t.Name)
	case len(t.Key) == 0:
		return eris.Errorf("db: %s: no key columns", t.Name)
	}
	if len(t.refreshColumns()) == 0 {
		return eris.Errorf("db: %s: nothing to refresh on conflict", t.Name)
	}
	return nil
}

func (t Table) refreshColumns() []string {
	if len(t.Refresh) > 0 {
		return t.Refresh
	}
	key := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		key[k] = true
	}
	var out []string
	for _, c := range t.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

func (t Table) stagingName() string {
	return "staging_" + strings.ReplaceAll(t.Name, ".", "_")
}

func (t Table) mergeSQL(staging string) string {
	refresh := t.refreshColumns()
	sets := make([]string, len(refresh))
	current := make([]string, len(refresh))
	incoming := make([]string, len(refresh))
	for i, c := range refresh {
		col := pgx.Identifier{c}.Sanitize()
		sets[i] = col + " = EXCLUDED." + col
		current[i] = "t." + col
		incoming[i] = "EXCLUDED." + col
	}
	cols := identList(t.Columns)

	var b strings.Builder
	b.WriteString("INSERT INTO " + ident(t.Name) + " AS t (" + cols + ")")
	b.WriteString(" SELECT " + cols + " FROM " + pgx.Identifier{staging}.Sanitize())
	b.WriteString(" ON CONFLICT (" + identList(t.Key) + ") DO UPDATE SET " + strings.Join(sets, ", "))
	b.WriteString(" WHERE (" + strings.Join(current, ", ") + ") IS DISTINCT FROM (" + strings.Join(incoming, ", ") + ")")
	return b.String()
}

// ident quotes a table name, honouring an optional schema prefix.
func ident(name string) string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, table}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
