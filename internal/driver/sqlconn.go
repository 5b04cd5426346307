package driver

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// placeholderFunc renders the i-th (1-based) bind placeholder.
type placeholderFunc func(i int) string

func questionPlaceholder(int) string { return "?" }
func dollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

// sqlConn implements the back-end-independent part of Conn over a
// database/sql handle. The pool underneath is pinned to a single physical
// connection so session semantics (temp tables, session variables, the
// mysql thread id) hold for the slot's lifetime.
type sqlConn struct {
	db     *sql.DB
	quotes quoteStyle
	ph     placeholderFunc
	limits Limits
}

func newSQLConn(db *sql.DB, quotes quoteStyle, ph placeholderFunc, limits Limits) *sqlConn {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &sqlConn{db: db, quotes: quotes, ph: ph, limits: limits}
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

func (c *sqlConn) Query(ctx context.Context, stmt string) (*ResultSet, error) {
	rows, err := c.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return scanResultSet(rows, c.limits)
}

func (c *sqlConn) Exec(ctx context.Context, stmt string) (int64, error) {
	res, err := c.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some statements legitimately cannot report a count.
		return -1, nil
	}
	return affected, nil
}

func (c *sqlConn) QueryPage(ctx context.Context, req PageRequest) (*ResultSet, error) {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(c.quotes.quoteTable(req.Table))
	if req.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(c.quotes.quoteIdent(req.OrderBy))
	}
	b.WriteString(" LIMIT ")
	b.WriteString(c.ph(1))
	b.WriteString(" OFFSET ")
	b.WriteString(c.ph(2))

	rows, err := c.db.QueryContext(ctx, b.String(), req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	return scanResultSet(rows, c.limits)
}

func (c *sqlConn) ExactCount(ctx context.Context, table string) (int64, error) {
	stmt := "SELECT COUNT(*) FROM " + c.quotes.quoteTable(table)
	var n int64
	if err := c.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *sqlConn) UpdateCell(ctx context.Context, table, column string, value any, pk []KeyValue) error {
	if len(pk) == 0 {
		return fmt.Errorf("update on %s: primary key required", table)
	}
	var b strings.Builder
	args := make([]any, 0, len(pk)+1)
	b.WriteString("UPDATE ")
	b.WriteString(c.quotes.quoteTable(table))
	b.WriteString(" SET ")
	b.WriteString(c.quotes.quoteIdent(column))
	b.WriteString(" = ")
	b.WriteString(c.ph(1))
	args = append(args, value)
	c.writeWhere(&b, pk, &args)

	_, err := c.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (c *sqlConn) DeleteRow(ctx context.Context, table string, pk []KeyValue) error {
	if len(pk) == 0 {
		return fmt.Errorf("delete on %s: primary key required", table)
	}
	var b strings.Builder
	args := make([]any, 0, len(pk))
	b.WriteString("DELETE FROM ")
	b.WriteString(c.quotes.quoteTable(table))
	c.writeWhere(&b, pk, &args)

	_, err := c.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (c *sqlConn) InsertRow(ctx context.Context, table string, values map[string]any) error {
	if len(values) == 0 {
		return fmt.Errorf("insert into %s: no values", table)
	}
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	args := make([]any, 0, len(cols))
	b.WriteString("INSERT INTO ")
	b.WriteString(c.quotes.quoteTable(table))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.quotes.quoteIdent(col))
	}
	b.WriteString(") VALUES (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.ph(i + 1))
		args = append(args, values[col])
	}
	b.WriteString(")")

	_, err := c.db.ExecContext(ctx, b.String(), args...)
	return err
}

// writeWhere appends a placeholder-bound WHERE clause for a primary key,
// continuing the placeholder numbering from the args already collected.
func (c *sqlConn) writeWhere(b *strings.Builder, pk []KeyValue, args *[]any) {
	b.WriteString(" WHERE ")
	for i, kv := range pk {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(c.quotes.quoteIdent(kv.Column))
		b.WriteString(" = ")
		b.WriteString(c.ph(len(*args) + 1))
		*args = append(*args, kv.Value)
	}
}

func (c *sqlConn) PrepareCancel() (CancelHandle, error) {
	return newCtxCancelHandle(), nil
}
