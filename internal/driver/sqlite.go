package driver

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteConn is a session against a SQLite database file. Statement
// interruption rides on context cancellation: go-sqlite3 calls
// sqlite3_interrupt when the statement context is cancelled.
type sqliteConn struct {
	*sqlConn
	path string
}

func connectSQLite(ctx context.Context, u *url.URL, _ string, limits Limits) (Conn, Info, error) {
	// sqlite:///var/db/app.db has an empty host and an absolute path;
	// sqlite://app.db parses the file name into the host.
	path := u.Path
	if u.Host != "" {
		path = u.Host + u.Path
	}
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, Info{}, fmt.Errorf("sqlite connection string %q has no path", u.String())
	}

	dsn := path + "?_busy_timeout=5000"
	if q := u.RawQuery; q != "" {
		dsn += "&" + q
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Info{}, fmt.Errorf("opening sqlite database: %w", err)
	}
	c := &sqliteConn{sqlConn: newSQLConn(db, quoteDouble, questionPlaceholder, limits), path: path}
	if err := c.Ping(ctx); err != nil {
		db.Close()
		return nil, Info{}, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	return c, Info{Driver: "sqlite", Database: path}, nil
}

func (c *sqliteConn) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *sqliteConn) Schema(ctx context.Context, table string) (*TableSchema, error) {
	// SQLite has no schemas; fold any qualifier to the bare name.
	_, name := splitQualified(table)
	quoted := c.quotes.quoteIdent(name)

	ts := &TableSchema{Table: name}

	// PRAGMA arguments cannot be bound; the identifier is quoted instead.
	rows, err := c.db.QueryContext(ctx, "PRAGMA table_info("+quoted+")")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, err
		}
		ts.Columns = append(ts.Columns, ColumnSchema{
			Name:       colName,
			Type:       strings.ToUpper(colType),
			Nullable:   notNull == 0,
			Default:    dflt.String,
			PrimaryKey: pk > 0,
		})
	}
	rows.Close()
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}

	if err := c.scanIndexes(ctx, quoted, ts); err != nil {
		return nil, err
	}
	if err := c.scanForeignKeys(ctx, quoted, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (c *sqliteConn) scanIndexes(ctx context.Context, quoted string, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx, "PRAGMA index_list("+quoted+")")
	if err != nil {
		return err
	}
	type idx struct {
		name   string
		unique bool
	}
	var idxs []idx
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		idxs = append(idxs, idx{name: name, unique: unique == 1})
	}
	rows.Close()

	for _, ix := range idxs {
		cols, err := c.indexColumns(ctx, ix.name)
		if err != nil {
			return err
		}
		ts.Indexes = append(ts.Indexes, IndexSchema{Name: ix.name, Columns: cols, Unique: ix.unique})
	}
	return nil
}

func (c *sqliteConn) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "PRAGMA index_info("+c.quotes.quoteIdent(index)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}

func (c *sqliteConn) scanForeignKeys(ctx context.Context, quoted string, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx, "PRAGMA foreign_key_list("+quoted+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, seq            int
			refTable           string
			from, to           sql.NullString
			onUpdate, onDelete string
			match              string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return err
		}
		ts.ForeignKeys = append(ts.ForeignKeys, ForeignKeySchema{
			Column:    from.String,
			RefTable:  refTable,
			RefColumn: to.String,
			OnDelete:  onDelete,
			OnUpdate:  onUpdate,
		})
	}
	return rows.Err()
}

// EstimateRows reads the row count recorded by ANALYZE in sqlite_stat1.
// Databases that were never analyzed have no estimate.
func (c *sqliteConn) EstimateRows(ctx context.Context, table string) (int64, error) {
	_, name := splitQualified(table)
	var stat string
	err := c.db.QueryRowContext(ctx,
		`SELECT stat FROM sqlite_stat1 WHERE tbl = ? AND idx IS NULL`, name).Scan(&stat)
	if err != nil {
		// Missing sqlite_stat1 or no entry for the table.
		return -1, nil
	}
	// stat is a space-separated list whose first field is the row count.
	fields := strings.Fields(stat)
	if len(fields) == 0 {
		return -1, nil
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1, nil
	}
	return n, nil
}
