package driver

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlConn is a session against a MySQL or MariaDB server. Cancellation
// needs a second connection: the server thread id is captured at connect
// and KILL QUERY is issued from a short-lived auxiliary connection, because
// go-sql-driver's context cancellation only drops the socket without
// stopping the server-side statement.
type mysqlConn struct {
	*sqlConn
	dsn      string
	threadID uint64
}

func connectMySQL(ctx context.Context, u *url.URL, password string, limits Limits) (Conn, Info, error) {
	host, port := hostPort(u, 3306)
	user := username(u)

	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if len(u.Path) > 1 {
		cfg.DBName = u.Path[1:]
	}
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	dsn := cfg.FormatDSN()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, Info{}, fmt.Errorf("opening mysql connection: %w", err)
	}
	c := &mysqlConn{sqlConn: newSQLConn(db, quoteBacktick, questionPlaceholder, limits), dsn: dsn}
	if err := c.Ping(ctx); err != nil {
		db.Close()
		return nil, Info{}, fmt.Errorf("connecting to mysql at %s: %w", cfg.Addr, err)
	}

	// The thread id addresses this exact server session in KILL QUERY. The
	// pool is pinned to one physical connection, so it stays valid.
	if err := db.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&c.threadID); err != nil {
		db.Close()
		return nil, Info{}, fmt.Errorf("reading mysql connection id: %w", err)
	}

	return c, Info{Driver: "mysql", Database: cfg.DBName, Host: host, Port: port, User: user}, nil
}

func (c *mysqlConn) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`)
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

func (c *mysqlConn) Schema(ctx context.Context, table string) (*TableSchema, error) {
	schema, name := splitQualified(table)
	ts := &TableSchema{Table: name}

	rows, err := c.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COALESCE(COLUMN_DEFAULT, ''), COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, schema, name)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			col      ColumnSchema
			nullable string
			key      string
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default, &key); err != nil {
			rows.Close()
			return nil, err
		}
		col.Type = strings.ToUpper(col.Type)
		col.Nullable = nullable == "YES"
		col.PrimaryKey = key == "PRI"
		ts.Columns = append(ts.Columns, col)
	}
	rows.Close()
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}

	if err := c.scanIndexes(ctx, schema, name, ts); err != nil {
		return nil, err
	}
	if err := c.scanForeignKeys(ctx, schema, name, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (c *mysqlConn) scanIndexes(ctx context.Context, schema, name string, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, schema, name)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*IndexSchema)
	var order []string
	for rows.Next() {
		var (
			idxName   string
			nonUnique int
			col       string
		)
		if err := rows.Scan(&idxName, &nonUnique, &col); err != nil {
			return err
		}
		ix, ok := byName[idxName]
		if !ok {
			ix = &IndexSchema{Name: idxName, Unique: nonUnique == 0}
			byName[idxName] = ix
			order = append(order, idxName)
		}
		ix.Columns = append(ix.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, n := range order {
		ts.Indexes = append(ts.Indexes, *byName[n])
	}
	return nil
}

func (c *mysqlConn) scanForeignKeys(ctx context.Context, schema, name string, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT kcu.COLUMN_NAME, kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME,
		       rc.DELETE_RULE, rc.UPDATE_RULE
		FROM information_schema.KEY_COLUMN_USAGE kcu
		JOIN information_schema.REFERENTIAL_CONSTRAINTS rc
		  ON kcu.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
		 AND kcu.CONSTRAINT_SCHEMA = rc.CONSTRAINT_SCHEMA
		WHERE kcu.TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
		  AND kcu.TABLE_NAME = ?
		  AND kcu.REFERENCED_TABLE_NAME IS NOT NULL`, schema, name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var fk ForeignKeySchema
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn, &fk.OnDelete, &fk.OnUpdate); err != nil {
			return err
		}
		ts.ForeignKeys = append(ts.ForeignKeys, fk)
	}
	return rows.Err()
}

// EstimateRows reads information_schema TABLE_ROWS, which InnoDB maintains
// from statistics rather than an exact count.
func (c *mysqlConn) EstimateRows(ctx context.Context, table string) (int64, error) {
	schema, name := splitQualified(table)
	var est sql.NullInt64
	err := c.db.QueryRowContext(ctx, `
		SELECT TABLE_ROWS FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?`,
		schema, name).Scan(&est)
	if err != nil || !est.Valid {
		return -1, nil
	}
	return est.Int64, nil
}

func (c *mysqlConn) PrepareCancel() (CancelHandle, error) {
	return &killCancelHandle{
		ctxCancelHandle: newCtxCancelHandle(),
		dsn:             c.dsn,
		threadID:        c.threadID,
	}, nil
}

// killCancelHandle interrupts a mysql statement server-side. Cancel dials a
// fresh auxiliary connection and issues KILL QUERY for the session's thread
// id, then cancels the statement context so the blocked caller unwinds.
type killCancelHandle struct {
	*ctxCancelHandle
	dsn      string
	threadID uint64
}

func (h *killCancelHandle) Cancel() error {
	defer h.ctxCancelHandle.Cancel()

	aux, err := sql.Open("mysql", h.dsn)
	if err != nil {
		return fmt.Errorf("opening kill connection: %w", err)
	}
	defer aux.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// KILL QUERY takes a literal thread id; the value came from the server.
	if _, err := aux.ExecContext(ctx, fmt.Sprintf("KILL QUERY %d", h.threadID)); err != nil {
		return fmt.Errorf("kill query %d: %w", h.threadID, err)
	}
	return nil
}
