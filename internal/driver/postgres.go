package driver

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresConn is a session against a PostgreSQL server, driven through the
// pgx stdlib adaptor. Cancellation rides on context cancellation: pgx sends
// a wire-level CancelRequest to the server when the statement context is
// cancelled, so the engine stops the query rather than just dropping the
// socket.
type postgresConn struct {
	*sqlConn
}

func connectPostgres(ctx context.Context, u *url.URL, password string, limits Limits) (Conn, Info, error) {
	host, port := hostPort(u, 5432)
	user := username(u)

	dsn := *u
	dsn.Scheme = "postgres"
	if user != "" {
		if password != "" {
			dsn.User = url.UserPassword(user, password)
		} else {
			dsn.User = url.User(user)
		}
	}

	db, err := sql.Open("pgx", dsn.String())
	if err != nil {
		return nil, Info{}, fmt.Errorf("opening postgres connection: %w", err)
	}
	c := &postgresConn{sqlConn: newSQLConn(db, quoteDouble, dollarPlaceholder, limits)}
	if err := c.Ping(ctx); err != nil {
		db.Close()
		return nil, Info{}, fmt.Errorf("connecting to postgres at %s:%d: %w", host, port, err)
	}

	database := ""
	if len(u.Path) > 1 {
		database = u.Path[1:]
	}
	return c, Info{Driver: "postgres", Database: database, Host: host, Port: port, User: user}, nil
}

func (c *postgresConn) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, err
		}
		if schema == "public" {
			tables = append(tables, name)
		} else {
			tables = append(tables, schema+"."+name)
		}
	}
	return tables, rows.Err()
}

func (c *postgresConn) Schema(ctx context.Context, table string) (*TableSchema, error) {
	schema, name := splitQualified(table)
	if schema == "" {
		schema = "public"
	}
	ts := &TableSchema{Table: name}

	rows, err := c.db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable, COALESCE(c.column_default, ''),
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON tc.constraint_name = kcu.constraint_name
		            AND tc.table_schema = kcu.table_schema
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, name)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			col      ColumnSchema
			nullable string
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default, &col.PrimaryKey); err != nil {
			rows.Close()
			return nil, err
		}
		col.Nullable = nullable == "YES"
		ts.Columns = append(ts.Columns, col)
	}
	rows.Close()
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, name)
	}

	if err := c.scanIndexes(ctx, schema, name, ts); err != nil {
		return nil, err
	}
	if err := c.scanForeignKeys(ctx, schema, name, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (c *postgresConn) scanIndexes(ctx context.Context, schema, name string, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT i.relname, ix.indisunique, a.attname
		FROM pg_class t
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1 AND t.relname = $2
		ORDER BY i.relname, a.attnum`, schema, name)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*IndexSchema)
	var order []string
	for rows.Next() {
		var (
			idxName string
			unique  bool
			col     string
		)
		if err := rows.Scan(&idxName, &unique, &col); err != nil {
			return err
		}
		ix, ok := byName[idxName]
		if !ok {
			ix = &IndexSchema{Name: idxName, Unique: unique}
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

func (c *postgresConn) scanForeignKeys(ctx context.Context, schema, name string, ts *TableSchema) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name,
		       rc.delete_rule, rc.update_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.table_schema = ccu.table_schema
		JOIN information_schema.referential_constraints rc
		  ON tc.constraint_name = rc.constraint_name
		 AND tc.table_schema = rc.constraint_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2`, schema, name)
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

// EstimateRows reads pg_class.reltuples. Tables that were never analyzed
// report -1 there, which maps directly to "estimate unavailable".
func (c *postgresConn) EstimateRows(ctx context.Context, table string) (int64, error) {
	var est sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT reltuples::bigint FROM pg_class WHERE oid = to_regclass($1)`, table).Scan(&est)
	if err != nil {
		return -1, nil
	}
	if !est.Valid || est.Int64 < 0 {
		return -1, nil
	}
	return est.Int64, nil
}
