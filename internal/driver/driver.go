// Package driver defines the capability surface a database back-end exposes
// to the gateway: connect, query, paginated reads, row mutations, schema
// introspection, row estimates, and cooperative query cancellation. The
// sqlite, postgres and mysql back-ends in this package all implement it on
// top of database/sql; callers never see which one is mounted.
package driver

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by capabilities a back-end does not implement.
// Callers surface it as a "not supported" error rather than failing hard.
var ErrNotSupported = errors.New("operation not supported by driver")

// KeyValue is one primary-key column/value pair used to address a single row.
type KeyValue struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// PageRequest describes one window of a paginated table read.
type PageRequest struct {
	Table   string
	Offset  int64
	Limit   int64
	OrderBy string // optional column name, already validated by the caller
}

// CancelHandle is an opaque token obtained before a cancellable statement
// starts. Cancel may be called from a different goroutine than the one
// blocked inside the statement; it is best-effort — the in-progress call may
// still return a partial result, an error, or success shortly after.
// Close releases the handle and must be called exactly once.
type CancelHandle interface {
	// StatementContext is the context the guarded statement must run under.
	StatementContext() context.Context
	Cancel() error
	Close() error
}

// Conn is one open logical connection to a back-end database.
//
// At most one goroutine runs a cancellable call (Query, Exec, QueryPage) on
// a Conn at a time; the session manager enforces this. PrepareCancel and the
// returned handle's Cancel are the only methods safe to use concurrently
// with an in-flight statement.
type Conn interface {
	Ping(ctx context.Context) error

	// Query runs a result-returning statement.
	Query(ctx context.Context, stmt string) (*ResultSet, error)

	// Exec runs a statement and returns the affected-row count, or -1 when
	// the back-end cannot report one.
	Exec(ctx context.Context, stmt string) (int64, error)

	// QueryPage reads one window of a table.
	QueryPage(ctx context.Context, req PageRequest) (*ResultSet, error)

	Tables(ctx context.Context) ([]string, error)
	Schema(ctx context.Context, table string) (*TableSchema, error)

	// UpdateCell sets a single column of the row addressed by pk.
	UpdateCell(ctx context.Context, table, column string, value any, pk []KeyValue) error
	DeleteRow(ctx context.Context, table string, pk []KeyValue) error
	InsertRow(ctx context.Context, table string, values map[string]any) error

	// EstimateRows returns a fast row-count estimate from catalogue
	// statistics, or -1 when no estimate is available.
	EstimateRows(ctx context.Context, table string) (int64, error)

	// ExactCount counts rows with a full scan.
	ExactCount(ctx context.Context, table string) (int64, error)

	// PrepareCancel binds a cancel handle to the next statement on this
	// connection. Valid until the handle is closed.
	PrepareCancel() (CancelHandle, error)

	Close() error
}

// ctxCancelHandle interrupts a statement by cancelling its context. All
// three bundled back-ends propagate context cancellation into the engine
// (sqlite3_interrupt for sqlite, a wire CancelRequest for postgres); mysql
// layers a server-side KILL on top, see killCancelHandle.
type ctxCancelHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCtxCancelHandle() *ctxCancelHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &ctxCancelHandle{ctx: ctx, cancel: cancel}
}

func (h *ctxCancelHandle) StatementContext() context.Context { return h.ctx }

func (h *ctxCancelHandle) Cancel() error {
	h.cancel()
	return nil
}

func (h *ctxCancelHandle) Close() error {
	h.cancel()
	return nil
}
