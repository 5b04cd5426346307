package rpc

import (
	"context"
	"strings"
	"time"

	"github.com/dbrelay/dbrelay/internal/async"
	"github.com/dbrelay/dbrelay/internal/driver"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/session"
)

// Worker executes deferred queries on their own goroutines and pushes the
// terminal outcome onto the completion queue. It never touches the byte
// streams: the protocol goroutine serializes every response.
type Worker struct {
	sessions *session.Manager
	queue    *async.Queue
	metrics  *metrics.Collector
}

// NewWorker creates a worker factory bound to the session pool and queue.
func NewWorker(sm *session.Manager, q *async.Queue, m *metrics.Collector) *Worker {
	return &Worker{sessions: sm, queue: q, metrics: m}
}

// Launch tracks q and starts its goroutine. The caller has already decided
// the request is deferred; no response is written until the queue delivers
// the terminal state.
func (w *Worker) Launch(q *async.Query) {
	w.queue.Track(q)
	if w.metrics != nil {
		w.metrics.SetQueriesActive(w.queue.ActiveCount())
	}
	go w.run(q)
}

// pageResult is the payload of a completed paginated table read.
type pageResult struct {
	Columns     []driver.Column `json:"columns"`
	Rows        [][]any         `json:"rows"`
	TotalRows   int64           `json:"total_rows"`
	Approximate bool            `json:"approximate,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
	Offset      int64           `json:"offset"`
	Limit       int64           `json:"limit"`
}

// stmtResult is the payload of a completed raw statement.
type stmtResult struct {
	Type     string            `json:"type"`
	Data     *driver.ResultSet `json:"data,omitempty"`
	Affected int64             `json:"affected,omitempty"`
}

func (w *Worker) run(q *async.Query) {
	conn, ok := w.sessions.Get(q.ConnID)
	if !ok {
		w.finish(q, nil, session.ErrNotFound.Error(), CodeInvalidParams)
		return
	}
	info, _ := w.sessions.Info(q.ConnID)

	ctx, err := w.sessions.PrepareCancel(q.ConnID)
	if err != nil {
		w.finish(q, nil, err.Error(), CodeInternalError)
		return
	}
	w.queue.MarkRunning(q)

	start := time.Now()
	result, runErr := w.execute(ctx, conn, q)

	// Unconditionally: pairs with PrepareCancel even when the call failed.
	w.sessions.FinishQuery(q.ConnID)

	if w.metrics != nil {
		w.metrics.QueryFinished(info.Driver, time.Since(start))
	}

	// A requested cancellation overrides any other outcome, including a
	// call that slipped through and succeeded before the engine noticed.
	if w.queue.CancelRequested(q) {
		if w.metrics != nil {
			w.metrics.QueryCancelled()
		}
		w.finish(q, nil, "Query cancelled", CodeCancelled)
		return
	}
	if runErr != nil {
		w.finish(q, nil, runErr.Error(), CodeInternalError)
		return
	}
	w.finish(q, result, "", 0)
}

func (w *Worker) execute(ctx context.Context, conn driver.Conn, q *async.Query) (any, error) {
	switch q.Kind {
	case async.KindPage:
		rs, err := conn.QueryPage(ctx, driver.PageRequest{
			Table:   q.Table,
			Offset:  q.Offset,
			Limit:   q.Limit,
			OrderBy: q.OrderBy,
		})
		if err != nil {
			return nil, err
		}
		total, approx := w.totalRows(ctx, conn, q.Table)
		if w.metrics != nil {
			w.metrics.RowsReturned(len(rs.Rows))
		}
		return pageResult{
			Columns:     rs.Columns,
			Rows:        rs.Rows,
			TotalRows:   total,
			Approximate: approx,
			Truncated:   rs.Truncated,
			Offset:      q.Offset,
			Limit:       q.Limit,
		}, nil

	default: // async.KindStatement
		if statementReturnsRows(q.Statement) {
			rs, err := conn.Query(ctx, q.Statement)
			if err != nil {
				return nil, err
			}
			if w.metrics != nil {
				w.metrics.RowsReturned(len(rs.Rows))
			}
			return stmtResult{Type: "select", Data: rs}, nil
		}
		affected, err := conn.Exec(ctx, q.Statement)
		if err != nil {
			return nil, err
		}
		return stmtResult{Type: "exec", Affected: affected}, nil
	}
}

// totalRows prefers the catalogue estimate and falls back to an exact
// count. A failed exact count degrades to -1 rather than failing the page.
func (w *Worker) totalRows(ctx context.Context, conn driver.Conn, table string) (int64, bool) {
	if est, err := conn.EstimateRows(ctx, table); err == nil && est >= 0 {
		return est, true
	}
	n, err := conn.ExactCount(ctx, table)
	if err != nil {
		return -1, false
	}
	return n, false
}

// finish records the terminal output and pushes the query.
func (w *Worker) finish(q *async.Query, result any, errMsg string, errCode int) {
	status := async.StatusCompleted
	switch {
	case errCode == CodeCancelled:
		status = async.StatusCancelled
	case errCode != 0:
		status = async.StatusError
	}
	q.Result = result
	q.ErrCode = errCode
	q.ErrMsg = errMsg
	w.queue.Complete(q, status)
	if w.metrics != nil {
		w.metrics.SetQueriesActive(w.queue.ActiveCount())
	}
}

// statementReturnsRows sniffs the leading keyword to pick the result path.
func statementReturnsRows(stmt string) bool {
	s := strings.TrimSpace(stmt)
	if i := strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == '('
	}); i > 0 {
		s = s[:i]
	}
	switch strings.ToUpper(s) {
	case "SELECT", "PRAGMA", "SHOW", "DESCRIBE", "EXPLAIN":
		return true
	}
	return false
}
