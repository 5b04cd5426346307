package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dbrelay/dbrelay/internal/async"
	"github.com/dbrelay/dbrelay/internal/driver"
	"github.com/dbrelay/dbrelay/internal/session"
)

// DefaultQueryLimit is the page size used when the client omits limit.
const DefaultQueryLimit = 1000

// MaxQueryLimit caps the page size a client may request.
const MaxQueryLimit = 10_000

// handlerResult is the three-way outcome of a handler: a value to return,
// an error to return, or deferred — the response arrives later via the
// completion queue and nothing is written now.
type handlerResult struct {
	result   any
	errCode  int
	errMsg   string
	deferred bool
}

func ok(v any) handlerResult { return handlerResult{result: v} }

func fail(code int, msg string) handlerResult {
	return handlerResult{errCode: code, errMsg: msg}
}

func deferredResult() handlerResult { return handlerResult{deferred: true} }

type handlerFunc func(s *Server, req *Request) handlerResult

// methodTable is the static dispatch table. Methods absent here return
// method-not-found.
var methodTable = map[string]handlerFunc{
	"connect":     (*Server).handleConnect,
	"disconnect":  (*Server).handleDisconnect,
	"connections": (*Server).handleConnections,
	"tables":      (*Server).handleTables,
	"schema":      (*Server).handleSchema,
	"query":       (*Server).handleQuery,
	"count":       (*Server).handleCount,
	"exec":        (*Server).handleExec,
	"update":      (*Server).handleUpdate,
	"delete":      (*Server).handleDelete,
	"insert":      (*Server).handleInsert,
	"cancel":      (*Server).handleCancel,
	"ping":        (*Server).handlePing,
	"version":     (*Server).handleVersion,
	"shutdown":    (*Server).handleShutdown,
}

// unmarshalParams decodes params into v, tolerating an absent params member.
func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// lookupConn resolves conn_id or produces the invalid-id failure.
func (s *Server) lookupConn(id int64) (driver.Conn, handlerResult, bool) {
	conn, found := s.sessions.Get(id)
	if !found {
		return nil, fail(CodeInvalidParams, "Invalid connection ID"), false
	}
	return conn, handlerResult{}, true
}

func (s *Server) handleConnect(req *Request) handlerResult {
	var p struct {
		ConnStr  string `json:"connstr"`
		Password string `json:"password"`
		MaxRows  int64  `json:"max_rows"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.ConnStr == "" {
		return fail(CodeInvalidParams, "connstr parameter required")
	}

	id, _, err := s.sessions.Connect(context.Background(), p.ConnStr, p.Password, p.MaxRows)
	if err != nil {
		if errors.Is(err, session.ErrPoolFull) {
			return fail(CodeInternalError, err.Error())
		}
		return fail(CodeInternalError, fmt.Sprintf("connect failed: %s", err))
	}
	return ok(map[string]int64{"conn_id": id})
}

func (s *Server) handleDisconnect(req *Request) handlerResult {
	var p struct {
		ConnID int64 `json:"conn_id"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}

	// A disconnect while a query is in flight implies cancellation; the
	// worker reports the cancelled outcome through the queue as usual.
	if s.sessions.QueryActive(p.ConnID) {
		s.queue.RequestCancel(p.ConnID)
		if err := s.sessions.CancelQuery(p.ConnID); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("cancel on disconnect failed", "conn_id", p.ConnID, "err", err)
		}
	}

	if err := s.sessions.Disconnect(p.ConnID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fail(CodeInvalidParams, "Invalid connection ID")
		}
		return fail(CodeInternalError, err.Error())
	}
	if s.metrics != nil {
		s.metrics.RemoveSession(fmt.Sprintf("%d", p.ConnID))
	}
	return ok(struct{}{})
}

func (s *Server) handleConnections(*Request) handlerResult {
	return ok(s.sessions.List())
}

func (s *Server) handleTables(req *Request) handlerResult {
	var p struct {
		ConnID int64 `json:"conn_id"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	conn, res, found := s.lookupConn(p.ConnID)
	if !found {
		return res
	}
	tables, err := conn.Tables(context.Background())
	if err != nil {
		return fail(CodeInternalError, err.Error())
	}
	if tables == nil {
		tables = []string{}
	}
	return ok(tables)
}

func (s *Server) handleSchema(req *Request) handlerResult {
	var p struct {
		ConnID int64  `json:"conn_id"`
		Table  string `json:"table"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.Table == "" {
		return fail(CodeInvalidParams, "table parameter required")
	}
	conn, res, found := s.lookupConn(p.ConnID)
	if !found {
		return res
	}
	ts, err := conn.Schema(context.Background(), p.Table)
	if err != nil {
		if errors.Is(err, driver.ErrNotSupported) {
			return fail(CodeInternalError, "schema introspection not supported")
		}
		return fail(CodeInternalError, err.Error())
	}
	if ts.Columns == nil {
		ts.Columns = []driver.ColumnSchema{}
	}
	if ts.Indexes == nil {
		ts.Indexes = []driver.IndexSchema{}
	}
	if ts.ForeignKeys == nil {
		ts.ForeignKeys = []driver.ForeignKeySchema{}
	}
	return ok(ts)
}

func (s *Server) handleQuery(req *Request) handlerResult {
	var p struct {
		ConnID  int64  `json:"conn_id"`
		Table   string `json:"table"`
		Offset  int64  `json:"offset"`
		Limit   int64  `json:"limit"`
		OrderBy string `json:"order_by"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.Table == "" {
		return fail(CodeInvalidParams, "table parameter required")
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultQueryLimit
	}
	if limit := s.queryLimitCap.Load(); p.Limit > limit {
		p.Limit = limit
	}

	s.worker.Launch(&async.Query{
		Kind:      async.KindPage,
		ConnID:    p.ConnID,
		Table:     p.Table,
		Offset:    p.Offset,
		Limit:     p.Limit,
		OrderBy:   p.OrderBy,
		RequestID: cloneID(req.ID),
	})
	return deferredResult()
}

func (s *Server) handleCount(req *Request) handlerResult {
	var p struct {
		ConnID int64  `json:"conn_id"`
		Table  string `json:"table"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.Table == "" {
		return fail(CodeInvalidParams, "table parameter required")
	}
	conn, res, found := s.lookupConn(p.ConnID)
	if !found {
		return res
	}

	ctx := context.Background()
	if est, err := conn.EstimateRows(ctx, p.Table); err == nil && est >= 0 {
		return ok(map[string]any{"count": est, "approximate": true})
	}
	n, err := conn.ExactCount(ctx, p.Table)
	if err != nil {
		return fail(CodeInternalError, err.Error())
	}
	return ok(map[string]any{"count": n, "approximate": false})
}

func (s *Server) handleExec(req *Request) handlerResult {
	var p struct {
		ConnID int64  `json:"conn_id"`
		SQL    string `json:"sql"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.SQL == "" {
		return fail(CodeInvalidParams, "sql parameter required")
	}

	s.worker.Launch(&async.Query{
		Kind:      async.KindStatement,
		ConnID:    p.ConnID,
		Statement: p.SQL,
		RequestID: cloneID(req.ID),
	})
	return deferredResult()
}

func (s *Server) handleUpdate(req *Request) handlerResult {
	var p struct {
		ConnID int64             `json:"conn_id"`
		Table  string            `json:"table"`
		Column string            `json:"column"`
		Value  any               `json:"value"`
		PK     []driver.KeyValue `json:"pk"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.Table == "" || p.Column == "" || len(p.PK) == 0 {
		return fail(CodeInvalidParams, "table, column and pk parameters required")
	}
	conn, res, found := s.lookupConn(p.ConnID)
	if !found {
		return res
	}
	if err := conn.UpdateCell(context.Background(), p.Table, p.Column, p.Value, p.PK); err != nil {
		return fail(CodeInternalError, err.Error())
	}
	return ok(struct{}{})
}

func (s *Server) handleDelete(req *Request) handlerResult {
	var p struct {
		ConnID int64             `json:"conn_id"`
		Table  string            `json:"table"`
		PK     []driver.KeyValue `json:"pk"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.Table == "" || len(p.PK) == 0 {
		return fail(CodeInvalidParams, "table and pk parameters required")
	}
	conn, res, found := s.lookupConn(p.ConnID)
	if !found {
		return res
	}
	if err := conn.DeleteRow(context.Background(), p.Table, p.PK); err != nil {
		return fail(CodeInternalError, err.Error())
	}
	return ok(struct{}{})
}

func (s *Server) handleInsert(req *Request) handlerResult {
	var p struct {
		ConnID int64          `json:"conn_id"`
		Table  string         `json:"table"`
		Values map[string]any `json:"values"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	if p.Table == "" || len(p.Values) == 0 {
		return fail(CodeInvalidParams, "table and values parameters required")
	}
	conn, res, found := s.lookupConn(p.ConnID)
	if !found {
		return res
	}
	if err := conn.InsertRow(context.Background(), p.Table, p.Values); err != nil {
		return fail(CodeInternalError, err.Error())
	}
	return ok(struct{}{})
}

// handleCancel flags the in-flight query on a connection for cancellation.
// Result is true when a matching query was found, false otherwise; a
// connection with nothing running is a successful no-op.
func (s *Server) handleCancel(req *Request) handlerResult {
	var p struct {
		ConnID int64 `json:"conn_id"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(CodeInvalidParams, "Invalid params: "+err.Error())
	}

	_, found := s.queue.RequestCancel(p.ConnID)
	if found {
		if err := s.sessions.CancelQuery(p.ConnID); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("driver cancel failed", "conn_id", p.ConnID, "err", err)
		}
	}
	return ok(found)
}

func (s *Server) handlePing(*Request) handlerResult {
	return ok(map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(*Request) handlerResult {
	return ok(map[string]any{
		"daemon_version":   DaemonVersion,
		"protocol_version": ProtocolVersion,
		"drivers":          s.drivers,
	})
}

func (s *Server) handleShutdown(*Request) handlerResult {
	s.requestShutdown()
	return ok(struct{}{})
}

// cloneID deep-copies a raw request id so it survives buffer reuse across
// the deferred gap.
func cloneID(id json.RawMessage) json.RawMessage {
	if id == nil {
		return nil
	}
	return append(json.RawMessage(nil), id...)
}
