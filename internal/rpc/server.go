package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbrelay/dbrelay/internal/async"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/session"
)

// drainTimeout bounds how long shutdown waits for in-flight workers before
// resorting to cancellation, and again how long it waits after cancelling.
const drainTimeout = 5 * time.Second

// Server owns the byte streams: it frames requests, dispatches them, and
// serializes every response — synchronous and deferred — through a single
// writer. Only the goroutine inside Run writes to out.
type Server struct {
	in  io.Reader
	out *bufio.Writer

	sessions *session.Manager
	queue    *async.Queue
	worker   *Worker
	metrics  *metrics.Collector
	drivers  []string
	logger   *slog.Logger

	queryLimitCap atomic.Int64

	shutdown     atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires a protocol server over one pair of byte streams.
func NewServer(in io.Reader, out io.Writer, sm *session.Manager, q *async.Queue, m *metrics.Collector, drivers []string) *Server {
	s := &Server{
		in:         in,
		out:        bufio.NewWriter(out),
		sessions:   sm,
		queue:      q,
		metrics:    m,
		drivers:    drivers,
		logger:     slog.Default(),
		shutdownCh: make(chan struct{}),
	}
	s.worker = NewWorker(sm, q, m)
	s.queryLimitCap.Store(MaxQueryLimit)
	return s
}

// SetQueryLimitCap replaces the page-size cap. Safe to call while serving;
// used by config hot reload.
func (s *Server) SetQueryLimitCap(limit int64) {
	if limit <= 0 {
		limit = MaxQueryLimit
	}
	s.queryLimitCap.Store(limit)
}

// requestShutdown flips the shutdown flag the loop samples every wake.
func (s *Server) requestShutdown() {
	s.shutdown.Store(true)
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Shutdown requests a graceful stop from outside the loop (signal handler).
func (s *Server) Shutdown() {
	s.requestShutdown()
}

// Run serves until EOF on the input stream, a shutdown request, or context
// cancellation. Completed async queries are always flushed before new
// frames are handled, so deferred responses cannot starve.
func (s *Server) Run(ctx context.Context) error {
	frames := make(chan []byte, 16)
	go readFrames(s.in, frames)

	s.logger.Info("protocol loop serving", "drivers", s.drivers)
	for {
		select {
		case <-ctx.Done():
			return s.drainAndExit()
		case <-s.shutdownCh:
			return s.drainAndExit()
		case <-s.queue.Notify():
			s.queue.Drain()
			s.flushCompletions()
		case line, open := <-frames:
			if !open {
				s.logger.Info("input stream closed")
				return s.drainAndExit()
			}
			s.flushCompletions()
			s.handleFrame(line)
		}
		if s.shutdown.Load() {
			return s.drainAndExit()
		}
	}
}

// handleFrame parses one line, dispatches it, and writes the synchronous
// response. Notifications never produce output, not even on failure.
func (s *Server) handleFrame(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		if json.Valid(line) {
			s.writeResponse(errorResponse(nil, CodeInvalidRequest, "Invalid Request"))
		} else {
			s.writeResponse(errorResponse(nil, CodeParseError, "Parse error"))
		}
		return
	}

	isNotification := req.ID == nil

	// A malformed frame is rejected whether or not it carries an id; only
	// well-formed notifications earn silence.
	if req.JSONRPC != ProtocolVersion || req.Method == "" {
		s.writeResponse(errorResponse(req.ID, CodeInvalidRequest, "Invalid Request"))
		return
	}

	h, found := methodTable[req.Method]
	if !found {
		if s.metrics != nil {
			s.metrics.RequestHandled(req.Method, "not_found", 0)
		}
		if !isNotification {
			s.writeResponse(errorResponse(req.ID, CodeMethodNotFound, "Method not found"))
		}
		return
	}

	start := time.Now()
	res := h(s, &req)

	status := "ok"
	switch {
	case res.deferred:
		status = "deferred"
	case res.errCode != 0:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RequestHandled(req.Method, status, time.Since(start))
	}

	if res.deferred || isNotification {
		return
	}
	if res.errCode != 0 {
		s.writeResponse(errorResponse(req.ID, res.errCode, res.errMsg))
		return
	}
	s.writeResponse(successResponse(req.ID, res.result))
}

// flushCompletions pops every completed async query and writes its
// response. Records carrying no request id came from notifications and are
// discarded.
func (s *Server) flushCompletions() {
	for {
		q := s.queue.Pop()
		if q == nil {
			return
		}
		if q.RequestID == nil {
			continue
		}
		if q.ErrCode != 0 {
			s.writeResponse(errorResponse(q.RequestID, q.ErrCode, q.ErrMsg))
			continue
		}
		s.writeResponse(successResponse(q.RequestID, q.Result))
	}
}

// writeResponse serializes one frame and flushes it. A write failure means
// the parent is gone; the loop shuts down instead of spinning on a broken
// pipe.
func (s *Server) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", "err", err)
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "Internal error"))
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("output stream write failed", "err", err)
		s.requestShutdown()
		return
	}
	if err := s.out.Flush(); err != nil {
		s.logger.Error("output stream flush failed", "err", err)
		s.requestShutdown()
	}
}

// drainAndExit lets in-flight workers run to completion and flushes their
// responses, so every request with an id gets its real answer even across
// shutdown. Queries still running after drainTimeout are cancelled and get
// one more timeout's grace before the loop gives up on them.
func (s *Server) drainAndExit() error {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	for s.queue.ActiveCount() > 0 {
		select {
		case <-s.queue.Notify():
		case <-ticker.C:
		case <-deadline.C:
			if cancelled {
				s.logger.Warn("shutdown drain timed out", "pending", s.queue.ActiveCount())
				s.flushCompletions()
				return nil
			}
			cancelled = true
			s.logger.Warn("drain deadline reached, cancelling remaining queries", "pending", s.queue.ActiveCount())
			s.cancelActive()
			deadline.Reset(drainTimeout)
		}
		s.queue.Drain()
		s.flushCompletions()
	}
	s.flushCompletions()
	s.logger.Info("protocol loop exiting")
	return nil
}

// cancelActive interrupts every in-flight query. Shutdown last resort only.
func (s *Server) cancelActive() {
	for _, info := range s.sessions.List() {
		if s.sessions.QueryActive(info.ID) {
			s.queue.RequestCancel(info.ID)
			if err := s.sessions.CancelQuery(info.ID); err != nil {
				s.logger.Warn("cancel during shutdown failed", "conn_id", info.ID, "err", err)
			}
		}
	}
}
