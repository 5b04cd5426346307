// Package session owns the fixed-capacity pool of logical database
// connections and mediates all access to them by integer id, including the
// cancel-handle lifecycle around every in-flight query.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dbrelay/dbrelay/internal/driver"
)

// MaxSessions is the slot capacity of the pool.
const MaxSessions = 64

var (
	// ErrPoolFull is returned when all slots are occupied. Non-fatal: the
	// client can disconnect something and retry.
	ErrPoolFull = errors.New("connection pool full")
	// ErrNotFound is returned for ids that name no open session.
	ErrNotFound = errors.New("invalid connection ID")
)

// Connector opens back-end connections; satisfied by driver.Registry.
type Connector interface {
	Connect(ctx context.Context, connstr, password string, limits driver.Limits) (driver.Conn, driver.Info, error)
}

// Info is one entry of the session listing.
type Info struct {
	ID int64 `json:"id"`
	driver.Info
}

// slot is one occupied pool entry. cancelHandle is non-nil exactly while
// queryActive is true; PrepareCancel and FinishQuery bracket that interval.
type slot struct {
	id           int64
	conn         driver.Conn
	info         driver.Info
	cancelHandle driver.CancelHandle
	queryActive  bool
}

// OnChange is called with the number of open sessions after every connect
// and disconnect.
type OnChange func(open int)

// Manager is the session pool. The protocol goroutine performs pool
// management; workers only call CancelQuery observers and FinishQuery.
type Manager struct {
	mu       sync.Mutex
	slots    [MaxSessions]*slot
	nextID   int64
	open     int
	connect  Connector
	defaults driver.Limits
	onChange OnChange
}

// NewManager creates a session manager that opens connections through c.
func NewManager(c Connector, defaults driver.Limits) *Manager {
	return &Manager{connect: c, defaults: defaults}
}

// SetOnChange sets the open-session callback. Must be called before serving.
func (m *Manager) SetOnChange(cb OnChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// UpdateDefaults replaces the default result-set limits applied to future
// connections. Existing sessions keep the limits they connected with.
func (m *Manager) UpdateDefaults(defaults driver.Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Connect opens a new session in the first free slot and returns its id.
// Ids increase monotonically and are never reused within a daemon lifetime.
// maxRows > 0 overrides the default row cap for this session only.
func (m *Manager) Connect(ctx context.Context, connstr, password string, maxRows int64) (int64, driver.Info, error) {
	m.mu.Lock()
	idx := -1
	for i, s := range m.slots {
		if s == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return 0, driver.Info{}, ErrPoolFull
	}
	limits := m.defaults
	if maxRows > 0 {
		limits.MaxRows = maxRows
	}
	m.mu.Unlock()

	// The driver connect may block; the slot is claimed only on success so
	// a failed dial never burns an id.
	conn, info, err := m.connect.Connect(ctx, connstr, password, limits)
	if err != nil {
		return 0, driver.Info{}, err
	}

	m.mu.Lock()
	if m.slots[idx] != nil {
		// Slot was taken while dialing; rescan.
		idx = -1
		for i, s := range m.slots {
			if s == nil {
				idx = i
				break
			}
		}
		if idx < 0 {
			m.mu.Unlock()
			conn.Close()
			return 0, driver.Info{}, ErrPoolFull
		}
	}
	m.nextID++
	id := m.nextID
	m.slots[idx] = &slot{id: id, conn: conn, info: info}
	m.open++
	open := m.open
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(open)
	}
	slog.Info("session opened", "conn_id", id, "driver", info.Driver, "database", info.Database)
	return id, info, nil
}

// Disconnect closes the session and frees its slot. A worker still inside a
// driver call on this slot observes the close as a driver error and
// completes normally; the id is never reissued, so a late FinishQuery
// cannot touch a successor session.
func (m *Manager) Disconnect(id int64) error {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	s := m.slots[idx]
	if s.cancelHandle != nil {
		s.cancelHandle.Close()
		s.cancelHandle = nil
		s.queryActive = false
	}
	m.slots[idx] = nil
	m.open--
	open := m.open
	cb := m.onChange
	m.mu.Unlock()

	err := s.conn.Close()
	if cb != nil {
		cb(open)
	}
	slog.Info("session closed", "conn_id", id, "driver", s.info.Driver)
	if err != nil {
		return fmt.Errorf("closing connection %d: %w", id, err)
	}
	return nil
}

// Get returns the driver connection for id, or false when the id names no
// open session.
func (m *Manager) Get(id int64) (driver.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexOf(id); idx >= 0 {
		return m.slots[idx].conn, true
	}
	return nil, false
}

// Info returns the descriptive record for id.
func (m *Manager) Info(id int64) (driver.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexOf(id); idx >= 0 {
		return m.slots[idx].info, true
	}
	return driver.Info{}, false
}

// List returns a snapshot of the descriptive records for all open sessions,
// ordered by id. The caller may hold it across other session calls.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, m.open)
	for _, s := range m.slots {
		if s != nil {
			out = append(out, Info{ID: s.id, Info: s.info})
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// PrepareCancel obtains a fresh cancel handle for the slot and marks a
// query in flight. Any stale handle is freed first. The returned context
// bounds the driver call the worker is about to make.
func (m *Manager) PrepareCancel(id int64) (context.Context, error) {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	s := m.slots[idx]
	conn := s.conn
	if s.cancelHandle != nil {
		s.cancelHandle.Close()
		s.cancelHandle = nil
	}
	m.mu.Unlock()

	h, err := conn.PrepareCancel()
	if err != nil {
		return nil, fmt.Errorf("preparing cancellation for connection %d: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(id) != idx || m.slots[idx] == nil {
		h.Close()
		return nil, ErrNotFound
	}
	s.cancelHandle = h
	s.queryActive = true
	return h.StatementContext(), nil
}

// CancelQuery interrupts the in-flight query on id, if any. Calling it with
// no query active is a successful no-op. Safe to call from a goroutine
// other than the one inside the driver call.
func (m *Manager) CancelQuery(id int64) error {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	s := m.slots[idx]
	if !s.queryActive || s.cancelHandle == nil {
		m.mu.Unlock()
		return nil
	}
	h := s.cancelHandle
	m.mu.Unlock()

	// The driver call may return and FinishQuery concurrently; handles
	// tolerate Cancel racing Close.
	if err := h.Cancel(); err != nil {
		return fmt.Errorf("cancelling query on connection %d: %w", id, err)
	}
	return nil
}

// FinishQuery frees the cancel handle and clears the in-flight flag. Called
// by the worker after the driver call returns, regardless of outcome.
func (m *Manager) FinishQuery(id int64) {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	s := m.slots[idx]
	h := s.cancelHandle
	s.cancelHandle = nil
	s.queryActive = false
	m.mu.Unlock()

	if h != nil {
		h.Close()
	}
}

// QueryActive reports whether a query is in flight on id.
func (m *Manager) QueryActive(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexOf(id); idx >= 0 {
		return m.slots[idx].queryActive
	}
	return false
}

// Each calls fn for every open session outside the pool lock.
func (m *Manager) Each(fn func(id int64, conn driver.Conn, info driver.Info)) {
	m.mu.Lock()
	type entry struct {
		id   int64
		conn driver.Conn
		info driver.Info
	}
	entries := make([]entry, 0, m.open)
	for _, s := range m.slots {
		if s != nil {
			entries = append(entries, entry{s.id, s.conn, s.info})
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		fn(e.id, e.conn, e.info)
	}
}

// Close disconnects every open session. Used at daemon teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	var conns []driver.Conn
	for i, s := range m.slots {
		if s != nil {
			if s.cancelHandle != nil {
				s.cancelHandle.Close()
			}
			conns = append(conns, s.conn)
			m.slots[i] = nil
		}
	}
	m.open = 0
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// indexOf returns the slot index holding id, or -1. Caller holds mu.
func (m *Manager) indexOf(id int64) int {
	for i, s := range m.slots {
		if s != nil && s.id == id {
			return i
		}
	}
	return -1
}
