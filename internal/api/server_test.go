package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/driver"
	"github.com/dbrelay/dbrelay/internal/health"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/session"
)

// idleConn is never exercised beyond existing in the pool.
type idleConn struct {
	driver.Conn
}

func (idleConn) Close() error { return nil }

type idleConnector struct{}

func (idleConnector) Connect(context.Context, string, string, driver.Limits) (driver.Conn, driver.Info, error) {
	return idleConn{}, driver.Info{Driver: "sqlite", Database: "test.db"}, nil
}

func newTestOpsServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	sm := session.NewManager(idleConnector{}, driver.DefaultLimits())
	hc := health.NewChecker(sm, nil, config.HealthConfig{
		Interval:         time.Hour,
		FailureThreshold: 3,
		Timeout:          time.Second,
	})
	return NewServer(sm, hc, metrics.New()), sm
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestOpsServer(t)

	w := httptest.NewRecorder()
	s.healthHandler(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, sm := newTestOpsServer(t)
	sm.Connect(context.Background(), "sqlite:test.db", "", 0)

	w := httptest.NewRecorder()
	s.statusHandler(w, httptest.NewRequest("GET", "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["sessions_open"] != float64(1) {
		t.Fatalf("sessions_open = %v, want 1", body["sessions_open"])
	}
	if body["go_version"] == "" {
		t.Fatal("go_version missing")
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	s, sm := newTestOpsServer(t)

	w := httptest.NewRecorder()
	s.connectionsHandler(w, httptest.NewRequest("GET", "/connections", nil))
	var empty []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &empty); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("connections = %v, want none", empty)
	}

	sm.Connect(context.Background(), "sqlite:test.db", "", 0)
	w = httptest.NewRecorder()
	s.connectionsHandler(w, httptest.NewRequest("GET", "/connections", nil))
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != float64(1) || list[0]["driver"] != "sqlite" {
		t.Fatalf("connections = %v", list)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestOpsServer(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	s.securityHeaders(inner).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	s, _ := newTestOpsServer(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
