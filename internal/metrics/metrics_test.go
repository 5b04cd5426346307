package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestRequestHandled(t *testing.T) {
	c := New()
	c.RequestHandled("query", "deferred", 5*time.Millisecond)
	c.RequestHandled("query", "deferred", 3*time.Millisecond)
	c.RequestHandled("ping", "ok", time.Millisecond)

	fams := gather(t, c)
	total := fams["dbrelay_requests_total"]
	if total == nil {
		t.Fatal("dbrelay_requests_total not registered")
	}
	var queryCount float64
	for _, m := range total.GetMetric() {
		if labelValue(m, "method") == "query" && labelValue(m, "status") == "deferred" {
			queryCount = m.GetCounter().GetValue()
		}
	}
	if queryCount != 2 {
		t.Fatalf("query/deferred count = %v, want 2", queryCount)
	}

	hist := fams["dbrelay_request_duration_seconds"]
	if hist == nil {
		t.Fatal("dbrelay_request_duration_seconds not registered")
	}
	var pingSamples uint64
	for _, m := range hist.GetMetric() {
		if labelValue(m, "method") == "ping" {
			pingSamples = m.GetHistogram().GetSampleCount()
		}
	}
	if pingSamples != 1 {
		t.Fatalf("ping histogram samples = %d, want 1", pingSamples)
	}
}

func TestGauges(t *testing.T) {
	c := New()
	c.SetSessionsOpen(5)
	c.SetQueriesActive(2)

	fams := gather(t, c)
	if v := fams["dbrelay_sessions_open"].GetMetric()[0].GetGauge().GetValue(); v != 5 {
		t.Fatalf("sessions_open = %v, want 5", v)
	}
	if v := fams["dbrelay_queries_active"].GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Fatalf("queries_active = %v, want 2", v)
	}
}

func TestQueryCounters(t *testing.T) {
	c := New()
	c.QueryCancelled()
	c.QueryCancelled()
	c.RowsReturned(100)
	c.RowsReturned(25)
	c.QueryFinished("postgres", 50*time.Millisecond)

	fams := gather(t, c)
	if v := fams["dbrelay_queries_cancelled_total"].GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Fatalf("cancelled = %v, want 2", v)
	}
	if v := fams["dbrelay_rows_returned_total"].GetMetric()[0].GetCounter().GetValue(); v != 125 {
		t.Fatalf("rows returned = %v, want 125", v)
	}
	dur := fams["dbrelay_query_duration_seconds"].GetMetric()[0]
	if labelValue(dur, "driver") != "postgres" {
		t.Fatalf("driver label = %q", labelValue(dur, "driver"))
	}
	if dur.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("duration samples = %d, want 1", dur.GetHistogram().GetSampleCount())
	}
}

func TestSessionHealthLifecycle(t *testing.T) {
	c := New()
	c.SetSessionHealth("1", "sqlite", true)
	c.SetSessionHealth("2", "mysql", false)

	fams := gather(t, c)
	metrics := fams["dbrelay_session_health"].GetMetric()
	if len(metrics) != 2 {
		t.Fatalf("health series = %d, want 2", len(metrics))
	}

	c.RemoveSession("1")
	fams = gather(t, c)
	metrics = fams["dbrelay_session_health"].GetMetric()
	if len(metrics) != 1 {
		t.Fatalf("health series after remove = %d, want 1", len(metrics))
	}
	if labelValue(metrics[0], "conn_id") != "2" {
		t.Fatalf("surviving series conn_id = %q, want 2", labelValue(metrics[0], "conn_id"))
	}
	if metrics[0].GetGauge().GetValue() != 0 {
		t.Fatalf("unhealthy session gauge = %v, want 0", metrics[0].GetGauge().GetValue())
	}
}
