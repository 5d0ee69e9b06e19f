package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunCounters(t *testing.T) {
	m := New()

	m.RunFinished("done")
	m.RunFinished("done")
	m.RunFinished("inference")
	m.Degraded()

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("done")); got != 2 {
		t.Errorf("runs_total{outcome=done} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("inference")); got != 1 {
		t.Errorf("runs_total{outcome=inference} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PromptDegraded); got != 1 {
		t.Errorf("prompt_degraded_total = %v, want 1", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	m := New()
	m.InFlight(1)
	m.InFlight(1)
	m.InFlight(-1)

	if got := testutil.ToFloat64(m.RunsInFlight); got != 1 {
		t.Errorf("runs_in_flight = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunFinished("done")
	m.ObserveStage("fetch", time.Second)
	m.Degraded()
	m.InFlight(1)
	m.ObserveHTTP("/health", 200, time.Millisecond)
	m.RateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveStage("infer", 2*time.Second)
	m.ObserveHTTP("/api/v1/models", 502, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`agrolens_pipeline_stage_duration_seconds_count{stage="infer"} 1`,
		`agrolens_http_requests_total{code="5xx",route="/api/v1/models"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.RunFinished("done")

	if got := testutil.ToFloat64(b.RunsTotal.WithLabelValues("done")); got != 0 {
		t.Errorf("second registry observed first registry's run: %v", got)
	}
}
