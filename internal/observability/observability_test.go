package observability_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Percolator/internal/core"
	"Percolator/internal/observability"
	"Percolator/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// ============================================================================
// Logging
// ============================================================================

func TestLoggerWritesComponentAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerWithLevel(&buf, "controller", zerolog.InfoLevel)

	log.Debug().Msg("hidden")
	log.Info().Int64("seq", 7).Msg("committed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "controller" || entry["message"] != "committed" || entry["seq"] != float64(7) {
		t.Errorf("entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("missing timestamp")
	}
}

// ============================================================================
// Health
// ============================================================================

func TestHealthHandlers(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"alive"`) {
		t.Errorf("liveness: %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before ready: %d", rec.Code)
	}

	h.SetReady(true)
	if !h.IsReady() {
		t.Error("IsReady after SetReady(true)")
	}
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ready"`) {
		t.Errorf("readiness after ready: %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sequence") {
		t.Errorf("sequence reported without a source: %s", rec.Body)
	}
}

func TestHealthReportsSequence(t *testing.T) {
	h := observability.NewHealthChecker()
	h.ReportSequence(func() int64 { return 42 })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if !strings.Contains(rec.Body.String(), `"sequence":42`) {
		t.Errorf("readiness body %s missing sequence", rec.Body)
	}
	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.Contains(rec.Body.String(), `"sequence":42`) {
		t.Errorf("liveness body %s missing sequence", rec.Body)
	}
}

// ============================================================================
// Metrics
// ============================================================================

func TestMetricsRegisterPerRegistry(t *testing.T) {
	observability.NewMetricsWith(prometheus.NewRegistry())
	m := observability.NewMetricsWith(prometheus.NewRegistry())

	m.SetChannelMetrics("persist", 5, 10)
	if got := promtest.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.5 {
		t.Errorf("utilization = %v, want 0.5", got)
	}
	m.SetChannelMetrics("publish", 0, 0)
	if got := promtest.ToFloat64(m.ChannelCapacity.WithLabelValues("publish")); got != 0 {
		t.Errorf("capacity = %v, want 0", got)
	}
}

func TestControllerReportsMetrics(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	m := testutil.NewMarket(t, testutil.WithControllerOptions(func(o *core.Options) {
		o.Metrics = metrics
	}))
	user := m.NewUser(400)

	if got := promtest.ToFloat64(metrics.InstructionsApplied.WithLabelValues("Deposit")); got != 1 {
		t.Errorf("applied deposits = %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.TotalCapital); got != 400 {
		t.Errorf("total capital gauge = %v, want 400", got)
	}

	if _, err := m.Withdraw(user, 10_000); err == nil {
		t.Fatal("expected withdraw to fail")
	}
	if got := promtest.CollectAndCount(metrics.InstructionsRejected); got != 1 {
		t.Errorf("rejection series = %d, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.Sequence); got != float64(m.Ctrl.GetSequence()) {
		t.Errorf("sequence gauge = %v, want %d", got, m.Ctrl.GetSequence())
	}
}
