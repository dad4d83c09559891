package metrics_test

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/procman/internal/metrics"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRegistryExposesMetrics(t *testing.T) {
	id := "metrics_test_entry"

	metrics.EmitBuildInfo()
	metrics.RecordTransition(id, "Starting")
	metrics.RecordTransition(id, "Running")
	metrics.IncrementRestart(id)
	metrics.IncrementRestart(id)
	metrics.ObserveLogLine(id, "stdout")
	metrics.ObserveLogDropped(id)

	body := scrape(t)
	for _, line := range []string{
		fmt.Sprintf("procman_entry_running{id=\"%s\"} 1", id),
		fmt.Sprintf("procman_restarts_total{id=\"%s\"} 2", id),
		fmt.Sprintf("procman_transitions_total{id=\"%s\",state=\"Running\"} 1", id),
		fmt.Sprintf("procman_log_lines_total{id=\"%s\",source=\"stdout\"} 1", id),
		fmt.Sprintf("procman_log_dropped_total{id=\"%s\"} 1", id),
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric line %q in body:\n%s", line, body)
		}
	}

	if !strings.Contains(body, "procman_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}

func TestResetEntryDropsSeries(t *testing.T) {
	id := "metrics_reset_entry"
	metrics.RecordTransition(id, "Stopped")
	metrics.ObserveLogLine(id, "stderr")

	metrics.ResetEntry(id)

	body := scrape(t)
	if strings.Contains(body, fmt.Sprintf("id=\"%s\"", id)) {
		t.Fatalf("expected series for %s to be removed:\n%s", id, body)
	}
}
