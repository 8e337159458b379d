package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncAcquire("exclusive", "ok")
	m.IncRelease("inclusive", "ok")
	m.IncReleaseMismatch("exclusive")
	m.IncTxRetry()
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("labcoord")
	m.IncAcquire("exclusive", "ok")
	m.IncRelease("exclusive", "ok")
	m.IncReleaseMismatch("inclusive")
	m.IncTxRetry()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "labcoord_acquires_total", map[string]string{"mode": "exclusive", "outcome": "ok"}) {
		t.Fatalf("expected acquires metric")
	}
	if !hasMetric(families, "labcoord_releases_total", map[string]string{"mode": "exclusive", "outcome": "ok"}) {
		t.Fatalf("expected releases metric")
	}
	if !hasMetric(families, "labcoord_release_mismatches_total", map[string]string{"mode": "inclusive"}) {
		t.Fatalf("expected release mismatch metric")
	}
	if !hasMetric(families, "labcoord_tx_retries_total", nil) {
		t.Fatalf("expected tx retries metric")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	withTestRegistry(t)
	NewProm("labcoord_handler")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			matched := true
			for key, want := range labels {
				found := false
				for _, pair := range metric.GetLabel() {
					if pair.GetName() == key && pair.GetValue() == want {
						found = true
						break
					}
				}
				if !found {
					matched = false
					break
				}
			}
			if matched {
				return true
			}
		}
	}
	return false
}
