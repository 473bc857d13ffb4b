package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestRegistryRecords(t *testing.T) {
	r := New()

	r.RecordRequest("cloud", "success", 0.25)
	r.RecordRequest("cloud", "timeout", 1.5)
	r.CacheHit()
	r.CacheMiss()
	r.CacheMiss()
	r.SetBreakerState("cloud", 1)
	r.AddUsage("cloud", 10, 20, 0.003)
	r.StorageError()
	r.RateLimitRejection()

	checks := map[string]float64{
		"claudette_requests_total":             2,
		"claudette_cache_hits_total":           1,
		"claudette_cache_misses_total":         2,
		"claudette_circuit_breaker_state":      1,
		"claudette_tokens_total":               30,
		"claudette_cost_eur_total":             0.003,
		"claudette_storage_errors_total":       1,
		"claudette_ratelimit_rejections_total": 1,
	}
	for name, want := range checks {
		if got := counterValue(t, r.PromRegistry(), name); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestNilRegistryIsNoOp(t *testing.T) {
	var r *Registry

	// Every recording call must be safe on a nil registry.
	r.RecordRequest("cloud", "success", 0.1)
	r.CacheHit()
	r.CacheMiss()
	r.SetBreakerState("cloud", 2)
	r.AddUsage("cloud", 1, 2, 0.1)
	r.StorageError()
	r.RateLimitRejection()

	if r.Handler() != nil {
		t.Error("nil registry should have no handler")
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]int{"closed": 0, "open": 1, "half-open": 2, "anything": 0}
	for label, want := range cases {
		if got := BreakerStateValue(label); got != want {
			t.Errorf("BreakerStateValue(%q) = %d, want %d", label, got, want)
		}
	}
}
