package claudette

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/config"
)

// localModelServer mimics an Ollama-style completion endpoint.
func localModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"response":"pong","prompt_eval_count":5,"eval_count":3}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func coreConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		LogLevel: "error",
		Backends: map[string]backend.Descriptor{
			"local": {
				Name:           "local",
				Kind:           backend.KindGenericSelfHosted,
				Enabled:        true,
				Priority:       1,
				CostPerToken:   0.000001,
				BaseURL:        baseURL,
				Model:          "test-model",
				Timeout:        5 * time.Second,
				CompletionPath: "/api/generate",
			},
		},
		Features: config.Features{
			Caching: true, CostOptimization: true,
			SmartRouting: true, PerformanceMonitoring: true,
		},
		Thresholds: config.Thresholds{
			CacheTTL:         time.Hour,
			MaxCacheEntries:  100,
			CostWarningEUR:   1.0,
			MaxContextTokens: 128000,
		},
		Routing: config.Routing{
			CostWeight: 0.4, LatencyWeight: 0.4, AvailabilityWeight: 0.2,
			MaxRetries: 3, HealthTTL: time.Minute,
			BreakerThreshold: 5, BreakerReset: 5 * time.Minute,
			BreakerCountsBackendErrors: true, LatencySeedMs: 1000,
		},
		Store: config.Store{
			Path:      filepath.Join(t.TempDir(), "core.db"),
			Retention: 720 * time.Hour,
		},
	}
}

func TestCoreEndToEnd(t *testing.T) {
	srv := localModelServer(t)
	ctx := context.Background()

	core, err := New(ctx, coreConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer core.Close()

	resp, err := core.Optimize(ctx, "ping", nil, nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if resp.Content != "pong" || resp.BackendUsed != "local" || resp.CacheHit {
		t.Errorf("first response = %+v", resp)
	}
	if resp.TokensInput != 5 || resp.TokensOutput != 3 {
		t.Errorf("tokens = %d/%d, want 5/3", resp.TokensInput, resp.TokensOutput)
	}

	hit, err := core.Optimize(ctx, "ping", nil, nil)
	if err != nil {
		t.Fatalf("second Optimize: %v", err)
	}
	if !hit.CacheHit || hit.TokensInput != 0 || hit.CostEUR != 0 {
		t.Errorf("second response should be a zero-usage cache hit: %+v", hit)
	}

	status := core.Status(ctx)
	if len(status.Backends) != 1 || status.Backends[0].Name != "local" {
		t.Errorf("status backends = %+v", status.Backends)
	}
	if !status.Store.Healthy {
		t.Errorf("store unhealthy: %+v", status.Store)
	}
	if status.Ledger.Rows != 2 || status.Ledger.CacheHits != 1 {
		t.Errorf("ledger stats = %+v, want 2 rows with 1 cache hit", status.Ledger)
	}
	if status.Cache == nil || status.Cache.Hits != 1 {
		t.Errorf("cache stats = %+v", status.Cache)
	}
}

func TestCorePersistsAcrossRestart(t *testing.T) {
	srv := localModelServer(t)
	ctx := context.Background()
	cfg := coreConfig(t, srv.URL)

	core, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := core.Optimize(ctx, "remember me", nil, nil); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	core.Close()

	reopened, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	hit, err := reopened.Optimize(ctx, "remember me", nil, nil)
	if err != nil {
		t.Fatalf("Optimize after restart: %v", err)
	}
	if !hit.CacheHit {
		t.Error("cached response did not survive the restart")
	}

	rows, err := reopened.RecentLedger(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentLedger: %v", err)
	}
	if len(rows) < 2 {
		t.Errorf("ledger rows = %d, want at least 2 across restarts", len(rows))
	}
}

func TestCoreClearCache(t *testing.T) {
	srv := localModelServer(t)
	ctx := context.Background()

	core, err := New(ctx, coreConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer core.Close()

	if _, err := core.Optimize(ctx, "to clear", nil, nil); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if err := core.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	resp, err := core.Optimize(ctx, "to clear", nil, nil)
	if err != nil {
		t.Fatalf("Optimize after clear: %v", err)
	}
	if resp.CacheHit {
		t.Error("cache hit after ClearCache")
	}
}

func TestCoreRejectsUnknownBackendKind(t *testing.T) {
	cfg := coreConfig(t, "http://localhost:1")
	d := cfg.Backends["local"]
	d.Kind = "teapot"
	cfg.Backends["local"] = d

	core, err := New(context.Background(), cfg)
	if err == nil {
		core.Close()
		t.Fatal("New accepted an unknown backend kind")
	}
}
