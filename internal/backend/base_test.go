package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/RobLe3/claudette-sub000/internal/secret"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

func TestEWMA(t *testing.T) {
	e := NewEWMA(0.3, 1000)
	if e.Value() != 1000 {
		t.Errorf("seed value = %v, want 1000", e.Value())
	}

	e.Add(200)
	if e.Value() != 200 {
		t.Errorf("first sample = %v, want 200 (replaces seed)", e.Value())
	}

	e.Add(400)
	want := 0.3*400 + 0.7*200
	if e.Value() != want {
		t.Errorf("second sample = %v, want %v", e.Value(), want)
	}
}

func TestEWMAWeightedProbe(t *testing.T) {
	e := NewEWMA(0.3, 1000)
	e.Add(100)
	e.AddWeighted(1000, 0.1)
	want := 0.1*1000 + 0.9*100
	if e.Value() != want {
		t.Errorf("weighted sample = %v, want %v", e.Value(), want)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"twelve chars", 3},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateCost(t *testing.T) {
	b := NewBase(backend.Descriptor{Name: "b", CostPerToken: 0.001}, Deps{})

	got := b.EstimateCost(&backend.Request{Prompt: "abcdabcd", MaxTokens: 100})
	want := 0.001 * float64(2+100)
	if got != want {
		t.Errorf("cost = %v, want %v", got, want)
	}

	// Without a cap the default output estimate applies.
	uncapped := b.EstimateCost(&backend.Request{Prompt: "abcdabcd"})
	if uncapped != 0.001*float64(2+defaultOutputTokens) {
		t.Errorf("uncapped cost = %v", uncapped)
	}
}

func TestTranslate(t *testing.T) {
	b := NewBase(backend.Descriptor{Name: "b"}, Deps{})

	cases := []struct {
		name   string
		err    error
		status int
		want   llmerr.Kind
		auth   bool
	}{
		{"deadline", context.DeadlineExceeded, 0, llmerr.KindTimeout, false},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), 0, llmerr.KindTimeout, false},
		{"cancel", context.Canceled, 0, llmerr.KindCancelled, false},
		{"network", errors.New("connection refused"), 0, llmerr.KindTransientBackendError, false},
		{"500", errors.New("boom"), 502, llmerr.KindTransientBackendError, false},
		{"429", errors.New("slow down"), 429, llmerr.KindTransientBackendError, false},
		{"401", errors.New("bad key"), 401, llmerr.KindBackendError, true},
		{"404", errors.New("no such model"), 404, llmerr.KindBackendError, false},
	}
	for _, tc := range cases {
		err := b.Translate(tc.err, tc.status, "")
		if llmerr.KindOf(err) != tc.want {
			t.Errorf("%s: kind = %v, want %v", tc.name, llmerr.KindOf(err), tc.want)
		}
		var le *llmerr.Error
		if errors.As(err, &le) && le.Auth != tc.auth {
			t.Errorf("%s: auth = %v, want %v", tc.name, le.Auth, tc.auth)
		}
	}
}

func TestTranslateElidesKey(t *testing.T) {
	b := NewBase(backend.Descriptor{Name: "b"}, Deps{})
	err := b.Translate(errors.New("denied for key sk-secret-1"), 401, "sk-secret-1")
	if got := err.Error(); !strings.Contains(got, "***") || strings.Contains(got, "sk-secret-1") {
		t.Errorf("key not elided: %q", got)
	}
}

func TestCachedHealthTTL(t *testing.T) {
	b := NewBase(backend.Descriptor{Name: "b"}, Deps{HealthTTL: time.Hour})

	probes := 0
	ping := func(context.Context) error { probes++; return nil }

	for i := 0; i < 3; i++ {
		if !b.CachedHealth(context.Background(), ping) {
			t.Fatal("CachedHealth = false for a passing probe")
		}
	}
	if probes != 1 {
		t.Errorf("probes = %d, want 1 within the TTL", probes)
	}

	// Expire the cache and check the next call re-probes.
	b.mu.Lock()
	b.lastProbe = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	b.CachedHealth(context.Background(), ping)
	if probes != 2 {
		t.Errorf("probes = %d, want re-probe after TTL", probes)
	}
}

func TestAPIKeyResolvedPerCall(t *testing.T) {
	m := secret.NewManager()
	m.Register("STATIC", secret.StaticResolver{"k": "v1"})
	b := NewBase(backend.Descriptor{Name: "b", APIKeyRef: "STATIC:k"}, Deps{Secrets: m})

	key, err := b.APIKey(context.Background())
	if err != nil || key != "v1" {
		t.Fatalf("APIKey = %q, %v", key, err)
	}

	// A keyless descriptor resolves to the empty string without error.
	open := NewBase(backend.Descriptor{Name: "open"}, Deps{Secrets: m})
	key, err = open.APIKey(context.Background())
	if err != nil || key != "" {
		t.Errorf("keyless APIKey = %q, %v", key, err)
	}
}
