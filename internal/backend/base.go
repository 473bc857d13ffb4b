// Package backend holds the shared adapter machinery: latency tracking,
// cached health, secret resolution, cost estimation, and wire-error
// translation. The per-protocol adapters in the sub-packages embed Base and
// add only their wire format.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/RobLe3/claudette-sub000/internal/secret"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

const (
	// latencyAlpha weights regular request samples in the EWMA.
	latencyAlpha = 0.3

	// probeWeight keeps health-probe round trips from dominating the EWMA.
	probeWeight = 0.1

	// defaultOutputTokens is assumed for cost estimation when the request
	// does not cap output.
	defaultOutputTokens = 512
)

// Deps carries the collaborators every adapter needs.
type Deps struct {
	Secrets   *secret.Manager
	Logger    *slog.Logger
	HealthTTL time.Duration
	// LatencySeedMs is reported by LatencyScore before any sample.
	LatencySeedMs float64
}

// Base implements the descriptor, latency, health-cache, cost, and secret
// plumbing shared by all adapters.
type Base struct {
	desc    backend.Descriptor
	secrets *secret.Manager
	logger  *slog.Logger
	latency *EWMA

	healthTTL time.Duration

	mu        sync.Mutex
	healthy   bool
	lastProbe time.Time
}

// NewBase builds the shared adapter state for desc.
func NewBase(desc backend.Descriptor, deps Deps) *Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := deps.LatencySeedMs
	if seed <= 0 {
		seed = 1000
	}
	ttl := deps.HealthTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Base{
		desc:      desc,
		secrets:   deps.Secrets,
		logger:    logger.With("backend", desc.Name),
		latency:   NewEWMA(latencyAlpha, seed),
		healthTTL: ttl,
	}
}

// Name returns the backend's configured name.
func (b *Base) Name() string { return b.desc.Name }

// Describe returns a copy of the static descriptor.
func (b *Base) Describe() backend.Descriptor { return b.desc }

// LatencyScore returns the current latency EWMA in milliseconds.
func (b *Base) LatencyScore() float64 { return b.latency.Value() }

// ObserveLatency feeds one request round trip into the EWMA. Called on both
// success and failure; a slow error is still signal.
func (b *Base) ObserveLatency(d time.Duration) {
	b.latency.Add(float64(d.Milliseconds()))
}

// ObserveProbe feeds a probe round trip in at reduced weight.
func (b *Base) ObserveProbe(d time.Duration) {
	b.latency.AddWeighted(float64(d.Milliseconds()), probeWeight)
}

// EstimateCost projects the cost in EUR of serving req: configured rate
// times estimated prompt tokens plus the output cap (or a default).
func (b *Base) EstimateCost(req *backend.Request) float64 {
	out := req.MaxTokens
	if out <= 0 {
		out = defaultOutputTokens
	}
	return b.desc.CostPerToken * float64(EstimateTokens(req.Prompt)+out)
}

// Cost converts actual token usage into EUR at the configured rate.
func (b *Base) Cost(tokensIn, tokensOut int) float64 {
	return b.desc.CostPerToken * float64(tokensIn+tokensOut)
}

// EstimateTokens approximates the token count of text. Four characters per
// token is the usual rough figure for latin-script prompts.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}

// CachedHealth returns the cached health flag, re-probing through ping when
// the cached value is older than the health TTL. The very first call probes.
func (b *Base) CachedHealth(ctx context.Context, ping func(context.Context) error) bool {
	b.mu.Lock()
	if !b.lastProbe.IsZero() && time.Since(b.lastProbe) < b.healthTTL {
		healthy := b.healthy
		b.mu.Unlock()
		return healthy
	}
	b.mu.Unlock()

	start := time.Now()
	err := ping(ctx)
	b.ObserveProbe(time.Since(start))

	b.mu.Lock()
	b.healthy = err == nil
	b.lastProbe = time.Now()
	healthy := b.healthy
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("health probe failed", "error", err)
	}
	return healthy
}

// RecordProbe stores an externally observed probe result, e.g. from the
// startup probe pass.
func (b *Base) RecordProbe(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
	b.lastProbe = time.Now()
}

// APIKey resolves the descriptor's key reference for one call. Keys are
// resolved per request and never stored on the adapter. A backend without a
// key reference (self-hosted loopback) resolves to the empty string.
func (b *Base) APIKey(ctx context.Context) (string, error) {
	if b.desc.APIKeyRef == "" {
		return "", nil
	}
	key, err := b.secrets.Resolve(ctx, b.desc.APIKeyRef)
	if err != nil {
		return "", llmerr.Wrap(llmerr.KindBackendError, b.desc.Name, err)
	}
	return key, nil
}

// WithDeadline applies the descriptor timeout when the incoming context does
// not already carry a deadline. The caller must invoke the cancel func.
func (b *Base) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && b.desc.Timeout > 0 {
		return context.WithTimeout(ctx, b.desc.Timeout)
	}
	return context.WithCancel(ctx)
}

// Translate maps a wire-level failure onto the error taxonomy. status is the
// upstream HTTP status when known, 0 otherwise. key is elided from the
// resulting message.
func (b *Base) Translate(err error, status int, key string) error {
	if err == nil {
		return nil
	}

	kind := llmerr.KindTransientBackendError
	auth := false
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = llmerr.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = llmerr.KindCancelled
	case status == 401 || status == 403:
		kind = llmerr.KindBackendError
		auth = true
	case status >= 400 && status < 500 && status != 408 && status != 429:
		kind = llmerr.KindBackendError
	}

	return &llmerr.Error{
		Kind:    kind,
		Backend: b.desc.Name,
		Message: llmerr.Elide(err.Error(), key),
		Status:  status,
		Auth:    auth,
	}
}
