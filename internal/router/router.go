// Package router selects and orders backend candidates for each request.
//
// Candidates are ranked by a weighted score over normalized cost, latency
// EWMA, and availability; lower scores are better. Each backend carries a
// consecutive-failure circuit breaker; open breakers exclude a backend from
// selection entirely, half-open ones admit it ranked as 50% unavailable.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/config"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

// halfOpenUnavailability ranks a half-open backend between a healthy and a
// down one.
const halfOpenUnavailability = 0.5

// Router owns the backend adapters and their breakers.
type Router struct {
	backends map[string]backend.Backend
	breakers map[string]*CircuitBreaker

	cfg      config.Routing
	features config.Features
	logger   *slog.Logger
}

// New builds a router over the given adapters.
func New(backends map[string]backend.Backend, cfg config.Routing, features config.Features, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*CircuitBreaker, len(backends))
	for name := range backends {
		breakers[name] = NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset)
	}
	return &Router{
		backends: backends,
		breakers: breakers,
		cfg:      cfg,
		features: features,
		logger:   logger,
	}
}

// SelectCandidates returns backends in dispatch order. A non-empty forced
// name short-circuits scoring: that backend is the sole candidate, and if it
// is disabled or its breaker is open the router fails with
// BackendUnavailable instead of substituting another backend.
func (r *Router) SelectCandidates(ctx context.Context, req *backend.Request, forced string) ([]backend.Backend, error) {
	if forced != "" {
		return r.forcedCandidate(forced)
	}

	type scored struct {
		b        backend.Backend
		score    float64
		priority int
		name     string
	}

	var candidates []scored
	for _, name := range r.sortedNames() {
		b := r.backends[name]
		desc := b.Describe()
		if !desc.Enabled {
			continue
		}
		if r.breakers[name].State() == StateOpen {
			continue
		}
		candidates = append(candidates, scored{b: b, priority: desc.Priority, name: name})
	}
	if len(candidates) == 0 {
		return nil, llmerr.New(llmerr.KindBackendUnavailable, "", "no backend available")
	}

	if !r.features.SmartRouting {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].priority != candidates[j].priority {
				return candidates[i].priority < candidates[j].priority
			}
			return candidates[i].name < candidates[j].name
		})
		out := make([]backend.Backend, len(candidates))
		for i, c := range candidates {
			out[i] = c.b
		}
		return out, nil
	}

	wCost, wLat, wAvail := r.weights()

	// Normalize cost and latency against the candidate maximum.
	var maxCost, maxLat float64
	costs := make([]float64, len(candidates))
	lats := make([]float64, len(candidates))
	for i, c := range candidates {
		costs[i] = c.b.EstimateCost(req)
		lats[i] = c.b.LatencyScore()
		if costs[i] > maxCost {
			maxCost = costs[i]
		}
		if lats[i] > maxLat {
			maxLat = lats[i]
		}
	}

	for i := range candidates {
		var normCost, normLat float64
		if maxCost > 0 {
			normCost = costs[i] / maxCost
		}
		if maxLat > 0 {
			normLat = lats[i] / maxLat
		}
		candidates[i].score = wCost*normCost + wLat*normLat +
			wAvail*r.unavailability(ctx, candidates[i].name, candidates[i].b)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].name < candidates[j].name
	})

	out := make([]backend.Backend, len(candidates))
	for i, c := range candidates {
		out[i] = c.b
		r.logger.Debug("candidate scored",
			"backend", c.name, "score", c.score, "position", i)
	}
	return out, nil
}

func (r *Router) forcedCandidate(name string) ([]backend.Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, llmerr.New(llmerr.KindBackendUnavailable, name, "unknown backend")
	}
	if !b.Describe().Enabled {
		return nil, llmerr.New(llmerr.KindBackendUnavailable, name, "backend is disabled")
	}
	if r.breakers[name].State() == StateOpen {
		return nil, llmerr.New(llmerr.KindBackendUnavailable, name, "circuit breaker is open")
	}
	return []backend.Backend{b}, nil
}

// weights applies the costOptimization flag: with it off, the cost term is
// dropped and the remaining weights are renormalized to sum to 1.
func (r *Router) weights() (wCost, wLat, wAvail float64) {
	wCost = r.cfg.CostWeight
	wLat = r.cfg.LatencyWeight
	wAvail = r.cfg.AvailabilityWeight
	if !r.features.CostOptimization {
		rest := wLat + wAvail
		if rest > 0 {
			wLat /= rest
			wAvail /= rest
		}
		wCost = 0
	}
	return wCost, wLat, wAvail
}

// unavailability is 0 for a healthy backend with a closed breaker, 0.5 for a
// half-open breaker, 1 otherwise. Healthy consults the adapter's TTL-cached
// probe, so probes fire at most once per health TTL.
func (r *Router) unavailability(ctx context.Context, name string, b backend.Backend) float64 {
	if r.breakers[name].State() == StateHalfOpen {
		return halfOpenUnavailability
	}
	if b.Healthy(ctx) {
		return 0
	}
	return 1
}

// RecordOutcome feeds one dispatch result into the breaker. Timeouts and
// transient errors always count toward opening; semantic backend errors
// count unless they are auth failures (a bad key says nothing about backend
// health) or the deployment disables counting them; cancellation never
// counts.
func (r *Router) RecordOutcome(name string, err error) {
	cb, ok := r.breakers[name]
	if !ok {
		return
	}
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if r.countsTowardBreaker(err) {
		cb.RecordFailure()
		if cb.State() == StateOpen {
			r.logger.Warn("circuit breaker opened", "backend", name)
		}
	}
}

func (r *Router) countsTowardBreaker(err error) bool {
	var le *llmerr.Error
	if !errors.As(err, &le) {
		return false
	}
	switch le.Kind {
	case llmerr.KindTimeout, llmerr.KindTransientBackendError:
		return true
	case llmerr.KindBackendError:
		if le.Auth {
			return false
		}
		return r.cfg.BreakerCountsBackendErrors
	default:
		return false
	}
}

// Snapshot reports per-backend runtime status. It reads the cached health
// flag through Healthy, so a stale entry triggers at most one probe.
func (r *Router) Snapshot(ctx context.Context) []backend.Status {
	out := make([]backend.Status, 0, len(r.backends))
	for _, name := range r.sortedNames() {
		b := r.backends[name]
		desc := b.Describe()
		cb := r.breakers[name]
		st := backend.Status{
			Name:                name,
			Kind:                desc.Kind,
			Enabled:             desc.Enabled,
			BreakerState:        cb.State().String(),
			LatencyEWMAMs:       b.LatencyScore(),
			ConsecutiveFailures: cb.Failures(),
		}
		if desc.Enabled {
			st.Healthy = b.Healthy(ctx)
		}
		out = append(out, st)
	}
	return out
}

// Breaker exposes one backend's breaker, used by status reporting and tests.
func (r *Router) Breaker(name string) *CircuitBreaker {
	return r.breakers[name]
}

func (r *Router) sortedNames() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
