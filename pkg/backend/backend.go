// Package backend defines the common types and the adapter contract shared
// by all LLM backend implementations (OpenAI-compatible cloud, Anthropic,
// self-hosted OpenAI-compatible, and generic self-hosted endpoints).
//
// Each adapter lives in its own sub-package under internal/backend and
// implements the Backend interface.
package backend

import (
	"context"
	"time"
)

// Kind identifies the wire protocol a backend speaks.
type Kind string

const (
	KindOpenAICloud       Kind = "openai-compatible-cloud"
	KindAnthropicCloud    Kind = "anthropic-compatible-cloud"
	KindOpenAISelfHosted  Kind = "openai-compatible-self-hosted"
	KindGenericSelfHosted Kind = "generic-self-hosted"
)

// Valid reports whether k is one of the recognized backend kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOpenAICloud, KindAnthropicCloud, KindOpenAISelfHosted, KindGenericSelfHosted:
		return true
	}
	return false
}

// SelfHosted reports whether k is one of the self-hosted flavours, which may
// run without an API key when pointed at a loopback address.
func (k Kind) SelfHosted() bool {
	return k == KindOpenAISelfHosted || k == KindGenericSelfHosted
}

type (
	// Descriptor is the static per-backend configuration.
	Descriptor struct {
		Name              string
		Kind              Kind
		Enabled           bool
		Priority          int // lower = preferred on score ties
		CostPerToken      float64
		BaseURL           string
		Model             string
		APIKeyRef         string // symbolic, e.g. "ENV:OPENAI_API_KEY"; never a raw secret
		Timeout           time.Duration
		SupportsStreaming bool

		// CompletionPath is the endpoint path for generic-self-hosted
		// backends. Ignored by the other kinds.
		CompletionPath string
	}

	// Request is the normalized request passed to an adapter. The dispatcher
	// has already folded file contents into Prompt; adapters see a single
	// textual prompt.
	Request struct {
		Prompt      string
		Model       string // override; empty means the descriptor's model
		MaxTokens   int    // 0 means the adapter default
		Temperature float64
		RequestID   string
	}

	// Options is the closed per-request option record accepted by the
	// dispatcher. Zero values mean "not set".
	Options struct {
		Backend     string  // force a specific backend
		Model       string  // override the model identifier
		MaxTokens   int     // positive; 0 = unset
		Temperature float64 // 0.0–2.0
		BypassCache bool
		MaxRetries  int   // positive; 0 = default (3)
		TimeoutMs   int64 // positive; 0 = per-backend default
	}

	// Response is the normalized result returned to the caller.
	Response struct {
		Content      string            `json:"content"`
		BackendUsed  string            `json:"backend_used"`
		TokensInput  int               `json:"tokens_input"`
		TokensOutput int               `json:"tokens_output"`
		CostEUR      float64           `json:"cost_eur"`
		LatencyMs    int64             `json:"latency_ms"`
		CacheHit     bool              `json:"cache_hit"`
		Metadata     map[string]string `json:"metadata,omitempty"`
	}

	// Status is a point-in-time view of one backend's runtime state.
	Status struct {
		Name                string  `json:"name"`
		Kind                Kind    `json:"kind"`
		Enabled             bool    `json:"enabled"`
		Healthy             bool    `json:"healthy"`
		BreakerState        string  `json:"breaker_state"`
		LatencyEWMAMs       float64 `json:"latency_ewma_ms"`
		ConsecutiveFailures int     `json:"consecutive_failures"`
	}
)

// Clone returns a shallow copy of the response with its own metadata map, so
// cached responses can be handed out without aliasing.
func (r *Response) Clone() *Response {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Backend is the uniform adapter contract. Implementations are stateless
// from the caller's perspective; they mutate only their own runtime state
// (latency EWMA, cached health) and never retry internally.
type Backend interface {
	Name() string

	// Send performs one chat-completion call. The context carries the
	// per-call deadline; on expiry the in-flight call is cancelled and the
	// adapter fails with llmerr.KindTimeout.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Ping performs a lightweight reachability probe and updates the cached
	// health flag.
	Ping(ctx context.Context) error

	// Healthy returns the cached health status, re-probing when the cached
	// value is older than the health TTL.
	Healthy(ctx context.Context) bool

	// EstimateCost returns the projected cost in EUR of serving req.
	EstimateCost(req *Request) float64

	// LatencyScore returns the current latency EWMA in milliseconds.
	LatencyScore() float64

	// Describe returns a snapshot of the static descriptor.
	Describe() Descriptor
}
