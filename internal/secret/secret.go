// Package secret resolves symbolic credential references to their values.
//
// Backend configuration never contains raw API keys; it carries references
// like "ENV:OPENAI_API_KEY" or "VAULT:secret/data/llm#api_key". The Manager
// routes each reference to the provider registered for its scheme. Values are
// resolved at call time and never stored on backend structs.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Resolver turns a scheme-local reference into a secret value.
type Resolver interface {
	// Resolve returns the secret value for ref (the part after "SCHEME:").
	Resolve(ctx context.Context, ref string) (string, error)

	// Close releases provider resources.
	Close() error
}

// Manager routes references of the form "SCHEME:rest" to registered
// resolvers. A reference without a scheme is rejected so raw keys cannot be
// smuggled through configuration.
type Manager struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewManager returns a Manager with the ENV scheme registered.
func NewManager() *Manager {
	m := &Manager{resolvers: make(map[string]Resolver)}
	m.Register("ENV", EnvResolver{})
	return m
}

// Register installs a resolver for a scheme. Schemes are case-insensitive
// and stored upper-case.
func (m *Manager) Register(scheme string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[strings.ToUpper(scheme)] = r
}

// Resolve parses "SCHEME:rest" and dispatches to the matching resolver.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || rest == "" {
		return "", fmt.Errorf("secret: malformed reference %q, want SCHEME:ref", ref)
	}

	m.mu.RLock()
	r, found := m.resolvers[strings.ToUpper(scheme)]
	m.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("secret: no resolver registered for scheme %q", scheme)
	}
	return r.Resolve(ctx, rest)
}

// Close closes all registered resolvers, collecting errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, r := range m.resolvers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("secret: close: %s", strings.Join(errs, "; "))
	}
	return nil
}
