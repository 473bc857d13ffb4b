package secret

import (
	"context"
	"fmt"
	"os"
)

// EnvResolver reads secrets from process environment variables.
type EnvResolver struct{}

// Resolve returns the value of the environment variable named by ref.
func (EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("secret: environment variable %q not set", ref)
	}
	return val, nil
}

// Close is a no-op.
func (EnvResolver) Close() error { return nil }

// StaticResolver serves secrets from a fixed map. Used in tests and for
// programmatic embedding.
type StaticResolver map[string]string

// Resolve looks up ref in the map.
func (s StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("secret: unknown static secret %q", ref)
	}
	return val, nil
}

// Close is a no-op.
func (s StaticResolver) Close() error { return nil }
