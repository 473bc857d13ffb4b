// Package selfhosted adapts OpenAI-compatible self-hosted endpoints
// (Ollama, vLLM, gateways in front of local models) to the Backend contract.
//
// The wire protocol is identical to the cloud OpenAI adapter; what differs is
// the probe: self-hosted gateways frequently reject an unauthenticated
// /v1/models listing with 400 while being perfectly able to serve
// completions, so reachability is judged on the raw status line instead of
// the SDK's error mapping.
package selfhosted

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	base "github.com/RobLe3/claudette-sub000/internal/backend"
	"github.com/RobLe3/claudette-sub000/internal/backend/openai"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

// Adapter reuses the chat-completions wire implementation with a
// self-hosted-friendly reachability probe.
type Adapter struct {
	*openai.Adapter
	httpClient *http.Client
	modelsURL  string
}

// New builds an adapter for desc. The API key may be absent for loopback
// deployments.
func New(desc backend.Descriptor, deps base.Deps) *Adapter {
	return &Adapter{
		Adapter:    openai.New(desc, deps),
		httpClient: &http.Client{Timeout: desc.Timeout},
		modelsURL:  strings.TrimRight(desc.BaseURL, "/") + "/v1/models",
	}
}

// Ping issues a bare GET against /v1/models. Any 2xx, or a 400 (typical for
// unauthenticated listings on local gateways), counts as reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.modelsURL, nil)
	if err != nil {
		return llmerr.Wrap(llmerr.KindTransientBackendError, a.Name(), err)
	}
	key, err := a.APIKey(ctx)
	if err != nil {
		return err
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return a.Translate(err, 0, key)
	}
	defer resp.Body.Close()

	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusBadRequest {
		return nil
	}
	return a.Translate(
		fmt.Errorf("probe %s: unexpected status %d", a.modelsURL, resp.StatusCode),
		resp.StatusCode, key)
}

// Healthy returns the cached probe result, re-probing past the health TTL.
func (a *Adapter) Healthy(ctx context.Context) bool {
	return a.CachedHealth(ctx, a.Ping)
}
