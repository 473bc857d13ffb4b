// Package anthropic adapts Anthropic-compatible cloud endpoints to the
// Backend contract using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	base "github.com/RobLe3/claudette-sub000/internal/backend"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

// defaultMaxTokens applies when the request does not cap output; the
// messages API requires an explicit maximum.
const defaultMaxTokens = 4096

// Adapter speaks the Anthropic messages wire protocol.
type Adapter struct {
	*base.Base
	client anthropicSDK.Client
}

// New builds an adapter for desc. An empty BaseURL targets the official API.
func New(desc backend.Descriptor, deps base.Deps) *Adapter {
	httpClient := &http.Client{Timeout: desc.Timeout}

	// Retry is the dispatcher's job; the SDK must not retry underneath it.
	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if desc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(desc.BaseURL, "/")))
	}

	return &Adapter{
		Base:   base.NewBase(desc, deps),
		client: anthropicSDK.NewClient(opts...),
	}
}

// Send performs one messages call.
func (a *Adapter) Send(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	key, err := a.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	params := a.buildParams(req)

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params, a.callOptions(key)...)
	elapsed := time.Since(start)
	a.ObserveLatency(elapsed)

	if err != nil {
		return nil, a.translate(err, key)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropicSDK.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)

	return &backend.Response{
		Content:      sb.String(),
		BackendUsed:  a.Name(),
		TokensInput:  in,
		TokensOutput: out,
		CostEUR:      a.Cost(in, out),
		LatencyMs:    elapsed.Milliseconds(),
		Metadata: map[string]string{
			"model":       string(msg.Model),
			"response_id": msg.ID,
			"request_id":  req.RequestID,
		},
	}, nil
}

func (a *Adapter) buildParams(req *backend.Request) anthropicSDK.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.Describe().Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropicSDK.MessageParam{
			anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(req.Temperature)
	}
	return params
}

func (a *Adapter) callOptions(key string) []option.RequestOption {
	if key == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(key)}
}

// Ping lists one model as a cheap authenticated reachability probe.
func (a *Adapter) Ping(ctx context.Context) error {
	key, err := a.APIKey(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	params := anthropicSDK.ModelListParams{Limit: anthropicSDK.Int(1)}
	if _, err := a.client.Models.List(ctx, params, a.callOptions(key)...); err != nil {
		return a.translate(err, key)
	}
	return nil
}

// Healthy returns the cached probe result, re-probing past the health TTL.
func (a *Adapter) Healthy(ctx context.Context) bool {
	return a.CachedHealth(ctx, a.Ping)
}

func (a *Adapter) translate(err error, key string) error {
	status := 0
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		status = apierr.StatusCode
	}
	return a.Translate(err, status, key)
}
