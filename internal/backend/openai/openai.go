// Package openai adapts OpenAI-compatible cloud endpoints to the Backend
// contract using the official SDK.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	base "github.com/RobLe3/claudette-sub000/internal/backend"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

// Adapter speaks the chat-completions wire protocol.
type Adapter struct {
	*base.Base
	client openaiSDK.Client
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
		opts = append(opts, option.WithBaseURL(apiRoot(desc.BaseURL)))
	}

	return &Adapter{
		Base:   base.NewBase(desc, deps),
		client: openaiSDK.NewClient(opts...),
	}
}

// apiRoot appends the /v1/ prefix the SDK expects on its base URL.
func apiRoot(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u + "/"
}

// Send performs one chat completion.
func (a *Adapter) Send(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	key, err := a.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	params := a.buildParams(req)

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params, a.callOptions(key)...)
	elapsed := time.Since(start)
	a.ObserveLatency(elapsed)

	if err != nil {
		return nil, a.translate(err, key)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	in := int(resp.Usage.PromptTokens)
	out := int(resp.Usage.CompletionTokens)

	return &backend.Response{
		Content:      content,
		BackendUsed:  a.Name(),
		TokensInput:  in,
		TokensOutput: out,
		CostEUR:      a.Cost(in, out),
		LatencyMs:    elapsed.Milliseconds(),
		Metadata: map[string]string{
			"model":       resp.Model,
			"response_id": resp.ID,
			"request_id":  req.RequestID,
		},
	}, nil
}

func (a *Adapter) buildParams(req *backend.Request) openaiSDK.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.Describe().Model
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage(req.Prompt)},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	return params
}

func (a *Adapter) callOptions(key string) []option.RequestOption {
	if key == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(key)}
}

// Ping lists models as a cheap authenticated reachability probe.
func (a *Adapter) Ping(ctx context.Context) error {
	key, err := a.APIKey(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	if _, err := a.client.Models.List(ctx, a.callOptions(key)...); err != nil {
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
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		status = apierr.StatusCode
	}
	return a.Translate(err, status, key)
}
