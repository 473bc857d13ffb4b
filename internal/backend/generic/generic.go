// Package generic adapts bespoke self-hosted HTTP JSON endpoints to the
// Backend contract. The completion path is configurable per deployment and
// the response shape is parsed tolerantly, so one adapter bridges the long
// tail of home-grown model servers.
package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	base "github.com/RobLe3/claudette-sub000/internal/backend"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

// Adapter bridges a configurable JSON completion endpoint.
type Adapter struct {
	*base.Base
	client *fasthttp.Client
	url    string
}

// New builds an adapter for desc. The completion URL is BaseURL joined with
// the descriptor's CompletionPath.
func New(desc backend.Descriptor, deps base.Deps) *Adapter {
	return &Adapter{
		Base: base.NewBase(desc, deps),
		client: &fasthttp.Client{
			ReadTimeout:  desc.Timeout,
			WriteTimeout: desc.Timeout,
		},
		url: strings.TrimRight(desc.BaseURL, "/") + desc.CompletionPath,
	}
}

// completionRequest is the outbound JSON shape.
type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream"`
}

// completionResponse accepts the common field spellings for generated text
// and token usage. Exactly one of the text fields is expected to be set.
type completionResponse struct {
	Response   string `json:"response"`
	Content    string `json:"content"`
	Text       string `json:"text"`
	Completion string `json:"completion"`
	Model      string `json:"model"`

	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
	} `json:"usage"`

	// Ollama-style top-level counters.
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (r *completionResponse) text() string {
	for _, s := range []string{r.Response, r.Content, r.Text, r.Completion} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (r *completionResponse) tokens() (in, out int) {
	in = firstNonZero(r.Usage.PromptTokens, r.Usage.InputTokens, r.PromptEvalCount)
	out = firstNonZero(r.Usage.CompletionTokens, r.Usage.OutputTokens, r.EvalCount)
	return in, out
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

// Send POSTs one completion request.
func (a *Adapter) Send(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	key, err := a.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	model := req.Model
	if model == "" {
		model = a.Describe().Model
	}
	body, err := json.Marshal(completionRequest{
		Model:       model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindBackendError, a.Name(), err)
	}

	start := time.Now()
	status, payload, err := a.post(ctx, a.url, body, key)
	elapsed := time.Since(start)
	a.ObserveLatency(elapsed)

	if err != nil {
		return nil, a.Translate(err, 0, key)
	}
	if status < 200 || status >= 300 {
		return nil, a.Translate(
			fmt.Errorf("%s returned status %d", a.url, status), status, key)
	}

	var parsed completionResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, a.Translate(fmt.Errorf("unparseable response body: %w", err), 0, key)
	}
	content := parsed.text()
	if content == "" {
		return nil, a.Translate(fmt.Errorf("response carries no recognized text field"), 0, key)
	}

	in, out := parsed.tokens()
	if in == 0 {
		in = base.EstimateTokens(req.Prompt)
	}
	if out == 0 {
		out = base.EstimateTokens(content)
	}

	return &backend.Response{
		Content:      content,
		BackendUsed:  a.Name(),
		TokensInput:  in,
		TokensOutput: out,
		CostEUR:      a.Cost(in, out),
		LatencyMs:    elapsed.Milliseconds(),
		Metadata: map[string]string{
			"model":      firstNonEmpty(parsed.Model, model),
			"request_id": req.RequestID,
		},
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type postResult struct {
	status  int
	payload []byte
	err     error
}

// post runs the fasthttp exchange on a goroutine so the caller's context can
// cancel the wait; fasthttp itself enforces the deadline. The pooled request
// and response are acquired and released inside the goroutine: when the
// caller abandons the exchange on cancellation, the objects stay owned by the
// still-running exchange instead of going back to the pool mid-flight.
func (a *Adapter) post(ctx context.Context, url string, body []byte, key string) (int, []byte, error) {
	deadline := time.Now().Add(a.Describe().Timeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	done := make(chan postResult, 1)
	go func() {
		freq := fasthttp.AcquireRequest()
		fresp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(freq)
		defer fasthttp.ReleaseResponse(fresp)

		freq.SetRequestURI(url)
		freq.Header.SetMethod(fasthttp.MethodPost)
		freq.Header.SetContentType("application/json")
		if key != "" {
			freq.Header.Set("Authorization", "Bearer "+key)
		}
		freq.SetBody(body)

		if err := a.client.DoDeadline(freq, fresp, deadline); err != nil {
			if err == fasthttp.ErrTimeout {
				err = context.DeadlineExceeded
			}
			done <- postResult{err: err}
			return
		}
		payload := make([]byte, len(fresp.Body()))
		copy(payload, fresp.Body())
		done <- postResult{status: fresp.StatusCode(), payload: payload}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case r := <-done:
		return r.status, r.payload, r.err
	}
}

// Ping issues a GET against the service root. Any HTTP answer counts as
// reachable; only transport failures mark the backend down.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := a.WithDeadline(ctx)
	defer cancel()

	key, err := a.APIKey(ctx)
	if err != nil {
		return err
	}

	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI(strings.TrimRight(a.Describe().BaseURL, "/") + "/")
	freq.Header.SetMethod(fasthttp.MethodGet)
	if key != "" {
		freq.Header.Set("Authorization", "Bearer "+key)
	}

	deadline := time.Now().Add(a.Describe().Timeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := a.client.DoDeadline(freq, fresp, deadline); err != nil {
		return a.Translate(err, 0, key)
	}
	return nil
}

// Healthy returns the cached probe result, re-probing past the health TTL.
func (a *Adapter) Healthy(ctx context.Context) bool {
	return a.CachedHealth(ctx, a.Ping)
}
