// Package dispatcher implements the request lifecycle: validate, fingerprint,
// cache lookup, candidate selection, dispatch with fallback, and accounting.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	base "github.com/RobLe3/claudette-sub000/internal/backend"
	"github.com/RobLe3/claudette-sub000/internal/cache"
	"github.com/RobLe3/claudette-sub000/internal/metrics"
	"github.com/RobLe3/claudette-sub000/internal/router"
	"github.com/RobLe3/claudette-sub000/internal/store"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/config"
	"github.com/RobLe3/claudette-sub000/pkg/llmerr"
)

// Ledger is the slice of the store the dispatcher appends accounting rows to.
type Ledger interface {
	Append(ctx context.Context, row *store.LedgerRow) error
}

// Dispatcher coordinates router, cache, and ledger for each optimize call.
type Dispatcher struct {
	router  *router.Router
	cache   *cache.Cache // nil when the caching feature is off
	ledger  Ledger
	cfg     *config.Config
	metrics *metrics.Registry
	logger  *slog.Logger
	limiter *rate.Limiter // nil when routing.rpmLimit is 0

	readFile func(string) ([]byte, error) // swapped in tests
}

// New wires a dispatcher. cache may be nil (caching disabled); metrics may be
// nil (monitoring disabled).
func New(rt *router.Router, ca *cache.Cache, ledger Ledger, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		router:   rt,
		cache:    ca,
		ledger:   ledger,
		cfg:      cfg,
		metrics:  reg,
		logger:   logger,
		readFile: os.ReadFile,
	}
	if cfg.Routing.RPMLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(cfg.Routing.RPMLimit)/60.0), cfg.Routing.RPMLimit)
	}
	return d
}

// Optimize runs one request through the full lifecycle and returns the
// response of the first backend that succeeds.
func (d *Dispatcher) Optimize(ctx context.Context, prompt string, files []string, opts *backend.Options) (*backend.Response, error) {
	start := time.Now()
	if opts == nil {
		opts = &backend.Options{}
	}
	requestID := uuid.NewString()
	log := d.logger.With("request_id", requestID)

	if err := validate(prompt, files, opts); err != nil {
		d.metrics.RecordRequest("", llmerr.KindOf(err).String(), time.Since(start).Seconds())
		return nil, err
	}

	if d.limiter != nil && !d.limiter.Allow() {
		d.metrics.RateLimitRejection()
		err := llmerr.New(llmerr.KindBackendUnavailable, "", "request rate limit exceeded")
		err.RateLimited = true
		return nil, err
	}

	contents, err := d.readFiles(files)
	if err != nil {
		return nil, err
	}
	if err := d.checkContextBudget(prompt, contents); err != nil {
		return nil, err
	}

	fingerprint := cache.Fingerprint(prompt, contents, opts)

	if d.cache != nil && !opts.BypassCache {
		if hit := d.cache.Get(ctx, fingerprint); hit != nil {
			d.metrics.CacheHit()
			return d.finishCacheHit(ctx, log, fingerprint, hit, requestID, start)
		}
		d.metrics.CacheMiss()
	}

	req := &backend.Request{
		Prompt:      assemblePrompt(prompt, files, contents),
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		RequestID:   requestID,
	}

	resp, err := d.dispatch(ctx, log, req, opts)
	if err != nil {
		d.metrics.RecordRequest(opts.Backend, llmerr.KindOf(err).String(), time.Since(start).Seconds())
		return nil, err
	}

	// A cancellation racing the success still means no writes.
	if ctx.Err() != nil {
		return nil, llmerr.Wrap(llmerr.KindCancelled, resp.BackendUsed, ctx.Err())
	}

	if d.cache != nil && !opts.BypassCache {
		if err := d.cache.Put(ctx, fingerprint, resp, d.cfg.Thresholds.CacheTTL); err != nil {
			d.metrics.StorageError()
			log.Warn("response not cached", "error", err)
		}
	}

	resp.LatencyMs = time.Since(start).Milliseconds()
	d.appendLedger(ctx, log, fingerprint, resp, requestID)

	if resp.CostEUR > d.cfg.Thresholds.CostWarningEUR {
		log.Warn("request cost above warning threshold",
			"backend", resp.BackendUsed, "cost_eur", resp.CostEUR,
			"threshold_eur", d.cfg.Thresholds.CostWarningEUR)
	}

	d.metrics.RecordRequest(resp.BackendUsed, "success", time.Since(start).Seconds())
	d.metrics.AddUsage(resp.BackendUsed, resp.TokensInput, resp.TokensOutput, resp.CostEUR)
	return resp, nil
}

// finishCacheHit shapes a cache hit: zero usage, lookup-only latency, and a
// cache-hit ledger row.
func (d *Dispatcher) finishCacheHit(ctx context.Context, log *slog.Logger, fingerprint string, hit *backend.Response, requestID string, start time.Time) (*backend.Response, error) {
	if ctx.Err() != nil {
		return nil, llmerr.Wrap(llmerr.KindCancelled, "", ctx.Err())
	}

	hit.TokensInput = 0
	hit.TokensOutput = 0
	hit.CostEUR = 0
	hit.LatencyMs = time.Since(start).Milliseconds()

	d.appendLedger(ctx, log, fingerprint, hit, requestID)
	d.metrics.RecordRequest(hit.BackendUsed, "success", time.Since(start).Seconds())
	return hit, nil
}

// dispatch runs the fallback loop over the router's candidate order.
func (d *Dispatcher) dispatch(ctx context.Context, log *slog.Logger, req *backend.Request, opts *backend.Options) (*backend.Response, error) {
	candidates, err := d.router.SelectCandidates(ctx, req, opts.Backend)
	if err != nil {
		return nil, err
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.Routing.MaxRetries
	}

	var failures []llmerr.BackendFailure
	for i, cand := range candidates {
		if i >= maxRetries {
			break
		}

		callCtx, cancel := d.callContext(ctx, opts)
		resp, err := cand.Send(callCtx, req)
		cancel()

		d.router.RecordOutcome(cand.Name(), err)
		d.publishBreakerState(cand.Name())

		if err == nil {
			if len(failures) > 0 {
				log.Info("request served after fallback",
					"backend", cand.Name(), "failed_attempts", len(failures))
			}
			return resp, nil
		}

		if llmerr.IsKind(err, llmerr.KindCancelled) || ctx.Err() != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, cand.Name(), err)
		}

		log.Warn("backend attempt failed",
			"backend", cand.Name(), "kind", llmerr.KindOf(err).String(), "error", err)
		failures = append(failures, llmerr.BackendFailure{Backend: cand.Name(), Err: err})
	}

	return nil, llmerr.AllFailed(failures)
}

// callContext derives the per-attempt deadline: an explicit timeoutMs wins
// over the adapter's own default. Each attempt gets a fresh window so a slow
// first candidate does not starve the fallback.
func (d *Dispatcher) callContext(ctx context.Context, opts *backend.Options) (context.Context, context.CancelFunc) {
	if opts.TimeoutMs > 0 {
		return context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) publishBreakerState(name string) {
	if cb := d.router.Breaker(name); cb != nil {
		d.metrics.SetBreakerState(name, metrics.BreakerStateValue(cb.State().String()))
	}
}

// appendLedger writes the accounting row. Storage failure degrades to a
// warning; the response already succeeded.
func (d *Dispatcher) appendLedger(ctx context.Context, log *slog.Logger, fingerprint string, resp *backend.Response, requestID string) {
	meta, _ := json.Marshal(map[string]string{"request_id": requestID})
	row := &store.LedgerRow{
		Timestamp:    time.Now(),
		Backend:      resp.BackendUsed,
		PromptHash:   fingerprint,
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		CostEUR:      resp.CostEUR,
		CacheHit:     resp.CacheHit,
		LatencyMs:    resp.LatencyMs,
		Metadata:     string(meta),
	}
	if err := d.ledger.Append(ctx, row); err != nil {
		d.metrics.StorageError()
		log.Warn("ledger append failed", "error", err)
	}
}

func (d *Dispatcher) readFiles(files []string) ([][]byte, error) {
	if len(files) == 0 {
		return nil, nil
	}
	contents := make([][]byte, len(files))
	for i, path := range files {
		data, err := d.readFile(path)
		if err != nil {
			return nil, llmerr.Wrap(llmerr.KindInvalidInput, "",
				fmt.Errorf("read file %s: %w", path, err))
		}
		contents[i] = data
	}
	return contents, nil
}

func (d *Dispatcher) checkContextBudget(prompt string, contents [][]byte) error {
	total := base.EstimateTokens(prompt)
	for _, c := range contents {
		total += base.EstimateTokens(string(c))
	}
	if max := d.cfg.Thresholds.MaxContextTokens; max > 0 && total > max {
		return llmerr.New(llmerr.KindInvalidInput, "",
			"estimated context of %d tokens exceeds the limit of %d", total, max)
	}
	return nil
}

// assemblePrompt prepends each file's content with a structural header so
// backends see a single textual prompt.
func assemblePrompt(prompt string, files []string, contents [][]byte) string {
	if len(contents) == 0 {
		return prompt
	}
	var sb strings.Builder
	for i, c := range contents {
		fmt.Fprintf(&sb, "--- file: %s ---\n", files[i])
		sb.Write(c)
		if len(c) > 0 && c[len(c)-1] != '\n' {
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\n")
	sb.WriteString(prompt)
	return sb.String()
}

// validate applies the input rules. It is CPU-only and never touches a
// backend or the store.
func validate(prompt string, files []string, opts *backend.Options) error {
	if strings.TrimSpace(prompt) == "" {
		return llmerr.New(llmerr.KindInvalidInput, "", "prompt must be a non-empty string")
	}
	if !utf8.ValidString(prompt) {
		return llmerr.New(llmerr.KindInvalidInput, "", "prompt must be valid UTF-8 text")
	}
	for i, f := range files {
		if strings.TrimSpace(f) == "" {
			return llmerr.New(llmerr.KindInvalidInput, "", "files[%d] is empty", i)
		}
	}
	if opts.MaxTokens < 0 {
		return llmerr.New(llmerr.KindInvalidInput, "", "maxTokens must be a positive integer")
	}
	if opts.Temperature < 0 || opts.Temperature > 2 {
		return llmerr.New(llmerr.KindInvalidInput, "", "temperature must be within [0.0, 2.0]")
	}
	if opts.MaxRetries < 0 {
		return llmerr.New(llmerr.KindInvalidInput, "", "maxRetries must be a positive integer")
	}
	if opts.TimeoutMs < 0 {
		return llmerr.New(llmerr.KindInvalidInput, "", "timeoutMs must be a positive integer")
	}
	return nil
}
