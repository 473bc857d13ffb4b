// Package httpapi is the JSON boundary over the router core: one optimize
// endpoint plus health, readiness, status, and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/RobLe3/claudette-sub000/pkg/apierr"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Optimizer is the slice of the core the HTTP layer dispatches into.
type Optimizer interface {
	Optimize(ctx context.Context, prompt string, files []string, opts *backend.Options) (*backend.Response, error)
}

// Options carries the optional endpoints. Nil fields disable their routes.
type Options struct {
	Logger *slog.Logger

	// Status serves GET /status with an arbitrary JSON snapshot.
	Status func(ctx context.Context) any

	// Ready gates GET /readiness.
	Ready func(ctx context.Context) bool

	// Metrics serves GET /metrics (the Prometheus handler).
	Metrics fasthttp.RequestHandler
}

// Server is the fasthttp front of the core.
type Server struct {
	optimizer Optimizer
	opts      Options
	log       *slog.Logger
	handler   fasthttp.RequestHandler
	srv       *fasthttp.Server
}

// New builds the route table and middleware chain.
func New(opt Optimizer, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{optimizer: opt, opts: opts, log: log}

	r := router.New()
	r.POST("/v1/optimize", s.handleOptimize)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if opts.Status != nil {
		r.GET("/status", s.handleStatus)
	}
	if opts.Metrics != nil {
		r.GET("/metrics", opts.Metrics)
	}

	s.handler = applyMiddleware(r.Handler,
		recovery(log),
		requestID,
		timing,
	)
	return s
}

// Handler exposes the composed handler, mainly for tests.
func (s *Server) Handler() fasthttp.RequestHandler { return s.handler }

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.log.Info("http api listening", "addr", addr)
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

type (
	inboundOptions struct {
		Backend     string  `json:"backend"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		BypassCache bool    `json:"bypass_cache"`
		MaxRetries  int     `json:"max_retries"`
		TimeoutMs   int64   `json:"timeout_ms"`
	}

	inboundOptimize struct {
		Prompt  string          `json:"prompt"`
		Files   []string        `json:"files"`
		Options *inboundOptions `json:"options"`
	}
)

func (s *Server) handleOptimize(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	var in inboundOptimize
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, "invalid_request")
		return
	}

	opts := &backend.Options{}
	if in.Options != nil {
		opts = &backend.Options{
			Backend:     in.Options.Backend,
			Model:       in.Options.Model,
			MaxTokens:   in.Options.MaxTokens,
			Temperature: in.Options.Temperature,
			BypassCache: in.Options.BypassCache,
			MaxRetries:  in.Options.MaxRetries,
			TimeoutMs:   in.Options.TimeoutMs,
		}
	}

	resp, err := s.optimizer.Optimize(ctx, in.Prompt, in.Files, opts)
	if err != nil {
		s.log.Warn("optimize_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteError(ctx, err)
		return
	}

	s.log.Debug("optimize_ok",
		slog.String("request_id", reqID),
		slog.String("backend", resp.BackendUsed),
		slog.Bool("cache_hit", resp.CacheHit),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.CacheHit {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	writeJSON(ctx, resp)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.opts.Ready == nil || s.opts.Ready(ctx) {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.opts.Status(ctx))
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
