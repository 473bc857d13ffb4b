// Command claudette routes LLM prompts across configured backends.
//
// One-shot usage:
//
//	claudette -config claudette.yaml "explain this stack trace"
//	claudette -file main.go -backend local "review this code"
//
// Server mode:
//
//	claudette -config claudette.yaml -serve :8080
//
// Status:
//
//	claudette -config claudette.yaml -status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/RobLe3/claudette-sub000/pkg/backend"
	"github.com/RobLe3/claudette-sub000/pkg/claudette"
	"github.com/RobLe3/claudette-sub000/pkg/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// fileList collects repeated -file flags.
type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func main() {
	var (
		configPath  = flag.String("config", "claudette.yaml", "path to the YAML config file")
		serveAddr   = flag.String("serve", "", "run the HTTP API on this address (e.g. :8080)")
		showStatus  = flag.Bool("status", false, "print the runtime status snapshot and exit")
		showVersion = flag.Bool("version", false, "print the version and exit")
		asJSON      = flag.Bool("json", false, "print the full response as JSON")

		backendName = flag.String("backend", "", "force a specific backend")
		model       = flag.String("model", "", "override the model identifier")
		maxTokens   = flag.Int("max-tokens", 0, "completion token limit")
		temperature = flag.Float64("temperature", 0, "sampling temperature (0.0-2.0)")
		noCache     = flag.Bool("no-cache", false, "bypass the response cache")
		maxRetries  = flag.Int("max-retries", 0, "maximum backend attempts")
		timeoutMs   = flag.Int64("timeout-ms", 0, "per-attempt timeout in milliseconds")
	)
	var files fileList
	flag.Var(&files, "file", "file whose content is prepended to the prompt (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := claudette.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	core, err := claudette.New(ctx, cfg, claudette.WithLogger(logger))
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer core.Close()

	switch {
	case *serveAddr != "":
		if err := core.Serve(ctx, *serveAddr); err != nil {
			logger.Error("server stopped", slog.String("error", err.Error()))
			os.Exit(1)
		}

	case *showStatus:
		printJSON(core.Status(ctx))

	default:
		prompt := strings.Join(flag.Args(), " ")
		if strings.TrimSpace(prompt) == "" {
			fmt.Fprintln(os.Stderr, "usage: claudette [flags] <prompt>")
			flag.PrintDefaults()
			os.Exit(2)
		}

		opts := &backend.Options{
			Backend:     *backendName,
			Model:       *model,
			MaxTokens:   *maxTokens,
			Temperature: *temperature,
			BypassCache: *noCache,
			MaxRetries:  *maxRetries,
			TimeoutMs:   *timeoutMs,
		}
		resp, err := core.Optimize(ctx, prompt, files, opts)
		if err != nil {
			logger.Error("request failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if *asJSON {
			printJSON(resp)
			return
		}
		fmt.Println(resp.Content)
		fmt.Fprintf(os.Stderr, "[%s%s  %d ms  %.6f EUR]\n",
			resp.BackendUsed, cacheTag(resp), resp.LatencyMs, resp.CostEUR)
	}
}

func cacheTag(r *backend.Response) string {
	if r.CacheHit {
		return " (cached)"
	}
	return ""
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(out))
}
