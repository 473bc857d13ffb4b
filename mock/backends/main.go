// Command backends is a local stand-in for every backend kind claudette can
// route to. It answers the OpenAI chat-completion shape, the Anthropic
// messages shape, and the Ollama generate shape on one port, so the router
// can be exercised end to end without cloud credentials.
//
// Usage:
//
//	go run ./mock/backends -addr :9090 -latency 200ms -error-rate 0.1
//
// Then point a claudette backend at it, e.g.:
//
//	backends:
//	  local:
//	    kind: generic-self-hosted
//	    baseUrl: http://localhost:9090
//	    completionPath: /api/generate
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type serverConfig struct {
	latency   time.Duration
	errorRate float64
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	latency := flag.Duration("latency", 50*time.Millisecond, "simulated upstream latency")
	errorRate := flag.Float64("error-rate", 0, "fraction of requests answered with a 500")
	flag.Parse()

	cfg := serverConfig{latency: *latency, errorRate: *errorRate}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", handleModels)
	mux.HandleFunc("/v1/chat/completions", withChaos(cfg, handleOpenAIChat))
	mux.HandleFunc("/v1/messages", withChaos(cfg, handleAnthropicMessages))
	mux.HandleFunc("/api/generate", withChaos(cfg, handleOllamaGenerate))
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mock backends listening on %s (latency=%s error-rate=%.2f)",
		*addr, cfg.latency, cfg.errorRate)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

// withChaos applies the configured latency and error rate before delegating.
func withChaos(cfg serverConfig, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.latency > 0 {
			time.Sleep(cfg.latency)
		}
		if cfg.errorRate > 0 && rand.Float64() < cfg.errorRate {
			writeJSON(w, http.StatusInternalServerError,
				map[string]any{"error": map[string]string{
					"message": "mock upstream error", "type": "server_error",
				}})
			return
		}
		next(w, r)
	}
}

func handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mock-small", "object": "model"},
			{"id": "mock-large", "object": "model"},
		},
	})
}

func handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			map[string]any{"error": map[string]string{"message": "invalid body"}})
		return
	}
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	content := reply(prompt)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   orDefault(req.Model, "mock-small"),
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     tokens(prompt),
			"completion_tokens": tokens(content),
			"total_tokens":      tokens(prompt) + tokens(content),
		},
	})
}

func handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			map[string]any{"error": map[string]string{"message": "invalid body"}})
		return
	}
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	content := reply(prompt)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          "msg_" + uuid.NewString(),
		"type":        "message",
		"role":        "assistant",
		"model":       orDefault(req.Model, "mock-small"),
		"content":     []map[string]string{{"type": "text", "text": content}},
		"stop_reason": "end_turn",
		"usage": map[string]int{
			"input_tokens":  tokens(prompt),
			"output_tokens": tokens(content),
		},
	})
}

func handleOllamaGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	content := reply(req.Prompt)
	writeJSON(w, http.StatusOK, map[string]any{
		"model":             orDefault(req.Model, "mock-small"),
		"response":          content,
		"done":              true,
		"prompt_eval_count": tokens(req.Prompt),
		"eval_count":        tokens(content),
	})
}

func reply(prompt string) string {
	if prompt == "" {
		return "mock response"
	}
	return fmt.Sprintf("mock response to %d characters of prompt", len(prompt))
}

func tokens(s string) int { return (len(s) + 3) / 4 }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
