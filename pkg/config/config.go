// Package config loads and validates the runtime configuration for the
// router core.
//
// Configuration is read from a YAML file and overridden by environment
// variables (CLAUDETTE_* with underscores for nesting). A .env file in the
// working directory is loaded first when present.
//
// Unknown keys (top-level or nested) cause configuration rejection with a
// descriptive error. Missing keys fall back to the documented defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

// Defaults applied for missing keys.
const (
	DefaultCacheTTLSeconds     = 3600
	DefaultMaxCacheEntries     = 1000
	DefaultCostWarningEUR      = 1.0
	DefaultMaxContextTokens    = 128_000
	DefaultCostWeight          = 0.4
	DefaultLatencyWeight       = 0.4
	DefaultAvailabilityWeight  = 0.2
	DefaultMaxRetries          = 3
	DefaultHealthTTLSeconds    = 60
	DefaultBreakerThreshold    = 5
	DefaultBreakerResetSeconds = 300
	DefaultLatencySeedMs       = 1000
	DefaultStorePath           = "claudette.db"
	DefaultRetentionHours      = 720
	DefaultBackendTimeout      = 30 * time.Second
	DefaultCompletionPath      = "/api/generate"
)

// Config is the top-level configuration container.
type Config struct {
	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Backends maps backend name to its descriptor. At least one enabled
	// backend is required.
	Backends map[string]backend.Descriptor

	// Features toggles optional subsystems.
	Features Features

	// Thresholds holds cache and cost limits.
	Thresholds Thresholds

	// Routing holds the scoring weights and resilience parameters.
	Routing Routing

	// Store holds the embedded store location and retention window.
	Store Store
}

// Features holds the boolean feature switches.
type Features struct {
	// Caching enables the response cache. Default: true.
	Caching bool

	// CostOptimization keeps the cost term in the routing score.
	// When false the cost weight is treated as zero and the remaining
	// weights are renormalized. Default: true.
	CostOptimization bool

	// SmartRouting enables weighted scoring. When false, candidates are
	// ordered by (priority, name) with health and breaker filtering still
	// applied. Default: true.
	SmartRouting bool

	// PerformanceMonitoring enables the Prometheus metrics registry.
	// Default: true.
	PerformanceMonitoring bool
}

// Thresholds holds cache and cost limits.
type Thresholds struct {
	// CacheTTL is the default time-to-live for cached responses.
	// Must be within [60s, 3600s]. Default: 1h.
	CacheTTL time.Duration

	// MaxCacheEntries bounds the cache entry count. Default: 1000.
	MaxCacheEntries int

	// MaxCacheBytes bounds the cache's estimated total size. 0 disables the
	// byte bound. Default: 0.
	MaxCacheBytes int64

	// CostWarningEUR is the per-request cost above which a warning is logged.
	// Default: 1.0.
	CostWarningEUR float64

	// MaxContextTokens rejects prompts whose estimated token count exceeds
	// this bound. Default: 128000.
	MaxContextTokens int
}

// Routing holds the scoring weights and resilience parameters.
type Routing struct {
	// CostWeight, LatencyWeight, and AvailabilityWeight must sum to 1.0.
	// Defaults: 0.4 / 0.4 / 0.2.
	CostWeight         float64
	LatencyWeight      float64
	AvailabilityWeight float64

	// MaxRetries is the maximum number of backend attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// HealthTTL is the maximum age of a cached health probe result.
	// Default: 60s.
	HealthTTL time.Duration

	// BreakerThreshold is the number of consecutive failures that opens a
	// backend's circuit breaker. Default: 5.
	BreakerThreshold int

	// BreakerReset is how long an open breaker waits before admitting a
	// half-open probe. Default: 5m.
	BreakerReset time.Duration

	// BreakerCountsBackendErrors controls whether non-auth semantic backend
	// errors count toward the breaker threshold. Default: true.
	BreakerCountsBackendErrors bool

	// LatencySeedMs seeds the latency EWMA for backends without samples.
	// Default: 1000.
	LatencySeedMs float64

	// RPMLimit caps requests per minute across the dispatcher.
	// 0 disables the limiter. Default: 0.
	RPMLimit int
}

// Store holds the embedded store configuration.
type Store struct {
	// Path is the SQLite database file. Default: "claudette.db".
	Path string

	// Retention is the ledger retention window applied during cleanup.
	// Default: 720h (30 days).
	Retention time.Duration
}

// allowedKeys lists every recognized configuration key, nested keys joined
// with dots. Anything else is rejected.
var allowedKeys = map[string]map[string]bool{
	"loglevel": nil,
	"backends": nil, // per-backend keys checked separately
	"features": {
		"caching": true, "costoptimization": true,
		"smartrouting": true, "performancemonitoring": true,
	},
	"thresholds": {
		"cachettlseconds": true, "maxcacheentries": true, "maxcachebytes": true,
		"costwarningeur": true, "maxcontexttokens": true,
	},
	"routing": {
		"costweight": true, "latencyweight": true, "availabilityweight": true,
		"maxretries": true, "healthttlseconds": true, "breakerthreshold": true,
		"breakerresetseconds": true, "breakercountsbackenderrors": true,
		"latencyseedms": true, "rpmlimit": true,
	},
	"store": {
		"path": true, "retentionhours": true,
	},
}

var allowedBackendKeys = map[string]bool{
	"kind": true, "enabled": true, "priority": true, "costpertoken": true,
	"baseurl": true, "model": true, "apikeyref": true, "timeoutms": true,
	"supportsstreaming": true, "completionpath": true,
}

// Load reads configuration from path (YAML) plus CLAUDETTE_* environment
// overrides. An empty path loads "claudette.yaml" from the working directory
// when present; a missing default file is not an error.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("claudette")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("CLAUDETTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := rejectUnknownKeys(v.AllSettings()); err != nil {
		return nil, err
	}

	setDefaults(v)

	cfg := &Config{
		LogLevel: strings.ToLower(v.GetString("logLevel")),
		Features: Features{
			Caching:               v.GetBool("features.caching"),
			CostOptimization:      v.GetBool("features.costOptimization"),
			SmartRouting:          v.GetBool("features.smartRouting"),
			PerformanceMonitoring: v.GetBool("features.performanceMonitoring"),
		},
		Thresholds: Thresholds{
			CacheTTL:         time.Duration(v.GetInt("thresholds.cacheTtlSeconds")) * time.Second,
			MaxCacheEntries:  v.GetInt("thresholds.maxCacheEntries"),
			MaxCacheBytes:    v.GetInt64("thresholds.maxCacheBytes"),
			CostWarningEUR:   v.GetFloat64("thresholds.costWarningEur"),
			MaxContextTokens: v.GetInt("thresholds.maxContextTokens"),
		},
		Routing: Routing{
			CostWeight:                 v.GetFloat64("routing.costWeight"),
			LatencyWeight:              v.GetFloat64("routing.latencyWeight"),
			AvailabilityWeight:         v.GetFloat64("routing.availabilityWeight"),
			MaxRetries:                 v.GetInt("routing.maxRetries"),
			HealthTTL:                  time.Duration(v.GetInt("routing.healthTtlSeconds")) * time.Second,
			BreakerThreshold:           v.GetInt("routing.breakerThreshold"),
			BreakerReset:               time.Duration(v.GetInt("routing.breakerResetSeconds")) * time.Second,
			BreakerCountsBackendErrors: v.GetBool("routing.breakerCountsBackendErrors"),
			LatencySeedMs:              v.GetFloat64("routing.latencySeedMs"),
			RPMLimit:                   v.GetInt("routing.rpmLimit"),
		},
		Store: Store{
			Path:      v.GetString("store.path"),
			Retention: time.Duration(v.GetInt("store.retentionHours")) * time.Hour,
		},
	}

	backends, err := parseBackends(v)
	if err != nil {
		return nil, err
	}
	cfg.Backends = backends

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")

	v.SetDefault("features.caching", true)
	v.SetDefault("features.costOptimization", true)
	v.SetDefault("features.smartRouting", true)
	v.SetDefault("features.performanceMonitoring", true)

	v.SetDefault("thresholds.cacheTtlSeconds", DefaultCacheTTLSeconds)
	v.SetDefault("thresholds.maxCacheEntries", DefaultMaxCacheEntries)
	v.SetDefault("thresholds.maxCacheBytes", 0)
	v.SetDefault("thresholds.costWarningEur", DefaultCostWarningEUR)
	v.SetDefault("thresholds.maxContextTokens", DefaultMaxContextTokens)

	v.SetDefault("routing.costWeight", DefaultCostWeight)
	v.SetDefault("routing.latencyWeight", DefaultLatencyWeight)
	v.SetDefault("routing.availabilityWeight", DefaultAvailabilityWeight)
	v.SetDefault("routing.maxRetries", DefaultMaxRetries)
	v.SetDefault("routing.healthTtlSeconds", DefaultHealthTTLSeconds)
	v.SetDefault("routing.breakerThreshold", DefaultBreakerThreshold)
	v.SetDefault("routing.breakerResetSeconds", DefaultBreakerResetSeconds)
	v.SetDefault("routing.breakerCountsBackendErrors", true)
	v.SetDefault("routing.latencySeedMs", DefaultLatencySeedMs)
	v.SetDefault("routing.rpmLimit", 0)

	v.SetDefault("store.path", DefaultStorePath)
	v.SetDefault("store.retentionHours", DefaultRetentionHours)
}

// rejectUnknownKeys walks the parsed settings and fails on any key outside
// the allowlist. Viper lower-cases keys, so the allowlist is lower-case.
func rejectUnknownKeys(settings map[string]any) error {
	for top, val := range settings {
		sub, ok := allowedKeys[top]
		if !ok {
			return fmt.Errorf("config: unknown key %q", top)
		}
		if sub == nil {
			continue
		}
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("config: %q must be a mapping", top)
		}
		for k := range m {
			if !sub[k] {
				return fmt.Errorf("config: unknown key %q under %q", k, top)
			}
		}
	}
	if b, ok := settings["backends"].(map[string]any); ok {
		for name, val := range b {
			m, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("config: backend %q must be a mapping", name)
			}
			for k := range m {
				if !allowedBackendKeys[k] {
					return fmt.Errorf("config: unknown key %q under backend %q", k, name)
				}
			}
		}
	}
	return nil
}

func parseBackends(v *viper.Viper) (map[string]backend.Descriptor, error) {
	raw := v.GetStringMap("backends")
	out := make(map[string]backend.Descriptor, len(raw))

	for name := range raw {
		// Read through the parent viper so env overrides apply per field.
		prefix := "backends." + name + "."
		d := backend.Descriptor{
			Name:              name,
			Kind:              backend.Kind(v.GetString(prefix + "kind")),
			Enabled:           v.GetBool(prefix + "enabled"),
			Priority:          v.GetInt(prefix + "priority"),
			CostPerToken:      v.GetFloat64(prefix + "costPerToken"),
			BaseURL:           v.GetString(prefix + "baseUrl"),
			Model:             v.GetString(prefix + "model"),
			APIKeyRef:         v.GetString(prefix + "apiKeyRef"),
			SupportsStreaming: v.GetBool(prefix + "supportsStreaming"),
			CompletionPath:    v.GetString(prefix + "completionPath"),
		}
		if ms := v.GetInt(prefix + "timeoutMs"); ms > 0 {
			d.Timeout = time.Duration(ms) * time.Millisecond
		} else {
			d.Timeout = DefaultBackendTimeout
		}
		if d.Kind == backend.KindGenericSelfHosted && d.CompletionPath == "" {
			d.CompletionPath = DefaultCompletionPath
		}
		out[name] = d
	}
	return out, nil
}

// Validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logLevel %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend must be configured")
	}
	names := make([]string, 0, len(c.Backends))
	for n := range c.Backends {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateBackend(c.Backends[name]); err != nil {
			return err
		}
	}

	sum := c.Routing.CostWeight + c.Routing.LatencyWeight + c.Routing.AvailabilityWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: routing weights must sum to 1.0, got %.3f", sum)
	}
	if c.Routing.MaxRetries < 1 {
		return fmt.Errorf("config: routing.maxRetries must be >= 1, got %d", c.Routing.MaxRetries)
	}
	if c.Routing.BreakerThreshold < 1 {
		return fmt.Errorf("config: routing.breakerThreshold must be >= 1, got %d", c.Routing.BreakerThreshold)
	}
	if c.Routing.BreakerReset <= 0 {
		return fmt.Errorf("config: routing.breakerResetSeconds must be positive")
	}
	if c.Routing.HealthTTL <= 0 {
		return fmt.Errorf("config: routing.healthTtlSeconds must be positive")
	}

	if c.Thresholds.CacheTTL < 60*time.Second || c.Thresholds.CacheTTL > 3600*time.Second {
		return fmt.Errorf("config: thresholds.cacheTtlSeconds must be within [60, 3600], got %d",
			int(c.Thresholds.CacheTTL.Seconds()))
	}
	if c.Thresholds.MaxCacheEntries < 1 {
		return fmt.Errorf("config: thresholds.maxCacheEntries must be >= 1, got %d", c.Thresholds.MaxCacheEntries)
	}
	if c.Thresholds.MaxCacheBytes < 0 {
		return fmt.Errorf("config: thresholds.maxCacheBytes must be >= 0")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path must not be empty")
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("config: store.retentionHours must be positive")
	}

	return nil
}

func validateBackend(d backend.Descriptor) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("config: backend %q: invalid kind %q", d.Name, d.Kind)
	}
	if d.CostPerToken < 0 {
		return fmt.Errorf("config: backend %q: costPerToken must be >= 0", d.Name)
	}
	if d.Kind.SelfHosted() && d.BaseURL == "" {
		return fmt.Errorf("config: backend %q: baseUrl is required for self-hosted backends", d.Name)
	}
	if d.Enabled && d.APIKeyRef == "" {
		// Self-hosted backends on a loopback address may omit the key.
		if !(d.Kind.SelfHosted() && isLoopback(d.BaseURL)) {
			return fmt.Errorf("config: backend %q: enabled backends require apiKeyRef "+
				"(self-hosted loopback backends excepted)", d.Name)
		}
	}
	return nil
}

func isLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
