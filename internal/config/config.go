// Package config handles YAML configuration loading with environment
// variable expansion and environment overrides for deploy-time tuning.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/gatewarden/warden/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Routes    []RouteEntry    `yaml:"routes"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds shared-store (Redis) settings.
type StoreConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig holds SQLite settings for the user registry.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	Secret      string        `yaml:"secret"`       // HMAC signing secret, required
	Algorithms  []string      `yaml:"algorithms"`   // permitted signing algorithms
	TokenTTL    time.Duration `yaml:"token_ttl"`    // access token lifetime
	ClockSkew   time.Duration `yaml:"clock_skew"`   // exp/nbf tolerance
	PublicPaths []string      `yaml:"public_paths"` // path prefixes that bypass auth
}

// RateLimitConfig holds both limiter algorithms' settings.
type RateLimitConfig struct {
	Requests      int     `yaml:"requests"`       // sliding window limit
	WindowSeconds int     `yaml:"window_seconds"` // sliding window size
	BucketCap     int     `yaml:"bucket_capacity"`
	BucketRefill  float64 `yaml:"bucket_refill_rate"` // tokens per second
}

// CircuitConfig holds circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"` // half-open successes to close
	ProbeBudget      int           `yaml:"probe_budget"`      // concurrent half-open probes
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RouteEntry is an upstream service definition in the config file.
type RouteEntry struct {
	Name           string        `yaml:"name"`
	Upstream       string        `yaml:"upstream"`
	Timeout        time.Duration `yaml:"timeout"`
	Public         bool          `yaml:"public"`
	RequiredScopes []string      `yaml:"required_scopes"`
}

// defaultRouteTimeout applies to route entries that omit one.
const defaultRouteTimeout = 10 * time.Second

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// defaults returns a Config populated with the documented defaults.
// Demo upstreams mirror a typical microservice deployment; real
// deployments override the routes section.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store:    StoreConfig{URL: "redis://localhost:6379"},
		Database: DatabaseConfig{DSN: "warden.db"},
		Auth: AuthConfig{
			Algorithms: []string{"HS256"},
			TokenTTL:   30 * time.Minute,
			ClockSkew:  5 * time.Second,
			PublicPaths: []string{
				"/health", "/metrics", "/api/auth/login", "/api/auth/register",
			},
		},
		RateLimit: RateLimitConfig{
			Requests:      100,
			WindowSeconds: 60,
			BucketCap:     50,
			BucketRefill:  10,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 3,
			ProbeBudget:      1,
		},
		Routes: []RouteEntry{
			{Name: "users", Upstream: "http://users-service:8001", Timeout: 10 * time.Second},
			{Name: "orders", Upstream: "http://orders-service:8002", Timeout: 10 * time.Second},
			{Name: "products", Upstream: "http://products-service:8003", Timeout: 10 * time.Second, Public: true},
			{Name: "payments", Upstream: "http://payments-service:8004", Timeout: 10 * time.Second},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying environment overrides. A missing file is not an error: the
// gateway can run entirely from environment configuration.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// env-only configuration
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the documented environment variables onto the config.
func (c *Config) applyEnv() {
	envStr("REDIS_URL", &c.Store.URL)
	envStr("JWT_SECRET", &c.Auth.Secret)
	envInt("RATE_LIMIT_REQUESTS", &c.RateLimit.Requests)
	envInt("RATE_LIMIT_WINDOW_SECONDS", &c.RateLimit.WindowSeconds)
	envInt("TOKEN_BUCKET_CAPACITY", &c.RateLimit.BucketCap)
	envFloat("TOKEN_BUCKET_REFILL_RATE", &c.RateLimit.BucketRefill)
	envInt("CIRCUIT_FAILURE_THRESHOLD", &c.Circuit.FailureThreshold)
	envSeconds("CIRCUIT_RECOVERY_TIMEOUT", &c.Circuit.RecoveryTimeout)
}

// Validate checks invariants that would make the gateway unsafe to start.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth secret is required (set JWT_SECRET)")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return errors.New("rate limit requests and window must be positive")
	}
	if c.RateLimit.BucketCap <= 0 || c.RateLimit.BucketRefill <= 0 {
		return errors.New("token bucket capacity and refill rate must be positive")
	}
	if c.Circuit.FailureThreshold <= 0 || c.Circuit.SuccessThreshold <= 0 {
		return errors.New("circuit thresholds must be positive")
	}
	if c.Circuit.ProbeBudget <= 0 {
		return errors.New("circuit probe budget must be positive")
	}
	names := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if r.Name == "" || r.Upstream == "" {
			return fmt.Errorf("route %q must have a name and upstream", r.Name)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate route %q", r.Name)
		}
		names[r.Name] = true
	}
	return nil
}

// ServiceRoutes converts the configured route entries to domain routes,
// filling in the default per-route timeout where omitted.
func (c *Config) ServiceRoutes() []gateway.ServiceRoute {
	out := make([]gateway.ServiceRoute, len(c.Routes))
	for i, r := range c.Routes {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = defaultRouteTimeout
		}
		out[i] = gateway.ServiceRoute{
			Name:           r.Name,
			Upstream:       r.Upstream,
			Timeout:        timeout,
			Public:         r.Public,
			RequiredScopes: r.RequiredScopes,
		}
	}
	return out
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
