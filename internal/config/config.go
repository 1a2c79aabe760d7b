// Package config loads relaygate's runtime configuration from the
// environment, the same envOr/envInt/envDuration shape used throughout
// this codebase's ancestor projects.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the server, the account pool, and the
// upstream Cloud Code client.
type Config struct {
	// Server
	Host string
	Port int

	// Security
	EncryptionKey string
	StaticToken   string

	// Pool persistence
	PoolPath string

	// Upstream endpoints, tried in order per call kind.
	GenerateEndpoints     []string // streamGenerateContent / generateContent
	ProjectSetupEndpoints []string // loadCodeAssist / onboardUser
	DefaultProjectID      string

	// OAuth
	OAuthClientID     string
	OAuthClientSecret string
	OAuthCallbackPort int
	OAuthScopes       []string

	// Database-scraped credential source
	ScrapeDBPath string

	// Selection strategy
	SelectionStrategy string // sticky | round-robin | hybrid
	StickySessionTTL  time.Duration
	HealthInitial     int
	HealthSuccess     int
	HealthRateLimit   int
	HealthFailure     int
	HealthRecoveryHr  int
	HealthMinUsable   int
	HealthMax         int
	BucketMaxTokens   int
	BucketPerMinute   int

	// Rate limiting
	DefaultCooldown           time.Duration
	RateLimitDedupWindow      time.Duration
	RateLimitExtendedCooldown time.Duration
	MaxConsecutiveFailures    int
	MaxWaitBeforeErrorMs      int

	// Retry / backoff
	MaxRetryAccounts       int
	MaxCapacityRetries     int
	CapacityBackoffTiersMs []int
	MaxEmptyResponseRetries int

	// Signature cache
	SignatureCacheSize int

	// Model fallback, e.g. "gemini-2.5-pro=claude-opus-4"; empty disables it.
	ModelFallback map[string]string

	// Request
	RequestTimeout      time.Duration
	TokenRefreshAdvance time.Duration
	MaxRequestBodyMB    int
	MaxCacheControls    int

	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8787),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),

		PoolPath: envOr("POOL_PATH", defaultPoolPath()),

		GenerateEndpoints: envList("GENERATE_ENDPOINTS",
			"https://daily-cloudcode-pa.googleapis.com",
			"https://cloudcode-pa.googleapis.com"),
		ProjectSetupEndpoints: envList("PROJECT_SETUP_ENDPOINTS",
			"https://cloudcode-pa.googleapis.com",
			"https://daily-cloudcode-pa.googleapis.com"),
		DefaultProjectID: envOr("DEFAULT_PROJECT_ID", "rising-fact-p41fc"),

		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthCallbackPort: envInt("OAUTH_CALLBACK_PORT", 51121),
		OAuthScopes: envList("OAUTH_SCOPES",
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile"),

		ScrapeDBPath: os.Getenv("SCRAPE_DB_PATH"),

		SelectionStrategy: envOr("SELECTION_STRATEGY", "hybrid"),
		StickySessionTTL:  envDurationSeconds("STICKY_SESSION_TTL_SECONDS", 24*time.Hour),
		HealthInitial:     envInt("HEALTH_INITIAL", 100),
		HealthSuccess:     envInt("HEALTH_SUCCESS_REWARD", 1),
		HealthRateLimit:   envInt("HEALTH_RATE_LIMIT_PENALTY", 10),
		HealthFailure:     envInt("HEALTH_FAILURE_PENALTY", 20),
		HealthRecoveryHr:  envInt("HEALTH_RECOVERY_PER_HOUR", 2),
		HealthMinUsable:   envInt("HEALTH_MIN_USABLE", 10),
		HealthMax:         envInt("HEALTH_MAX_SCORE", 100),
		BucketMaxTokens:   envInt("BUCKET_MAX_TOKENS", 60),
		BucketPerMinute:   envInt("BUCKET_TOKENS_PER_MINUTE", 60),

		DefaultCooldown:           envDurationSeconds("DEFAULT_COOLDOWN_SECONDS", 60*time.Second),
		RateLimitDedupWindow:      envDurationSeconds("RATE_LIMIT_DEDUP_WINDOW_SECONDS", 5*time.Second),
		RateLimitExtendedCooldown: envDurationSeconds("RATE_LIMIT_EXTENDED_COOLDOWN_SECONDS", 60*time.Second),
		MaxConsecutiveFailures:    envInt("MAX_CONSECUTIVE_FAILURES", 3),
		MaxWaitBeforeErrorMs:      envInt("MAX_WAIT_BEFORE_ERROR_MS", 120000),

		MaxRetryAccounts:        envInt("MAX_RETRY_ACCOUNTS", 3),
		MaxCapacityRetries:      envInt("MAX_CAPACITY_RETRIES", 5),
		CapacityBackoffTiersMs:  envIntList("CAPACITY_BACKOFF_TIERS_MS", 5000, 10000, 20000, 30000, 60000),
		MaxEmptyResponseRetries: envInt("MAX_EMPTY_RESPONSE_RETRIES", 2),

		SignatureCacheSize: envInt("SIGNATURE_CACHE_SIZE", 2000),

		ModelFallback: envMap("MODEL_FALLBACK"),

		RequestTimeout:      envDurationSeconds("REQUEST_TIMEOUT_SECONDS", 10*time.Minute),
		TokenRefreshAdvance: envDurationSeconds("TOKEN_REFRESH_ADVANCE_SECONDS", 60*time.Second),
		MaxRequestBodyMB:    envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxCacheControls:    envInt("MAX_CACHE_CONTROLS", 4),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_TOKEN")
	}
	switch c.SelectionStrategy {
	case "sticky", "round-robin", "hybrid":
	default:
		return fmt.Errorf("invalid SELECTION_STRATEGY %q", c.SelectionStrategy)
	}
	if c.MaxRetryAccounts < 0 || c.MaxRetryAccounts > 20 {
		return fmt.Errorf("MAX_RETRY_ACCOUNTS out of range [0, 20]: %d", c.MaxRetryAccounts)
	}
	if c.MaxConsecutiveFailures < 1 || c.MaxConsecutiveFailures > 10 {
		return fmt.Errorf("MAX_CONSECUTIVE_FAILURES out of range [1, 10]: %d", c.MaxConsecutiveFailures)
	}
	durations := []struct {
		name     string
		val      time.Duration
		min, max time.Duration
	}{
		{"DEFAULT_COOLDOWN_SECONDS", c.DefaultCooldown, 0, 10 * time.Minute},
		{"MAX_WAIT_BEFORE_ERROR_MS", time.Duration(c.MaxWaitBeforeErrorMs) * time.Millisecond, time.Minute, 30 * time.Minute},
		{"RATE_LIMIT_DEDUP_WINDOW_SECONDS", c.RateLimitDedupWindow, time.Second, 30 * time.Second},
		{"RATE_LIMIT_EXTENDED_COOLDOWN_SECONDS", c.RateLimitExtendedCooldown, 10 * time.Second, 5 * time.Minute},
	}
	for _, d := range durations {
		if d.val < d.min || d.val > d.max {
			return fmt.Errorf("%s out of range [%v, %v]: %v", d.name, d.min, d.max, d.val)
		}
	}
	return nil
}

func defaultPoolPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return dir + "/relaygate/pool.json"
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envList(key string, fallback ...string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envIntList(key string, fallback ...int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}

// envMap parses "a=1,b=2" into a map. Used for the optional model
// fallback table; absent or malformed entries are simply skipped.
func envMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
