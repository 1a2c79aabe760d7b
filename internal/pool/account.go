// Package pool owns the in-process, mutex-guarded account pool: which
// accounts exist, their per-model rate-limit state, and which one a
// given request should use.
package pool

import (
	"time"

	"github.com/relaygate/relaygate/internal/credential"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

type ProxyConfig struct {
	Type     string `json:"type"` // "socks5" | "http"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ModelRateLimitState tracks rate-limit state for one (account, model)
// pair so limits on one model never block requests for another.
type ModelRateLimitState struct {
	RateLimited     bool      `json:"rateLimited"`
	ResetAt         time.Time `json:"resetAt,omitempty"`
	LastRateLimitAt time.Time `json:"lastRateLimitAt,omitempty"`
	ConsecutiveHits int       `json:"consecutiveHits,omitempty"`
}

// Account is one credential in the pool, plus its scheduling state.
type Account struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Status Status `json:"status"`

	Credential credential.Record `json:"credential"`

	// ProjectID pins the upstream Cloud Code project for this account.
	// Empty means "discover via loadCodeAssist on first use".
	ProjectID string `json:"projectId,omitempty"`

	Proxy *ProxyConfig `json:"proxy,omitempty"`

	Priority     int        `json:"priority"`
	Schedulable  bool       `json:"schedulable"`
	AddedAt      time.Time  `json:"addedAt,omitempty"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	OverloadedUntil *time.Time `json:"overloadedUntil,omitempty"`

	RateLimits map[string]ModelRateLimitState `json:"rateLimits,omitempty"`

	// Hybrid-strategy state
	HealthScore     int       `json:"healthScore"`
	HealthUpdatedAt time.Time `json:"healthUpdatedAt,omitempty"`
	BucketTokens    float64   `json:"bucketTokens"`
	BucketFillAt    time.Time `json:"bucketFillAt,omitempty"`
}

func (a *Account) rateLimitFor(model string) ModelRateLimitState {
	if a.RateLimits == nil {
		return ModelRateLimitState{}
	}
	return a.RateLimits[model]
}

func (a *Account) setRateLimit(model string, st ModelRateLimitState) {
	if a.RateLimits == nil {
		a.RateLimits = make(map[string]ModelRateLimitState)
	}
	a.RateLimits[model] = st
}

func (a *Account) isModelRateLimited(model string, now time.Time) bool {
	st := a.rateLimitFor(model)
	if !st.RateLimited {
		return false
	}
	if now.After(st.ResetAt) {
		return false
	}
	return true
}
