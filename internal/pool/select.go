package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNoAvailableAccounts = errors.New("pool: no available accounts")

type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyHybrid     Strategy = "hybrid"
)

// Weights controls the hybrid strategy's score blend.
type Weights struct {
	Health float64
	Tokens float64
	LRU    float64
}

// HealthConfig tunes per-account health scoring: +SuccessReward on
// success, -RateLimitPenalty / -FailurePenalty on failure classes,
// +RecoveryPerHour of passive drift, clamped to MaxScore. Accounts
// below MinUsable are skipped by the hybrid strategy even if nothing
// else excludes them.
type HealthConfig struct {
	Initial          int
	SuccessReward    int
	RateLimitPenalty int
	FailurePenalty   int
	RecoveryPerHour  int
	MinUsable        int
	MaxScore         int
}

type BucketConfig struct {
	MaxTokens       int
	TokensPerMinute int
}

// SelectOptions parameterizes one selection call.
type SelectOptions struct {
	Model       string
	SessionHash string // for sticky binding
	ExcludeIDs  []string
}

type selector struct {
	mu       sync.Mutex
	strategy Strategy
	sticky   *stickyBindings
	health   HealthConfig
	bucket   BucketConfig
	weights  Weights
}

// Selector picks an account for a request given a Strategy. It is kept
// separate from Pool so the pool itself stays a plain store and all
// scheduling policy lives in one place.
type Selector struct {
	s *selector
}

func NewSelector(strategy Strategy, stickyTTL time.Duration, health HealthConfig, bucket BucketConfig, weights Weights) *Selector {
	return &Selector{s: &selector{
		strategy: strategy,
		sticky:   newStickyBindings(stickyTTL),
		health:   health,
		bucket:   bucket,
		weights:  weights,
	}}
}

// Select picks the best available account for opts from the accounts
// currently in p. now is passed in rather than read from time.Now()
// internally so selection is deterministically testable.
func (sel *Selector) Select(p *Pool, opts SelectOptions, now time.Time) (*Account, error) {
	candidates := availableAccounts(p.List(), opts, now)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableAccounts
	}

	if opts.SessionHash != "" {
		if id, ok := sel.s.sticky.get(opts.SessionHash); ok {
			for _, a := range candidates {
				if a.ID == id {
					sel.s.sticky.set(opts.SessionHash, id, now)
					return a, nil
				}
			}
			// The sticky target is gone or unavailable: reset the
			// binding and fall through to normal selection.
			sel.s.sticky.delete(opts.SessionHash)
		}
	}

	var chosen *Account
	switch sel.s.strategy {
	case StrategyRoundRobin:
		chosen = sel.roundRobin(p, candidates)
	case StrategyHybrid:
		chosen = sel.hybrid(candidates, now)
	case StrategySticky:
		chosen = sel.lowestIndexed(candidates)
	default:
		chosen = sel.roundRobin(p, candidates)
	}

	if opts.SessionHash != "" && chosen != nil {
		sel.s.sticky.set(opts.SessionHash, chosen.ID, now)
	}
	if chosen != nil {
		sel.noteSelection(p, chosen.ID, now)
	}
	return chosen, nil
}

// noteSelection charges the chosen account for the pick: one token out
// of its bucket (refilled lazily from elapsed time first) and a fresh
// LastUsedAt for the LRU term.
func (sel *Selector) noteSelection(p *Pool, id string, now time.Time) {
	_ = p.Update(id, func(a *Account) {
		tokens := refillBucket(a, sel.s.bucket, now) - 1
		if tokens < 0 {
			tokens = 0
		}
		a.BucketTokens = tokens
		a.BucketFillAt = now
		used := now
		a.LastUsedAt = &used
	})
}

// Outcome is the request result class fed back into health scoring.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeFailure
)

// NoteOutcome applies the health delta for a finished request: a small
// reward on success, a heavy penalty on rate limit, a heavier one on
// other failures.
func (sel *Selector) NoteOutcome(p *Pool, id string, outcome Outcome, now time.Time) {
	delta := sel.s.health.SuccessReward
	switch outcome {
	case OutcomeRateLimited:
		delta = -sel.s.health.RateLimitPenalty
	case OutcomeFailure:
		delta = -sel.s.health.FailurePenalty
	}
	_ = p.Update(id, func(a *Account) {
		sel.ApplyHealthDelta(a, delta)
		a.HealthUpdatedAt = now
	})
}

func availableAccounts(all []*Account, opts SelectOptions, now time.Time) []*Account {
	excluded := make(map[string]bool, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = true
	}

	var out []*Account
	for _, a := range all {
		if excluded[a.ID] {
			continue
		}
		if a.Status != StatusActive || !a.Schedulable {
			continue
		}
		if a.OverloadedUntil != nil && now.Before(*a.OverloadedUntil) {
			continue
		}
		if opts.Model != "" && a.isModelRateLimited(opts.Model, now) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// orderAccounts sorts candidates into the pool's canonical order:
// operator-assigned priority first (higher wins), then ID for a stable
// tiebreak.
func orderAccounts(candidates []*Account) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
}

// lowestIndexed picks the first account in canonical order, used the
// first time a sticky session has no existing binding. Unlike
// roundRobin, it doesn't touch the pool's shared cursor: it must be
// deterministic given the same candidate set, not dependent on prior
// selection calls.
func (sel *Selector) lowestIndexed(candidates []*Account) *Account {
	orderAccounts(candidates)
	return candidates[0]
}

func (sel *Selector) roundRobin(p *Pool, candidates []*Account) *Account {
	orderAccounts(candidates)

	p.mu.Lock()
	idx := p.rrCursor % len(candidates)
	p.rrCursor++
	p.mu.Unlock()

	return candidates[idx]
}

// hybrid scores each candidate as healthScore*weight + bucketTokens*weight +
// minutesSinceLastUse*weight and picks the highest, skipping anything below
// MinUsable. Token-bucket refill is computed lazily from elapsed time
// rather than via a background ticker.
func (sel *Selector) hybrid(candidates []*Account, now time.Time) *Account {
	type scored struct {
		a     *Account
		score float64
	}
	var pool []scored

	for _, a := range candidates {
		health := a.HealthScore
		if health == 0 {
			health = sel.s.health.Initial
		}
		if health < sel.s.health.MinUsable {
			continue
		}

		tokens := refillBucket(a, sel.s.bucket, now)

		lruAge := 0.0
		if a.LastUsedAt != nil {
			lruAge = now.Sub(*a.LastUsedAt).Minutes()
		} else {
			lruAge = 1e6 // never used: maximally preferred
		}

		score := float64(health)*sel.s.weights.Health +
			tokens*sel.s.weights.Tokens +
			lruAge*sel.s.weights.LRU

		pool = append(pool, scored{a: a, score: score})
	}

	if len(pool) == 0 {
		// Every candidate is below MinUsable; fall back to the least
		// unhealthy one rather than failing outright.
		best := candidates[0]
		for _, a := range candidates[1:] {
			if a.HealthScore > best.HealthScore {
				best = a
			}
		}
		return best
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
	return pool[0].a
}

func refillBucket(a *Account, cfg BucketConfig, now time.Time) float64 {
	if a.BucketFillAt.IsZero() {
		return float64(cfg.MaxTokens)
	}
	elapsed := now.Sub(a.BucketFillAt).Minutes()
	refilled := a.BucketTokens + elapsed*float64(cfg.TokensPerMinute)
	if refilled > float64(cfg.MaxTokens) {
		refilled = float64(cfg.MaxTokens)
	}
	return refilled
}

// ApplyHealthDelta adjusts an account's health score after a request
// outcome, clamped to [1, MaxScore]. The floor is 1, not 0: a zero
// score is the "never scored" marker that reads as Initial, so a fully
// penalized account must not land back on it.
func (sel *Selector) ApplyHealthDelta(a *Account, delta int) {
	h := a.HealthScore
	if h == 0 {
		h = sel.s.health.Initial
	}
	h += delta
	if h < 1 {
		h = 1
	}
	if h > sel.s.health.MaxScore {
		h = sel.s.health.MaxScore
	}
	a.HealthScore = h
}

// ComputeSessionHash derives a sticky-session key from request content:
// an explicit session id wins, then the first user message's text. The
// system prompt is a last resort only, for requests that carry no user
// text at all — it must never displace the first message as the key
// basis, or two conversations with the same opening message would stop
// mapping to the same account.
func ComputeSessionHash(sessionID, systemPrompt, firstMessage string) string {
	switch {
	case sessionID != "":
		return hashStr("session:" + sessionID)
	case firstMessage != "":
		return hashStr("msg:" + truncate(firstMessage, 200))
	case systemPrompt != "":
		return hashStr("system:" + truncate(systemPrompt, 200))
	default:
		return ""
	}
}

func hashStr(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// stickyBindings is a small TTL map: sessionHash -> accountID.
type stickyBindings struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]stickyEntry
}

type stickyEntry struct {
	accountID string
	expiresAt time.Time
}

func newStickyBindings(ttl time.Duration) *stickyBindings {
	return &stickyBindings{ttl: ttl, entries: make(map[string]stickyEntry)}
}

func (b *stickyBindings) get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.accountID, true
}

func (b *stickyBindings) set(key, accountID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = stickyEntry{accountID: accountID, expiresAt: now.Add(b.ttl)}
}

func (b *stickyBindings) delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}
