package pool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/credential"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	p := New(path)
	p.Put(&Account{
		ID:     "a",
		Email:  "a@example.com",
		Status: StatusActive,
		Credential: credential.Record{
			Source:          credential.SourceOAuth,
			RefreshTokenEnc: "enc:a",
		},
		RateLimits: map[string]ModelRateLimitState{
			"gemini-2.5-pro": {RateLimited: true, ResetAt: time.Now().Add(time.Minute)},
		},
	})

	if err := p.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	acct, ok := reloaded.Get("a")
	if !ok {
		t.Fatal("account a missing after reload")
	}
	if acct.Email != "a@example.com" {
		t.Fatalf("email not preserved, got %q", acct.Email)
	}
	if !acct.RateLimits["gemini-2.5-pro"].RateLimited {
		t.Fatal("rate limit state not preserved")
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err := p.Load(); err != nil {
		t.Fatalf("missing pool file should not error, got %v", err)
	}
	if len(p.List()) != 0 {
		t.Fatalf("expected empty pool, got %d accounts", len(p.List()))
	}
}

func TestClearExpiredLimitsDropsPastResets(t *testing.T) {
	p := New("/tmp/does-not-matter-clear.json")
	p.Put(testAccount("a", 100))

	now := time.Now()
	p.MarkRateLimited("a", "gemini-2.5-pro", 10*time.Second, RateLimitPolicy{DedupWindow: 5 * time.Second, ExtendedCooldown: 60 * time.Second, MaxConsecutiveHits: 3}, now)

	p.ClearExpiredLimits(now.Add(20 * time.Second))
	acct, _ := p.Get("a")
	if acct.RateLimits["gemini-2.5-pro"].RateLimited {
		t.Fatal("rate limit should have cleared after reset time passed")
	}
	if acct.RateLimits["gemini-2.5-pro"].ConsecutiveHits != 0 {
		t.Fatal("consecutive hits should reset once the limit clears")
	}
}

func TestRecoverHealthDriftsUpAndClamps(t *testing.T) {
	p := New("/tmp/does-not-matter-recover.json")
	a := testAccount("a", 40)
	a.HealthUpdatedAt = time.Now().Add(-3 * time.Hour)
	p.Put(a)

	p.RecoverHealth(2, 100, time.Now())
	acct, _ := p.Get("a")
	if acct.HealthScore != 46 {
		t.Fatalf("expected 40 + 3h*2/h = 46, got %d", acct.HealthScore)
	}

	acct.HealthScore = 99
	acct.HealthUpdatedAt = time.Now().Add(-10 * time.Hour)
	p.RecoverHealth(2, 100, time.Now())
	acct, _ = p.Get("a")
	if acct.HealthScore != 100 {
		t.Fatalf("expected clamp to 100, got %d", acct.HealthScore)
	}
}

func TestRecoverHealthLeavesUnscoredAccountsAlone(t *testing.T) {
	p := New("/tmp/does-not-matter-recover2.json")
	p.Put(testAccount("a", 0))

	p.RecoverHealth(2, 100, time.Now())
	acct, _ := p.Get("a")
	if acct.HealthScore != 0 {
		t.Fatalf("unscored account should stay at the unset marker, got %d", acct.HealthScore)
	}
}

func TestMarkRateLimitedEscalatesToExtendedCooldown(t *testing.T) {
	p := New("/tmp/does-not-matter-escalate.json")
	p.Put(testAccount("a", 100))

	now := time.Now()
	// Three hits, each outside the dedup window, should escalate past
	// the third to the extended cooldown rather than the short reset.
	p.MarkRateLimited("a", "gemini-2.5-pro", 10*time.Second, RateLimitPolicy{DedupWindow: time.Second, ExtendedCooldown: 5 * time.Minute, MaxConsecutiveHits: 3}, now)
	now = now.Add(2 * time.Second)
	p.MarkRateLimited("a", "gemini-2.5-pro", 10*time.Second, RateLimitPolicy{DedupWindow: time.Second, ExtendedCooldown: 5 * time.Minute, MaxConsecutiveHits: 3}, now)
	now = now.Add(2 * time.Second)
	p.MarkRateLimited("a", "gemini-2.5-pro", 10*time.Second, RateLimitPolicy{DedupWindow: time.Second, ExtendedCooldown: 5 * time.Minute, MaxConsecutiveHits: 3}, now)

	acct, _ := p.Get("a")
	st := acct.RateLimits["gemini-2.5-pro"]
	if st.ConsecutiveHits < 3 {
		t.Fatalf("expected 3 consecutive hits, got %d", st.ConsecutiveHits)
	}
	if st.ResetAt.Sub(now) < 4*time.Minute {
		t.Fatalf("expected extended cooldown to dominate, reset in %s", st.ResetAt.Sub(now))
	}
}
