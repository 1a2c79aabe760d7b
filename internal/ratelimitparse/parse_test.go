package ratelimitparse

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestFromHeaders(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		h    http.Header
		want time.Duration
	}{
		{"retry-after seconds", http.Header{"Retry-After": {"30"}}, 30 * time.Second},
		{"reset-after float seconds", http.Header{"X-Ratelimit-Reset-After": {"2.5"}}, 2500 * time.Millisecond},
		{"reset epoch", http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Add(10*time.Second).Unix(), 10)}}, 10 * time.Second},
		{"reset epoch wins over reset-after", http.Header{
			"X-Ratelimit-Reset":       {strconv.FormatInt(now.Add(10*time.Second).Unix(), 10)},
			"X-Ratelimit-Reset-After": {"99"},
		}, 10 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := FromHeaders(c.h, now)
			if !ok {
				t.Fatalf("expected a duration, got none")
			}
			if diff := got - c.want; diff > time.Second || diff < -time.Second {
				t.Fatalf("got %v want ~%v", got, c.want)
			}
		})
	}
}

func TestFromBody(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		body string
		want time.Duration
	}{
		{"retryDelay field", `{"error":{"retryDelay":"12s"}}`, 12 * time.Second},
		{"retryDelay fractional seconds", `{"error":{"retryDelay":"7.5s"}}`, 7500 * time.Millisecond},
		{"quoted human duration", `quota resets in "1h23m45s"`, time.Hour + 23*time.Minute + 45*time.Second},
		{"retry-after-ms field", `{"retry-after-ms": 4500}`, 4500 * time.Millisecond},
		{"decimal seconds phrase", "please try again in 7 seconds", 7 * time.Second},
		{"human duration", "cooldown 1h30m", time.Hour + 30*time.Minute},
		{"bare milliseconds", "wait 250ms and retry", 250 * time.Millisecond},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := FromBody(c.body, now)
			if !ok {
				t.Fatalf("expected a duration, got none")
			}
			if got != c.want {
				t.Fatalf("got %v want %v", got, c.want)
			}
		})
	}
}

func TestFromBodyNoSignal(t *testing.T) {
	if _, ok := FromBody("completely unrelated text", time.Now()); ok {
		t.Fatalf("expected no signal")
	}
}

func TestZeroRetryAfterIsNoSignal(t *testing.T) {
	if _, ok := FromHeaders(http.Header{"Retry-After": {"0"}}, time.Now()); ok {
		t.Fatalf("retry-after: 0 should be treated as no signal")
	}
}

func TestPastResetEpochIsNoSignal(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h := http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)}}
	if _, ok := FromHeaders(h, now); ok {
		t.Fatalf("a reset time in the past should be treated as no signal")
	}
}
