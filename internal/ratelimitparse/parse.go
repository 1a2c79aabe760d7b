// Package ratelimitparse extracts a reset duration from the
// heterogeneous signals upstream rate-limit responses use: headers
// (retry-after, x-ratelimit-reset[-after]) and body text (retryDelay,
// decimal seconds, milliseconds, "HhMmSs" durations, ISO-8601
// timestamps).
package ratelimitparse

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FromHeaders inspects standard and vendor rate-limit headers and
// returns how long to wait before retrying, if determinable. A parsed
// value of zero or less counts as no signal: the caller falls back to
// its configured default cooldown instead of retrying immediately.
func FromHeaders(h http.Header, now time.Time) (time.Duration, bool) {
	if v := h.Get("retry-after"); v != "" {
		if d, ok := parseRetryAfter(v, now); ok {
			return positive(d)
		}
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if d, ok := parseEpochOrDuration(v, now); ok {
			return positive(d)
		}
	}
	if v := h.Get("x-ratelimit-reset-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return positive(time.Duration(secs * float64(time.Second)))
		}
	}
	return 0, false
}

// parseRetryAfter handles both the seconds form ("120") and the
// HTTP-date form ("Wed, 21 Oct 2026 07:28:00 GMT").
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now), true
	}
	return 0, false
}

func parseEpochOrDuration(v string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		// Heuristic: values below ~10 years-in-seconds are treated as a
		// relative duration, larger values as a unix epoch.
		if secs < 315360000 {
			return time.Duration(secs) * time.Second, true
		}
		return time.Unix(secs, 0).Sub(now), true
	}
	return 0, false
}

var (
	reRetryDelay    = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)
	reRetryAfterMs  = regexp.MustCompile(`"retry-after-ms"\s*:\s*(\d+)`)
	reDecimalSecond = regexp.MustCompile(`(?:retry(?:ing)?|try again) (?:in|after)\s+(\d+(?:\.\d+)?)\s*(?:s|sec|seconds)\b`)
	reMilliseconds  = regexp.MustCompile(`(\d+)\s*ms\b`)
	reHumanDuration = regexp.MustCompile(`(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?`)
	reISO8601       = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))\b`)
)

// FromBody scans an upstream error body's text for a reset signal.
// Tried in order: structured retryDelay/retry-after-ms fields, a
// decimal-seconds phrase, a bare millisecond count, an "HhMmSs" style
// human duration, and finally an ISO-8601 timestamp.
func FromBody(body string, now time.Time) (time.Duration, bool) {
	if m := reRetryDelay.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return positive(time.Duration(secs * float64(time.Second)))
		}
	}
	if m := reRetryAfterMs.FindStringSubmatch(body); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return positive(time.Duration(ms) * time.Millisecond)
		}
	}
	if m := reDecimalSecond.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return positive(time.Duration(secs * float64(time.Second)))
		}
	}
	if m := reMilliseconds.FindStringSubmatch(body); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return positive(time.Duration(ms) * time.Millisecond)
		}
	}
	if d, ok := humanDuration(body); ok {
		return positive(d)
	}
	if m := reISO8601.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return positive(t.Sub(now))
		}
	}
	return 0, false
}

// humanDuration matches things like "2h30m", "45m", "90s" standing
// alone as a token, rejecting the empty match the all-optional regex
// produces against unrelated text. Tokens are trimmed of surrounding
// JSON/prose punctuation first so `"1h23m45s"` still matches.
func humanDuration(body string) (time.Duration, bool) {
	for _, tok := range strings.Fields(body) {
		tok = strings.Trim(tok, "\"'`,;:.!?()[]{}")
		m := reHumanDuration.FindStringSubmatch(tok)
		if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
			continue
		}
		var total time.Duration
		if m[1] != "" {
			h, _ := strconv.Atoi(m[1])
			total += time.Duration(h) * time.Hour
		}
		if m[2] != "" {
			mi, _ := strconv.Atoi(m[2])
			total += time.Duration(mi) * time.Minute
		}
		if m[3] != "" {
			s, _ := strconv.ParseFloat(m[3], 64)
			total += time.Duration(s * float64(time.Second))
		}
		if total > 0 {
			return total, true
		}
	}
	return 0, false
}

func positive(d time.Duration) (time.Duration, bool) {
	if d <= 0 {
		return 0, false
	}
	return d, true
}
