package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/pool"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.List()
	counts := map[string]int{}
	for _, a := range accounts {
		counts[string(a.Status)]++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"accounts": map[string]any{
			"total":   len(accounts),
			"byState": counts,
		},
		"recentLogs": tail(s.logHandler.Recent(), 20),
	})
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

type accountLimitView struct {
	ID          string                    `json:"id"`
	Email       string                    `json:"email"`
	Status      pool.Status               `json:"status"`
	HealthScore int                       `json:"healthScore"`
	RateLimits  map[string]rateLimitEntry `json:"rateLimits,omitempty"`
}

type rateLimitEntry struct {
	RateLimited     bool       `json:"rateLimited"`
	ResetAt         *time.Time `json:"resetAt,omitempty"`
	ConsecutiveHits int        `json:"consecutiveHits,omitempty"`
	LastRateLimitAt *time.Time `json:"lastRateLimitAt,omitempty"`
}

// handleAccountLimits surfaces the per-account, per-model rate-limit
// snapshot the selector consults. includeHistory=true additionally
// reports hit counts and the last-limited timestamp for accounts whose
// limit has already expired; omitted, only currently-active limits are
// shown.
func (s *Server) handleAccountLimits(w http.ResponseWriter, r *http.Request) {
	includeHistory := r.URL.Query().Get("includeHistory") == "true"
	now := time.Now()

	views := make([]accountLimitView, 0, len(s.pool.List()))
	for _, a := range s.pool.List() {
		v := accountLimitView{
			ID:          a.ID,
			Email:       a.Email,
			Status:      a.Status,
			HealthScore: a.HealthScore,
		}
		if len(a.RateLimits) > 0 {
			v.RateLimits = make(map[string]rateLimitEntry, len(a.RateLimits))
			for model, st := range a.RateLimits {
				active := st.RateLimited && now.Before(st.ResetAt)
				if !active && !includeHistory {
					continue
				}
				entry := rateLimitEntry{RateLimited: active}
				if active {
					resetAt := st.ResetAt
					entry.ResetAt = &resetAt
				}
				if includeHistory {
					entry.ConsecutiveHits = st.ConsecutiveHits
					if !st.LastRateLimitAt.IsZero() {
						last := st.LastRateLimitAt
						entry.LastRateLimitAt = &last
					}
				}
				v.RateLimits[model] = entry
			}
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"accounts": views})
}
