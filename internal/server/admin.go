package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/relayerr"
)

// handleRefreshToken forces a refresh of one account's OAuth token,
// bypassing the normal near-expiry check — useful after an operator
// manually revokes or rotates credentials upstream.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID string `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountID == "" {
		relayerr.New(relayerr.BadRequest, "accountId is required").WriteJSON(w)
		return
	}

	acct, ok := s.pool.Get(body.AccountID)
	if !ok {
		relayerr.New(relayerr.BadRequest, "unknown account %q", body.AccountID).WriteJSON(w)
		return
	}

	refreshToken, err := s.crypto.Decrypt(acct.Credential.RefreshTokenEnc, acct.ID)
	if err != nil {
		relayerr.New(relayerr.Transient, "decrypt refresh token: %v", err).WriteJSON(w)
		return
	}

	token, expiresAt, err := s.tokens.ForceRefresh(r.Context(), acct.ID, refreshToken)
	if err != nil {
		relayerr.New(relayerr.AuthInvalid, "refresh failed: %v", err).WriteJSON(w)
		return
	}

	_ = s.pool.Update(acct.ID, func(a *pool.Account) {
		a.Credential.AccessToken = token
		a.Credential.ExpiresAt = expiresAt
		a.Status = pool.StatusActive
		a.ErrorMessage = ""
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"accountId": acct.ID, "expiresAt": expiresAt})
}

// handleAccountsReload discards the in-memory pool and reloads it from
// disk, picking up accounts an operator added or edited out-of-band
// while the server was running.
func (s *Server) handleAccountsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Load(); err != nil {
		relayerr.New(relayerr.Transient, "reload pool: %v", err).WriteJSON(w)
		return
	}
	slog.Info("pool reloaded from disk", "accounts", len(s.pool.List()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"accounts": len(s.pool.List())})
}
