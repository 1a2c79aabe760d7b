package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/credential"
	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/relayerr"
)

// handleOAuthStart opens a PKCE authorization: it returns the consent
// URL for the operator to visit and remembers the verifier keyed by
// state until the code comes back (captured callback or manual paste).
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, sess, err := credential.GenerateAuthURL(s.cfg.OAuthClientID, s.cfg.OAuthCallbackPort, s.cfg.OAuthScopes)
	if err != nil {
		relayerr.New(relayerr.Transient, "generate auth url: %v", err).WriteJSON(w)
		return
	}
	s.startCallbackListener()

	s.oauthMu.Lock()
	s.oauthSessions[sess.State] = sess
	s.oauthMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"authUrl": authURL, "state": sess.State})
}

// startCallbackListener lazily binds the local OAuth redirect port so
// authorizations complete automatically when the browser is on the
// same host. Manual paste (handleOAuthComplete) stays available for
// headless deployments where the redirect never reaches this process.
func (s *Server) startCallbackListener() {
	s.callbackOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /oauth/callback", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if errMsg := q.Get("error"); errMsg != "" {
				http.Error(w, "authorization denied: "+errMsg, http.StatusBadRequest)
				return
			}
			code, state := q.Get("code"), q.Get("state")
			acct, err := s.completeAuthorization(r.Context(), code, state, "")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("Account " + acct.Email + " added. You can close this tab.\n"))
		})

		addr := fmt.Sprintf("localhost:%d", s.cfg.OAuthCallbackPort)
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Warn("oauth callback listener unavailable, use manual paste", "addr", addr, "error", err)
			}
		}()
	})
}

// completeAuthorization redeems a code against its pending PKCE session
// and registers the resulting account. Shared by the captured-callback
// and manual-paste completion paths.
func (s *Server) completeAuthorization(ctx context.Context, code, state, email string) (*pool.Account, error) {
	if code == "" {
		return nil, errors.New("authorization code missing")
	}
	s.oauthMu.Lock()
	sess, ok := s.oauthSessions[state]
	if ok {
		delete(s.oauthSessions, state)
	}
	s.oauthMu.Unlock()
	if !ok {
		return nil, errors.New("no pending authorization for this state")
	}

	tokens, err := s.tokens.ExchangeCode(ctx, code, sess, s.cfg.OAuthCallbackPort)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	if tokens.RefreshToken == "" {
		return nil, errors.New("authorization returned no refresh token")
	}

	acct, err := s.addAccount(email, credential.SourceOAuth, tokens.RefreshToken, "")
	if err != nil {
		return nil, err
	}
	acct.Credential.AccessToken = tokens.AccessToken
	acct.Credential.ExpiresAt = tokens.ExpiresAt
	return acct, nil
}

// handleOAuthComplete finishes an authorization from whatever the
// operator pasted: the full redirect URL, a fragment, or the bare code.
func (s *Server) handleOAuthComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pasted string `json:"pasted"`
		State  string `json:"state,omitempty"`
		Email  string `json:"email,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Pasted == "" {
		relayerr.New(relayerr.BadRequest, "pasted code or redirect URL is required").WriteJSON(w)
		return
	}

	extracted, err := credential.ExtractCode(body.Pasted)
	if err != nil {
		relayerr.New(relayerr.BadRequest, "extract code: %v", err).WriteJSON(w)
		return
	}

	state := extracted.State
	if state == "" {
		state = body.State
	}
	acct, err := s.completeAuthorization(r.Context(), extracted.Code, state, body.Email)
	if err != nil {
		relayerr.New(relayerr.AuthInvalid, "%v", err).WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"accountId": acct.ID, "email": acct.Email})
}

// handleAccountAdd imports a credential directly: a manual static key
// or an out-of-band refresh token.
func (s *Server) handleAccountAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		Source    string `json:"source"` // "manual" | "oauth"
		Secret    string `json:"secret"`
		ProjectID string `json:"projectId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Secret == "" {
		relayerr.New(relayerr.BadRequest, "secret is required").WriteJSON(w)
		return
	}

	source := credential.Source(body.Source)
	switch source {
	case credential.SourceManual, credential.SourceOAuth:
	default:
		relayerr.New(relayerr.BadRequest, "source must be manual or oauth").WriteJSON(w)
		return
	}

	acct, err := s.addAccount(body.Email, source, body.Secret, body.ProjectID)
	if err != nil {
		relayerr.New(relayerr.Transient, "add account: %v", err).WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"accountId": acct.ID, "email": acct.Email})
}

// handleAccountsImportScraped pulls credentials out of a local IDE
// state database and adds any that aren't already in the pool.
func (s *Server) handleAccountsImportScraped(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	path := body.Path
	if path == "" {
		path = s.cfg.ScrapeDBPath
	}
	if path == "" {
		relayerr.New(relayerr.BadRequest, "no scrape database path configured").WriteJSON(w)
		return
	}

	scraped, err := credential.ScrapeDatabase(path)
	if err != nil {
		relayerr.New(relayerr.Transient, "scrape database: %v", err).WriteJSON(w)
		return
	}

	existing := make(map[string]bool)
	for _, a := range s.pool.List() {
		existing[a.Email] = true
	}

	added := 0
	for _, sc := range scraped {
		if sc.Email != "" && existing[sc.Email] {
			continue
		}
		if _, err := s.addAccount(sc.Email, credential.SourceDatabase, sc.RefreshToken, ""); err != nil {
			slog.Warn("scraped account import failed", "email", sc.Email, "error", err)
			continue
		}
		added++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"found": len(scraped), "added": added})
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.pool.Get(id); !ok {
		relayerr.New(relayerr.BadRequest, "unknown account %q", id).WriteJSON(w)
		return
	}
	s.pool.Delete(id)
	if err := s.pool.Save(); err != nil {
		slog.Error("pool persist failed after delete", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"deleted": id})
}

// addAccount encrypts the secret, registers the account, and persists
// the pool. An empty email gets a placeholder id-derived one so the
// unique key stays usable for dedup.
func (s *Server) addAccount(email string, source credential.Source, secret, projectID string) (*pool.Account, error) {
	id := uuid.New().String()
	if email == "" {
		email = "account-" + id[:8] + "@unknown.local"
	}

	enc, err := s.crypto.Encrypt(secret, id)
	if err != nil {
		return nil, err
	}

	acct := &pool.Account{
		ID:     id,
		Email:  email,
		Status: pool.StatusActive,
		Credential: credential.Record{
			Source:          source,
			RefreshTokenEnc: enc,
		},
		ProjectID:   projectID,
		Schedulable: true,
		AddedAt:     time.Now(),
	}
	s.pool.Put(acct)
	if err := s.pool.Save(); err != nil {
		return nil, err
	}
	slog.Info("account added", "accountId", id, "email", email, "source", source)
	return acct, nil
}
