package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrInvalidGrant marks a refresh token the OAuth endpoint has
// permanently rejected; the owning account should be flagged invalid
// rather than retried.
var ErrInvalidGrant = errors.New("credential: refresh token revoked (invalid_grant)")

type Source string

const (
	SourceOAuth    Source = "oauth"
	SourceManual   Source = "manual"
	SourceDatabase Source = "database"
)

// Record is the persisted credential state for one account. The
// refresh token is stored encrypted at rest (see Crypto); AccessToken
// is kept only in memory and re-derived on demand.
type Record struct {
	Source          Source    `json:"source"`
	AccessToken     string    `json:"-"`
	RefreshTokenEnc string    `json:"refreshTokenEnc"`
	ExpiresAt       time.Time `json:"-"`
}

// TokenSet is one successful token-endpoint exchange. RefreshToken is
// only present on the initial authorization-code grant; refresh grants
// reuse the one already held.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager exchanges/refreshes OAuth tokens and single-flights concurrent
// refreshes for the same account so a burst of requests against one
// expired credential doesn't hammer the token endpoint.
type Manager struct {
	crypto       *Crypto
	clientID     string
	clientSecret string
	refreshAdv   time.Duration
	httpClient   *http.Client
	tokenURL     string
	group        singleflight.Group
}

func NewManager(crypto *Crypto, clientID, clientSecret string, refreshAdvance time.Duration, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		crypto:       crypto,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshAdv:   refreshAdvance,
		httpClient:   httpClient,
		tokenURL:     oauthTokenURL,
	}
}

// ExchangeCode trades an authorization code for tokens using the PKCE
// verifier from the matching session.
func (m *Manager) ExchangeCode(ctx context.Context, code string, sess PKCESession, callbackPort int) (TokenSet, error) {
	redirectURI := fmt.Sprintf("http://localhost:%d/oauth/callback", callbackPort)
	form := url.Values{
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
		"code":          {code},
		"code_verifier": {sess.CodeVerifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
	}
	return m.requestTokens(ctx, form)
}

func (m *Manager) requestTokens(ctx context.Context, form url.Values) (TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "relaygate/1.0 (oauth)")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("oauth token request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Error        string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenSet{}, fmt.Errorf("oauth token response: %w", err)
	}
	if body.Error == "invalid_grant" {
		return TokenSet{}, ErrInvalidGrant
	}
	if resp.StatusCode != http.StatusOK || body.Error != "" {
		return TokenSet{}, fmt.Errorf("oauth token error: status=%d %s", resp.StatusCode, body.Error)
	}

	return TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// EnsureValid returns a usable access token for the account keyed by
// acctID, refreshing it first if it's within refreshAdv of expiry.
// secret is the already-decrypted stored secret: an OAuth refresh token
// for the oauth/database sources, or the static key itself for manual
// accounts (which never refresh).
func (m *Manager) EnsureValid(ctx context.Context, acctID string, rec Record, secret string) (string, time.Time, error) {
	if rec.Source == SourceManual {
		return secret, time.Now().Add(24 * time.Hour), nil
	}
	if rec.AccessToken != "" && time.Until(rec.ExpiresAt) > m.refreshAdv {
		return rec.AccessToken, rec.ExpiresAt, nil
	}
	return m.refresh(ctx, acctID, secret)
}

func (m *Manager) ForceRefresh(ctx context.Context, acctID, refreshToken string) (string, time.Time, error) {
	return m.refresh(ctx, acctID, refreshToken)
}

func (m *Manager) refresh(ctx context.Context, acctID, refreshToken string) (string, time.Time, error) {
	v, err, _ := m.group.Do(acctID, func() (any, error) {
		form := url.Values{
			"client_id":     {m.clientID},
			"client_secret": {m.clientSecret},
			"refresh_token": {refreshToken},
			"grant_type":    {"refresh_token"},
		}
		return m.requestTokens(ctx, form)
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh account %s: %w", acctID, err)
	}
	ts := v.(TokenSet)
	return ts.AccessToken, ts.ExpiresAt, nil
}
