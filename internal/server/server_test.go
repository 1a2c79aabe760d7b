package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/credential"
	"github.com/relaygate/relaygate/internal/obslog"
	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/signature"
	"github.com/relaygate/relaygate/internal/transport"
	"github.com/relaygate/relaygate/internal/upstream"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:                    "127.0.0.1",
		Port:                    0,
		EncryptionKey:           "test-key",
		StaticToken:             "test-token",
		PoolPath:                filepath.Join(t.TempDir(), "pool.json"),
		SelectionStrategy:       "hybrid",
		MaxRetryAccounts:        3,
		MaxCapacityRetries:      1,
		MaxEmptyResponseRetries: 1,
		SignatureCacheSize:      100,
		RequestTimeout:          time.Second,
	}

	p := pool.New(cfg.PoolPath)
	sel := pool.NewSelector(pool.Strategy(cfg.SelectionStrategy), time.Hour,
		pool.HealthConfig{Initial: 100, MaxScore: 100}, pool.BucketConfig{MaxTokens: 10, TokensPerMinute: 1}, pool.Weights{})
	crypto := credential.NewCrypto(cfg.EncryptionKey)
	tm := transport.NewManager(cfg.RequestTimeout)
	tokens := credential.NewManager(crypto, "", "", time.Minute, nil)
	projects := credential.NewProjectResolver(nil, "default-proj", nil)
	sigCache := signature.New(cfg.SignatureCacheSize)
	client := upstream.New(cfg, p, sel, crypto, tokens, projects, tm, sigCache)
	lh := obslog.New(slog.LevelInfo, 100)

	return New(cfg, p, sel, crypto, tokens, tm, client, lh)
}

func TestHandleAccountAddAndDelete(t *testing.T) {
	srv := newTestServer(t)

	body := `{"email":"op@example.com","source":"manual","secret":"sk-static-key"}`
	req := httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleAccountAdd(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var added struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	acct, ok := srv.pool.Get(added.AccountID)
	if !ok {
		t.Fatal("added account not in pool")
	}
	if acct.Credential.RefreshTokenEnc == "sk-static-key" {
		t.Fatal("secret should be stored encrypted")
	}
	dec, err := srv.crypto.Decrypt(acct.Credential.RefreshTokenEnc, acct.ID)
	if err != nil || dec != "sk-static-key" {
		t.Fatalf("stored secret did not round-trip: %q, %v", dec, err)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/accounts/"+added.AccountID, nil)
	delReq.SetPathValue("id", added.AccountID)
	delRec := httptest.NewRecorder()
	srv.handleAccountDelete(delRec, delReq)
	if delRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", delRec.Code)
	}
	if _, ok := srv.pool.Get(added.AccountID); ok {
		t.Fatal("account should be gone after delete")
	}
}

func TestHandleAccountAddRejectsUnknownSource(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(`{"source":"carrier-pigeon","secret":"x"}`))
	rec := httptest.NewRecorder()
	srv.handleAccountAdd(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleModelsListsCatalog(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	srv.handleModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data []modelInfo `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Data) == 0 {
		t.Fatal("expected a non-empty model catalog")
	}
}

func TestHandleHealthReportsAccountCounts(t *testing.T) {
	srv := newTestServer(t)
	srv.pool.Put(&pool.Account{ID: "a", Status: pool.StatusActive})
	srv.pool.Put(&pool.Account{ID: "b", Status: pool.StatusDisabled})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Accounts struct {
			Total   int            `json:"total"`
			ByState map[string]int `json:"byState"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Accounts.Total != 2 || body.Accounts.ByState["active"] != 1 || body.Accounts.ByState["disabled"] != 1 {
		t.Fatalf("unexpected account counts: %+v", body.Accounts)
	}
}

func TestHandleAccountLimitsHidesExpiredLimitsByDefault(t *testing.T) {
	srv := newTestServer(t)
	srv.pool.Put(&pool.Account{
		ID:     "a",
		Status: pool.StatusActive,
		RateLimits: map[string]pool.ModelRateLimitState{
			"gemini-2.5-pro": {RateLimited: false, ConsecutiveHits: 2, LastRateLimitAt: time.Now().Add(-time.Hour)},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/account-limits", nil)
	rec := httptest.NewRecorder()
	srv.handleAccountLimits(rec, req)

	var body struct {
		Accounts []accountLimitView `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(body.Accounts))
	}
	if len(body.Accounts[0].RateLimits) != 0 {
		t.Fatalf("expired, non-history rate limit should be omitted, got %+v", body.Accounts[0].RateLimits)
	}
}

func TestHandleAccountLimitsIncludesHistoryWhenRequested(t *testing.T) {
	srv := newTestServer(t)
	srv.pool.Put(&pool.Account{
		ID:     "a",
		Status: pool.StatusActive,
		RateLimits: map[string]pool.ModelRateLimitState{
			"gemini-2.5-pro": {RateLimited: false, ConsecutiveHits: 2, LastRateLimitAt: time.Now().Add(-time.Hour)},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/account-limits?includeHistory=true", nil)
	rec := httptest.NewRecorder()
	srv.handleAccountLimits(rec, req)

	var body struct {
		Accounts []accountLimitView `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Accounts[0].RateLimits) != 1 {
		t.Fatalf("expected history to surface the expired limit, got %+v", body.Accounts[0].RateLimits)
	}
}
