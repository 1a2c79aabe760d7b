// Package server is the Anthropic-compatible HTTP boundary: it parses
// incoming Messages API requests, drives the upstream client, and
// renders classified errors back in the Anthropic error envelope.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/credential"
	"github.com/relaygate/relaygate/internal/obslog"
	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/transport"
	"github.com/relaygate/relaygate/internal/upstream"
)

type Server struct {
	cfg          *config.Config
	pool         *pool.Pool
	selector     *pool.Selector
	crypto       *credential.Crypto
	tokens       *credential.Manager
	transportMgr *transport.Manager
	client       *upstream.Client
	authMw       *auth.Middleware
	logHandler   *obslog.Handler
	httpServer   *http.Server
	startTime    time.Time

	oauthMu       sync.Mutex
	oauthSessions map[string]credential.PKCESession
	callbackOnce  sync.Once
}

func New(cfg *config.Config, p *pool.Pool, sel *pool.Selector, crypto *credential.Crypto, tokens *credential.Manager, tm *transport.Manager, client *upstream.Client, lh *obslog.Handler) *Server {
	srv := &Server{
		cfg:          cfg,
		pool:         p,
		selector:     sel,
		crypto:       crypto,
		tokens:       tokens,
		transportMgr: tm,
		client:       client,
		authMw:        auth.NewMiddleware(cfg.StaticToken),
		logHandler:    lh,
		startTime:     time.Now(),
		oauthSessions: make(map[string]credential.PKCESession),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate

	mux.Handle("POST /v1/messages", authed(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", authed(http.HandlerFunc(s.handleCountTokens)))
	mux.Handle("GET /v1/models", authed(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /account-limits", authed(http.HandlerFunc(s.handleAccountLimits)))
	mux.Handle("POST /refresh-token", authed(http.HandlerFunc(s.handleRefreshToken)))
	mux.Handle("POST /accounts", authed(http.HandlerFunc(s.handleAccountAdd)))
	mux.Handle("DELETE /accounts/{id}", authed(http.HandlerFunc(s.handleAccountDelete)))
	mux.Handle("POST /accounts/reload", authed(http.HandlerFunc(s.handleAccountsReload)))
	mux.Handle("POST /accounts/import-scraped", authed(http.HandlerFunc(s.handleAccountsImportScraped)))
	mux.Handle("POST /accounts/oauth/start", authed(http.HandlerFunc(s.handleOAuthStart)))
	mux.Handle("POST /accounts/oauth/complete", authed(http.HandlerFunc(s.handleOAuthComplete)))

	mux.HandleFunc("GET /health", s.handleHealth)
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transportMgr.RunCleanup(ctx)
	go s.runRateLimitSweep(ctx)
	go s.runPoolPersist(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		_ = s.pool.Save()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) runRateLimitSweep(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.pool.ClearExpiredLimits(now)
			s.pool.RecoverHealth(s.cfg.HealthRecoveryHr, s.cfg.HealthMax, now)
		}
	}
}

func (s *Server) runPoolPersist(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pool.Save(); err != nil {
				slog.Error("pool persist failed", "error", err)
			}
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
