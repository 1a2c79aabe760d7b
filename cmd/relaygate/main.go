package main

import (
	"log/slog"
	"os"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/credential"
	"github.com/relaygate/relaygate/internal/obslog"
	"github.com/relaygate/relaygate/internal/pool"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/signature"
	"github.com/relaygate/relaygate/internal/transport"
	"github.com/relaygate/relaygate/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := obslog.New(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("relaygate starting", "version", version)

	p := pool.New(cfg.PoolPath)
	if err := p.Load(); err != nil {
		slog.Error("pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("account pool loaded", "path", cfg.PoolPath, "accounts", len(p.List()))

	crypto := credential.NewCrypto(cfg.EncryptionKey)

	tm := transport.NewManager(cfg.RequestTimeout)
	defer tm.Close()

	tokens := credential.NewManager(crypto, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.TokenRefreshAdvance, nil)
	projects := credential.NewProjectResolver(cfg.ProjectSetupEndpoints, cfg.DefaultProjectID, nil)

	sigCache := signature.New(cfg.SignatureCacheSize)

	selector := pool.NewSelector(
		pool.Strategy(cfg.SelectionStrategy),
		cfg.StickySessionTTL,
		pool.HealthConfig{
			Initial:          cfg.HealthInitial,
			SuccessReward:    cfg.HealthSuccess,
			RateLimitPenalty: cfg.HealthRateLimit,
			FailurePenalty:   cfg.HealthFailure,
			RecoveryPerHour:  cfg.HealthRecoveryHr,
			MinUsable:        cfg.HealthMinUsable,
			MaxScore:         cfg.HealthMax,
		},
		pool.BucketConfig{
			MaxTokens:       cfg.BucketMaxTokens,
			TokensPerMinute: cfg.BucketPerMinute,
		},
		pool.Weights{Health: 0.6, Tokens: 0.3, LRU: 0.1},
	)

	client := upstream.New(cfg, p, selector, crypto, tokens, projects, tm, sigCache)

	srv := server.New(cfg, p, selector, crypto, tokens, tm, client, logHandler)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
