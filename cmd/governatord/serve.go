package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
	"gorm.io/gorm"

	"governator/config"
	"governator/discord"
	"governator/eligibility"
	"governator/gateway/auth"
	"governator/gateway/middleware"
	"governator/identity"
	"governator/observability/metrics"
	telemetry "governator/observability/otel"
	"governator/polls"
	"governator/server"
	"governator/session"
	"governator/storage"
	"governator/voting"
)

const pruneInterval = 15 * time.Minute

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	return storage.OpenAndMigrate(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
}

func openCache(cfg config.CacheConfig) (discord.Cache, error) {
	switch cfg.Kind {
	case "memory":
		return discord.NewMemoryCache(nil), nil
	case "bolt":
		return discord.NewBoltCache(cfg.Path, nil)
	case "redis":
		return discord.NewRedisCache(discord.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}), nil
	default:
		return discord.NopCache(), nil
	}
}

func buildStrategies(cfg config.Config) (*eligibility.Registry, error) {
	registry := eligibility.NewRegistry()
	for _, sc := range cfg.Strategies {
		var (
			strategy eligibility.Strategy
			err      error
		)
		switch sc.Kind {
		case config.StrategyFixed:
			strategy, err = fixedLedger(sc.Allocations)
		default:
			strategy, err = eligibility.NewRemoteStrategy(sc.URL, sc.Timeout, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		if err := registry.Register(sc.ID, strategy); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func fixedLedger(allocations []config.AllocationConfig) (*eligibility.Ledger, error) {
	ledger := eligibility.NewLedger()
	for i, alloc := range allocations {
		address, err := identity.NormalizeAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("allocations[%d]: %w", i, err)
		}
		balance, err := uint256.FromDecimal(strings.TrimSpace(alloc.Balance))
		if err != nil {
			return nil, fmt.Errorf("allocations[%d].balance %q: %w", i, alloc.Balance, err)
		}
		ledger.SetInt(address, alloc.Height, balance)
	}
	return ledger, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: programName,
		Version:     version,
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	m := metrics.Governator()
	sessions, err := session.NewManager(db, session.Config{
		Secret: cfg.Session.Secret,
		Issuer: cfg.Session.Issuer,
		TTL:    cfg.Session.TTL,
	}, nil, m, logger)
	if err != nil {
		return err
	}

	cache, err := openCache(cfg.Discord.Cache)
	if err != nil {
		return fmt.Errorf("open guild cache: %w", err)
	}
	defer cache.Close()
	client := discord.NewClient(discord.ClientConfig{
		BaseURL:  cfg.Discord.APIBase,
		BotToken: cfg.Discord.BotToken,
		Timeout:  cfg.Discord.Timeout,
		Attempts: cfg.Discord.RetryAttempts,
		Delay:    cfg.Discord.RetryDelay,
		Metrics:  m,
		Logger:   logger,
	})
	discovery := discord.NewDiscovery(client, sessions, cache, discord.DiscoveryConfig{
		AllowedGuilds: cfg.Discord.AllowedGuilds,
		CacheTTL:      cfg.Discord.Cache.TTL,
	}, logger)

	strategies, err := buildStrategies(cfg)
	if err != nil {
		return err
	}
	if len(strategies.IDs()) == 0 {
		logger.Warn("no token strategies configured; polls cannot be created")
	}

	verifier := identity.NewVerifier(db, identity.VerifierConfig{
		Domain:       cfg.Challenge.Domain,
		URI:          cfg.Challenge.URI,
		Statement:    cfg.Challenge.Statement,
		ChainID:      cfg.Challenge.ChainID,
		TTL:          cfg.Challenge.TTL,
		HistoryDepth: cfg.Challenge.HistoryDepth,
	}, identity.WithVerifierMetrics(m), identity.WithVerifierLogger(logger))
	links := identity.NewRegistry(db, nil)
	pollStore := polls.NewStore(db, nil)
	resolver := eligibility.NewResolver(strategies, discovery, eligibility.ResolverConfig{}, m, logger)
	votes := voting.NewService(db, pollStore, links, resolver, voting.WithMetrics(m), voting.WithLogger(logger))

	var replay auth.ReplayStore
	if path := cfg.Internal.NonceStorePath; path != "" {
		store, err := auth.OpenLevelDBReplayStore(path)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		defer store.Close()
		replay = store
	}
	serviceAuth := auth.NewAuthenticator(auth.Config{
		Keys:         cfg.Internal.APIKeys,
		Skew:         cfg.Internal.AllowedSkew,
		ReplayWindow: cfg.Internal.NonceTTL,
	}, replay, nil)
	idempotency := middleware.NewIdempotency(db, 0, logger)

	srv, err := server.New(server.Deps{
		DB:          db,
		Sessions:    sessions,
		Verifier:    verifier,
		Links:       links,
		Discovery:   discovery,
		Builder:     polls.NewBuilder(strategies, nil),
		Polls:       pollStore,
		Voting:      votes,
		Strategies:  strategies,
		ServiceAuth: serviceAuth,
		Idempotency: idempotency,
		Metrics:     m,
		Registerer:  prometheus.DefaultRegisterer,
		Gatherer:    prometheus.DefaultGatherer,
	}, server.Config{
		ServiceName:    programName,
		AllowedOrigins: cfg.AllowedOrigins,
		LogRequests:    cfg.Telemetry.LogRequests,
		RateLimits: map[string]middleware.RateLimit{
			server.RouteChallenge: {RequestsPerMinute: cfg.RateLimits.Challenge.RequestsPerMinute, Burst: cfg.RateLimits.Challenge.Burst},
			server.RouteVerify:    {RequestsPerMinute: cfg.RateLimits.Verify.RequestsPerMinute, Burst: cfg.RateLimits.Verify.Burst},
		},
	}, logger)
	if err != nil {
		return err
	}

	go prune(ctx, logger, verifier, idempotency, cfg.Challenge.TTL)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(srv, programName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	ln, err := listen(cfg.Listen, cfg.MaxConnections)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String(), "max_connections", cfg.MaxConnections, "version", version)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// listen opens addr and, when maxConns is positive, caps how many
// connections are served at once.
func listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// prune drops retired nonce history and stale idempotency records until ctx
// ends.
func prune(ctx context.Context, logger *slog.Logger, verifier *identity.Verifier, idempotency *middleware.Idempotency, challengeTTL time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Keep retired signatures well past any live challenge.
			if n, err := verifier.Prune(ctx, now.Add(-24*challengeTTL)); err != nil {
				logger.Warn("prune retired nonces", "error", err)
			} else if n > 0 {
				logger.Debug("pruned retired nonces", "count", n)
			}
			if err := idempotency.Prune(ctx); err != nil {
				logger.Warn("prune idempotency keys", "error", err)
			}
		}
	}
}
