package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"moltregistry/internal/config"
	"moltregistry/internal/db"
	"moltregistry/internal/events"
	"moltregistry/internal/forum"
	moltgrpc "moltregistry/internal/grpc"
	"moltregistry/internal/guard"
	internalhttp "moltregistry/internal/http"
	"moltregistry/internal/identity"
	"moltregistry/internal/jobs"
	"moltregistry/internal/lookup"
	"moltregistry/internal/registration"
	"moltregistry/internal/store/memory"
	"moltregistry/internal/store/postgres"
	"moltregistry/internal/telemetry"
	"moltregistry/internal/worldid"
)

// store is everything the services need from the persistence layer.
type store interface {
	identity.Repository
	registration.Repository
	forum.Repository
	lookup.Reader
	jobs.SessionStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, "moltregistry", cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	nonces, limiter, closeGuard, err := openGuard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	var publisher events.Publisher = events.Nop{}
	if kafka := events.NewKafkaPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic); kafka != nil {
		async := events.NewAsync(kafka, logger)
		publisher = async
		defer func() {
			async.Wait()
			if err := kafka.Close(); err != nil {
				logger.Warn("kafka close", "err", err)
			}
		}()
	}

	registerOracle := worldid.NewClient(cfg.WorldIDAppID, cfg.WorldIDRegisterAction, cfg.WorldIDBaseURL, cfg.WorldIDTimeout)
	forumOracle := worldid.NewClient(cfg.WorldIDAppID, cfg.WorldIDForumAction, cfg.WorldIDBaseURL, cfg.WorldIDTimeout)
	if cfg.WorldIDAppID == "" {
		logger.Warn("WORLDID_APP_ID not set, proof verification will fail")
	}

	registry := identity.NewRegistry(st, publisher, logger)
	manager := registration.NewManager(st, registry, registerOracle, nonces, registration.Options{
		SessionTTL:      cfg.SessionTTL,
		FreshnessWindow: cfg.MessageFreshnessWindow,
	}, logger)
	engine := forum.NewEngine(st, forumOracle, nonces, limiter, publisher, forum.Options{
		FreshnessWindow:      cfg.MessageFreshnessWindow,
		MaxContentLength:     cfg.ForumMaxContentLength,
		UnverifiedPostLimit:  cfg.UnverifiedPostLimit,
		UnverifiedPostWindow: cfg.UnverifiedPostWindow,
	}, logger)
	lookupSvc := lookup.NewService(st)

	server := internalhttp.NewServer(cfg, manager, engine, lookupSvc, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.GRPCAddr != "" {
		grpcServer, err := moltgrpc.NewServer(lookupSvc, cfg.ServiceAuthToken)
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(listener); err != nil {
				errCh <- err
			}
		}()
		defer grpcServer.GracefulStop()
	}

	jobs.StartSessionSweepJob(ctx, cfg, st, logger)
	jobs.StartRecountJob(ctx, cfg, engine, logger)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, cfg.DatabaseURL, "up"); err != nil {
			return nil, nil, err
		}
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func openGuard(ctx context.Context, cfg config.Config, logger *slog.Logger) (guard.NonceGuard, guard.RateLimiter, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, nonce and rate limit state is per process")
		mem := guard.NewMemory()
		return mem, mem, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	g := guard.NewRedis(client)
	return g, g, func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close error", "err", err)
		}
	}, nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
