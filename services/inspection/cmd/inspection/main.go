package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"lemmacheck/internal/ratelimit"
	"lemmacheck/internal/util"
	"lemmacheck/pkg/auth"
	"lemmacheck/pkg/realtime"
	"lemmacheck/pkg/report"
	"lemmacheck/pkg/storage"
	"lemmacheck/pkg/store"
	"lemmacheck/services/inspection/internal/app"
	"lemmacheck/services/inspection/internal/config"
	"lemmacheck/services/inspection/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)
	durations, err := config.ParseDurations(cfg)
	if err != nil {
		util.Fatal("failed to parse durations", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := store.NewGormStore(cfg.DatabaseURL, store.WithDriver(cfg.DatabaseDriver))
	if err != nil {
		util.Fatal("failed to open store", "driver", cfg.DatabaseDriver, "err", err)
	}
	defer st.Close()

	hub := realtime.NewHub(
		realtime.WithBuffer(cfg.SubscriberBuffer),
		realtime.WithMetrics(realtime.NewMetrics(registry)),
	)
	defer hub.Close()

	var (
		broadcaster  realtime.Broadcaster = hub
		relay        *realtime.Relay
		eventLimiter *ratelimit.FixedWindowLimiter
		chatLimiter  *ratelimit.FixedWindowLimiter
	)
	if cfg.RedisAddr != "" {
		relay, err = realtime.NewRelay(realtime.RelayConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RelayChannelPrefix,
			Hub:      hub,
			Logger:   logger,
		})
		if err != nil {
			util.Fatal("failed to init relay", "err", err)
		}
		defer relay.Close()
		broadcaster = relay

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if eventLimiter, err = ratelimit.NewFixedWindowLimiter(rdb, "events", cfg.EventRateLimitPerMinute, time.Minute); err != nil {
			util.Fatal("failed to init event limiter", "err", err)
		}
		if chatLimiter, err = ratelimit.NewFixedWindowLimiter(rdb, "chat", cfg.ChatRateLimitPerMinute, time.Minute); err != nil {
			util.Fatal("failed to init chat limiter", "err", err)
		}
	} else {
		logger.Warn("redis not configured; realtime stays in-process and rate limiting is off")
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		objects, err = storage.NewMinioStore(minioCtx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		cancel()
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
	}

	var tokens *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		if tokens, err = auth.NewTokenIssuer(cfg.JWTSecret, durations.JWTTTL); err != nil {
			util.Fatal("failed to init token issuer", "err", err)
		}
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:          st,
		Broadcaster:    broadcaster,
		Objects:        objects,
		ArchiveLinkTTL: durations.ArchiveLinkTTL,
		Fonts:          report.Fonts{Latin: cfg.ReportLatinFont, EastAsian: cfg.ReportFont},
		Tokens:         tokens,
		Registerer:     registry,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if tokens != nil {
		if err := appCore.BootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			util.Fatal("failed to bootstrap admin", "err", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:               appCore,
		Hub:               hub,
		EventLimiter:      eventLimiter,
		ChatLimiter:       chatLimiter,
		TrustedProxies:    trusted,
		Gatherer:          registry,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		StreamTimeout:     durations.StreamTimeout,
		HeartbeatInterval: durations.HeartbeatInterval,
		SocketIdleTimeout: durations.SocketIdleTimeout,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if relay != nil {
		g.Go(func() error {
			err := relay.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				// Publishing falls back to the local hub; keep serving.
				logger.Error("realtime relay stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("inspection server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
