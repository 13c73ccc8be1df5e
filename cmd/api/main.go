package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bifrost.org/internal/accounts"
	"bifrost.org/internal/approval"
	"bifrost.org/internal/apps"
	"bifrost.org/internal/auth"
	"bifrost.org/internal/cache"
	"bifrost.org/internal/config"
	"bifrost.org/internal/entitlement"
	"bifrost.org/internal/httpapi"
	"bifrost.org/internal/identity"
	"bifrost.org/internal/obs"
	"bifrost.org/internal/payments"
	"bifrost.org/internal/reaper"
	"bifrost.org/internal/store/memory"
	"bifrost.org/internal/store/pg"
	"bifrost.org/internal/verification"
	"bifrost.org/internal/webhook"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Error("load config", "error", err)
		os.Exit(1)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := obs.NewLogger(cfg.LogLevel, os.Stdout)
	obs.SetLogger(logger)
	obs.Init()
	obs.RegisterBuildInfo(prometheus.DefaultRegisterer, cfg.MetricsNamespace, version, commit)
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace)

	// Postgres when a DSN is configured, otherwise everything lives in memory.
	var (
		store identity.Store
		ready httpapi.ReadyCheck
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			logger.Error("open db", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		ready.DB = pgStore.DB()
	} else {
		logger.Warn("BIFROST_PG_DSN not set, using in-memory store")
		store = memory.New()
	}

	var locker reaper.Locker
	if cfg.RedisAddr != "" {
		redis := cache.New(cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, logger)
		defer redis.Close()
		locker = redis
		ready.Cache = redis
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, auth.WithTTL(cfg.JWTTTL))
	if err != nil {
		logger.Error("init tokens", "error", err)
		os.Exit(1)
	}

	dispatcher := webhook.New(store, logger, webhook.WithTimeout(cfg.WebhookTimeout), webhook.WithMetrics(metrics))
	entitlements := entitlement.New(store, dispatcher, logger, entitlement.WithMetrics(metrics))
	engine := payments.New(store, entitlements, dispatcher, logger,
		payments.WithApprovalChannel(approval.NewLogChannel(logger)),
		payments.WithMetrics(metrics),
	)
	verifier := verification.New(store, logger,
		verification.WithDefaultTTL(cfg.OTPTTL),
		verification.WithMetrics(metrics),
	)
	accountSvc := accounts.New(store, verifier, tokens, entitlements, dispatcher, logger,
		accounts.WithBotURL(cfg.PublicBotURL),
		accounts.WithLinkTTL(cfg.LinkTokenTTL),
		accounts.WithOTPTTL(cfg.OTPTTL),
		accounts.WithSuperAdmins(cfg.SuperAdmins...),
	)
	registry := apps.New(store, logger)

	reaperOpts := []reaper.Option{reaper.WithInterval(cfg.ReaperInterval), reaper.WithMetrics(metrics)}
	if locker != nil {
		reaperOpts = append(reaperOpts, reaper.WithLocker(locker))
	}
	sweeper := reaper.New(store, entitlements, dispatcher, logger, reaperOpts...)

	api := httpapi.New(httpapi.Deps{
		Payments:     engine,
		Entitlements: entitlements,
		Accounts:     accountSvc,
		Apps:         registry,
		Tokens:       tokens,
		Directory:    store,
		Ready:        ready,
		Version:      version,
		BotURL:       cfg.PublicBotURL,
		OperatorApps: cfg.OperatorApps,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reaper exited", "error", err)
		}
	}()

	go func() {
		logger.Info("starting bifrost-api", "version", version, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("webhook deliveries still in flight", "error", err)
	}
	logger.Info("stopped")
}
