package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kiwi-bridge/internal/api"
	"kiwi-bridge/internal/auth"
	"kiwi-bridge/internal/config"
	"kiwi-bridge/internal/device"
	"kiwi-bridge/internal/lockctrl"
	"kiwi-bridge/internal/observability"
	"kiwi-bridge/internal/registry"
	"kiwi-bridge/internal/server"
	"kiwi-bridge/internal/store"
	"kiwi-bridge/internal/ws"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	shutdownObs, promHandler, tracer := observability.Setup("kiwi-bridge")
	defer shutdownObs()

	client := api.NewClient(cfg.BaseURL, cfg.ClientID, cfg.HTTPTimeout)
	tokenStore, err := auth.NewStore(cfg.DataDir, cfg.Identifier)
	if err != nil {
		slog.Error("token store init failed", "error", err)
		os.Exit(1)
	}
	tokens := auth.NewManager(client, tokenStore, cfg.Identifier, cfg.Credential)

	reg := registry.New()
	dispatcher := registry.NewDispatcher(reg, tokens, client)
	dispatcher.OnUpdate(func(deviceID string) {
		slog.Debug("device state updated", "device_id", deviceID)
	})
	queue := ws.NewQueue()
	super := ws.NewSupervisor(cfg.WSURL, tokens, queue, dispatcher, ws.Options{
		Heartbeat:  cfg.Heartbeat,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxRetries: cfg.MaxRetries,
	})

	var cache *store.EventCache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		cache = store.NewEventCache(rdb)
		dispatcher.AddSink(cache)
	}

	var history *store.History
	if cfg.SQLitePath != "" {
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			slog.Error("sqlite init failed", "error", err)
			os.Exit(1)
		}
		history, err = store.NewHistory(db)
		if err != nil {
			slog.Error("history init failed", "error", err)
			os.Exit(1)
		}
		dispatcher.AddSink(history)
	}

	disc := &device.Discoverer{
		API:    client,
		Tokens: tokens,
		Reg:    reg,
		NewCoordinator: func(did, uid string) *lockctrl.Coordinator {
			return lockctrl.NewCoordinator(did, uid, cfg.DataDir, cfg.UnlockCooldown, tokens, client, queue, super)
		},
	}
	if cache != nil {
		disc.Cache = cache
	}
	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 2*time.Minute)
	locks, err := disc.Discover(discoverCtx)
	cancelDiscover()
	if err != nil {
		slog.Error("discovery failed", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	superDone := make(chan error, 1)
	go func() { superDone <- super.Run(runCtx) }()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: observability.WrapHandler(tracer, "kiwi-bridge",
			server.New(locks, super, tokens, client, cache, history).Router(promHandler)),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge server error", "error", err)
		}
	}()
	slog.Info("kiwi-bridge started", "addr", cfg.ListenAddr, "locks", len(locks))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-superDone:
		if err != nil {
			slog.Error("push connection terminated", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	super.Close()
	cancelRun()
	_ = srv.Shutdown(ctx)
	if rdb != nil {
		_ = rdb.Close()
	}
	slog.Info("kiwi-bridge stopped")
}

func setupLogger(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
