package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pricealert/internal/cache"
	"pricealert/internal/commands"
	"pricealert/internal/config"
	"pricealert/internal/handlers"
	"pricealert/internal/logger"
	"pricealert/internal/registry"
	"pricealert/internal/telegram"
	"pricealert/internal/tracing"

	"go.uber.org/zap"
)

const pollTimeout = 60 // seconds

// The alerts service takes chat commands, keeps the thresholds in the store
// and streams fired alerts to browsers.
func main() {
	envFile := flag.String("env", ".env", "Optional env file")
	port := flag.String("port", "", "HTTP port, overrides PORT")
	mode := flag.String("mode", "", "Telegram update mode (polling or webhook), overrides TELEGRAM_MODE")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *mode != "" {
		cfg.TelegramMode = *mode
	}
	if err := logger.InitLogger(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateStore(); err != nil {
		logger.Log.Fatal("Invalid store config", zap.Error(err))
	}
	if err := cfg.ValidateBot(); err != nil {
		logger.Log.Fatal("Invalid bot config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, "alerts", cfg.OTLPEndpoint)
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	backends, err := cache.OpenBackends(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to open store", zap.Error(err))
	}
	defer backends.Close()
	st, client := backends.Store, backends.Client

	bot, err := telegram.New(cfg.TelegramToken, telegram.Options{})
	if err != nil {
		logger.Log.Fatal("Failed to connect to Telegram", zap.Error(err))
	}

	var limiter commands.Limiter
	if client != nil && cfg.CommandRatePerMinute > 0 {
		limiter = cache.NewCommandLimiter(client, cfg.CommandRatePerMinute)
	}
	router := commands.NewRouter(registry.New(st), bot, limiter)
	handle := func(ctx context.Context, msg commands.Message) {
		_ = router.Handle(ctx, msg)
	}

	hub := handlers.NewHub()
	if client != nil {
		sub, err := cache.NewRedisSubscriber(ctx, client, cache.AlertsChannel)
		if err != nil {
			logger.Log.Fatal("Failed to create Redis subscriber", zap.Error(err))
		}
		defer sub.Close()
		go hub.Relay(ctx, sub)
	}

	routes := handlers.Routes{Hub: hub, Store: st}
	if cfg.TelegramMode == config.ModeWebhook {
		routes.WebhookPath = telegram.WebhookPath(cfg.TelegramToken)
		routes.Webhook = bot.WebhookHandler(handle)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewMux(routes),
		ReadHeaderTimeout: 10 * time.Second,
		// Open SSE streams end when the service shuts down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Log.Info("Alerts service starting", zap.String("port", cfg.Port), zap.String("mode", cfg.TelegramMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	if cfg.TelegramMode == config.ModeWebhook {
		if err := bot.SetWebhook(strings.TrimRight(cfg.WebhookURL, "/") + routes.WebhookPath); err != nil {
			logger.Log.Fatal("Failed to set webhook", zap.Error(err))
		}
	} else {
		go func() {
			if err := bot.Poll(ctx, pollTimeout, handle); err != nil {
				logger.Log.Error("Polling stopped", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Log.Info("Shutting down alerts service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
