package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pricealert/internal/cache"
	"pricealert/internal/config"
	"pricealert/internal/engine"
	"pricealert/internal/feed"
	"pricealert/internal/logger"
	"pricealert/internal/notify"
	"pricealert/internal/telegram"
	"pricealert/internal/tracing"

	"go.uber.org/zap"
)

// The price processor matches every tick against the registered thresholds
// and notifies the users whose thresholds were crossed.
func main() {
	envFile := flag.String("env", ".env", "Optional env file")
	source := flag.String("feed", "", "Tick source (binance or kafka), overrides FEED_SOURCE")
	workers := flag.Int("workers", 0, "Tick workers, overrides TICK_WORKERS")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	if *source != "" {
		cfg.FeedSource = *source
	}
	if *workers > 0 {
		cfg.TickWorkers = *workers
	}
	if err := logger.InitLogger(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateStore(); err != nil {
		logger.Log.Fatal("Invalid store config", zap.Error(err))
	}
	if err := cfg.ValidateFeed(); err != nil {
		logger.Log.Fatal("Invalid feed config", zap.Error(err))
	}
	if cfg.TelegramToken == "" {
		logger.Log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, "price-processing", cfg.OTLPEndpoint)
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

	var publisher notify.Publisher
	if client != nil {
		publisher = cache.NewPublisher(client)
	}
	eng := engine.New(st, notify.NewDispatcher(bot, publisher), engine.Options{
		Workers:             cfg.TickWorkers,
		QueueSize:           cfg.TickQueueSize,
		DispatchConcurrency: cfg.DispatchConcurrency,
	})
	eng.Start(ctx)

	logger.Log.Info("Price processing service starting", zap.String("feed", cfg.FeedSource))
	if err := runFeed(ctx, cfg, eng); err != nil {
		logger.Log.Error("Feed stopped", zap.Error(err))
	}

	// Queued ticks are still matched and notified before exit.
	eng.Close()
	logger.Log.Info("Price processing service stopped")
}

func runFeed(ctx context.Context, cfg *config.Config, sink feed.TickSink) error {
	if cfg.FeedSource == config.FeedKafka {
		src, err := feed.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer src.Close()
		return src.Run(ctx, sink)
	}
	return feed.NewBinance(cfg.BinanceWSURL).Run(ctx, sink)
}
