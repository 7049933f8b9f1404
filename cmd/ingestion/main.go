package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pricealert/internal/config"
	"pricealert/internal/feed"
	"pricealert/internal/logger"
	"pricealert/internal/tracing"

	"go.uber.org/zap"
)

// The ingestion service reads the Binance mini ticker stream and republishes
// every tick on the price updates topic.
func main() {
	envFile := flag.String("env", ".env", "Optional env file")
	wsURL := flag.String("ws", "", "Binance WebSocket URL, overrides BINANCE_WS_URL")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	if *wsURL != "" {
		cfg.BinanceWSURL = *wsURL
	}
	if err := logger.InitLogger(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
		logger.Log.Fatal("KAFKA_BROKERS and KAFKA_TOPIC are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, "ingestion", cfg.OTLPEndpoint)
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	producer, err := feed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	logger.Log.Info("Ingestion service starting",
		zap.String("source", cfg.BinanceWSURL),
		zap.String("topic", cfg.KafkaTopic),
	)
	if err := feed.NewBinance(cfg.BinanceWSURL).Run(ctx, producer); err != nil {
		logger.Log.Error("Feed stopped", zap.Error(err))
	}
	logger.Log.Info("Ingestion service stopped")
}
