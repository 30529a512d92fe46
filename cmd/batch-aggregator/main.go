package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pricat/price-pipeline/internal/aggregator/batch"
	"github.com/pricat/price-pipeline/internal/aggregator/config"
	"github.com/pricat/price-pipeline/internal/aggregator/consumer"
	"github.com/pricat/price-pipeline/internal/aggregator/processor"
	"github.com/pricat/price-pipeline/internal/aggregator/producer"
	"github.com/pricat/price-pipeline/internal/aggregator/sink"
	"github.com/pricat/price-pipeline/pkg/metrics"
	"github.com/pricat/price-pipeline/pkg/shared"
)

func main() {
	// Parse command-line flags with environment variable fallbacks
	cfg := &config.Config{}
	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", shared.GetEnvOrDefault("KAFKA_BROKERS", "localhost:9092"), "Kafka broker addresses (comma-separated)")
	flag.StringVar(&cfg.PriceItemsTopic, "price-items-topic", shared.GetEnvOrDefault("PRICE_ITEMS_TOPIC", "price.items"), "Kafka topic for per-item price messages")
	flag.StringVar(&cfg.DeadLetterTopic, "dead-letter-topic", shared.GetEnvOrDefault("DEAD_LETTER_TOPIC", "price.items.dlq"), "Kafka topic for dead-lettered messages")
	flag.StringVar(&cfg.ConsumerGroupID, "consumer-group-id", shared.GetEnvOrDefault("CONSUMER_GROUP_ID", "batch-aggregator-group"), "Kafka consumer group ID")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", shared.GetEnvOrDefault("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.IntVar(&cfg.Workers, "workers", shared.GetEnvIntOrDefault("WORKERS", 10), "Number of concurrent message workers")
	flag.DurationVar(&cfg.BatchInactivity, "batch-inactivity", shared.GetEnvDurationOrDefault("BATCH_INACTIVITY", 5*time.Minute), "Inactivity threshold before an incomplete batch is abandoned")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", shared.GetEnvDurationOrDefault("SWEEP_INTERVAL", time.Minute), "How often inactive batches are checked for abandonment")
	flag.DurationVar(&cfg.FlushRetryInterval, "flush-retry-interval", shared.GetEnvDurationOrDefault("FLUSH_RETRY_INTERVAL", 30*time.Second), "How often failed batch flushes are retried")
	flag.DurationVar(&cfg.SinkTimeout, "sink-timeout", shared.GetEnvDurationOrDefault("SINK_TIMEOUT", 10*time.Second), "Timeout for search index operations")
	flag.Parse()

	// Set up structured logging
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("Starting batch-aggregator service",
		"kafka_brokers", cfg.KafkaBrokers,
		"price_items_topic", cfg.PriceItemsTopic,
		"dead_letter_topic", cfg.DeadLetterTopic,
		"consumer_group_id", cfg.ConsumerGroupID,
		"redis_addr", cfg.RedisAddr,
		"workers", cfg.Workers,
		"batch_inactivity", cfg.BatchInactivity,
		"sweep_interval", cfg.SweepInterval,
		"flush_retry_interval", cfg.FlushRetryInterval,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	// Initialize Redis client for the search index and metrics
	slog.Info("Connecting to Redis", "addr", cfg.RedisAddr)
	redisClient, err := shared.ConnectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		slog.Info("Tip: Start Redis with 'docker compose up -d redis'")
		os.Exit(1)
	}
	defer redisClient.Close()

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("batch-aggregator", redisClient)
	metricsCollector.Start(ctx)
	defer metricsCollector.Stop()

	// Initialize Kafka consumer
	slog.Info("Connecting to Kafka consumer", "topic", cfg.PriceItemsTopic)
	kafkaConsumer, err := consumer.NewConsumer(cfg.KafkaBrokers, cfg.PriceItemsTopic, cfg.ConsumerGroupID)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		slog.Info("Tip: Start Kafka with 'docker compose up -d kafka'")
		os.Exit(1)
	}
	defer kafkaConsumer.Close()

	// Initialize dead-letter producer
	deadLetterProducer, err := producer.NewProducer(cfg.KafkaBrokers, cfg.DeadLetterTopic)
	if err != nil {
		slog.Error("Failed to create dead-letter producer", "error", err)
		os.Exit(1)
	}
	defer deadLetterProducer.Close()

	// Initialize the in-memory batch store and the search index sink
	store, err := batch.NewStore(cfg.BatchInactivity)
	if err != nil {
		slog.Error("Failed to create batch store", "error", err)
		os.Exit(1)
	}
	searchIndex := sink.NewSearchIndex(redisClient, cfg.SinkTimeout)

	// Initialize processor with metrics
	proc := processor.New(kafkaConsumer, store, searchIndex, deadLetterProducer, metricsCollector, processor.Options{
		Workers:            cfg.Workers,
		SweepInterval:      cfg.SweepInterval,
		FlushRetryInterval: cfg.FlushRetryInterval,
	})

	// Main processing loop
	if err := proc.Run(ctx); err != nil {
		slog.Error("Batch aggregation failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Batch-aggregator service stopped")
}
