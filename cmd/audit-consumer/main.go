// Command audit-consumer reads purchase.completed events, re-checks them
// against the reward rules and stores every event in ClickHouse.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/twmb/franz-go/pkg/kgo"

	"mystery-box-service/internal/adapters/analytics/clickhouse"
	"mystery-box-service/internal/adapters/messaging/kafka"
	"mystery-box-service/internal/adapters/storage/redis"
	"mystery-box-service/internal/audit"
	"mystery-box-service/internal/config"
	"mystery-box-service/internal/observability"
)

func main() {
	// --- Configuration Setup ---
	bootLogger := observability.SetupLogger("development")
	cfg, err := config.Load(config.Path())
	if err != nil {
		bootLogger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.App.Env)
	logger.Info("audit consumer starting", "env", cfg.App.Env, "topic", cfg.Kafka.Topic)

	if cfg.Kafka.BootstrapServers == "" || cfg.ClickHouse.Addr == "" || cfg.Redis.Addr == "" {
		logger.Error("audit consumer needs kafka, clickhouse and redis to be configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Component Initialization ---
	kafkaBrokers := strings.Split(cfg.Kafka.BootstrapServers, ",")

	// Kafka Producer (for sending to DLQ)
	dlqProducer, err := kgo.NewClient(
		kgo.SeedBrokers(kafkaBrokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		logger.Error("failed to create Kafka producer for DLQ", "error", err)
		os.Exit(1)
	}
	defer dlqProducer.Close()

	// ClickHouse Client: for writing audit rows.
	chConn, err := clickhouse.Connect(ctx, cfg.ClickHouse)
	if err != nil {
		logger.Error("failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := chConn.Close(); err != nil {
			logger.Error("Failed to close ClickHouse connection", "error", err)
		}
	}()

	sink := clickhouse.NewAuditSink(chConn)
	if err := sink.EnsureSchema(ctx); err != nil {
		logger.Error("failed to create audit table", "error", err)
		os.Exit(1)
	}

	// Redis Client: state for the cooldown and frequency rules.
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("Failed to close redis connection", "error", err)
		}
	}()

	engine := audit.NewCachingRuleEngine(rdb, cfg.Audit, cfg.Purchase.TopCooldown, logger)
	proc := newProcessor(engine, sink, func(ctx context.Context, rec *kgo.Record, errorType, errorString string) error {
		return kafka.SendToDLQ(ctx, dlqProducer, cfg.Kafka.DLQTopic, rec, errorType, errorString)
	}, logger)

	// --- Application Start ---
	consumerClient, err := kgo.NewClient(
		kgo.SeedBrokers(kafkaBrokers...),
		kgo.ConsumerGroup(cfg.Audit.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Kafka.Topic),
		// Offsets are committed only for records that reached ClickHouse or the DLQ.
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		logger.Error("failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumerClient.Close()

	logger.Info("audit consumer running", "group", cfg.Audit.ConsumerGroup)

	exitCode := 0
	for ctx.Err() == nil {
		fetches := consumerClient.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		fetches.EachError(func(t string, p int32, err error) {
			logger.Error("error reading from kafka", "topic", t, "partition", p, "error", err)
		})

		done, err := proc.processBatch(ctx, fetches.Records())
		if len(done) > 0 {
			if cerr := consumerClient.CommitRecords(ctx, done...); cerr != nil {
				logger.Error("error committing offsets", "error", cerr)
			}
		}
		if err != nil {
			// The group rebalances the partition and the record is read again after restart.
			logger.Error("audit consumer stopping on unprocessable record", "error", err)
			exitCode = 1
			break
		}
	}

	logger.Info("audit consumer stopping")
	if exitCode != 0 {
		consumerClient.Close()
		os.Exit(exitCode)
	}
}
