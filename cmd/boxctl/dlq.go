package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"mystery-box-service/internal/adapters/messaging/kafka"
)

func newDLQCmd(a *app) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered purchase events",
	}

	viewCmd := &cobra.Command{
		Use:   "view",
		Short: "Show messages in the DLQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			brokers, dlqTopic, _, err := a.kafkaTopics()
			if err != nil {
				return err
			}
			a.logger.Info("viewing dead letters", "topic", dlqTopic, "limit", limit)

			client, err := kgo.NewClient(
				kgo.SeedBrokers(brokers...),
				kgo.ConsumeTopics(dlqTopic),
				kgo.FetchMaxWait(5*time.Second),
				// Read from the very beginning of the topic.
				kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			)
			if err != nil {
				return fmt.Errorf("create consumer: %w", err)
			}
			defer client.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION:OFFSET\tKEY\tERROR_TYPE\tERROR_STRING")

			msgCount := 0
			for msgCount < limit {
				pollCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				fetches := client.PollFetches(pollCtx)
				cancel()
				if fetches.IsClientClosed() || len(fetches.Records()) == 0 {
					break
				}
				fetches.EachRecord(func(record *kgo.Record) {
					if msgCount >= limit {
						return
					}
					fmt.Fprintf(w, "%d:%d\t%s\t%s\t%s\n",
						record.Partition, record.Offset, string(record.Key),
						orNA(kafka.Header(record, kafka.HeaderErrorType)),
						orNA(kafka.Header(record, kafka.HeaderErrorString)))
					msgCount++
				})
			}
			return w.Flush()
		},
	}
	viewCmd.Flags().Int("limit", 10, "Number of messages to show")

	retryCmd := &cobra.Command{
		Use:   "retry [partition:offset]",
		Short: "Re-publish one DLQ message to its original topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, offset, err := parsePartitionOffset(args[0])
			if err != nil {
				return err
			}
			brokers, dlqTopic, mainTopic, err := a.kafkaTopics()
			if err != nil {
				return err
			}

			consumer, err := kgo.NewClient(
				kgo.SeedBrokers(brokers...),
				kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
					dlqTopic: {partition: kgo.NewOffset().At(offset)},
				}),
			)
			if err != nil {
				return fmt.Errorf("create consumer: %w", err)
			}
			defer consumer.Close()

			pollCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			fetches := consumer.PollFetches(pollCtx)
			if err := fetches.Err(); err != nil {
				return fmt.Errorf("read dlq message: %w", err)
			}
			records := fetches.Records()
			if len(records) == 0 || records[0].Offset != offset {
				return fmt.Errorf("no message at %s:%d", dlqTopic, offset)
			}
			record := records[0]

			target := kafka.Header(record, kafka.HeaderOriginalTopic)
			if override, _ := cmd.Flags().GetString("target-topic"); override != "" {
				target = override
			}
			if target == "" {
				target = mainTopic
			}

			producer, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
			if err != nil {
				return fmt.Errorf("create producer: %w", err)
			}
			defer producer.Close()

			// Send synchronously to wait for the broker's answer.
			retry := &kgo.Record{Topic: target, Key: record.Key, Value: record.Value}
			if err := producer.ProduceSync(cmd.Context(), retry).FirstErr(); err != nil {
				return fmt.Errorf("re-publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d:%d re-published to %s\n", okMark("OK"), partition, offset, target)
			return nil
		},
	}
	retryCmd.Flags().String("target-topic", "", "Override the topic to re-publish to")

	dlqCmd.AddCommand(viewCmd, retryCmd)
	return dlqCmd
}

func (a *app) kafkaTopics() (brokers []string, dlqTopic, mainTopic string, err error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, "", "", err
	}
	if cfg.Kafka.BootstrapServers == "" {
		return nil, "", "", errors.New("kafka.bootstrap_servers is not configured")
	}
	return strings.Split(cfg.Kafka.BootstrapServers, ","), cfg.Kafka.DLQTopic, cfg.Kafka.Topic, nil
}

// parsePartitionOffset parses "partition:offset".
func parsePartitionOffset(arg string) (int32, int64, error) {
	p, o, ok := strings.Cut(arg, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid format %q, expected partition:offset, e.g. 0:123", arg)
	}
	partition, err := strconv.ParseInt(p, 10, 32)
	if err != nil || partition < 0 {
		return 0, 0, fmt.Errorf("invalid partition %q", p)
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("invalid offset %q", o)
	}
	return int32(partition), offset, nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
