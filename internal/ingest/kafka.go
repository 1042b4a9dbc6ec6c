// ABOUTME: Optional Kafka source bridging external producer records onto the ingest channel
// ABOUTME: At-most-once - records are committed as read; downstream validation drops bad ones

package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/classhive/chat-gateway/internal/bus"
	"github.com/classhive/chat-gateway/internal/config"
)

const readBackoff = time.Second

// KafkaSource consumes raw message records from a Kafka topic and republishes
// their values onto the bus ingest channel, where the ingestion consumer picks
// them up exactly as if they had been published directly.
type KafkaSource struct {
	reader   *kafka.Reader
	bus      bus.Broadcaster
	ingestCh string
	logger   *slog.Logger
}

// NewKafkaSource creates a source from the kafka section of the config.
// Pass nil logger for default.
func NewKafkaSource(cfg config.KafkaConfig, b bus.Broadcaster, ingestChannel string, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		bus:      b,
		ingestCh: ingestChannel,
		logger:   logger.With("component", "kafka-source"),
	}
}

// Run consumes records until ctx is cancelled. Read errors are logged and
// retried after a short backoff; a record that cannot be republished is lost,
// matching the pipeline's at-most-once contract.
func (k *KafkaSource) Run(ctx context.Context) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			k.logger.Warn("closing kafka reader", "error", err)
		}
	}()

	k.logger.Info("kafka source started", "topic", k.reader.Config().Topic)

	for {
		record, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				k.logger.Info("kafka source stopped")
				return nil
			}
			k.logger.Error("reading kafka record", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			continue
		}

		if err := k.bus.Publish(ctx, k.ingestCh, record.Value); err != nil {
			k.logger.Warn("republishing kafka record, record lost",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err)
		}
	}
}
