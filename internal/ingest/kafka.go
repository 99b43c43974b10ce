package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"metersentry/internal/config"
	"metersentry/internal/pipeline"
)

// StartKafka consumes raw signed readings from the configured topic and feeds
// them to the pipeline. Each message value is one JSON reading; the message
// key, when present, identifies the submitting client for admission control.
func StartKafka(ctx context.Context, cfg *config.Manager, pipe *pipeline.Pipeline, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			clientID := string(m.Key)
			if !pipe.SubmitAsync(clientID, m.Value) {
				if logger != nil {
					logger.Warn("ingest queue full, dropping message",
						"topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
				}
			}
		}
	}()
}
