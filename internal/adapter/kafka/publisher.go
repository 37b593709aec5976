// Package kafka publishes per-file provenance events so downstream consumers
// can react to finished ingestions without polling the database.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
)

// FileEvent is the message body published when a source file reaches a
// terminal status.
type FileEvent struct {
	FileName             string    `json:"file_name"`
	Year                 int       `json:"year"`
	State                string    `json:"state"`
	StationName          string    `json:"station_name"`
	Status               string    `json:"status"`
	RowsProcessed        int       `json:"rows_processed"`
	ObservationsInserted int       `json:"observations_inserted"`
	ObservationsUpdated  int       `json:"observations_updated"`
	ParseFailures        int       `json:"parse_failures"`
	ProcessedAt          time.Time `json:"processed_at"`
}

// Publisher produces file events to a Kafka topic.
type Publisher struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPublisher creates a Kafka producer for the file events topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger, metrics: metrics}
}

// PublishFileEvent publishes the terminal provenance state of one file.
func (p *Publisher) PublishFileEvent(ctx context.Context, pf domain.ProcessedFile) error {
	msg, err := serializeToMessage(pf)
	if err != nil {
		p.metrics.EventsFailed.Inc()
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.EventsFailed.Inc()
		return fmt.Errorf("publish file event for %s: %w", pf.FileName, err)
	}
	p.metrics.EventsPublished.Inc()
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a processed file into a Kafka message keyed by
// file name, so replays for the same file land in the same partition.
func serializeToMessage(pf domain.ProcessedFile) (kafkago.Message, error) {
	event := FileEvent{
		FileName:             pf.FileName,
		Year:                 pf.Year,
		State:                pf.State,
		StationName:          pf.StationName,
		Status:               string(pf.Status),
		RowsProcessed:        pf.RowsProcessed,
		ObservationsInserted: pf.ObservationsInserted,
		ObservationsUpdated:  pf.ObservationsUpdated,
		ParseFailures:        pf.ParseFailures,
		ProcessedAt:          pf.ProcessedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize file event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(pf.FileName),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(pf.Status)},
			{Key: "processed_at", Value: []byte(pf.ProcessedAt.Format(time.RFC3339))},
		},
	}, nil
}
