package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Publisher publishes audit events
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NewPublisher builds the publishers listed in cfg.Events.Backend. More than
// one backend is wrapped in a Router.
func NewPublisher(cfg *config.Config, logger *logrus.Logger) (Publisher, error) {
	backends := cfg.Events.Backends()
	if len(backends) == 0 {
		return NewNoOpPublisher(), nil
	}

	publishers := make([]Publisher, 0, len(backends))
	for _, backend := range backends {
		p, err := newBackendPublisher(backend, cfg, logger)
		if err != nil {
			for _, built := range publishers {
				built.Close()
			}
			return nil, err
		}
		publishers = append(publishers, p)
	}

	if len(publishers) == 1 {
		return publishers[0], nil
	}
	logger.WithField("backends", backends).Info("Fanning audit events out to several backends")
	return NewRouter(logger, publishers...), nil
}

func newBackendPublisher(backend string, cfg *config.Config, logger *logrus.Logger) (Publisher, error) {
	switch backend {
	case "nats":
		return NewNATSPublisher(cfg.NATS, logger)
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka, logger), nil
	case "none":
		return NewNoOpPublisher(), nil
	}
	return nil, fmt.Errorf("unknown events backend: %q", backend)
}

// stamp copies the active span into the event metadata
func stamp(ctx context.Context, event *Event) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	event.Metadata.TraceID = sc.TraceID().String()
	event.Metadata.SpanID = sc.SpanID().String()
}

// NATSPublisher implements Publisher using NATS JetStream
type NATSPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	logger  *logrus.Logger
	stream  string
	subject string
}

// NewNATSPublisher connects to NATS and ensures the audit stream exists
func NewNATSPublisher(cfg config.NATSConfig, logger *logrus.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("aegis-trust"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &NATSPublisher{
		conn:    nc,
		js:      js,
		logger:  logger,
		stream:  cfg.StreamName,
		subject: cfg.Subject,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return publisher, nil
}

func (p *NATSPublisher) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{p.subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 5 * time.Minute,
		Replicas:   1,
	}

	_, err := p.js.AddStream(streamConfig)
	if err != nil {
		_, err = p.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create/update stream: %w", err)
		}
	}

	return nil
}

// Subject returns the JetStream subject an event is published on
func Subject(prefix string, event *Event) string {
	return fmt.Sprintf("%s.%s", prefix, event.Type)
}

// Publish publishes an event and waits for the JetStream ack
func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	stamp(ctx, event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(p.subject, event),
		Data:    data,
		Header: nats.Header{
			"Event-ID":       []string{event.ID},
			"Event-Type":     []string{string(event.Type)},
			"Event-Severity": []string{string(event.Severity)},
			"Event-Source":   []string{event.Source},
			"Content-Type":   []string{"application/json"},
			"Timestamp":      []string{event.Timestamp.Format(time.RFC3339)},
		},
	}
	// JetStream drops re-deliveries of the same id inside the duplicate window
	msg.Header.Set(nats.MsgIdHdr, event.ID)

	if event.Metadata.TraceID != "" {
		msg.Header.Add("Trace-ID", event.Metadata.TraceID)
		msg.Header.Add("Span-ID", event.Metadata.SpanID)
	}

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		p.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to publish event")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"sequence":   ack.Sequence,
		"stream":     ack.Stream,
	}).Debug("Event published successfully")

	return nil
}

// Close drains and closes the NATS connection
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		return p.conn.Drain()
	}
	return nil
}

// KafkaPublisher implements Publisher using Apache Kafka
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *logrus.Logger
	topic  string
}

// NewKafkaPublisher creates a Kafka publisher. Connections are made lazily
// by the writer on first publish.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *logrus.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		ErrorLogger:  kafka.LoggerFunc(logger.Errorf),
	}

	return &KafkaPublisher{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Message converts an event to a Kafka message keyed by subject so events
// of one object stay ordered within a partition.
func Message(event *Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Subject),
		Value: data,
		Headers: []kafka.Header{
			{Key: "Event-ID", Value: []byte(event.ID)},
			{Key: "Event-Type", Value: []byte(event.Type)},
			{Key: "Event-Severity", Value: []byte(event.Severity)},
			{Key: "Event-Source", Value: []byte(event.Source)},
			{Key: "Content-Type", Value: []byte("application/json")},
			{Key: "Timestamp", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
		Time: event.Timestamp,
	}

	if event.Metadata.TraceID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key: "Trace-ID", Value: []byte(event.Metadata.TraceID),
		})
	}

	return msg, nil
}

// Publish writes an event to Kafka
func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	stamp(ctx, event)

	msg, err := Message(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to publish event to Kafka")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"topic":      p.topic,
	}).Debug("Event published to Kafka successfully")

	return nil
}

// Close closes the Kafka writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoOpPublisher drops every event
type NoOpPublisher struct{}

func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(ctx context.Context, event *Event) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// MemoryPublisher keeps published events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event *Event) error {
	stamp(ctx, event)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a snapshot of everything published so far
func (p *MemoryPublisher) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns the published events of one type
func (p *MemoryPublisher) OfType(t Type) []*Event {
	var out []*Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *MemoryPublisher) Close() error {
	return nil
}

// Router fans events out to several publishers. Publishing succeeds when
// at least one publisher accepted the event.
type Router struct {
	publishers []Publisher
	logger     *logrus.Logger
}

func NewRouter(logger *logrus.Logger, publishers ...Publisher) *Router {
	return &Router{
		publishers: publishers,
		logger:     logger,
	}
}

func (r *Router) Publish(ctx context.Context, event *Event) error {
	var lastErr error
	successful := 0

	for i, publisher := range r.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			r.logger.WithError(err).WithField("publisher_index", i).Error("Failed to publish to publisher")
			lastErr = err
		} else {
			successful++
		}
	}

	if successful == 0 && lastErr != nil {
		return fmt.Errorf("failed to publish to any publisher: %w", lastErr)
	}

	return nil
}

func (r *Router) Close() error {
	for _, publisher := range r.publishers {
		if err := publisher.Close(); err != nil {
			r.logger.WithError(err).Error("Failed to close publisher")
		}
	}
	return nil
}
