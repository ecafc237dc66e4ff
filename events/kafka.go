package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/resilience"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic. Writes are retried and
// guarded by a circuit breaker so an unreachable broker does not stall runs.
type KafkaPublisher struct {
	writer  messageWriter
	cfg     Config
	breaker *resilience.CircuitBreaker
	log     *logger.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher backed by a kafka-go Writer.
func NewKafkaPublisher(cfg Config, log *logger.Logger) (*KafkaPublisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("events: kafka is disabled")
	}

	transport, err := newTransport(&cfg)
	if err != nil {
		return nil, fmt.Errorf("events: kafka transport: %w", err)
	}

	log = log.WithComponent("events.kafka")
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Transport:    transport,
		Balancer:     &kafkago.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: parseDuration(cfg.BatchTimeout),
		RequiredAcks: kafkago.RequiredAcks(cfg.RequiredAcks),
		Compression:  resolveCompression(cfg.Compression),
		WriteTimeout: parseDuration(cfg.WriteTimeout),
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error("writer: "+msg, map[string]interface{}{
				"args": fmt.Sprintf("%v", args),
			})
		}),
	}

	log.Info("Kafka event publisher initialized", map[string]interface{}{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	})
	return newKafkaPublisher(writer, cfg, log), nil
}

func newKafkaPublisher(w messageWriter, cfg Config, log *logger.Logger) *KafkaPublisher {
	p := &KafkaPublisher{writer: w, cfg: cfg, log: log}
	p.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "events.kafka",
		MaxFailures: cfg.BreakerFailures,
		Timeout:     parseDuration(cfg.BreakerTimeout),
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return p
}

// Publish writes event keyed by its Subject, falling back to its ID.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("events: publisher is closed")
	}

	if p.cfg.Source != "" {
		event.Source = p.cfg.Source
	}
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}

	key := event.Subject
	if key == "" {
		key = event.ID
	}
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event-id", Value: []byte(event.ID)},
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-source", Value: []byte(event.Source)},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: event.Timestamp,
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    p.cfg.Retries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		RetryIf:        IsRetryableError,
	}
	err = resilience.RetryFunc(ctx, retry, func() error {
		return p.breaker.Execute(func() error {
			return p.writer.WriteMessages(ctx, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.log.Info("Kafka event publisher closing")
	return p.writer.Close()
}
