package events

import (
	"context"

	"github.com/kbukum/modelrun/logger"
)

// LogPublisher writes events to the log. Used when Kafka is disabled.
type LogPublisher struct {
	log *logger.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: log.WithComponent("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	fields := map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"subject":    event.Subject,
	}
	for k, v := range event.Data {
		fields[k] = v
	}
	p.log.WithContext(ctx).Info("event", fields)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// New returns a KafkaPublisher when cfg is enabled and a LogPublisher otherwise.
func New(cfg Config, log *logger.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NewLogPublisher(log), nil
	}
	return NewKafkaPublisher(cfg, log)
}
