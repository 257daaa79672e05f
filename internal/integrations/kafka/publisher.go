package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"triagebot/internal/report"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher streams sealed run audit records, keyed by run id so every
// record of a run lands on the same partition.
type Publisher struct {
	writer      messageWriter
	topic       string
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func NewPublisher(brokers []string, topic string, logger *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(w, topic, logger), nil
}

func newPublisher(w messageWriter, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer:      w,
		topic:       topic,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
		logger:      logger.Named("kafka"),
	}
}

func (p *Publisher) Persist(ctx context.Context, audit report.AuditRecord) error {
	value, err := audit.JSON()
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(audit.RunID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(fmt.Sprint(audit.SchemaVersion))},
			{Key: "state", Value: []byte(audit.State)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			p.logger.Info("kafka audit published", zap.String("run_id", audit.RunID), zap.String("topic", p.topic), zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka publish cancelled: %w", lastErr)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("kafka publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
