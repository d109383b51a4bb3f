package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerOption tunes the Kafka writers created by a KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithBatchTimeout bounds how long a writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *KafkaProducer) {
		p.batchTimeout = d
	}
}

// WithAutoTopicCreation lets writers create missing topics. Local brokers only.
func WithAutoTopicCreation() ProducerOption {
	return func(p *KafkaProducer) {
		p.autoCreate = true
	}
}

// KafkaProducer lazily keeps one writer per topic. Records are partitioned
// by key hash, so all events of a workout share a partition and stay ordered.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration
	autoCreate   bool

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer for the given brokers.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers:      brokers,
		batchTimeout: 50 * time.Millisecond,
		writers:      make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages writes messages to topic, creating its writer on first use.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	writer, err := p.writer(topic)
	if err != nil {
		return err
	}
	return writer.WriteMessages(ctx, msgs...)
}

var errProducerClosed = errors.New("kafka producer closed")

func (p *KafkaProducer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writers == nil {
		return nil, errProducerClosed
	}
	if writer, ok := p.writers[topic]; ok {
		return writer, nil
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		BatchTimeout:           p.batchTimeout,
		AllowAutoTopicCreation: p.autoCreate,
	}
	p.writers[topic] = writer
	return writer, nil
}

// Close flushes and releases every writer. Later writes fail.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for _, writer := range p.writers {
		errs = errors.Join(errs, writer.Close())
	}
	p.writers = nil
	return errs
}
