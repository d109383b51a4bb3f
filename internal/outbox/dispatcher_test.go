package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"example.com/coaching/internal/events"
)

func TestWireFormatRoundTrip(t *testing.T) {
	payload := []byte(`{"workout_id":"W1"}`)
	frame := encodeWireFormat(42, payload)

	require.Equal(t, byte(0), frame[0])
	id, body := DecodeWireFormat(frame)
	require.Equal(t, 42, id)
	require.Equal(t, payload, body)

	id, body = DecodeWireFormat(payload)
	require.Zero(t, id)
	require.Equal(t, payload, body)
}

func TestDeliverSetsHeadersAndKeys(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 7}
	d := newTestDispatcher(producer, registry)

	messages := []Message{
		testMessage(1, events.TypeExecutionStarted, "W1"),
		testMessage(2, events.TypeWorkoutLocked, "W1"),
		testMessage(3, events.TypeExecutionStarted, "W2"),
	}
	require.NoError(t, d.deliver(context.Background(), messages))

	require.Len(t, producer.writes, 1)
	batch := producer.writes[0]
	require.Equal(t, events.Topic, batch.topic)
	require.Len(t, batch.messages, 3)

	first := batch.messages[0]
	require.Equal(t, "W1", string(first.Key))
	headers := map[string]string{}
	for _, h := range first.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.TypeExecutionStarted, headers[HeaderEventType])
	require.Equal(t, "t-1", headers[HeaderTrainerID])
	require.Equal(t, "1", headers[HeaderEventID])

	schemaID, body := DecodeWireFormat(first.Value)
	require.Equal(t, 7, schemaID)
	require.JSONEq(t, `{"workout_id":"W1"}`, string(body))

	// Two distinct subjects, each looked up once.
	require.Len(t, registry.calls, 2)
}

func TestDeliverRejectsUnknownEventType(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 1}
	d := newTestDispatcher(producer, registry)

	err := d.deliver(context.Background(), []Message{testMessage(1, "workout.deleted", "W1")})
	require.ErrorContains(t, err, "no schema metadata for event_type=workout.deleted")
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)
}

func TestDeliverSurfacesRegistryAndProducerErrors(t *testing.T) {
	d := newTestDispatcher(&stubProducer{}, &stubRegistry{err: errors.New("registry down")})
	err := d.deliver(context.Background(), []Message{testMessage(1, events.TypeExecutionCompleted, "W1")})
	require.ErrorContains(t, err, "registry down")

	d = newTestDispatcher(&stubProducer{err: errors.New("broker unavailable")}, &stubRegistry{id: 3})
	err = d.deliver(context.Background(), []Message{testMessage(1, events.TypeExecutionCompleted, "W1")})
	require.ErrorContains(t, err, "broker unavailable")
}

func TestBackoffDelayIsCapped(t *testing.T) {
	m := &DLQManager{baseDelay: 2 * time.Minute}
	require.Equal(t, 2*time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(2))
	require.Equal(t, time.Hour, m.backoffDelay(10))
	require.Equal(t, time.Hour, m.backoffDelay(40))
}

func newTestDispatcher(producer messageWriter, registry schemaRegistrar) *Dispatcher {
	logger, _ := test.NewNullLogger()
	return &Dispatcher{
		producer:         producer,
		registry:         registry,
		logger:           logger.WithField("test", true),
		shutdownComplete: make(chan struct{}),
	}
}

func testMessage(id int64, eventType, workoutID string) Message {
	return Message{
		EventID:       id,
		TrainerID:     "t-1",
		AggregateType: "execution",
		AggregateID:   "e-1",
		EventType:     eventType,
		Topic:         events.Topic,
		SchemaSubject: events.Topic + "-" + eventType,
		PartitionKey:  workoutID,
		Payload:       json.RawMessage(`{"workout_id":"` + workoutID + `"}`),
	}
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func TestKafkaProducerRejectsWritesAfterClose(t *testing.T) {
	producer := NewKafkaProducer([]string{"localhost:9092"}, WithBatchTimeout(time.Millisecond))
	require.NoError(t, producer.Close())

	err := producer.WriteMessages(context.Background(), "workout_lifecycle", kafka.Message{Value: []byte("x")})
	require.ErrorIs(t, err, errProducerClosed)
}
