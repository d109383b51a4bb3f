package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "consumer",
		Name:      "messages_processed_total",
		Help:      "Lifecycle events projected into the execution log.",
	}, []string{"topic", "event_type"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "consumer",
		Name:      "handler_errors_total",
		Help:      "Projection failures left uncommitted for redelivery.",
	}, []string{"topic", "event_type"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "consumer",
		Name:      "decode_errors_total",
		Help:      "Records dropped because their frame, headers or envelope were invalid.",
	}, []string{"topic"})

	deliveryLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coaching",
		Subsystem: "consumer",
		Name:      "delivery_lag_seconds",
		Help:      "Time between a record being produced and its projection.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, deliveryLag)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	if msg.Timestamp.IsZero() {
		return
	}
	if lag := time.Since(msg.Timestamp); lag >= 0 {
		deliveryLag.WithLabelValues(msg.EventType).Observe(lag.Seconds())
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}

// receivedAt is the produce time of msg, or now when the broker sent none.
func receivedAt(msg Message) time.Time {
	if msg.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return msg.Timestamp.UTC()
}
