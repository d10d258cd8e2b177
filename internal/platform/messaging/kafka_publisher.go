package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tablesync/orderengine/internal/domain"
)

// NewKafkaSyncProducer dials brokers with acknowledgement from every in-sync replica.
func NewKafkaSyncProducer(brokers []string, timeout time.Duration) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Partitioner = sarama.NewHashPartitioner
	if timeout > 0 {
		config.Producer.Timeout = timeout
	}

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher writes order events to a topic keyed by order id, so events for one order share a partition.
type KafkaPublisher struct {
	producer   sarama.SyncProducer
	topic      string
	logger     *zap.Logger
	propagator propagation.TextMapPropagator
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka publisher: producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		producer:   producer,
		topic:      topic,
		logger:     logger,
		propagator: otel.GetTextMapPropagator(),
	}, nil
}

// Observe sends event synchronously. Trace context travels in the record headers.
func (p *KafkaPublisher) Observe(ctx context.Context, event domain.Event) error {
	if event.Replayed {
		return nil
	}
	payload, err := marshalEnvelope(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	carrier := headerCarrier{
		{Key: []byte("event_type"), Value: []byte(event.Type)},
		{Key: []byte("event_id"), Value: []byte(event.ID)},
	}
	p.propagator.Inject(ctx, &carrier)

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(orderKey(event)),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader(carrier),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send order event %s: %w", event.ID, err)
	}

	traceID := ""
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	p.logger.Debug("order event published",
		zap.String("trace_id", traceID),
		zap.String("topic", p.topic),
		zap.String("event_id", event.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// headerCarrier adapts Kafka record headers to otel's TextMapCarrier.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
