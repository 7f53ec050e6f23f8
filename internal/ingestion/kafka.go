package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TroveLedger/internal/observability"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	RequiredAcks   int    // 0=none, 1=leader, -1=all
	Compression    string // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration
	FlushMessages  int
	MaxRetries     int
}

// DefaultKafkaConfig waits for all replicas: the topic is an audit feed.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:        brokers,
		Topic:          "trove.ledger.events",
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

func (c KafkaConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	switch c.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}
	switch c.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}
	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	// Hash partitioning on the key keeps one ordering partition on one
	// Kafka partition.
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// KafkaSink publishes outbound events through an async producer. Delivery
// failures surface on the producer's error channel, not from Publish.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	metrics  *observability.Metrics
	logger   zerolog.Logger

	sent   atomic.Int64
	failed atomic.Int64
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewKafkaSink(cfg KafkaConfig, metrics *observability.Metrics, logger zerolog.Logger) (*KafkaSink, error) {
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSinkFromProducer(producer, cfg.Topic, metrics, logger), nil
}

// NewKafkaSinkFromProducer wraps an existing producer. The producer must
// return errors.
func NewKafkaSinkFromProducer(producer sarama.AsyncProducer, topic string, metrics *observability.Metrics, logger zerolog.Logger) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		metrics:  metrics,
		logger:   logger.With().Str("component", "kafka").Logger(),
	}
	s.wg.Add(1)
	go s.handleErrors()
	return s
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish enqueues the event keyed by its ordering partition.
func (s *KafkaSink) Publish(ctx context.Context, evt OutboundEvent) error {
	if s.closed.Load() {
		return errors.New("kafka sink is closed")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.Partition),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.EventType)},
			{Key: []byte("sequence"), Value: []byte(fmt.Sprintf("%d", evt.Sequence))},
		},
	}
	select {
	case s.producer.Input() <- msg:
		s.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KafkaSink) handleErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		s.failed.Add(1)
		if s.metrics != nil {
			s.metrics.PublishErrors.WithLabelValues(s.Name()).Inc()
		}
		s.logger.Warn().Err(perr.Err).Str("topic", perr.Msg.Topic).Msg("kafka delivery failed")
	}
}

// Stats returns enqueued and failed message counts.
func (s *KafkaSink) Stats() (sent, failed int64) {
	return s.sent.Load(), s.failed.Load()
}

// Close flushes buffered messages and waits for the error drain.
func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.producer.AsyncClose()
	s.wg.Wait()
	return nil
}
