package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricealert/internal/logger"
	"pricealert/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	DefaultTopic   = "price.updates"
	DefaultGroupID = "price-processing-group"

	pollTimeout  = 500 * time.Millisecond
	flushTimeout = 5000 // ms
)

// KafkaPublisher writes ticks to the price updates topic, keyed by symbol.
// It is the sink of the ingestion service.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	done     chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	kp := &KafkaPublisher{producer: p, topic: topic, done: make(chan struct{})}
	go kp.reportDeliveries()
	return kp, nil
}

func (p *KafkaPublisher) reportDeliveries() {
	defer close(p.done)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				logger.Log.Error("Kafka delivery failed",
					zap.String("key", string(ev.Key)),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			logger.Log.Error("Kafka producer error", zap.Error(ev))
		}
	}
}

// Submit queues tick for delivery. Delivery failures are logged
// asynchronously.
func (p *KafkaPublisher) Submit(ctx context.Context, tick models.Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := EncodeTick(tick)
	if err != nil {
		return err
	}
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(tick.Instrument),
		Value:          value,
	}, nil)
	if err != nil {
		// Dropped. The next tick carries a fresher price.
		logger.Log.Warn("Error producing Kafka message",
			zap.String("symbol", tick.Instrument),
			zap.Error(err),
		)
	}
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (p *KafkaPublisher) Close() {
	if left := p.producer.Flush(flushTimeout); left > 0 {
		logger.Log.Warn("Kafka messages not delivered before shutdown", zap.Int("count", left))
	}
	p.producer.Close()
	<-p.done
}

// KafkaSource consumes price updates and feeds them to a sink. It is the
// alternative to reading Binance directly in the price processor.
type KafkaSource struct {
	consumer *kafka.Consumer
	now      func() time.Time
}

func NewKafkaSource(brokers []string, groupID, topic string) (*KafkaSource, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
		"group.id":          groupID,
		"auto.offset.reset": "latest",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	logger.Log.Info("Listening for price updates", zap.String("topic", topic), zap.String("group", groupID))
	return &KafkaSource{consumer: c, now: time.Now}, nil
}

// Run consumes until ctx is cancelled or the sink refuses a tick.
func (s *KafkaSource) Run(ctx context.Context, sink TickSink) error {
	for ctx.Err() == nil {
		msg, err := s.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			logger.Log.Error("Kafka consumer error", zap.Error(err))
			continue
		}

		tick, err := DecodePriceUpdate(msg.Value, s.now())
		if err != nil {
			feedMalformedTotal.Inc()
			logger.Log.Warn("Error parsing price update", zap.Error(err))
			continue
		}
		if err := sink.Submit(ctx, tick); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit tick: %w", err)
		}
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}
