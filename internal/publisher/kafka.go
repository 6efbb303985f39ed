// Package publisher republishes merged live updates to Kafka.
package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/models"
)

const (
	DefaultTopic   = "market_updates"
	flushTimeoutMs = 5000
)

// Producer is the subset of *kafka.Producer the publisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// NewKafkaProducer builds a confluent producer for brokers.
func NewKafkaProducer(brokers string) (*kafka.Producer, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

type KafkaPublisher struct {
	producer Producer
	topic    string
	logger   logrus.FieldLogger

	reports   sync.WaitGroup
	closeOnce sync.Once

	sent   atomic.Uint64
	failed atomic.Uint64
}

// Stats counts delivery outcomes reported by the producer.
type Stats struct {
	Topic  string `json:"topic"`
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// NewKafkaPublisher starts the delivery report loop immediately.
func NewKafkaPublisher(producer Producer, topic string, logger logrus.FieldLogger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.WithField("component", "publisher"),
	}
	p.reports.Add(1)
	go p.deliveryReport()
	p.logger.Infof("[kafka] publishing updates to %s", topic)
	return p
}

// Publish enqueues d as JSON keyed by symbol. Delivery failures are reported
// asynchronously through the producer's event channel.
func (p *KafkaPublisher) Publish(d models.UnifiedMarketData) error {
	value, err := sonic.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Symbol, err)
	}
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(d.Symbol),
		Value:          value,
	}, nil)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("produce %s: %w", d.Symbol, err)
	}
	return nil
}

func (p *KafkaPublisher) deliveryReport() {
	defer p.reports.Done()
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.failed.Add(1)
				p.logger.Errorf("[kafka] message delivery failed: %v", ev.TopicPartition.Error)
				continue
			}
			p.sent.Add(1)
		case kafka.Error:
			p.logger.Warnf("[kafka] producer error: %v", ev)
		}
	}
}

func (p *KafkaPublisher) Stats() Stats {
	return Stats{Topic: p.topic, Sent: p.sent.Load(), Failed: p.failed.Load()}
}

// Close flushes pending messages and closes the producer.
func (p *KafkaPublisher) Close() {
	p.closeOnce.Do(func() {
		if left := p.producer.Flush(flushTimeoutMs); left > 0 {
			p.logger.Warnf("[kafka] %d messages not delivered before close", left)
		}
		p.producer.Close()
		p.reports.Wait()
		p.logger.Info("[kafka] producer closed")
	})
}
