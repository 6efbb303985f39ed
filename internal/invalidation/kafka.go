package invalidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/models"
)

const (
	DefaultKafkaGroup = "marketlens-invalidation"
	DefaultKafkaTopic = "change_events"
	kafkaPollTimeout  = 500 * time.Millisecond
	kafkaErrorBackoff = time.Second
)

// Consumer is the subset of *kafka.Consumer the listener uses.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers string
	GroupID string
	Topic   string
}

// KafkaListener feeds JSON change events from a Kafka topic into a Router.
type KafkaListener struct {
	consumer Consumer
	topic    string
	router   *Router
	logger   logrus.FieldLogger
}

// NewKafkaConsumer builds a confluent consumer for the change-event topic.
func NewKafkaConsumer(cfg KafkaConfig) (*kafka.Consumer, error) {
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultKafkaGroup
	}
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return consumer, nil
}

func NewKafkaListener(consumer Consumer, topic string, router *Router, logger logrus.FieldLogger) *KafkaListener {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaListener{
		consumer: consumer,
		topic:    topic,
		router:   router,
		logger:   logger.WithField("component", "kafka-listener"),
	}
}

// Run consumes until ctx is cancelled, then closes the consumer.
// Malformed messages are logged and skipped.
func (l *KafkaListener) Run(ctx context.Context) error {
	if err := l.consumer.SubscribeTopics([]string{l.topic}, nil); err != nil {
		return fmt.Errorf("subscribe to %s: %w", l.topic, err)
	}
	l.logger.Infof("[kafka] consuming change events from %s", l.topic)

	defer func() {
		if err := l.consumer.Close(); err != nil {
			l.logger.Errorf("[kafka] error closing consumer: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("[kafka] listener stopped")
			return nil
		default:
		}

		msg, err := l.consumer.ReadMessage(kafkaPollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			l.logger.Warnf("[kafka] read failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(kafkaErrorBackoff):
			}
			continue
		}

		ev, err := decodeEvent(msg.Value)
		if err != nil {
			l.logger.Warnf("[kafka] skipping malformed message at %v: %v", msg.TopicPartition, err)
			continue
		}
		l.router.Handle(ev)
	}
}

func decodeEvent(data []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode change event: %w", err)
	}
	if ev.Table == "" {
		return ev, errors.New("change event without table")
	}
	return ev, nil
}
