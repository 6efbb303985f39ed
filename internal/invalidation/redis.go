package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRedisPattern = "changes:*"

	redisRetryMin = time.Second
	redisRetryMax = 30 * time.Second
)

// PubSubClient is satisfied by *redis.Client and redis.UniversalClient.
type PubSubClient interface {
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisListener feeds change events published on Redis channels matching a
// pattern into a Router. Payloads use the same JSON shape the Kafka topic
// carries.
type RedisListener struct {
	client  PubSubClient
	pattern string
	router  *Router
	logger  logrus.FieldLogger

	retryMin time.Duration
	retryMax time.Duration
}

func NewRedisListener(client PubSubClient, pattern string, router *Router, logger logrus.FieldLogger) *RedisListener {
	if pattern == "" {
		pattern = DefaultRedisPattern
	}
	return &RedisListener{
		client:   client,
		pattern:  pattern,
		router:   router,
		logger:   logger.WithField("component", "redis-listener"),
		retryMin: redisRetryMin,
		retryMax: redisRetryMax,
	}
}

// Run subscribes and serves until ctx is cancelled. A failed PSUBSCRIBE is
// retried with a backoff that doubles per failure up to a ceiling; a
// subscription that ends on its own is re-established. Run returns nil once
// ctx ends.
func (l *RedisListener) Run(ctx context.Context) error {
	delay := l.retryMin
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			l.logger.Info("[redis] listener stopped")
			return nil
		}
		if err != nil {
			l.logger.Warnf("[redis] %v, retrying in %v", err, delay)
		} else {
			delay = l.retryMin
			l.logger.Warnf("[redis] subscription closed, resubscribing in %v", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("[redis] listener stopped")
			return nil
		case <-timer.C:
		}
		if err != nil {
			delay = min(delay*2, l.retryMax)
		}
	}
}

// listen runs one subscription until it ends or ctx is cancelled.
func (l *RedisListener) listen(ctx context.Context) error {
	pubsub := l.client.PSubscribe(ctx, l.pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", l.pattern, err)
	}
	l.logger.Infof("[redis] listening for change events on %s", l.pattern)

	l.serve(ctx, pubsub.Channel())
	return nil
}

func (l *RedisListener) serve(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				l.logger.Warnf("[redis] skipping malformed message on %s: %v", msg.Channel, err)
				continue
			}
			l.router.Handle(ev)
		}
	}
}
