package invalidation

import (
	"context"
	"io"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/marketlens/internal/cache"
	"github.com/navid-fn/marketlens/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var seededKeys = []string{
	"market:BTC:ticker",
	"market:BTC:orderbook",
	"market:BTC:trades",
	"market:BTCB:ticker",
	"market:ETH:ticker",
	"market:ETH:trades",
	"market:all:aggregate:BTC,ETH",
	"market:all:aggregate:BTCB,ETH",
	"market:all:aggregate:ETH",
	"user:42:portfolio",
	"user:42:orders",
	"user:420:portfolio",
	"agent:7:ticker",
	"agent:8:ticker",
}

func seededCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Config{DefaultTTL: time.Minute}, quietLogger())
	for _, k := range seededKeys {
		c.Set(k, 1, 0)
	}
	return c
}

func remaining(c *cache.Cache) []string {
	var left []string
	for _, k := range seededKeys {
		if _, ok := c.Get(k); ok {
			left = append(left, k)
		}
	}
	sort.Strings(left)
	return left
}

func without(drop ...string) []string {
	gone := make(map[string]bool)
	for _, d := range drop {
		gone[d] = true
	}
	var out []string
	for _, k := range seededKeys {
		if !gone[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func TestRouterHandle(t *testing.T) {
	tests := []struct {
		name    string
		event   models.ChangeEvent
		evicted []string
	}{
		{
			name:    "ticker update evicts symbol and aggregates holding it",
			event:   models.ChangeEvent{Table: TableTickers, EventType: models.EventUpdate, NewRecord: map[string]any{"symbol": "btc"}},
			evicted: []string{"market:BTC:ticker", "market:BTC:orderbook", "market:BTC:trades", "market:all:aggregate:BTC,ETH"},
		},
		{
			name:    "price feed behaves like tickers",
			event:   models.ChangeEvent{Table: TablePriceFeeds, EventType: models.EventInsert, NewRecord: map[string]any{"symbol": "ETH"}},
			evicted: []string{"market:ETH:ticker", "market:ETH:trades", "market:all:aggregate:BTC,ETH", "market:all:aggregate:BTCB,ETH", "market:all:aggregate:ETH"},
		},
		{
			name:    "trade insert evicts trades only",
			event:   models.ChangeEvent{Table: TableTrades, EventType: models.EventInsert, NewRecord: map[string]any{"symbol": "BTC"}},
			evicted: []string{"market:BTC:trades"},
		},
		{
			name:    "holding with agent evicts user and agent",
			event:   models.ChangeEvent{Table: TableHoldings, EventType: models.EventUpdate, NewRecord: map[string]any{"user_id": "42", "agent_id": 7.0}},
			evicted: []string{"user:42:portfolio", "user:42:orders", "agent:7:ticker"},
		},
		{
			name:    "portfolio delete falls back to old record",
			event:   models.ChangeEvent{Table: TablePortfolios, EventType: models.EventDelete, OldRecord: map[string]any{"user_id": "42"}},
			evicted: []string{"user:42:portfolio", "user:42:orders"},
		},
		{
			name:    "order mutation evicts user",
			event:   models.ChangeEvent{Table: TableOrders, EventType: models.EventInsert, NewRecord: map[string]any{"user_id": 420}},
			evicted: []string{"user:420:portfolio"},
		},
		{
			name:  "unknown table is a no-op",
			event: models.ChangeEvent{Table: "strategies", EventType: models.EventUpdate, NewRecord: map[string]any{"symbol": "BTC"}},
		},
		{
			name:  "missing routing id is a no-op",
			event: models.ChangeEvent{Table: TableTickers, EventType: models.EventUpdate, NewRecord: map[string]any{"price": 1.0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := seededCache(t)
			r := NewRouter(c, quietLogger())

			n := r.Handle(tt.event)

			assert.Equal(t, len(tt.evicted), n)
			assert.Equal(t, without(tt.evicted...), remaining(c))
		})
	}
}

type countingEvictor struct {
	patterns []string
}

func (e *countingEvictor) InvalidatePattern(pattern string) int {
	e.patterns = append(e.patterns, pattern)
	return 0
}

func TestRouterOnePatternPerEvent(t *testing.T) {
	ev := &countingEvictor{}
	r := NewRouter(ev, quietLogger())

	r.Handle(models.ChangeEvent{Table: TableHoldings, NewRecord: map[string]any{"user_id": "1", "agent_id": "2"}})
	r.Handle(models.ChangeEvent{Table: "unknown"})
	r.OnQuote(models.RawQuote{Symbol: "BTC"})

	assert.Equal(t, []string{`^(user:1|agent:2):`, `^(?:market:BTC:|market:all:aggregate:(?:[^,]*,)*BTC(?:,|$))`}, ev.patterns)
	assert.Equal(t, Stats{Routed: 2, Ignored: 1}, r.Stats())
}

func TestTickerPatternMatchesAggregateMembers(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"market:BTC:ticker", true},
		{"market:BTCB:ticker", false},
		{"market:all:aggregate:BTC", true},
		{"market:all:aggregate:BTC,ETH", true},
		{"market:all:aggregate:AAVE,BTC,ETH", true},
		{"market:all:aggregate:AAVE,BTC", true},
		{"market:all:aggregate:BTCB,ETH", false},
		{"market:all:aggregate:ETH,XBTC", false},
		{"market:all:aggregate:ETH", false},
		{"asset:BTC:profile", false},
	}
	p, ok := Pattern(models.ChangeEvent{Table: TableTickers, NewRecord: map[string]any{"symbol": "BTC"}})
	require.True(t, ok)
	re := regexp.MustCompile(p)
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, re.MatchString(tt.key))
		})
	}
}

func TestPatternQuotesIDs(t *testing.T) {
	p, ok := Pattern(models.ChangeEvent{Table: TableOrders, NewRecord: map[string]any{"user_id": "a.b"}})
	require.True(t, ok)
	assert.Equal(t, `^user:a\.b:`, p)
}

type fakeConsumer struct {
	mu       sync.Mutex
	messages [][]byte
	topics   []string
	closed   bool
}

func (f *fakeConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	f.topics = topics
	return nil
}

func (f *fakeConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		time.Sleep(time.Millisecond)
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	v := f.messages[0]
	f.messages = f.messages[1:]
	return &kafka.Message{Value: v}, nil
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConsumer) drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages) == 0
}

func TestKafkaListenerRoutesAndSkipsMalformed(t *testing.T) {
	c := seededCache(t)
	r := NewRouter(c, quietLogger())
	consumer := &fakeConsumer{messages: [][]byte{
		[]byte(`not json`),
		[]byte(`{"event_type":"update"}`),
		[]byte(`{"table":"trades","event_type":"insert","new_record":{"symbol":"ETH"}}`),
	}}
	l := NewKafkaListener(consumer, "", r, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := c.Get("market:ETH:trades")
		return consumer.drained() && !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{DefaultKafkaTopic}, consumer.topics)
	assert.True(t, consumer.closed)
	assert.Equal(t, without("market:ETH:trades"), remaining(c))
}

func TestRedisListenerServe(t *testing.T) {
	c := seededCache(t)
	r := NewRouter(c, quietLogger())
	l := NewRedisListener(nil, "", r, quietLogger())

	messages := make(chan *redis.Message, 3)
	messages <- &redis.Message{Channel: "changes:orders", Payload: `{"table":"orders","event_type":"update","new_record":{"user_id":"42"}}`}
	messages <- &redis.Message{Channel: "changes:junk", Payload: `{`}
	messages <- &redis.Message{Channel: "changes:tickers", Payload: `{"table":"tickers","event_type":"delete","old_record":{"symbol":"ETH"}}`}
	close(messages)

	l.serve(context.Background(), messages)

	assert.Equal(t, without(
		"user:42:portfolio", "user:42:orders",
		"market:ETH:ticker", "market:ETH:trades",
		"market:all:aggregate:BTC,ETH", "market:all:aggregate:BTCB,ETH", "market:all:aggregate:ETH",
	), remaining(c))
	assert.Equal(t, DefaultRedisPattern, l.pattern)
}

type countingPubSub struct {
	*redis.Client
	calls atomic.Int32
}

func (c *countingPubSub) PSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	c.calls.Add(1)
	return c.Client.PSubscribe(ctx, channels...)
}

func TestRedisListenerRetriesFailedSubscribe(t *testing.T) {
	client := &countingPubSub{Client: redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})}
	defer client.Close()

	l := NewRedisListener(client, "", NewRouter(seededCache(t), quietLogger()), quietLogger())
	l.retryMin = 5 * time.Millisecond
	l.retryMax = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Run(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.GreaterOrEqual(t, client.calls.Load(), int32(2))
}
