package hub

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

type fakeStream struct {
	events chan models.RawQuote
	once   sync.Once
	closed atomic.Bool
}

func (s *fakeStream) Events() <-chan models.RawQuote { return s.events }

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
	return nil
}

// send delivers q unless the stream is already closed.
func (s *fakeStream) send(q models.RawQuote) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.events <- q
	return true
}

type fakeLive struct {
	mu      sync.Mutex
	streams []*fakeStream
	opened  map[string]int
	err     error

	// gates hold a dial for a group key until closed; dialing reports
	// each gated dial as it starts.
	gates   map[string]chan struct{}
	dialing chan string
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		opened:  make(map[string]int),
		gates:   make(map[string]chan struct{}),
		dialing: make(chan string, 8),
	}
}

func (f *fakeLive) Name() string      { return "live" }
func (f *fakeLive) Rank() source.Rank { return source.RankLive }

func (f *fakeLive) Fetch(ctx context.Context, symbols []string) ([]models.RawQuote, error) {
	return nil, nil
}

func (f *fakeLive) Subscribe(ctx context.Context, symbols []string) (source.Stream, error) {
	key, _ := GroupKey(symbols)
	f.mu.Lock()
	gate := f.gates[key]
	f.mu.Unlock()
	if gate != nil {
		f.dialing <- key
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opened[key]++
	s := &fakeStream{events: make(chan models.RawQuote, 16)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeLive) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func (f *fakeLive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func quote(sym string, price float64) models.RawQuote {
	return models.RawQuote{Symbol: sym, Source: "live", Price: models.Float(price), Timestamp: time.Now()}
}

func recv(t *testing.T, sub *Subscription) models.RawQuote {
	t.Helper()
	select {
	case q, ok := <-sub.C():
		require.True(t, ok, "channel closed")
		return q
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quote")
		return models.RawQuote{}
	}
}

func TestSubscribeDedupsIdenticalSets(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()
	ctx := context.Background()

	a, err := h.Subscribe(ctx, []string{"btc", "ETH"}, 0)
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, []string{"ETH", "BTC", "btc"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, live.count())
	assert.Equal(t, 1, h.Groups())
	assert.Equal(t, []string{"BTC", "ETH"}, b.Symbols())

	live.stream(0).send(quote("BTC", 1))
	assert.Equal(t, 1.0, *recv(t, a).Price)
	assert.Equal(t, 1.0, *recv(t, b).Price)

	h.Unsubscribe(a)
	assert.False(t, live.stream(0).closed.Load())

	live.stream(0).send(quote("ETH", 2))
	assert.Equal(t, "ETH", recv(t, b).Symbol)

	_, open := <-a.C()
	assert.False(t, open)

	h.Unsubscribe(b)
	assert.True(t, live.stream(0).closed.Load())
	assert.Equal(t, 0, h.Groups())
}

func TestDifferentSetsOpenSeparateStreams(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	_, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)
	_, err = h.Subscribe(context.Background(), []string{"BTC", "ETH"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, live.count())
	stats := h.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, []string{"BTC"}, stats[0].Symbols)
	assert.Equal(t, 1, stats[0].Subscribers)
}

func TestResubscribeAfterLastUnsubscribeOpensNewStream(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	a, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)
	h.Unsubscribe(a)
	h.Unsubscribe(a)

	_, err = h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, live.count())
	assert.Equal(t, 2, live.opened["BTC"])
}

func TestUnsubscribeFinality(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	var calls atomic.Int32
	keep, err := h.SubscribeFunc(context.Background(), []string{"BTC"}, func(models.RawQuote) {})
	require.NoError(t, err)
	defer h.Unsubscribe(keep)

	sub, err := h.SubscribeFunc(context.Background(), []string{"BTC"}, func(models.RawQuote) {
		calls.Add(1)
	})
	require.NoError(t, err)

	live.stream(0).send(quote("BTC", 1))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	h.Unsubscribe(sub)
	after := calls.Load()
	for i := 0; i < 10; i++ {
		live.stream(0).send(quote("BTC", float64(i)))
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, after, calls.Load())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	var calls atomic.Int32
	_, err := h.SubscribeFunc(context.Background(), []string{"BTC"}, func(q models.RawQuote) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	require.NoError(t, err)

	live.stream(0).send(quote("BTC", 1))
	live.stream(0).send(quote("BTC", 2))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	slow, err := h.Subscribe(context.Background(), []string{"BTC"}, 1)
	require.NoError(t, err)
	fast, err := h.Subscribe(context.Background(), []string{"BTC"}, 16)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		live.stream(0).send(quote("BTC", float64(i)))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, float64(i), *recv(t, fast).Price)
	}

	assert.Equal(t, uint64(4), slow.Dropped())
	assert.Equal(t, 0.0, *recv(t, slow).Price)
}

func TestObserverSeesEveryQuote(t *testing.T) {
	live := newFakeLive()
	var seen atomic.Int32
	h := New(live, Config{Observer: func(models.RawQuote) { seen.Add(1) }}, quietLogger())
	defer h.UnsubscribeAll()

	sub, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)
	live.stream(0).send(quote("BTC", 1))
	recv(t, sub)

	assert.Equal(t, int32(1), seen.Load())
}

func TestContextCancelUnsubscribes(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.Subscribe(ctx, []string{"BTC"}, 0)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not removed after cancel")
	}
	assert.Eventually(t, func() bool { return live.stream(0).closed.Load() }, time.Second, time.Millisecond)
}

func TestUpstreamEndClosesSubscribers(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	sub, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)
	live.stream(0).Close()

	select {
	case _, open := <-sub.C():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Eventually(t, func() bool { return h.Groups() == 0 }, time.Second, time.Millisecond)
	h.Unsubscribe(sub)
}

func TestUnsubscribeAllIsTerminal(t *testing.T) {
	live := newFakeLive()
	h := New(live, Config{}, quietLogger())

	sub, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)

	h.UnsubscribeAll()
	h.UnsubscribeAll()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.True(t, live.stream(0).closed.Load())

	_, err = h.Subscribe(context.Background(), []string{"BTC"}, 0)
	assert.ErrorIs(t, err, ErrClosed)
	h.Unsubscribe(sub)
}

func TestSubscribeErrors(t *testing.T) {
	h := New(nil, Config{}, quietLogger())
	_, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	assert.ErrorIs(t, err, ErrNoLiveAdapter)

	live := newFakeLive()
	live.err = errors.New("dial failed")
	h = New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	_, err = h.Subscribe(context.Background(), []string{" "}, 0)
	assert.ErrorIs(t, err, ErrNoSymbols)

	_, err = h.Subscribe(context.Background(), []string{"BTC"}, 0)
	assert.EqualError(t, err, "dial failed")
	assert.Equal(t, 0, h.Groups())
}

func TestSlowDialDoesNotBlockOtherGroups(t *testing.T) {
	live := newFakeLive()
	gate := make(chan struct{})
	live.gates["SLOW"] = gate
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	type result struct {
		sub *Subscription
		err error
	}
	slow := make(chan result, 2)
	subscribeSlow := func() {
		sub, err := h.Subscribe(context.Background(), []string{"SLOW"}, 0)
		slow <- result{sub, err}
	}
	go subscribeSlow()
	require.Equal(t, "SLOW", <-live.dialing)

	start := time.Now()
	btc, err := h.Subscribe(context.Background(), []string{"BTC"}, 0)
	require.NoError(t, err)
	stats := h.Stats()
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.Len(t, stats, 2)
	assert.Equal(t, GroupStats{Symbols: []string{"BTC"}, Subscribers: 1}, stats[0])
	assert.Equal(t, GroupStats{Symbols: []string{"SLOW"}, Pending: true}, stats[1])

	// a second subscriber to the pending set shares its dial
	go subscribeSlow()
	close(gate)

	first, second := <-slow, <-slow
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.sub.group, second.sub.group)
	assert.Equal(t, 1, live.opened["SLOW"])
	assert.Equal(t, 2, h.Groups())

	require.True(t, live.stream(1).send(quote("SLOW", 1)))
	assert.Equal(t, "SLOW", recv(t, first.sub).Symbol)
	assert.Equal(t, "SLOW", recv(t, second.sub).Symbol)

	h.Unsubscribe(btc)
	assert.Equal(t, 1, h.Groups())
}

func TestWaiterGivesUpOnPendingDial(t *testing.T) {
	live := newFakeLive()
	gate := make(chan struct{})
	live.gates["SLOW"] = gate
	h := New(live, Config{}, quietLogger())
	defer h.UnsubscribeAll()

	go func() { _, _ = h.Subscribe(context.Background(), []string{"SLOW"}, 0) }()
	<-live.dialing

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Subscribe(ctx, []string{"SLOW"}, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	assert.Eventually(t, func() bool {
		st := h.Stats()
		return len(st) == 1 && st[0].Subscribers == 1 && !st[0].Pending
	}, time.Second, time.Millisecond)
}

func TestUnsubscribeAllAbortsPendingDial(t *testing.T) {
	live := newFakeLive()
	live.gates["SLOW"] = make(chan struct{})
	h := New(live, Config{}, quietLogger())

	errs := make(chan error, 1)
	go func() {
		_, err := h.Subscribe(context.Background(), []string{"SLOW"}, 0)
		errs <- err
	}()
	<-live.dialing

	done := make(chan struct{})
	go func() {
		h.UnsubscribeAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("UnsubscribeAll blocked on a pending dial")
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Equal(t, 0, h.Groups())
}
