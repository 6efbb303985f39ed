package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testHTTPConfig(baseURL string) HTTPConfig {
	cfg := DefaultHTTPConfig("test", baseURL, 0)
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Breaker.MaxFailures = 2
	cfg.Breaker.Timeout = time.Hour
	return cfg
}

func TestRankConfidence(t *testing.T) {
	tests := []struct {
		rank Rank
		want models.Confidence
	}{
		{RankLive, models.ConfidenceHigh},
		{RankPrimary, models.ConfidenceMedium},
		{RankSecondary, models.ConfidenceLow},
		{RankTertiary, models.ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.rank.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rank.Confidence())
		})
	}
	assert.Greater(t, RankLive, RankPrimary)
	assert.Greater(t, RankPrimary, RankSecondary)
	assert.Greater(t, RankSecondary, RankTertiary)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("binance", cause)

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrProviderError)
	assert.Contains(t, err.Error(), "binance")

	err = Failed("coingecko", 404, errors.New("not found"))
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Equal(t, 404, StatusCode(err))
	assert.Contains(t, err.Error(), "status 404")
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", Unavailable("p", errors.New("x")), true},
		{"rate limited", Failed("p", http.StatusTooManyRequests, nil), true},
		{"server error", Failed("p", http.StatusBadGateway, nil), true},
		{"bad request", Failed("p", http.StatusBadRequest, nil), false},
		{"malformed", Failed("p", http.StatusOK, nil), false},
		{"foreign", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestParseDecimal(t *testing.T) {
	v := ParseDecimal("123.4500")
	require.NotNil(t, v)
	assert.InDelta(t, 123.45, *v, 1e-12)

	assert.Nil(t, ParseDecimal(""))
	assert.Nil(t, ParseDecimal("abc"))
	assert.Nil(t, PositiveDecimal("0"))
	assert.Nil(t, PositiveDecimal("-3"))

	s := Spread(models.Float(99), models.Float(101))
	require.NotNil(t, s)
	assert.Equal(t, 2.0, *s)
	assert.Nil(t, Spread(nil, models.Float(1)))
}

func TestTradeIDIsStable(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := TradeID("binance", "BTC", ts, 50000, 0.1)
	b := TradeID("binance", "BTC", ts, 50000, 0.1)
	c := TradeID("binance", "BTC", ts, 50000, 0.2)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "BTC", r.URL.Query().Get("symbol"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		w.Write([]byte(`{"price":"1.5"}`))
	}))
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.APIKey, cfg.APIKeyHeader = "secret", "X-Key"
	client := NewHTTPClient("test", cfg, quietLogger())

	var out struct {
		Price string `json:"price"`
	}
	err := client.GetJSON(context.Background(), "/ticker", url.Values{"symbol": {"BTC"}}, &out)

	require.NoError(t, err)
	assert.Equal(t, "1.5", out.Price)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "CLOSED", client.BreakerStats().State)
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad symbol", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewHTTPClient("test", testHTTPConfig(srv.URL), quietLogger())
	err := client.GetJSON(context.Background(), "/x", nil, &struct{}{})

	require.ErrorIs(t, err, ErrProviderError)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientClientErrorsKeepBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown coin", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient("test", testHTTPConfig(srv.URL), quietLogger())
	for i := 0; i < 5; i++ {
		err := client.GetJSON(context.Background(), "/x", nil, &struct{}{})
		require.ErrorIs(t, err, ErrProviderError)
	}
	stats := client.BreakerStats()
	assert.Equal(t, "CLOSED", stats.State)
	assert.Zero(t, stats.Trips)
}

func TestHTTPClientHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	client := NewHTTPClient("test", cfg, quietLogger())

	start := time.Now()
	require.NoError(t, client.GetJSON(context.Background(), "/x", nil, &struct{}{}))
	assert.Equal(t, int32(2), calls.Load())
	// the hint is capped by MaxDelay
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Zero(t, parseRetryAfter("-1"))
}

func TestHTTPClientMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client := NewHTTPClient("test", testHTTPConfig(srv.URL), quietLogger())
	var out map[string]any
	err := client.GetJSON(context.Background(), "/x", nil, &out)

	require.ErrorIs(t, err, ErrProviderError)
}

func TestHTTPClientBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient("test", testHTTPConfig(srv.URL), quietLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := client.GetJSON(ctx, "/x", nil, &struct{}{})
		require.ErrorIs(t, err, ErrProviderError)
	}

	err := client.GetJSON(ctx, "/x", nil, &struct{}{})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, faulttolerance.ErrCircuitBreakerOpen)
	stats := client.BreakerStats()
	assert.Equal(t, "OPEN", stats.State)
	assert.Equal(t, uint64(1), stats.Trips)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := NewHTTPClient("test", testHTTPConfig(addr), quietLogger())
	err := client.GetJSON(context.Background(), "/x", nil, &struct{}{})
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestWSClientReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		if n == 1 {
			// drop the first connection to force a reconnect
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []string
	var connects atomic.Int32
	client := NewWSClient(WSConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
	}, WSHandler{
		OnConnect: func(conn *websocket.Conn) error {
			connects.Add(1)
			return nil
		},
		OnMessage: func(msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			mu.Unlock()
			return nil
		},
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, connects.Load(), int32(2))
	assert.GreaterOrEqual(t, client.Reconnects(), uint64(2))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
