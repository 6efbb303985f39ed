package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

type stream struct {
	events    chan models.RawQuote
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Events() <-chan models.RawQuote { return s.events }

// Close stops the connection and waits for the reader to exit. The events
// channel is closed afterwards.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe opens one combined ticker stream for symbols. The first dial is
// synchronous; later drops reconnect with backoff until ctx ends or Close.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string) (source.Stream, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, source.Failed(Name, 0, errors.New("no symbols to subscribe"))
	}

	bySymbol := make(map[string]string, len(symbols))
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		pair := a.pair(sym)
		bySymbol[pair] = sym
		params = append(params, streamName(pair))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		events: make(chan models.RawQuote, a.cfg.StreamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger := a.logger.WithField("streams", len(params))

	var client *source.WSClient
	client = source.NewWSClient(source.WSConfig{
		URL:          a.cfg.WSURL,
		ReconnectMin: a.cfg.ReconnectMin,
		ReconnectMax: a.cfg.ReconnectMax,
	}, source.WSHandler{
		OnConnect: func(conn *websocket.Conn) error {
			return client.WriteJSON(conn, subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: 1})
		},
		OnMessage: func(msg []byte) error {
			var env streamEnvelope
			if err := source.Decode(msg, &env); err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}
			if env.Stream == "" || env.Data.EventType != "24hrTicker" {
				// subscription acks and other frames
				return nil
			}
			sym, ok := bySymbol[strings.ToUpper(env.Data.Symbol)]
			if !ok {
				return nil
			}
			q := env.Data.toQuote(sym)
			if q.Price == nil {
				return nil
			}
			a.remember(q)
			select {
			case s.events <- q:
			case <-streamCtx.Done():
			}
			return nil
		},
	}, logger)

	conn, err := client.Dial(streamCtx)
	if err != nil {
		cancel()
		return nil, source.Unavailable(Name, err)
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		client.Run(streamCtx, conn)
	}()

	return s, nil
}
