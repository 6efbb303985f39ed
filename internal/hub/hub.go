// Package hub multiplexes live-feed streams: one upstream stream per unique
// symbol set, fanned out to any number of subscriptions.
package hub

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const DefaultBuffer = 64

var (
	ErrClosed        = errors.New("hub closed")
	ErrNoSymbols     = errors.New("no symbols to subscribe")
	ErrNoLiveAdapter = errors.New("no live adapter configured")
	ErrStreamEnded   = errors.New("upstream stream ended")
)

// Observer sees every inbound quote before fan-out.
type Observer func(models.RawQuote)

type Config struct {
	DefaultBuffer int
	Observer      Observer
}

type Hub struct {
	live     source.LiveAdapter
	buffer   int
	observer Observer
	logger   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	mu     sync.Mutex
	groups map[string]*group
	nextID uint64
	closed bool
}

type group struct {
	key     string
	symbols []string

	// ready closes once the dial finishes; stream and err are set before.
	ready  chan struct{}
	stream source.Stream
	err    error

	mu   sync.Mutex
	subs []*Subscription
}

// Subscription is a single-consumer handle on a symbol set.
type Subscription struct {
	id      uint64
	symbols []string
	group   *group
	ch      chan models.RawQuote
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
}

func (s *Subscription) ID() uint64                { return s.id }
func (s *Subscription) Symbols() []string         { return append([]string{}, s.symbols...) }
func (s *Subscription) C() <-chan models.RawQuote { return s.ch }
func (s *Subscription) Dropped() uint64           { return s.dropped.Load() }
func (s *Subscription) Done() <-chan struct{}     { return s.done }
func (s *Subscription) active() bool              { return !s.closed.Load() }

// GroupStats describes one upstream stream. Pending streams are still
// being dialed.
type GroupStats struct {
	Symbols     []string `json:"symbols"`
	Subscribers int      `json:"subscribers"`
	Dropped     uint64   `json:"dropped"`
	Pending     bool     `json:"pending,omitempty"`
}

func New(live source.LiveAdapter, cfg Config, logger logrus.FieldLogger) *Hub {
	if cfg.DefaultBuffer <= 0 {
		cfg.DefaultBuffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		live:     live,
		buffer:   cfg.DefaultBuffer,
		observer: cfg.Observer,
		logger:   logger.WithField("component", "hub"),
		ctx:      ctx,
		cancel:   cancel,
		groups:   make(map[string]*group),
	}
}

// GroupKey normalizes symbols into the sorted, deduplicated group key.
func GroupKey(symbols []string) (string, []string) {
	syms := models.NormalizeSymbols(symbols)
	sort.Strings(syms)
	return strings.Join(syms, ","), syms
}

// Subscribe joins the group for symbols, opening the upstream stream if this
// is the first subscriber. The stream is dialed without holding the hub lock;
// concurrent subscribers to the same symbols wait for that dial and share its
// outcome. When ctx ends the subscription is removed. buffer <= 0 uses the
// default.
func (h *Hub) Subscribe(ctx context.Context, symbols []string, buffer int) (*Subscription, error) {
	key, syms := GroupKey(symbols)
	if len(syms) == 0 {
		return nil, ErrNoSymbols
	}
	if buffer <= 0 {
		buffer = h.buffer
	}

	var sub *Subscription
	for sub == nil {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if h.live == nil {
			h.mu.Unlock()
			return nil, ErrNoLiveAdapter
		}
		g, ok := h.groups[key]
		if !ok {
			g = &group{key: key, symbols: syms, ready: make(chan struct{})}
			h.groups[key] = g
		}
		h.mu.Unlock()

		if !ok {
			h.open(g)
		} else {
			select {
			case <-g.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if g.err != nil {
			return nil, g.err
		}

		h.mu.Lock()
		switch {
		case h.closed:
			h.mu.Unlock()
			return nil, ErrClosed
		case h.groups[key] != g && !ok:
			h.mu.Unlock()
			return nil, ErrStreamEnded
		case h.groups[key] != g:
			// the stream ended before we joined; dial again
			h.mu.Unlock()
			continue
		}
		h.nextID++
		sub = &Subscription{
			id:      h.nextID,
			symbols: syms,
			group:   g,
			ch:      make(chan models.RawQuote, buffer),
			done:    make(chan struct{}),
		}
		g.mu.Lock()
		g.subs = append(g.subs, sub)
		g.mu.Unlock()
		h.mu.Unlock()
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Unsubscribe(sub)
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

// open dials the upstream stream for a pending group and publishes the
// outcome by closing g.ready.
func (h *Hub) open(g *group) {
	stream, err := h.live.Subscribe(h.ctx, g.symbols)

	h.mu.Lock()
	switch {
	case err != nil:
		g.err = err
		if h.groups[g.key] == g {
			delete(h.groups, g.key)
		}
	case h.closed:
		g.err = ErrClosed
	default:
		g.stream = stream
		h.pumps.Add(1)
		go h.pump(g)
	}
	close(g.ready)
	h.mu.Unlock()

	switch {
	case err != nil:
		h.logger.Warnf("opening upstream stream for %s failed: %v", g.key, err)
	case g.err != nil:
		stream.Close()
	default:
		h.logger.Infof("opened upstream stream for %s", g.key)
	}
}

// SubscribeFunc runs callback on its own goroutine for every quote. A
// panicking callback is logged and does not stop delivery.
func (h *Hub) SubscribeFunc(ctx context.Context, symbols []string, callback func(models.RawQuote)) (*Subscription, error) {
	sub, err := h.Subscribe(ctx, symbols, 0)
	if err != nil {
		return nil, err
	}
	go func() {
		for q := range sub.ch {
			if !sub.active() {
				return
			}
			h.invoke(sub, callback, q)
		}
	}()
	return sub, nil
}

func (h *Hub) invoke(sub *Subscription, callback func(models.RawQuote), q models.RawQuote) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("subscriber %d callback panicked on %s: %v", sub.id, q.Symbol, r)
		}
	}()
	callback(q)
}

// Unsubscribe is idempotent. Once it returns no new callback starts for sub.
// Removing the last subscription of a group closes the upstream stream.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	g := sub.group

	h.mu.Lock()
	g.mu.Lock()
	for i, s := range g.subs {
		if s == sub {
			g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
	empty := len(g.subs) == 0
	g.mu.Unlock()
	if empty && h.groups[g.key] == g {
		delete(h.groups, g.key)
	}
	h.mu.Unlock()

	close(sub.done)
	if empty {
		g.stream.Close()
		h.logger.Infof("closed upstream stream for %s", g.key)
	}
}

// UnsubscribeAll closes every subscription and stream and aborts dials in
// progress. The hub cannot be used afterwards.
func (h *Hub) UnsubscribeAll() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	groups := h.groups
	h.groups = make(map[string]*group)
	h.mu.Unlock()

	h.cancel()
	for _, g := range groups {
		<-g.ready
		if g.err != nil {
			continue
		}
		g.closeAll()
		g.stream.Close()
	}
	h.pumps.Wait()
}

func (h *Hub) pump(g *group) {
	defer h.pumps.Done()

	for q := range g.stream.Events() {
		h.observe(q)

		g.mu.Lock()
		for _, sub := range g.subs {
			select {
			case sub.ch <- q:
			default:
				if sub.dropped.Add(1) == 1 {
					h.logger.Warnf("subscriber %d is falling behind on %s, dropping events", sub.id, g.key)
				}
			}
		}
		g.mu.Unlock()
	}

	// upstream ended on its own; subscribers see their channel close
	h.mu.Lock()
	if h.groups[g.key] == g {
		delete(h.groups, g.key)
	}
	h.mu.Unlock()
	g.closeAll()
}

func (h *Hub) observe(q models.RawQuote) {
	if h.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("observer panicked on %s: %v", q.Symbol, r)
		}
	}()
	h.observer(q)
}

func (g *group) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
			close(sub.done)
		}
	}
	g.subs = nil
}

func (g *group) pending() bool {
	select {
	case <-g.ready:
		return false
	default:
		return true
	}
}

// Groups counts upstream streams, including ones still being dialed.
func (h *Hub) Groups() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups)
}

func (h *Hub) Stats() []GroupStats {
	h.mu.Lock()
	groups := make([]*group, 0, len(h.groups))
	for _, g := range h.groups {
		groups = append(groups, g)
	}
	h.mu.Unlock()

	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		g.mu.Lock()
		st := GroupStats{Symbols: append([]string{}, g.symbols...), Subscribers: len(g.subs), Pending: g.pending()}
		for _, s := range g.subs {
			st.Dropped += s.Dropped()
		}
		g.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i].Symbols, ",") < strings.Join(out[j].Symbols, ",")
	})
	return out
}
