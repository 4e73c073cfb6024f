package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meridian/internal/common"
)

// LogObserver prints each trade through zerolog.
type LogObserver struct {
	Level zerolog.Level
}

func (o LogObserver) OnTrade(t common.Trade) error {
	log.WithLevel(o.Level).
		Str("trade", t.ID).
		Str("symbol", t.Symbol).
		Str("maker", t.MakerOrderID).
		Str("taker", t.TakerOrderID).
		Stringer("side", t.TakerSide).
		Stringer("price", t.Price).
		Stringer("qty", t.Quantity).
		Msg("trade")
	return nil
}

// Collector accumulates trades in delivery order.
type Collector struct {
	mu     sync.Mutex
	trades []common.Trade
}

func (c *Collector) OnTrade(t common.Trade) error {
	c.mu.Lock()
	c.trades = append(c.trades, t)
	c.mu.Unlock()
	return nil
}

// Trades returns a copy of everything collected so far.
func (c *Collector) Trades() []common.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.Trade, len(c.trades))
	copy(out, c.trades)
	return out
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades)
}

// Forwarder pushes trades onto a channel without blocking; trades that do
// not fit are counted and skipped.
type Forwarder struct {
	ch      chan common.Trade
	dropped atomic.Uint64
}

func NewForwarder(size int) *Forwarder {
	if size <= 0 {
		size = 1 << 10
	}
	return &Forwarder{ch: make(chan common.Trade, size)}
}

func (f *Forwarder) OnTrade(t common.Trade) error {
	select {
	case f.ch <- t:
	default:
		f.dropped.Add(1)
	}
	return nil
}

func (f *Forwarder) C() <-chan common.Trade { return f.ch }
func (f *Forwarder) Dropped() uint64       { return f.dropped.Load() }
