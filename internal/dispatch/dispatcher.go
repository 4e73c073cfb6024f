// Package dispatch fans trades out to registered observers, either on the
// calling goroutine or through a queue drained by one delivery goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"meridian/internal/common"
	"meridian/internal/queue"
)

var ErrStopped = errors.New("dispatcher stopped")

// Observer receives every trade. A returned error or a panic is logged and
// counted; it never reaches the matching path or the other observers.
type Observer interface {
	OnTrade(common.Trade) error
}

type ObserverFunc func(common.Trade) error

func (f ObserverFunc) OnTrade(t common.Trade) error { return f(t) }

type Mode int

const (
	// Async hands trades to a dedicated delivery goroutine so a slow
	// observer cannot stall matching.
	Async Mode = iota
	// Sync calls observers on the publishing goroutine.
	Sync
)

func (m Mode) String() string {
	switch m {
	case Async:
		return "async"
	case Sync:
		return "sync"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Overflow decides what an async Publish does when the delivery queue is
// full.
type Overflow int

const (
	// Drop discards the trade and counts it.
	Drop Overflow = iota
	// Block waits for the delivery goroutine to make room, until the
	// publisher's ctx is done.
	Block
)

func (o Overflow) String() string {
	switch o {
	case Drop:
		return "drop"
	case Block:
		return "block"
	}
	return fmt.Sprintf("overflow(%d)", int(o))
}

func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "", "drop":
		return Drop, nil
	case "block":
		return Block, nil
	}
	return 0, fmt.Errorf("unknown dispatch overflow %q", s)
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "async":
		return Async, nil
	case "sync":
		return Sync, nil
	}
	return 0, fmt.Errorf("unknown dispatch mode %q", s)
}

type Dispatcher struct {
	mode     Mode
	overflow Overflow

	// Copy on write; Register swaps in a new slice so delivery never
	// holds a lock while calling observers.
	mu        sync.Mutex
	observers atomic.Pointer[[]Observer]

	pending *queue.Ring[common.Trade]
	t       *tomb.Tomb
	running atomic.Bool

	delivered atomic.Uint64
	failures  atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a dispatcher. capacity bounds the async delivery queue and
// overflow says what happens when it is full; both are ignored in Sync mode.
func New(mode Mode, capacity int, overflow Overflow) (*Dispatcher, error) {
	d := &Dispatcher{mode: mode, overflow: overflow}
	d.observers.Store(&[]Observer{})
	if mode == Async {
		ring, err := queue.New[common.Trade](capacity)
		if err != nil {
			return nil, fmt.Errorf("dispatch queue: %w", err)
		}
		d.pending = ring
	}
	return d, nil
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// Register appends an observer. Observers are called in registration order.
func (d *Dispatcher) Register(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.observers.Load()
	next := make([]Observer, len(current), len(current)+1)
	copy(next, current)
	next = append(next, o)
	d.observers.Store(&next)
}

func (d *Dispatcher) Observers() int { return len(*d.observers.Load()) }

// Start launches the delivery goroutine in Async mode. It is a no-op in
// Sync mode or when already started.
func (d *Dispatcher) Start() {
	if d.mode != Async || !d.running.CompareAndSwap(false, true) {
		return
	}
	t, ctx := tomb.WithContext(context.Background())
	d.t = t
	t.Go(func() error {
		d.loop(ctx)
		return nil
	})
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		trade, err := d.pending.DequeueWait(ctx)
		if err != nil {
			// Killed: hand over whatever is still queued before exiting.
			for {
				trade, ok := d.pending.TryDequeue()
				if !ok {
					return
				}
				d.deliver(trade)
			}
		}
		d.deliver(trade)
	}
}

// Publish delivers a trade. In Sync mode observers run before Publish
// returns. In Async mode the trade is queued; a full queue drops the trade
// unless the dispatcher was built with Block, in which case Publish waits
// for space until ctx is done. A trade that could not be queued is counted
// as dropped.
func (d *Dispatcher) Publish(ctx context.Context, trade common.Trade) error {
	if d.mode == Sync {
		d.deliver(trade)
		return nil
	}
	if !d.running.Load() {
		d.dropped.Add(1)
		return ErrStopped
	}
	var err error
	if d.overflow == Block {
		err = d.pending.EnqueueWait(ctx, trade)
	} else {
		err = d.pending.Enqueue(trade)
	}
	if err != nil {
		d.dropped.Add(1)
		return err
	}
	return nil
}

// Stop drains the async queue and waits for the delivery goroutine, or
// gives up when ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.mode != Async || !d.running.CompareAndSwap(true, false) {
		return nil
	}
	d.t.Kill(nil)
	select {
	case <-d.t.Dead():
	case <-ctx.Done():
		return ctx.Err()
	}
	// A Publish that raced the loop's final drain left its trade behind.
	for {
		if _, ok := d.pending.TryDequeue(); !ok {
			break
		}
		d.dropped.Add(1)
	}
	return d.t.Err()
}

func (d *Dispatcher) deliver(trade common.Trade) {
	for _, o := range *d.observers.Load() {
		d.notify(o, trade)
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) notify(o Observer, trade common.Trade) {
	defer func() {
		if r := recover(); r != nil {
			d.failures.Add(1)
			log.Error().
				Interface("panic", r).
				Str("trade", trade.ID).
				Str("symbol", trade.Symbol).
				Str("stack", string(debug.Stack())).
				Msg("observer panicked")
		}
	}()
	if err := o.OnTrade(trade); err != nil {
		d.failures.Add(1)
		log.Error().Err(err).Str("trade", trade.ID).Str("symbol", trade.Symbol).Msg("observer failed")
	}
}

// Delivered counts trades handed to every observer.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Failures counts observer calls that returned an error or panicked.
func (d *Dispatcher) Failures() uint64 { return d.failures.Load() }

// Dropped counts trades that were never handed to the observers.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Pending is the number of trades queued for async delivery.
func (d *Dispatcher) Pending() int {
	if d.pending == nil {
		return 0
	}
	return d.pending.Len()
}
