// Package engine is the matching engine: it owns one order book per symbol,
// a fixed pool of workers matching orders off bounded ingress queues, the
// trade egress stream and the observer dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"meridian/internal/book"
	"meridian/internal/common"
	"meridian/internal/dispatch"
	"meridian/internal/metrics"
	"meridian/internal/queue"
)

var (
	ErrEngineNotRunning = errors.New("engine not running")
	ErrAlreadyRunning   = errors.New("engine already running")
	ErrNotRunning       = errors.New("engine is stopped")
	ErrQueueFull        = queue.ErrQueueFull
	ErrBookOffline      = errors.New("book offline")
	ErrStopTimeout      = errors.New("stop timed out before workers drained")
	ErrEgressDisabled   = errors.New("egress stream disabled")
)

type State int32

const (
	Stopped State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// symbolBook guards one book. The owning shard's worker is the only writer
// of new orders; cancel, amend and reads from other goroutines take the
// same lock. Trades are emitted after mu is released, in the order their
// turn was taken under mu.
type symbolBook struct {
	mu      sync.RWMutex
	book    *book.OrderBook
	offline bool

	turns turns
}

// turns hands out emission tickets under the book lock and lets each holder
// emit only once every earlier ticket is done.
type turns struct {
	mu      sync.Mutex
	cond    sync.Cond
	next    uint64
	serving uint64
}

// take must be called with the book lock held.
func (tt *turns) take() uint64 {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	n := tt.next
	tt.next++
	return n
}

func (tt *turns) wait(n uint64) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for tt.serving != n {
		tt.cond.Wait()
	}
}

func (tt *turns) done() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.serving++
	tt.cond.Broadcast()
}

// emitInTurn emits trades once every earlier batch for the same book has
// been emitted. It must be called without the book lock.
func (e *Engine) emitInTurn(ctx context.Context, sb *symbolBook, ticket uint64, trades []common.Trade) {
	sb.turns.wait(ticket)
	defer sb.turns.done()
	e.emit(ctx, trades)
}

type Engine struct {
	cfg        Config
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	egress     *queue.Ring[common.Trade]
	shards     []*shard

	lifecycle  sync.Mutex
	state      atomic.Int32
	inflight   atomic.Int64 // callers between their state check and their last book or queue write
	t          *tomb.Tomb
	ctx        context.Context // dies with the worker tomb
	stopIntake context.CancelFunc

	booksMu sync.RWMutex
	books   map[string]*symbolBook

	accepted      atomic.Uint64
	processed     atomic.Uint64
	rejected      atomic.Uint64
	trades        atomic.Uint64
	cancels       atomic.Uint64
	egressDropped atomic.Uint64
	offline       atomic.Int64

	// Dispatcher delivery count at the last reset, so WaitIdle can compare
	// against trades executed since then.
	dispatchBase atomic.Uint64

	now func() time.Time
}

// New builds a stopped engine. Queues are allocated here and keep their
// capacity for the engine's lifetime.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	d, err := dispatch.New(cfg.DispatchMode, cfg.DispatchCapacity, cfg.DispatchOverflow)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		metrics:    cfg.Metrics,
		dispatcher: d,
		books:      make(map[string]*symbolBook),
		ctx:        context.Background(),
		now:        time.Now,
	}
	if cfg.EgressCapacity > 0 {
		if e.egress, err = queue.New[common.Trade](cfg.EgressCapacity); err != nil {
			return nil, fmt.Errorf("egress queue: %w", err)
		}
	}
	for i := 0; i < cfg.Workers; i++ {
		s, err := newShard(i, cfg.QueueCapacity)
		if err != nil {
			return nil, err
		}
		e.shards = append(e.shards, s)
	}
	return e, nil
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Config() Config { return e.cfg }

// Start spawns the worker pool and the async dispatcher.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.State() != Stopped {
		return ErrAlreadyRunning
	}

	// Anything left from a forced stop was never acknowledged as processed.
	e.discardQueued()

	t, ctx := tomb.WithContext(context.Background())
	intake, stopIntake := context.WithCancel(ctx)
	e.t, e.ctx, e.stopIntake = t, ctx, stopIntake

	e.dispatcher.Start()
	for _, s := range e.shards {
		t.Go(func() error {
			return e.work(t, intake, s)
		})
	}
	e.state.Store(int32(Running))

	log.Info().
		Int("workers", len(e.shards)).
		Stringer("dispatch", e.dispatcher.Mode()).
		Bool("egress", e.egress != nil).
		Msg("engine started")
	return nil
}

// Stop moves Running to Draining, waits for every accepted order to be
// matched, then stops the workers and the dispatcher. If ctx ends first the
// workers are killed, unprocessed orders are dropped, and ErrStopTimeout is
// returned. The engine is Stopped when Stop returns. Stopping a stopped
// engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return nil
	}
	log.Info().Msg("engine draining")

	var err error
	if e.waitInflight(ctx) == nil {
		e.stopIntake()
		select {
		case <-e.t.Dead():
		case <-ctx.Done():
			err = ErrStopTimeout
		}
	} else {
		err = ErrStopTimeout
	}
	if err != nil {
		e.t.Kill(ErrStopTimeout)
		<-e.t.Dead()
		if n := e.discardQueued(); n > 0 {
			log.Warn().Int("orders", n).Msg("dropped queued orders on forced stop")
		}
	}
	if werr := e.t.Err(); werr != nil && !errors.Is(werr, ErrStopTimeout) {
		err = errors.Join(err, werr)
	}

	if derr := e.dispatcher.Stop(ctx); derr != nil {
		log.Warn().Err(derr).Msg("dispatcher did not drain")
		if err == nil {
			err = fmt.Errorf("%w: %w", ErrStopTimeout, derr)
		}
	}

	e.state.Store(int32(Stopped))
	log.Info().Err(err).Msg("engine stopped")
	return err
}

func (e *Engine) waitInflight(ctx context.Context) error {
	for e.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
	return nil
}

func (e *Engine) discardQueued() int {
	n := 0
	for _, s := range e.shards {
		for {
			if _, ok := s.ingress.TryDequeue(); !ok {
				break
			}
			n++
		}
	}
	if n > 0 {
		e.accepted.Add(^uint64(n - 1))
	}
	return n
}

// Submit validates the order and queues it for matching. It never blocks:
// a full shard queue fails with ErrQueueFull. The order's ID is returned,
// generated when empty.
func (e *Engine) Submit(order common.Order) (string, error) {
	return e.submit(order, func(s *shard, o *common.Order) error {
		return s.ingress.Enqueue(o)
	})
}

// SubmitWait is Submit that waits for queue space until ctx is done.
func (e *Engine) SubmitWait(ctx context.Context, order common.Order) (string, error) {
	return e.submit(order, func(s *shard, o *common.Order) error {
		return s.ingress.EnqueueWait(ctx, o)
	})
}

func (e *Engine) submit(order common.Order, enqueue func(*shard, *common.Order) error) (string, error) {
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	if e.State() != Running {
		return "", ErrEngineNotRunning
	}
	if err := order.Validate(); err != nil {
		e.reject("invalid")
		return "", err
	}
	if sb := e.lookup(order.Symbol); sb != nil && sb.isOffline() {
		e.reject("offline")
		return "", fmt.Errorf("%w: %s", ErrBookOffline, order.Symbol)
	}

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Timestamp = e.now()
	order.Remaining = order.Quantity
	order.Status = common.Pending

	s := e.shardFor(order.Symbol)
	e.accepted.Add(1)
	if err := enqueue(s, &order); err != nil {
		e.accepted.Add(^uint64(0))
		e.reject("queue_full")
		return "", fmt.Errorf("shard %d: %w", s.id, err)
	}
	e.metrics.Accepted()
	return order.ID, nil
}

func (e *Engine) reject(reason string) {
	e.rejected.Add(1)
	e.metrics.Rejected(reason)
}

// process matches one order on the owning shard's worker.
func (e *Engine) process(ctx context.Context, order *common.Order) {
	start := time.Now()
	defer func() {
		e.processed.Add(1)
		e.metrics.Processed(time.Since(start))
	}()

	sb := e.bookFor(order.Symbol)
	sb.mu.Lock()
	trades := e.match(sb, order)
	if len(trades) == 0 {
		sb.mu.Unlock()
		return
	}
	ticket := sb.turns.take()
	sb.mu.Unlock()
	e.emitInTurn(ctx, sb, ticket, trades)
}

// match runs the order against its book. The caller holds the book lock.
func (e *Engine) match(sb *symbolBook, order *common.Order) (trades []common.Trade) {
	defer func() {
		if r := recover(); r != nil {
			e.takeOffline(sb, order.Symbol, fmt.Errorf("panic while matching %s: %v", order.ID, r))
		}
	}()

	if sb.offline {
		order.Status = common.Rejected
		e.reject("offline")
		return nil
	}

	trades, err := sb.book.Insert(order)
	switch {
	case errors.Is(err, book.ErrCrossedBook):
		e.takeOffline(sb, order.Symbol, err)
	case errors.Is(err, book.ErrNotEnoughLiquidity):
		e.reject("liquidity")
		log.Debug().Err(err).Str("order", order.ID).Str("symbol", order.Symbol).Msg("order rejected")
	case err != nil:
		e.reject("book")
		log.Debug().Err(err).Str("order", order.ID).Str("symbol", order.Symbol).Msg("order rejected")
	}
	return trades
}

// emit pushes trades to the egress stream, then to the dispatcher, in
// execution order. Callers hold their book's emission turn so per-symbol
// order holds across workers and caller goroutines.
func (e *Engine) emit(ctx context.Context, trades []common.Trade) {
	for _, t := range trades {
		e.trades.Add(1)
		e.metrics.Traded(t.Symbol, t.Quantity.Decimal().InexactFloat64())

		if e.egress != nil {
			var err error
			if e.cfg.EgressPolicy == EgressBlock {
				err = e.egress.EnqueueWait(ctx, t)
			} else {
				err = e.egress.Enqueue(t)
			}
			if err != nil {
				e.egressDropped.Add(1)
				e.metrics.Dropped()
			}
		}

		if err := e.dispatcher.Publish(ctx, t); err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Str("symbol", t.Symbol).Msg("trade not dispatched")
		}
	}
}

func (e *Engine) takeOffline(sb *symbolBook, symbol string, err error) {
	if sb.offline {
		return
	}
	sb.offline = true
	e.offline.Add(1)
	e.metrics.BookOffline()
	log.Error().Err(err).Str("symbol", symbol).Msg("book taken offline")
}

func (sb *symbolBook) isOffline() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.offline
}

func (e *Engine) lookup(symbol string) *symbolBook {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	return e.books[symbol]
}

// bookFor returns the symbol's book, creating it on first use.
func (e *Engine) bookFor(symbol string) *symbolBook {
	// Fast path: read lock.
	if sb := e.lookup(symbol); sb != nil {
		return sb
	}

	// Slow path: write lock, double check.
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	if sb, ok := e.books[symbol]; ok {
		return sb
	}
	sb := &symbolBook{book: book.New(symbol, e.cfg.Book)}
	sb.turns.cond.L = &sb.turns.mu
	e.books[symbol] = sb
	e.metrics.SetActiveSymbols(len(e.books))
	log.Debug().Str("symbol", symbol).Msg("book created")
	return sb
}

// Cancel removes a resting order. ErrOrderNotFound is expected when the
// order filled before the cancel was applied.
func (e *Engine) Cancel(symbol, id string) (common.Order, error) {
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	if e.State() != Running {
		return common.Order{}, ErrEngineNotRunning
	}
	sb := e.lookup(symbol)
	if sb == nil {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.offline {
		return common.Order{}, fmt.Errorf("%w: %s", ErrBookOffline, symbol)
	}
	order, err := sb.book.Cancel(id)
	if err != nil {
		return common.Order{}, err
	}
	e.cancels.Add(1)
	e.metrics.Cancelled()
	return order, nil
}

// Amend changes a resting order's price and remaining quantity and returns
// the order as it stands afterwards: an order that filled or was cancelled
// by self-trade prevention is no longer resting, and its Status says so.
// Trades it causes go through the egress stream and the dispatcher like any
// other, and have been emitted when Amend returns.
func (e *Engine) Amend(symbol, id string, price common.Price, remaining common.Quantity) (common.Order, []common.Trade, error) {
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	if e.State() != Running {
		return common.Order{}, nil, ErrEngineNotRunning
	}
	sb := e.lookup(symbol)
	if sb == nil {
		return common.Order{}, nil, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}

	sb.mu.Lock()
	if sb.offline {
		sb.mu.Unlock()
		return common.Order{}, nil, fmt.Errorf("%w: %s", ErrBookOffline, symbol)
	}
	order, trades, err := sb.book.Amend(id, price, remaining)
	if errors.Is(err, book.ErrCrossedBook) {
		e.takeOffline(sb, symbol, err)
	}
	if len(trades) == 0 {
		sb.mu.Unlock()
		return order, nil, err
	}
	ticket := sb.turns.take()
	sb.mu.Unlock()

	e.emitInTurn(e.ctx, sb, ticket, trades)
	return order, trades, err
}

// RegisterObserver adds a trade observer. Observers run in registration
// order.
func (e *Engine) RegisterObserver(o dispatch.Observer) {
	e.dispatcher.Register(o)
}

// NextTrade blocks for the next trade on the egress stream.
func (e *Engine) NextTrade(ctx context.Context) (common.Trade, error) {
	if e.egress == nil {
		return common.Trade{}, ErrEgressDisabled
	}
	return e.egress.DequeueWait(ctx)
}

func (e *Engine) TryNextTrade() (common.Trade, bool) {
	if e.egress == nil {
		return common.Trade{}, false
	}
	return e.egress.TryDequeue()
}

// WaitIdle blocks until every accepted order has been matched and every
// resulting trade has been handed to the observers.
func (e *Engine) WaitIdle(ctx context.Context) error {
	if e.State() == Stopped {
		return ErrNotRunning
	}
	tick := time.NewTicker(100 * time.Microsecond)
	defer tick.Stop()
	for !e.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func (e *Engine) idle() bool {
	if e.processed.Load() < e.accepted.Load() {
		return false
	}
	dispatched := e.dispatcher.Delivered() + e.dispatcher.Dropped() - e.dispatchBase.Load()
	return dispatched >= e.trades.Load()
}

// Reset drops every book and zeroes the counters. Only allowed while
// stopped.
func (e *Engine) Reset() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.State() != Stopped {
		return ErrAlreadyRunning
	}

	e.booksMu.Lock()
	e.books = make(map[string]*symbolBook)
	e.booksMu.Unlock()

	e.discardQueued()
	if e.egress != nil {
		for {
			if _, ok := e.egress.TryDequeue(); !ok {
				break
			}
		}
	}
	e.accepted.Store(0)
	e.processed.Store(0)
	e.rejected.Store(0)
	e.trades.Store(0)
	e.cancels.Store(0)
	e.egressDropped.Store(0)
	e.offline.Store(0)
	e.dispatchBase.Store(e.dispatcher.Delivered() + e.dispatcher.Dropped())
	e.metrics.Reset()
	return nil
}
