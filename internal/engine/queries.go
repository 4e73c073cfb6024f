package engine

import (
	"slices"

	"meridian/internal/common"
)

// Quote is the top of one book.
type Quote struct {
	Symbol         string
	Bid, Ask       common.Level
	HasBid, HasAsk bool
}

// Depth returns the top levels of a symbol's book, best price first. n <= 0
// returns every level. An unknown symbol has an empty depth. Reads are
// allowed in any state.
func (e *Engine) Depth(symbol string, n int) common.Depth {
	sb := e.lookup(symbol)
	if sb == nil {
		return common.Depth{Symbol: symbol}
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.book.Depth(n)
}

func (e *Engine) BestBidAsk(symbol string) Quote {
	q := Quote{Symbol: symbol}
	sb := e.lookup(symbol)
	if sb == nil {
		return q
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	q.Bid, q.HasBid = sb.book.BestBid()
	q.Ask, q.HasAsk = sb.book.BestAsk()
	return q
}

func (e *Engine) Spread(symbol string) (common.Price, bool) {
	sb := e.lookup(symbol)
	if sb == nil {
		return 0, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.book.Spread()
}

func (e *Engine) MidPrice(symbol string) (common.Price, bool) {
	sb := e.lookup(symbol)
	if sb == nil {
		return 0, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.book.MidPrice()
}

func (e *Engine) LastTrade(symbol string) (common.Trade, bool) {
	sb := e.lookup(symbol)
	if sb == nil {
		return common.Trade{}, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.book.LastTrade()
}

// Order returns a copy of a resting order.
func (e *Engine) Order(symbol, id string) (common.Order, bool) {
	sb := e.lookup(symbol)
	if sb == nil {
		return common.Order{}, false
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.book.Order(id)
}

// Offline reports whether a symbol's book has been taken offline.
func (e *Engine) Offline(symbol string) bool {
	sb := e.lookup(symbol)
	return sb != nil && sb.isOffline()
}

// Symbols lists every symbol with a book, sorted.
func (e *Engine) Symbols() []string {
	e.booksMu.RLock()
	out := make([]string, 0, len(e.books))
	for symbol := range e.books {
		out = append(out, symbol)
	}
	e.booksMu.RUnlock()
	slices.Sort(out)
	return out
}

func (e *Engine) Stats() common.Stats {
	stats := common.Stats{
		OrdersAccepted:   e.accepted.Load(),
		OrdersProcessed:  e.processed.Load(),
		OrdersRejected:   e.rejected.Load(),
		TradesExecuted:   e.trades.Load(),
		Cancels:          e.cancels.Load(),
		EgressDropped:    e.egressDropped.Load(),
		ObserverFailures: e.dispatcher.Failures(),
		OfflineBooks:     int(e.offline.Load()),
	}
	for _, s := range e.shards {
		stats.QueuedOrders += s.ingress.Len()
	}

	e.booksMu.RLock()
	books := make([]*symbolBook, 0, len(e.books))
	for _, sb := range e.books {
		books = append(books, sb)
	}
	e.booksMu.RUnlock()

	stats.ActiveSymbols = len(books)
	for _, sb := range books {
		sb.mu.RLock()
		stats.RestingOrders += sb.book.Len()
		sb.mu.RUnlock()
	}
	return stats
}
