// Package book holds the per-symbol limit order book and its price-time
// priority matching. An OrderBook is not safe for concurrent use; the
// engine serializes all access to a given book.
package book

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"meridian/internal/common"
)

var (
	ErrNotEnoughLiquidity = errors.New("not enough liquidity")
	ErrCrossedBook        = errors.New("book crossed after matching")
	ErrDuplicateOrder     = errors.New("duplicate order id")
	ErrSymbolMismatch     = errors.New("order symbol does not match book")
)

type priceLevel struct {
	price  common.Price
	orders []*common.Order // time priority, oldest first
	volume common.Quantity // sum of Remaining over orders
}

type PriceLevels = btree.BTreeG[*priceLevel]

type OrderBook struct {
	symbol string
	cfg    Config

	// Price levels to orders sat on the price level, sorted by time added
	// as they will be push-back'd. Min() is the best level on both sides.
	bids *PriceLevels
	asks *PriceLevels

	// Resting orders by id, for cancel and amend.
	orders map[string]*common.Order

	// Some book keeping
	nBuyOrders   int             // Track the number of bids in the book.
	nSellOrders  int             // Track the number of asks in the book.
	buyQuantity  common.Quantity // Track the bid-side liquidity of the book.
	sellQuantity common.Quantity // Track the ask-side liquidity of the book.

	arrivals  uint64 // arrival sequence handed to each placed order
	tradeSeq  uint64
	lastTrade *common.Trade

	now   func() time.Time
	newID func() string
}

func New(symbol string, cfg Config) *OrderBook {
	book := &OrderBook{
		symbol: symbol,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	book.Reset()
	return book
}

// Reset drops every resting order and the trade history.
func (book *OrderBook) Reset() {
	// Sorted greatest first.
	book.bids = btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price > b.price
	})
	// Sorted least first.
	book.asks = btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price < b.price
	})
	book.orders = make(map[string]*common.Order)
	book.nBuyOrders, book.nSellOrders = 0, 0
	book.buyQuantity, book.sellQuantity = 0, 0
	book.lastTrade = nil
}

func (book *OrderBook) Symbol() string { return book.symbol }

// Insert takes a new order which can either (fully or partially):
// 1. Execute immediately against the opposite side
// 2. Rest in the book
//
// The order is mutated in place: Remaining, Status, ExchTimestamp and
// Sequence are written by the book. Trades are returned in execution order.
// A non-nil error with trades means the trades happened and the book then
// failed its crossed check; the caller must stop using the book.
func (book *OrderBook) Insert(order *common.Order) ([]common.Trade, error) {
	if err := book.admit(order); err != nil {
		order.Status = common.Rejected
		return nil, err
	}
	order.Remaining = order.Quantity
	order.Status = common.Pending

	var trades []common.Trade
	switch order.Type {
	case common.LimitOrder:
		trades = book.handleLimit(order)
	case common.MarketOrder:
		var err error
		if trades, err = book.handleMarket(order); err != nil {
			return nil, err
		}
	}
	return trades, book.checkUncrossed()
}

func (book *OrderBook) admit(order *common.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	if order.Symbol != book.symbol {
		return fmt.Errorf("%w: %w: %q in %q book", common.ErrInvalidOrder, ErrSymbolMismatch, order.Symbol, book.symbol)
	}
	if _, exists := book.orders[order.ID]; exists {
		return fmt.Errorf("%w: %w: %s", common.ErrInvalidOrder, ErrDuplicateOrder, order.ID)
	}
	return nil
}

// handleLimit matches the order against the opposite side while it is
// marketable and rests whatever is left at its limit price.
func (book *OrderBook) handleLimit(order *common.Order) []common.Trade {
	book.stamp(order)
	trades := book.match(order)
	if order.Remaining > 0 && order.Status.Open() {
		book.rest(order)
	}
	return trades
}

// handleMarket handles a market order. Performs a sweep on the side until
// volume is filled. Market orders are always liquidity takers and are
// rejected up front when the book cannot fill them completely.
func (book *OrderBook) handleMarket(order *common.Order) ([]common.Trade, error) {
	if book.Volume(order.Side.Opposite()) < order.Remaining {
		// We do not have enough liquidity to cover the order in the book,
		// we should just give up.
		order.Status = common.Rejected
		return nil, ErrNotEnoughLiquidity
	}
	book.stamp(order)
	trades := book.match(order)
	if order.Remaining > 0 {
		// Only reachable when self-trade prevention skipped liquidity.
		order.Status = common.Cancelled
	}
	return trades, nil
}

func (book *OrderBook) stamp(order *common.Order) {
	book.arrivals++
	order.Sequence = book.arrivals
	order.ExchTimestamp = book.now()
}

// match consumes the best opposite levels while they are marketable
// against the taker, in price-time priority. Each execution happens at the
// resting order's price.
func (book *OrderBook) match(taker *common.Order) []common.Trade {
	var trades []common.Trade
	levels := book.levels(taker.Side.Opposite())

	for taker.Remaining > 0 {
		level, ok := levels.MinMut()
		if !ok || !book.marketable(taker, level.price) {
			break
		}

		for len(level.orders) > 0 && taker.Remaining > 0 {
			maker := level.orders[0]

			if book.selfTrade(taker, maker) {
				switch book.cfg.SelfTrade {
				case CancelResting:
					book.popHead(level, maker)
					maker.Status = common.Cancelled
					continue
				case CancelIncoming:
					taker.Status = common.Cancelled
					book.dropEmpty(levels, level)
					return trades
				}
			}

			matchQty := min(taker.Remaining, maker.Remaining)
			taker.Fill(matchQty)
			maker.Fill(matchQty)
			level.volume -= matchQty
			book.adjustVolume(maker.Side, -matchQty)
			trades = append(trades, book.trade(taker, maker, matchQty))

			// A partially filled maker keeps its place at the head of the
			// level; the taker is exhausted so the loop ends.
			if maker.Remaining == 0 {
				book.popHead(level, maker)
			}
		}
		book.dropEmpty(levels, level)
	}
	return trades
}

func (book *OrderBook) marketable(taker *common.Order, restingPrice common.Price) bool {
	if taker.Type == common.MarketOrder {
		return true
	}
	if taker.Side == common.Buy {
		return book.cfg.Marketability.crosses(taker.Price, restingPrice)
	}
	return book.cfg.Marketability.crosses(restingPrice, taker.Price)
}

func (book *OrderBook) selfTrade(taker, maker *common.Order) bool {
	return book.cfg.SelfTrade != AllowSelfTrade &&
		taker.Owner != "" && taker.Owner == maker.Owner
}

func (book *OrderBook) trade(taker, maker *common.Order, qty common.Quantity) common.Trade {
	book.tradeSeq++
	t := common.Trade{
		ID:           book.newID(),
		Seq:          book.tradeSeq,
		Symbol:       book.symbol,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerOwner:   maker.Owner,
		TakerOwner:   taker.Owner,
		TakerSide:    taker.Side,
		Price:        maker.Price,
		Quantity:     qty,
		Timestamp:    book.now(),
	}
	book.lastTrade = &t
	return t
}

// rest places the order at the back of its price level.
func (book *OrderBook) rest(order *common.Order) {
	levels := book.levels(order.Side)

	// Levels comparator only accounts for price levels, so we create a dummy
	// price level for the search.
	level, ok := levels.GetMut(&priceLevel{price: order.Price})
	if ok {
		level.orders = append(level.orders, order)
		level.volume += order.Remaining
	} else {
		levels.Set(&priceLevel{
			price:  order.Price,
			orders: []*common.Order{order},
			volume: order.Remaining,
		})
	}

	book.orders[order.ID] = order
	book.adjustVolume(order.Side, order.Remaining)
	if order.Side == common.Buy {
		book.nBuyOrders++
	} else {
		book.nSellOrders++
	}
}

// popHead removes the first order of a level, which must be maker.
func (book *OrderBook) popHead(level *priceLevel, maker *common.Order) {
	level.orders[0] = nil
	level.orders = level.orders[1:]
	book.forget(maker)
	if maker.Remaining > 0 {
		level.volume -= maker.Remaining
		book.adjustVolume(maker.Side, -maker.Remaining)
	}
}

// unlink removes a resting order from wherever it sits in its level.
func (book *OrderBook) unlink(order *common.Order) {
	levels := book.levels(order.Side)
	level, ok := levels.GetMut(&priceLevel{price: order.Price})
	if !ok {
		return
	}
	for i, o := range level.orders {
		if o != order {
			continue
		}
		copy(level.orders[i:], level.orders[i+1:])
		level.orders[len(level.orders)-1] = nil
		level.orders = level.orders[:len(level.orders)-1]
		level.volume -= order.Remaining
		book.adjustVolume(order.Side, -order.Remaining)
		book.forget(order)
		break
	}
	book.dropEmpty(levels, level)
}

func (book *OrderBook) forget(order *common.Order) {
	delete(book.orders, order.ID)
	if order.Side == common.Buy {
		book.nBuyOrders--
	} else {
		book.nSellOrders--
	}
}

func (book *OrderBook) dropEmpty(levels *PriceLevels, level *priceLevel) {
	if len(level.orders) == 0 {
		levels.Delete(level)
	}
}

func (book *OrderBook) adjustVolume(side common.Side, delta common.Quantity) {
	if side == common.Buy {
		book.buyQuantity += delta
	} else {
		book.sellQuantity += delta
	}
}

func (book *OrderBook) levels(side common.Side) *PriceLevels {
	if side == common.Buy {
		return book.bids
	}
	return book.asks
}

// checkUncrossed verifies the book is at rest: the best bid must not be
// marketable against the best ask.
func (book *OrderBook) checkUncrossed() error {
	bid, bidOk := book.bids.Min()
	ask, askOk := book.asks.Min()
	if bidOk && askOk && book.cfg.Marketability.crosses(bid.price, ask.price) {
		return fmt.Errorf("%w: %s bid %v >= ask %v", ErrCrossedBook, book.symbol, bid.price, ask.price)
	}
	return nil
}
