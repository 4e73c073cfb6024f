package book

import (
	"fmt"

	"meridian/internal/common"
)

// Cancel removes a resting order. A missing id yields
// common.ErrOrderNotFound, which is expected when the order was filled
// just before the cancel arrived.
func (book *OrderBook) Cancel(id string) (common.Order, error) {
	order, ok := book.orders[id]
	if !ok {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}
	book.unlink(order)
	order.Status = common.Cancelled
	return *order, nil
}

// Amend changes the price and remaining quantity of a resting order.
// Shrinking an order at the same price keeps its time priority; any other
// change pulls the order and places it again as a new arrival, which may
// trade immediately. The returned copy carries the order's final status: it
// is Filled or Cancelled when the amend took it out of the book.
func (book *OrderBook) Amend(id string, price common.Price, remaining common.Quantity) (common.Order, []common.Trade, error) {
	order, ok := book.orders[id]
	if !ok {
		return common.Order{}, nil, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}
	if price <= 0 || remaining <= 0 {
		return *order, nil, fmt.Errorf("%w: amend needs positive price and quantity", common.ErrInvalidOrder)
	}

	if price == order.Price && remaining <= order.Remaining {
		delta := order.Remaining - remaining
		level, _ := book.levels(order.Side).GetMut(&priceLevel{price: price})
		level.volume -= delta
		book.adjustVolume(order.Side, -delta)
		order.Quantity -= delta
		order.Remaining = remaining
		return *order, nil, nil
	}

	book.unlink(order)
	order.Quantity = order.Filled() + remaining
	order.Remaining = remaining
	order.Price = price
	trades := book.handleLimit(order)
	return *order, trades, book.checkUncrossed()
}

// Order returns a copy of a resting order.
func (book *OrderBook) Order(id string) (common.Order, bool) {
	order, ok := book.orders[id]
	if !ok {
		return common.Order{}, false
	}
	return *order, true
}

// Depth aggregates the top n price levels per side, best first. n <= 0
// returns every level.
func (book *OrderBook) Depth(n int) common.Depth {
	return common.Depth{
		Symbol: book.symbol,
		Bids:   aggregate(book.bids, n),
		Asks:   aggregate(book.asks, n),
	}
}

func aggregate(levels *PriceLevels, n int) []common.Level {
	out := make([]common.Level, 0, max(min(n, levels.Len()), 0))
	levels.Scan(func(level *priceLevel) bool {
		if n > 0 && len(out) == n {
			return false
		}
		out = append(out, common.Level{
			Price:    level.price,
			Quantity: level.volume,
			Orders:   len(level.orders),
		})
		return true
	})
	return out
}

func (book *OrderBook) BestBid() (common.Level, bool) { return best(book.bids) }
func (book *OrderBook) BestAsk() (common.Level, bool) { return best(book.asks) }

func best(levels *PriceLevels) (common.Level, bool) {
	level, ok := levels.Min()
	if !ok {
		return common.Level{}, false
	}
	return common.Level{Price: level.price, Quantity: level.volume, Orders: len(level.orders)}, true
}

// Spread is best ask minus best bid; ok is false unless both sides quote.
func (book *OrderBook) Spread() (common.Price, bool) {
	bid, bidOk := book.BestBid()
	ask, askOk := book.BestAsk()
	if !bidOk || !askOk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// MidPrice rounds toward the bid when the spread is an odd number of ticks.
func (book *OrderBook) MidPrice() (common.Price, bool) {
	bid, bidOk := book.BestBid()
	ask, askOk := book.BestAsk()
	if !bidOk || !askOk {
		return 0, false
	}
	return bid.Price + (ask.Price-bid.Price)/2, true
}

func (book *OrderBook) LastTrade() (common.Trade, bool) {
	if book.lastTrade == nil {
		return common.Trade{}, false
	}
	return *book.lastTrade, true
}

// Len is the number of resting orders on both sides.
func (book *OrderBook) Len() int { return book.nBuyOrders + book.nSellOrders }

// Volume is the resting quantity on one side.
func (book *OrderBook) Volume(side common.Side) common.Quantity {
	if side == common.Buy {
		return book.buyQuantity
	}
	return book.sellQuantity
}

// FlatPriceLevel is a copy of one price level with its orders in time
// priority.
type FlatPriceLevel struct {
	PriceLevel common.Price
	Orders     []common.Order
}

// Levels copies one side of the book, best level first.
func (book *OrderBook) Levels(side common.Side) []FlatPriceLevel {
	levels := book.levels(side)
	out := make([]FlatPriceLevel, 0, levels.Len())
	levels.Scan(func(level *priceLevel) bool {
		orders := make([]common.Order, len(level.orders))
		for i, o := range level.orders {
			orders[i] = *o
		}
		out = append(out, FlatPriceLevel{PriceLevel: level.price, Orders: orders})
		return true
	})
	return out
}
