package common

import (
	"fmt"
	"time"
)

// Trade accounts for the two parties who matched. The maker is the order
// that was resting in the book; the execution price is always the maker's.
type Trade struct {
	ID           string    `json:"id"`
	Seq          uint64    `json:"seq"` // Per-symbol execution sequence
	Symbol       string    `json:"symbol"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	MakerOwner   string    `json:"maker_owner,omitempty"`
	TakerOwner   string    `json:"taker_owner,omitempty"`
	TakerSide    Side      `json:"taker_side"`
	Price        Price     `json:"price"`
	Quantity     Quantity  `json:"quantity"`
	Timestamp    time.Time `json:"timestamp"`
}

func (t Trade) BuyOrderID() string {
	if t.TakerSide == Buy {
		return t.TakerOrderID
	}
	return t.MakerOrderID
}

func (t Trade) SellOrderID() string {
	if t.TakerSide == Sell {
		return t.TakerOrderID
	}
	return t.MakerOrderID
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`ID:             %s
Symbol:         %s
Maker:          %s (%s)
Taker:          %s (%s, %v)
Timestamp:      %v
MatchQty:       %v
Price:          %v`,
		t.ID,
		t.Symbol,
		t.MakerOrderID, t.MakerOwner,
		t.TakerOrderID, t.TakerOwner, t.TakerSide,
		t.Timestamp.Format(time.RFC3339Nano),
		t.Quantity,
		t.Price,
	)
}
