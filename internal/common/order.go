package common

import (
	"fmt"
	"time"
)

type Order struct {
	ID            string    // Order tracked id
	Symbol        string    // Instrument code
	Type          OrderType //
	Side          Side      // Order side
	Price         Price     // Limiting price, unused for market orders
	Quantity      Quantity  // Total volume requested
	Remaining     Quantity  // Remaining quantity
	Status        Status    //
	Owner         string    // Who owns this order
	Timestamp     time.Time // Time of submission
	ExchTimestamp time.Time // Time of arrival of order into the book
	Sequence      uint64    // Arrival sequence within the book
}

// Filled is the quantity executed so far.
func (order *Order) Filled() Quantity {
	return order.Quantity - order.Remaining
}

// Validate checks the fields a caller controls. It does not look at
// Remaining or Status, which the engine owns.
func (order *Order) Validate() error {
	switch {
	case order.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	case !order.Side.Valid():
		return fmt.Errorf("%w: unknown side %d", ErrInvalidOrder, int(order.Side))
	case !order.Type.Valid():
		return fmt.Errorf("%w: unknown order type %d", ErrInvalidOrder, int(order.Type))
	case order.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case order.Type == LimitOrder && order.Price <= 0:
		return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return nil
}

// Fill applies an execution of qty and moves the status along.
func (order *Order) Fill(qty Quantity) {
	order.Remaining -= qty
	if order.Remaining == 0 {
		order.Status = Filled
	} else {
		order.Status = PartiallyFilled
	}
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:            %v
Symbol:        %s
Type:          %v
Side:          %v
Price:         %v
Quantity:      %v (Total: %v)
Status:        %v
Timestamp:     %v
ExchTimestamp: %v
Owner:         %s`,
		order.ID,
		order.Symbol,
		order.Type,
		order.Side,
		order.Price,
		order.Remaining,
		order.Quantity,
		order.Status,
		order.Timestamp.Format(time.RFC3339Nano),
		order.ExchTimestamp.Format(time.RFC3339Nano),
		order.Owner,
	)
}
