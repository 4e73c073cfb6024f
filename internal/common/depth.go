package common

// Level is the aggregate of all resting orders at one price.
type Level struct {
	Price    Price    `json:"price"`
	Quantity Quantity `json:"quantity"`
	Orders   int      `json:"orders"`
}

// Depth is a point-in-time view of the top of a book, best price first on
// both sides.
type Depth struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}
