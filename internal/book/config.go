package book

import (
	"fmt"

	"meridian/internal/common"
)

// Marketability decides when a bid and an ask are close enough to trade.
type Marketability int

const (
	// Inclusive trades when bid >= ask.
	Inclusive Marketability = iota
	// Strict trades only when bid > ask; equal prices rest side by side.
	Strict
)

func (m Marketability) crosses(bid, ask common.Price) bool {
	if m == Strict {
		return bid > ask
	}
	return bid >= ask
}

func (m Marketability) String() string {
	switch m {
	case Inclusive:
		return "inclusive"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("marketability(%d)", int(m))
}

// SelfTradePolicy decides what happens when a taker would match a resting
// order with the same non-empty Owner.
type SelfTradePolicy int

const (
	AllowSelfTrade SelfTradePolicy = iota
	// CancelResting removes the resting order and keeps matching.
	CancelResting
	// CancelIncoming stops the taker; its remainder is cancelled.
	CancelIncoming
)

func (p SelfTradePolicy) String() string {
	switch p {
	case AllowSelfTrade:
		return "allow"
	case CancelResting:
		return "cancel-resting"
	case CancelIncoming:
		return "cancel-incoming"
	}
	return fmt.Sprintf("selftrade(%d)", int(p))
}

type Config struct {
	Marketability Marketability
	SelfTrade     SelfTradePolicy
}

func ParseMarketability(s string) (Marketability, error) {
	switch s {
	case "", "inclusive":
		return Inclusive, nil
	case "strict":
		return Strict, nil
	}
	return 0, fmt.Errorf("unknown marketability %q", s)
}

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch s {
	case "", "allow":
		return AllowSelfTrade, nil
	case "cancel-resting":
		return CancelResting, nil
	case "cancel-incoming":
		return CancelIncoming, nil
	}
	return 0, fmt.Errorf("unknown self-trade policy %q", s)
}
