package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Unified-schema domains.
const (
	DomainExchange = "exchange"
	DomainOnchain  = "onchain"
)

// Unified-schema sides.
const (
	SideBuy        = "buy"
	SideSell       = "sell"
	SideDeposit    = "deposit"
	SideWithdrawal = "withdrawal"
	SideTransfer   = "transfer"
)

// UnifiedRecord is the cross-source projection of a raw record. It is a view
// regenerated on every projection run, never mutated in place.
type UnifiedRecord struct {
	Domain       string           `ch:"domain" json:"domain"`
	Source       string           `ch:"source" json:"source"`
	TsUTC        time.Time        `ch:"ts_utc" json:"ts_utc"`
	TxID         string           `ch:"txid" json:"txid"`
	Base         string           `ch:"base" json:"base"`
	Quote        string           `ch:"quote" json:"quote"`
	Side         string           `ch:"side" json:"side"`
	Amount       decimal.Decimal  `ch:"amount" json:"amount"`
	Price        *decimal.Decimal `ch:"price" json:"price,omitempty"`
	FeeCcy       string           `ch:"fee_ccy" json:"fee_ccy"`
	FeeAmt       decimal.Decimal  `ch:"fee_amt" json:"fee_amt"`
	AddrFrom     string           `ch:"addr_from" json:"addr_from"`
	AddrTo       string           `ch:"addr_to" json:"addr_to"`
	Chain        string           `ch:"chain" json:"chain"`
	TokenSymbol  string           `ch:"token_symbol" json:"token_symbol"`
	TokenDecimal *uint8           `ch:"token_decimal" json:"token_decimal,omitempty"`
	RawJSON      string           `ch:"raw_json" json:"raw_json"`
}

// Validate checks the unified-schema invariants for a single record:
// a non-empty txid, a positive amount, a side from the fixed vocabulary,
// and price present exactly when the side is buy or sell.
func (u *UnifiedRecord) Validate() error {
	if u.TxID == "" {
		return fmt.Errorf("empty txid")
	}
	if !u.Amount.IsPositive() {
		return fmt.Errorf("txid %s: amount must be > 0, got %s", u.TxID, u.Amount)
	}
	switch u.Side {
	case SideBuy, SideSell:
		if u.Price == nil {
			return fmt.Errorf("txid %s: side %s requires a price", u.TxID, u.Side)
		}
	case SideDeposit, SideWithdrawal, SideTransfer:
		if u.Price != nil {
			return fmt.Errorf("txid %s: side %s forbids a price", u.TxID, u.Side)
		}
	default:
		return fmt.Errorf("txid %s: unknown side %q", u.TxID, u.Side)
	}
	return nil
}
