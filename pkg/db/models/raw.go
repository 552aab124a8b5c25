package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an exchange trade in its source-native shape.
type Trade struct {
	SourceID    string          `ch:"source_id" json:"source_id"`
	Exchange    string          `ch:"exchange" json:"exchange"`
	Account     string          `ch:"account" json:"account"`
	TxID        string          `ch:"txid" json:"txid"`
	OrderID     string          `ch:"orderid" json:"orderid"`
	Time        time.Time       `ch:"ts" json:"ts"`
	Base        string          `ch:"base" json:"base"`
	Quote       string          `ch:"quote" json:"quote"`
	Side        string          `ch:"side" json:"side"`
	Amount      decimal.Decimal `ch:"amount" json:"amount"`
	Price       decimal.Decimal `ch:"price" json:"price"`
	FeeCurrency string          `ch:"fee_currency" json:"fee_currency"`
	FeeAmount   decimal.Decimal `ch:"fee_amount" json:"fee_amount"`
	RawJSON     string          `ch:"raw_json" json:"raw_json"`
	UpdatedAt   time.Time       `ch:"updated_at" json:"updated_at"`
}

// Flow is an exchange deposit or withdrawal; the direction comes from the
// enclosing record's Kind.
type Flow struct {
	SourceID    string          `ch:"source_id" json:"source_id"`
	Exchange    string          `ch:"exchange" json:"exchange"`
	Account     string          `ch:"account" json:"account"`
	TxID        string          `ch:"txid" json:"txid"`
	Time        time.Time       `ch:"ts" json:"ts"`
	Currency    string          `ch:"currency" json:"currency"`
	Amount      decimal.Decimal `ch:"amount" json:"amount"`
	Status      string          `ch:"status" json:"status"`
	Address     string          `ch:"address" json:"address"`
	Tag         string          `ch:"tag" json:"tag"`
	FeeCurrency string          `ch:"fee_currency" json:"fee_currency"`
	FeeAmount   decimal.Decimal `ch:"fee_amount" json:"fee_amount"`
	RawJSON     string          `ch:"raw_json" json:"raw_json"`
	UpdatedAt   time.Time       `ch:"updated_at" json:"updated_at"`
}

// Transfer is an on-chain token transfer. Its natural key is
// (tx_hash, log_index) because one transaction can emit several transfers.
type Transfer struct {
	SourceID        string          `ch:"source_id" json:"source_id"`
	Chain           string          `ch:"chain" json:"chain"`
	TxHash          string          `ch:"tx_hash" json:"tx_hash"`
	LogIndex        uint32          `ch:"log_index" json:"log_index"`
	BlockNumber     uint64          `ch:"block_number" json:"block_number"`
	Time            time.Time       `ch:"ts" json:"ts"`
	FromAddress     string          `ch:"from_address" json:"from_address"`
	ToAddress       string          `ch:"to_address" json:"to_address"`
	ContractAddress string          `ch:"contract_address" json:"contract_address"`
	TokenSymbol     string          `ch:"token_symbol" json:"token_symbol"`
	TokenDecimal    uint8           `ch:"token_decimal" json:"token_decimal"`
	Value           decimal.Decimal `ch:"value" json:"value"`
	Direction       string          `ch:"direction" json:"direction"`
	RawJSON         string          `ch:"raw_json" json:"raw_json"`
	UpdatedAt       time.Time       `ch:"updated_at" json:"updated_at"`
}

// RawRecord is a tagged variant over the source-native shapes. Exactly one
// payload is set, matching Kind.
type RawRecord struct {
	Kind     Kind      `json:"kind"`
	Trade    *Trade    `json:"trade,omitempty"`
	Flow     *Flow     `json:"flow,omitempty"`
	Transfer *Transfer `json:"transfer,omitempty"`
}

// SourceID returns the owning source of the record.
func (r RawRecord) SourceID() string {
	switch r.Kind {
	case KindExchangeTrades:
		if r.Trade != nil {
			return r.Trade.SourceID
		}
	case KindExchangeDeposits, KindExchangeWithdrawals:
		if r.Flow != nil {
			return r.Flow.SourceID
		}
	case KindOnchainTransfers:
		if r.Transfer != nil {
			return r.Transfer.SourceID
		}
	}
	return ""
}

// NaturalKey returns the source-intrinsic identity used for deduplication.
// Empty means the record is malformed and must not be stored.
func (r RawRecord) NaturalKey() string {
	switch r.Kind {
	case KindExchangeTrades:
		if r.Trade != nil {
			return r.Trade.TxID
		}
	case KindExchangeDeposits, KindExchangeWithdrawals:
		if r.Flow != nil {
			return r.Flow.TxID
		}
	case KindOnchainTransfers:
		if r.Transfer != nil && r.Transfer.TxHash != "" {
			return fmt.Sprintf("%s:%d", r.Transfer.TxHash, r.Transfer.LogIndex)
		}
	}
	return ""
}

// EventTime returns the record's event timestamp.
func (r RawRecord) EventTime() time.Time {
	switch r.Kind {
	case KindExchangeTrades:
		if r.Trade != nil {
			return r.Trade.Time
		}
	case KindExchangeDeposits, KindExchangeWithdrawals:
		if r.Flow != nil {
			return r.Flow.Time
		}
	case KindOnchainTransfers:
		if r.Transfer != nil {
			return r.Transfer.Time
		}
	}
	return time.Time{}
}
