package models

// Kind discriminates the source-native shape of a raw record.
type Kind string

const (
	KindExchangeTrades      Kind = "exchange-trades"
	KindExchangeDeposits    Kind = "exchange-deposits"
	KindExchangeWithdrawals Kind = "exchange-withdrawals"
	KindOnchainTransfers    Kind = "onchain-transfers"
)

// AllKinds lists every supported record kind.
var AllKinds = []Kind{
	KindExchangeTrades,
	KindExchangeDeposits,
	KindExchangeWithdrawals,
	KindOnchainTransfers,
}

func (k Kind) IsValid() bool {
	switch k {
	case KindExchangeTrades, KindExchangeDeposits, KindExchangeWithdrawals, KindOnchainTransfers:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Domain returns the unified-schema domain this kind projects into.
func (k Kind) Domain() string {
	if k == KindOnchainTransfers {
		return DomainOnchain
	}
	return DomainExchange
}

// TableName returns the raw store table backing this kind.
func (k Kind) TableName() string {
	switch k {
	case KindExchangeTrades:
		return "raw_exchange_trades"
	case KindExchangeDeposits:
		return "raw_exchange_deposits"
	case KindExchangeWithdrawals:
		return "raw_exchange_withdrawals"
	case KindOnchainTransfers:
		return "raw_onchain_transfers"
	}
	return ""
}
