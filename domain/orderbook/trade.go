package orderbook

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota + 1
	SettlementSettled
	SettlementFailed
	SettlementReversalPending
	SettlementReversed
)

var settlementNames = map[SettlementStatus]string{
	SettlementPending:         "PENDING",
	SettlementSettled:         "SETTLED",
	SettlementFailed:          "FAILED",
	SettlementReversalPending: "REVERSAL_PENDING",
	SettlementReversed:        "REVERSED",
}

func (s SettlementStatus) String() string {
	if name, ok := settlementNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsFinal reports whether the coordinator has finished with the trade.
// REVERSAL_PENDING is final for automation but an operator may still move it.
func (s SettlementStatus) IsFinal() bool {
	return s != SettlementPending
}

func (s SettlementStatus) MarshalText() ([]byte, error) {
	name, ok := settlementNames[s]
	if !ok {
		return nil, errors.Newf("invalid settlement status %d", uint8(s))
	}
	return []byte(name), nil
}

func (s *SettlementStatus) UnmarshalText(b []byte) error {
	for k, name := range settlementNames {
		if name == string(b) {
			*s = k
			return nil
		}
	}
	return errors.Newf("unsupported settlement status %q", b)
}

// Trade is the immutable record of one match. Only Status, the tx refs and
// UpdatedAt change after creation.
type Trade struct {
	ID           string           `json:"id"`
	AssetID      string           `json:"asset_id"`
	BuyOrderID   string           `json:"buy_order_id"`
	SellOrderID  string           `json:"sell_order_id"`
	BuyerID      string           `json:"buyer_id"`
	SellerID     string           `json:"seller_id"`
	MakerOrderID string           `json:"maker_order_id"`
	Quantity     int64            `json:"quantity"`
	Price        decimal.Decimal  `json:"price"`
	TotalValue   decimal.Decimal  `json:"total_value"`
	PlatformFee  decimal.Decimal  `json:"platform_fee"`
	Status       SettlementStatus `json:"settlement_status"`
	LedgerTxRef  string           `json:"ledger_tx_ref,omitempty"`
	PaymentTxRef string           `json:"payment_tx_ref,omitempty"`
	SelfTrade    bool             `json:"self_trade,omitempty"`
	ExecutedAt   time.Time        `json:"executed_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// NetAmount is what the seller receives.
func (t *Trade) NetAmount() decimal.Decimal {
	return t.TotalValue.Sub(t.PlatformFee)
}

// PlatformFee rounds totalValue*rate to cents.
func PlatformFee(total, rate decimal.Decimal) decimal.Decimal {
	return total.Mul(rate).Round(2)
}
