// Package settlement declares the external collaborators the engine depends on.
// Adapters live under infra/.
package settlement

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"bourse/domain/marketdata"
)

// ErrRejected marks a collaborator refusal that retrying cannot fix.
var ErrRejected = errors.New("rejected by collaborator")

// Rejected wraps err so that errors.Is(err, ErrRejected) holds.
func Rejected(err error) error {
	return errors.Mark(err, ErrRejected)
}

type HoldingsOracle interface {
	Holdings(ctx context.Context, userID, assetID string) (int64, error)
}

type AssetRegistry interface {
	Supply(ctx context.Context, assetID string) (marketdata.Supply, error)
}

type LedgerRequest struct {
	AssetID        string `json:"asset_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"-"`
}

// LedgerTransfer moves units between holder accounts. Calls with the same
// idempotency key must return the same reference.
type LedgerTransfer interface {
	Transfer(ctx context.Context, req LedgerRequest) (txRef string, err error)
}

type PaymentRequest struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

type PaymentTransfer interface {
	Transfer(ctx context.Context, req PaymentRequest) (txRef string, err error)
}

type TransactionKind string

const (
	TransactionPurchase TransactionKind = "PURCHASE"
	TransactionSale     TransactionKind = "SALE"
	TransactionFee      TransactionKind = "FEE"
)

// TransactionRecord is one party's view of a completed settlement.
type TransactionRecord struct {
	TradeID      string          `json:"trade_id"`
	UserID       string          `json:"user_id"`
	Kind         TransactionKind `json:"kind"`
	AssetID      string          `json:"asset_id"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	LedgerTxRef  string          `json:"ledger_tx_ref"`
	PaymentTxRef string          `json:"payment_tx_ref"`
	SettledAt    time.Time       `json:"settled_at"`
}

// TransactionRecorder is fire-and-forget from the engine's point of view.
type TransactionRecorder interface {
	Record(ctx context.Context, recs []TransactionRecord) error
}

type NotificationKind string

const (
	NotifyTradeSettled           NotificationKind = "TRADE_SETTLED"
	NotifyTradeFailed            NotificationKind = "TRADE_FAILED"
	NotifyReconciliationRequired NotificationKind = "RECONCILIATION_REQUIRED"
	NotifyFeeCollectionFailed    NotificationKind = "FEE_COLLECTION_FAILED"
	NotifyTradeReversed          NotificationKind = "TRADE_REVERSED"
)

type Notification struct {
	Kind    NotificationKind `json:"kind"`
	UserID  string           `json:"user_id,omitempty"`
	TradeID string           `json:"trade_id"`
	AssetID string           `json:"asset_id"`
	Reason  string           `json:"reason,omitempty"`
	At      time.Time        `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
