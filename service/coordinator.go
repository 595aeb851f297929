package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bourse/domain/orderbook"
	"bourse/domain/settlement"
	"bourse/infra/store"
)

// Saga stages as journaled in store.SagaRecord.Stage.
const (
	stageStarted         = "started"
	stageLedgerDone      = "ledger_done"
	stagePaymentDone     = "payment_done"
	stageSettled         = "settled"
	stageFailed          = "failed"
	stageCompensated     = "compensated"
	stageReversalPending = "reversal_pending"
	stageReversed        = "reversed"
)

// SagaJournal persists settlement progress per trade.
type SagaJournal interface {
	Saga(tradeID string) (store.SagaRecord, error)
	PutSaga(r store.SagaRecord) error
}

type CoordinatorConfig struct {
	Timeout             time.Duration
	CompensationTimeout time.Duration
	Currency            string
	PlatformAccount     string
}

// Outcome is what the coordinator reports back to the asset worker.
type Outcome struct {
	TradeID      string
	Status       orderbook.SettlementStatus
	LedgerTxRef  string
	PaymentTxRef string
	Reason       string
	// Interrupted means the engine shut down mid-saga. The trade stays
	// PENDING and is resumed on the next start.
	Interrupted bool
	Duration    time.Duration
}

// Err classifies an unsuccessful outcome; it is nil otherwise.
func (o Outcome) Err() error {
	switch o.Status {
	case orderbook.SettlementFailed:
		return errors.Mark(errors.Newf("trade %s: %s", o.TradeID, o.Reason), orderbook.ErrSettlementFailure)
	case orderbook.SettlementReversalPending:
		return errors.Mark(errors.Newf("trade %s: %s", o.TradeID, o.Reason), orderbook.ErrReconciliationRequired)
	}
	return nil
}

// Coordinator runs the two-leg settlement saga for one trade at a time.
// It never touches order books; outcomes are applied by the asset worker.
type Coordinator struct {
	journal  SagaJournal
	ledger   settlement.LedgerTransfer
	payment  settlement.PaymentTransfer
	recorder settlement.TransactionRecorder
	notifier settlement.Notifier
	cfg      CoordinatorConfig
	now      func() time.Time
	log      *logrus.Entry
}

func NewCoordinator(
	journal SagaJournal,
	ledger settlement.LedgerTransfer,
	payment settlement.PaymentTransfer,
	recorder settlement.TransactionRecorder,
	notifier settlement.Notifier,
	cfg CoordinatorConfig,
	log *logrus.Entry,
) *Coordinator {
	return &Coordinator{
		journal:  journal,
		ledger:   ledger,
		payment:  payment,
		recorder: recorder,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		log:      log,
	}
}

//
// ──────────────────────────────────────────────────────────
// Saga
// ──────────────────────────────────────────────────────────
//

// Settle drives tr to a terminal settlement status. It is safe to call
// again for the same trade: completed legs are skipped and every external
// call carries a deterministic idempotency key.
func (c *Coordinator) Settle(ctx context.Context, tr orderbook.Trade) Outcome {
	start := c.now()
	out := c.settle(ctx, tr)
	out.Duration = c.now().Sub(start)
	return out
}

func (c *Coordinator) settle(ctx context.Context, tr orderbook.Trade) Outcome {
	log := c.log.WithFields(tradeFields(tr))

	rec, err := c.journal.Saga(tr.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = store.SagaRecord{TradeID: tr.ID, Stage: stageStarted}
		c.save(log, &rec)
	case err != nil:
		log.WithError(err).Warn("saga journal read failed, starting from scratch")
		rec = store.SagaRecord{TradeID: tr.ID, Stage: stageStarted}
	}
	if out, done := outcomeOf(rec); done {
		return out
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// 1. ledger: seller -> buyer
	if rec.LedgerTxRef == "" {
		ref, err := c.retry(sctx, func(ctx context.Context) (string, error) {
			return c.ledger.Transfer(ctx, settlement.LedgerRequest{
				AssetID:        tr.AssetID,
				From:           tr.SellerID,
				To:             tr.BuyerID,
				Quantity:       tr.Quantity,
				IdempotencyKey: tr.ID + ":ledger",
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{TradeID: tr.ID, Interrupted: true}
			}
			log.WithError(err).Warn("ledger transfer failed")
			rec.Stage, rec.LastError = stageFailed, err.Error()
			c.save(log, &rec)
			c.notifyParties(ctx, tr, settlement.NotifyTradeFailed, "ledger transfer failed")
			return Outcome{TradeID: tr.ID, Status: orderbook.SettlementFailed, Reason: err.Error()}
		}
		rec.LedgerTxRef, rec.Stage = ref, stageLedgerDone
		c.save(log, &rec)
	}

	// 2. payment: buyer -> seller, net of fee
	if rec.PaymentTxRef == "" {
		ref, err := c.retry(sctx, func(ctx context.Context) (string, error) {
			return c.payment.Transfer(ctx, settlement.PaymentRequest{
				From:           tr.BuyerID,
				To:             tr.SellerID,
				Amount:         tr.NetAmount(),
				Currency:       c.cfg.Currency,
				IdempotencyKey: tr.ID + ":payment",
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{TradeID: tr.ID, LedgerTxRef: rec.LedgerTxRef, Interrupted: true}
			}
			log.WithError(err).Warn("payment failed, compensating ledger transfer")
			return c.compensate(ctx, tr, &rec, err)
		}
		rec.PaymentTxRef, rec.Stage = ref, stagePaymentDone
		c.save(log, &rec)
	}

	// 3. fee: buyer -> platform. Never fails the trade.
	if tr.PlatformFee.IsPositive() && rec.FeeTxRef == "" && !rec.FeeFailed {
		ref, err := c.retry(sctx, func(ctx context.Context) (string, error) {
			return c.payment.Transfer(ctx, settlement.PaymentRequest{
				From:           tr.BuyerID,
				To:             c.cfg.PlatformAccount,
				Amount:         tr.PlatformFee,
				Currency:       c.cfg.Currency,
				IdempotencyKey: tr.ID + ":fee",
			})
		})
		if err != nil {
			log.WithError(err).Warn("platform fee collection failed")
			rec.FeeFailed, rec.LastError = true, err.Error()
			c.notify(ctx, settlement.Notification{
				Kind: settlement.NotifyFeeCollectionFailed, TradeID: tr.ID, AssetID: tr.AssetID,
				Reason: err.Error(), At: c.now(),
			})
		} else {
			rec.FeeTxRef = ref
		}
	}

	rec.Stage = stageSettled
	c.save(log, &rec)
	c.record(ctx, tr, rec)
	c.notifyParties(ctx, tr, settlement.NotifyTradeSettled, "")
	log.WithFields(logrus.Fields{"ledger_tx": rec.LedgerTxRef, "payment_tx": rec.PaymentTxRef}).Info("trade settled")

	return Outcome{
		TradeID:      tr.ID,
		Status:       orderbook.SettlementSettled,
		LedgerTxRef:  rec.LedgerTxRef,
		PaymentTxRef: rec.PaymentTxRef,
	}
}

// compensate makes the single automatic attempt to reverse the ledger leg.
// It runs on a context detached from the engine so that shutdown does not
// leave a half-settled trade unreported.
func (c *Coordinator) compensate(ctx context.Context, tr orderbook.Trade, rec *store.SagaRecord, cause error) Outcome {
	log := c.log.WithFields(tradeFields(tr))

	ref, err := c.reverseLedger(ctx, tr, rec)
	if err != nil {
		rec.Stage = stageReversalPending
		rec.LastError = errors.Wrapf(err, "compensation after payment failure (%v)", cause).Error()
		c.save(log, rec)
		c.logReconciliation(tr, rec)
		c.notify(ctx, settlement.Notification{
			Kind: settlement.NotifyReconciliationRequired, TradeID: tr.ID, AssetID: tr.AssetID,
			Reason: rec.LastError, At: c.now(),
		})
		return Outcome{
			TradeID:     tr.ID,
			Status:      orderbook.SettlementReversalPending,
			LedgerTxRef: rec.LedgerTxRef,
			Reason:      rec.LastError,
		}
	}

	rec.ReverseTxRef, rec.Stage, rec.LastError = ref, stageCompensated, cause.Error()
	c.save(log, rec)
	c.notifyParties(ctx, tr, settlement.NotifyTradeFailed, "payment failed")
	log.WithField("reverse_tx", ref).Info("payment failure compensated")
	return Outcome{
		TradeID:     tr.ID,
		Status:      orderbook.SettlementFailed,
		LedgerTxRef: rec.LedgerTxRef,
		Reason:      cause.Error(),
	}
}

// RetryCompensation is the operator's one further attempt for a trade in
// REVERSAL_PENDING. Success yields REVERSED. A saga that already reversed
// reports REVERSED again without touching the ledger, so an outcome that
// never reached the book can still be applied.
func (c *Coordinator) RetryCompensation(ctx context.Context, tr orderbook.Trade) (Outcome, error) {
	log := c.log.WithFields(tradeFields(tr))

	rec, err := c.journal.Saga(tr.ID)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "saga of trade %s", tr.ID)
	}
	if rec.Stage == stageReversed {
		out, _ := outcomeOf(rec)
		return out, nil
	}
	if rec.Stage != stageReversalPending {
		return Outcome{}, errors.Wrapf(ErrNotReconcilable, "trade %s saga stage %s", tr.ID, rec.Stage)
	}

	ref, err := c.reverseLedger(ctx, tr, &rec)
	if err != nil {
		rec.LastError = err.Error()
		c.save(log, &rec)
		log.WithError(err).Error("operator compensation attempt failed")
		return Outcome{}, errors.Mark(errors.Wrapf(err, "trade %s", tr.ID), orderbook.ErrReconciliationRequired)
	}

	rec.ReverseTxRef, rec.Stage, rec.LastError = ref, stageReversed, ""
	c.save(log, &rec)
	c.notifyParties(ctx, tr, settlement.NotifyTradeReversed, "reconciled by operator")
	log.WithField("reverse_tx", ref).Info("trade reversed")
	return Outcome{
		TradeID:     tr.ID,
		Status:      orderbook.SettlementReversed,
		LedgerTxRef: rec.LedgerTxRef,
	}, nil
}

func (c *Coordinator) reverseLedger(ctx context.Context, tr orderbook.Trade, rec *store.SagaRecord) (string, error) {
	rec.CompensationAttempts++
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
	defer cancel()
	return c.ledger.Transfer(cctx, settlement.LedgerRequest{
		AssetID:        tr.AssetID,
		From:           tr.BuyerID,
		To:             tr.SellerID,
		Quantity:       tr.Quantity,
		IdempotencyKey: tr.ID + ":ledger-reverse",
	})
}

//
// ──────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────
//

// retry repeats transient failures with exponential backoff until ctx
// expires. Rejections stop immediately.
func (c *Coordinator) retry(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	var last error
	ref, err := backoff.Retry(ctx, func() (string, error) {
		ref, err := call(ctx)
		if err != nil {
			last = err
			if errors.Is(err, settlement.ErrRejected) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return ref, nil
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(c.cfg.Timeout),
	)
	if err != nil && last != nil && !errors.Is(err, settlement.ErrRejected) {
		return "", errors.WithSecondaryError(last, err)
	}
	return ref, err
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func (c *Coordinator) save(log *logrus.Entry, rec *store.SagaRecord) {
	rec.UpdatedAt = c.now()
	if err := c.journal.PutSaga(*rec); err != nil {
		// legs stay idempotent through their keys even without the journal
		log.WithError(err).WithField("stage", rec.Stage).Error("saga journal write failed")
	}
}

func (c *Coordinator) record(ctx context.Context, tr orderbook.Trade, rec store.SagaRecord) {
	at := c.now()
	recs := []settlement.TransactionRecord{
		{
			TradeID: tr.ID, UserID: tr.BuyerID, Kind: settlement.TransactionPurchase,
			AssetID: tr.AssetID, Quantity: tr.Quantity, Price: tr.Price,
			Amount: tr.TotalValue, Fee: tr.PlatformFee,
			LedgerTxRef: rec.LedgerTxRef, PaymentTxRef: rec.PaymentTxRef, SettledAt: at,
		},
		{
			TradeID: tr.ID, UserID: tr.SellerID, Kind: settlement.TransactionSale,
			AssetID: tr.AssetID, Quantity: tr.Quantity, Price: tr.Price,
			Amount: tr.NetAmount(), Fee: decimal.Zero,
			LedgerTxRef: rec.LedgerTxRef, PaymentTxRef: rec.PaymentTxRef, SettledAt: at,
		},
	}
	if rec.FeeTxRef != "" {
		recs = append(recs, settlement.TransactionRecord{
			TradeID: tr.ID, UserID: c.cfg.PlatformAccount, Kind: settlement.TransactionFee,
			AssetID: tr.AssetID, Quantity: tr.Quantity, Price: tr.Price,
			Amount: tr.PlatformFee, Fee: decimal.Zero,
			LedgerTxRef: rec.LedgerTxRef, PaymentTxRef: rec.FeeTxRef, SettledAt: at,
		})
	}
	if err := c.recorder.Record(ctx, recs); err != nil {
		c.log.WithFields(tradeFields(tr)).WithError(err).Warn("transaction recording failed")
	}
}

func (c *Coordinator) notifyParties(ctx context.Context, tr orderbook.Trade, kind settlement.NotificationKind, reason string) {
	for _, user := range []string{tr.BuyerID, tr.SellerID} {
		c.notify(ctx, settlement.Notification{
			Kind: kind, UserID: user, TradeID: tr.ID, AssetID: tr.AssetID, Reason: reason, At: c.now(),
		})
		if tr.BuyerID == tr.SellerID {
			break
		}
	}
}

func (c *Coordinator) notify(ctx context.Context, n settlement.Notification) {
	if err := c.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"trade_id": n.TradeID, "kind": n.Kind}).Warn("notification failed")
	}
}

func (c *Coordinator) logReconciliation(tr orderbook.Trade, rec *store.SagaRecord) {
	c.log.WithFields(tradeFields(tr)).WithFields(logrus.Fields{
		"stage":                 rec.Stage,
		"ledger_tx":             rec.LedgerTxRef,
		"payment_tx":            rec.PaymentTxRef,
		"compensation_attempts": rec.CompensationAttempts,
		"error":                 rec.LastError,
	}).Error("reconciliation required: ledger transferred, payment and compensation failed")
}

func tradeFields(tr orderbook.Trade) logrus.Fields {
	return logrus.Fields{
		"trade_id":      tr.ID,
		"asset":         tr.AssetID,
		"buy_order_id":  tr.BuyOrderID,
		"sell_order_id": tr.SellOrderID,
		"buyer":         tr.BuyerID,
		"seller":        tr.SellerID,
		"quantity":      tr.Quantity,
		"price":         tr.Price.String(),
		"total_value":   tr.TotalValue.String(),
	}
}

// outcomeOf reports the recorded result of a saga that already finished.
func outcomeOf(rec store.SagaRecord) (Outcome, bool) {
	out := Outcome{TradeID: rec.TradeID, LedgerTxRef: rec.LedgerTxRef, PaymentTxRef: rec.PaymentTxRef, Reason: rec.LastError}
	switch rec.Stage {
	case stageSettled:
		out.Status = orderbook.SettlementSettled
	case stageFailed, stageCompensated:
		out.Status = orderbook.SettlementFailed
	case stageReversalPending:
		out.Status = orderbook.SettlementReversalPending
	case stageReversed:
		out.Status = orderbook.SettlementReversed
	default:
		return out, false
	}
	return out, true
}
