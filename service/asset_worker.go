package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"bourse/domain/marketdata"
	"bourse/domain/orderbook"
	"bourse/infra/store"
)

// assetWorker is the single goroutine that owns one asset's book. Every
// mutation of the book, of tracked orders and of reservations runs inside
// its loop, so matching, cancels, sweeps and settlement outcomes for an
// asset never interleave.
type assetWorker struct {
	e       *Engine
	assetID string
	log     *logrus.Entry

	book *orderbook.OrderBook
	agg  *marketdata.Aggregator

	// orders holds every order that rests or is referenced by a PENDING
	// trade; refs counts those trades.
	orders map[string]*orderbook.Order
	refs   map[string]int
	trades map[string]*orderbook.Trade

	// reserved[user] = open SELL remaining + unsettled sold quantity.
	reserved map[string]int64
	// releases[user] ticks whenever settlement hands reserved units back
	// to the holdings oracle; a holdings read older than the tick is stale.
	releases sync.Map // string -> *atomic.Uint64

	halted error

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}
}

func newAssetWorker(e *Engine, assetID string) *assetWorker {
	return &assetWorker{
		e:        e,
		assetID:  assetID,
		log:      e.log.WithField("asset", assetID),
		book:     orderbook.NewOrderBook(assetID),
		agg:      marketdata.NewAggregator(assetID),
		orders:   make(map[string]*orderbook.Order),
		refs:     make(map[string]int),
		trades:   make(map[string]*orderbook.Trade),
		reserved: make(map[string]int64),
		inbox:    make(chan func(), e.opts.InboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

//
// ──────────────────────────────────────────────────────────
// Loop
// ──────────────────────────────────────────────────────────
//

func (w *assetWorker) start() {
	go w.loop()
}

func (w *assetWorker) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-w.inbox:
			fn()
		case <-ticker.C:
			w.sweep(w.e.now())
		case <-w.quit:
			for {
				select {
				case fn := <-w.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (w *assetWorker) stop() {
	close(w.quit)
	<-w.done
}

// do runs fn on the worker and waits for its result. If ctx ends first the
// command may still run; only the caller stops waiting.
func (w *assetWorker) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case w.inbox <- func() { reply <- fn() }:
	case <-w.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used for settlement outcomes.
func (w *assetWorker) post(fn func()) bool {
	select {
	case w.inbox <- fn:
		return true
	case <-w.quit:
		return false
	}
}

func (w *assetWorker) releaseTick(user string) *atomic.Uint64 {
	v, _ := w.releases.LoadOrStore(user, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

var errStaleHoldings = errors.New("holdings read raced a settlement")

// submit accepts o and matches it. holdings and tick describe the owner's
// holdings read taken before entering the worker; both are ignored for BUY.
func (w *assetWorker) submit(o *orderbook.Order, holdings int64, tick uint64) (SubmitResult, error) {
	if w.halted != nil {
		return SubmitResult{}, errors.Wrapf(ErrHalted, "%s: %v", w.assetID, w.halted)
	}
	now := w.e.now()

	if o.Side == orderbook.Sell {
		if w.releaseTick(o.OwnerID).Load() != tick {
			return SubmitResult{}, errStaleHoldings
		}
		if avail := holdings - w.reserved[o.OwnerID]; avail < o.Requested {
			return SubmitResult{}, errors.Wrapf(orderbook.ErrInsufficientHoldings,
				"%s holds %d %s, %d reserved by open orders, %d requested",
				o.OwnerID, holdings, o.AssetID, w.reserved[o.OwnerID], o.Requested)
		}
	}

	o.Seq = w.e.seq.Next()
	o.CreatedAt, o.UpdatedAt = now, now

	res, err := w.book.Submit(o, orderbook.MatchOptions{
		SelfTrade:  w.e.opts.SelfTrade,
		FeeRate:    w.e.opts.FeeRate,
		NewTradeID: w.e.newTradeID,
		Now:        now,
	})
	if err != nil {
		w.halt(errors.Wrap(err, "book rejected a validated order"))
		return SubmitResult{}, err
	}
	if o.Side == orderbook.Sell {
		w.reserved[o.OwnerID] += o.Requested
	}

	w.track(o)
	batch := w.e.store.NewBatch()
	w.putOrder(batch, o, now)
	for _, m := range res.Makers {
		w.putOrder(batch, m, now)
	}
	trades := make([]orderbook.Trade, 0, len(res.Trades))
	for i := range res.Trades {
		tr := &res.Trades[i]
		w.trades[tr.ID] = tr
		w.refs[tr.BuyOrderID]++
		w.refs[tr.SellOrderID]++
		batch.PutTrade(tr)
		batch.AppendEvent(store.Event{Type: store.EventTradeExecuted, Key: w.assetID, At: now, Payload: tr})
		trades = append(trades, *tr)
		if tr.SelfTrade {
			w.log.WithFields(tradeFields(*tr)).Warn("self-trade executed")
		}
	}
	for _, m := range res.Makers {
		w.track(m)
	}
	if err := w.commit(batch); err != nil {
		return SubmitResult{}, err
	}

	w.e.metrics.OrdersAccepted.WithLabelValues(o.Side.String()).Inc()
	w.e.metrics.TradesExecuted.Add(float64(len(trades)))
	for _, tr := range trades {
		w.e.dispatch(w, tr)
	}
	return SubmitResult{Order: o.Snapshot(), Trades: trades}, nil
}

// cancel withdraws a live order for its owner.
func (w *assetWorker) cancel(orderID, requesterID string) (orderbook.Order, error) {
	if w.halted != nil {
		return orderbook.Order{}, errors.Wrapf(ErrHalted, "%s: %v", w.assetID, w.halted)
	}
	now := w.e.now()

	o, err := w.book.Cancel(orderID, requesterID, now)
	if errors.Is(err, orderbook.ErrNotFound) {
		// not resting: report on the journaled state
		snap, lerr := w.lookup(orderID)
		if lerr != nil {
			return orderbook.Order{}, lerr
		}
		if snap.OwnerID != requesterID {
			return orderbook.Order{}, errors.Wrapf(orderbook.ErrNotOwner, "order %s", orderID)
		}
		return orderbook.Order{}, errors.Wrapf(orderbook.ErrAlreadyTerminal, "order %s is %s", orderID, snap.Status)
	}
	if err != nil {
		return orderbook.Order{}, err
	}

	w.releaseRemaining(o)
	batch := w.e.store.NewBatch()
	w.putOrder(batch, o, now)
	if err := w.commit(batch); err != nil {
		return orderbook.Order{}, err
	}
	w.untrack(o)
	return o.Snapshot(), nil
}

// sweep expires every resting order whose deadline has passed.
func (w *assetWorker) sweep(now time.Time) []orderbook.Order {
	if w.halted != nil {
		return nil
	}
	expired := w.book.SweepExpired(now)
	if len(expired) == 0 {
		return nil
	}

	batch := w.e.store.NewBatch()
	out := make([]orderbook.Order, 0, len(expired))
	for _, o := range expired {
		w.releaseRemaining(o)
		w.putOrder(batch, o, now)
		out = append(out, o.Snapshot())
	}
	if err := w.commit(batch); err != nil {
		return nil
	}
	for _, o := range expired {
		w.untrack(o)
	}
	w.e.metrics.OrdersExpired.Add(float64(len(expired)))
	w.log.WithField("count", len(expired)).Info("expired orders swept")
	return out
}

// applyOutcome finalizes or rolls back a trade once settlement reports.
func (w *assetWorker) applyOutcome(out Outcome) error {
	log := w.log.WithField("trade_id", out.TradeID)
	now := w.e.now()

	tr, pending := w.trades[out.TradeID]
	if !pending {
		if out.Status != orderbook.SettlementReversed {
			log.WithField("status", out.Status.String()).Warn("outcome for unknown trade ignored")
			return nil
		}
		snap, err := w.e.store.Trade(out.TradeID)
		if err != nil {
			return err
		}
		tr = &snap
	}

	batch := w.e.store.NewBatch()
	tr.Status = out.Status
	tr.UpdatedAt = now
	if out.LedgerTxRef != "" {
		tr.LedgerTxRef = out.LedgerTxRef
	}
	if out.PaymentTxRef != "" {
		tr.PaymentTxRef = out.PaymentTxRef
	}

	var touched []*orderbook.Order
	switch out.Status {
	case orderbook.SettlementSettled:
		w.release(tr.SellerID, tr.Quantity)
		w.agg.Record(*tr)
		batch.AppendEvent(store.Event{Type: store.EventTradeSettled, Key: w.assetID, At: now, Payload: tr})

	case orderbook.SettlementFailed:
		touched = w.rollback(tr, false)
		log.WithError(out.Err()).Warn("settlement failed, orders rolled back")
		batch.AppendEvent(store.Event{Type: store.EventTradeFailed, Key: w.assetID, At: now, Payload: outcomeEvent{tr, out.Reason}})

	case orderbook.SettlementReversalPending:
		// the units did move on the ledger; fills stand until an operator acts
		w.release(tr.SellerID, tr.Quantity)
		w.e.metrics.ReconciliationPending.Inc()
		log.WithError(out.Err()).Error("trade awaiting reconciliation, fills stand")
		batch.AppendEvent(store.Event{Type: store.EventReconciliationRequired, Key: w.assetID, At: now, Payload: outcomeEvent{tr, out.Reason}})

	case orderbook.SettlementReversed:
		touched = w.rollback(tr, true)
		w.e.metrics.ReconciliationPending.Dec()
		batch.AppendEvent(store.Event{Type: store.EventTradeReversed, Key: w.assetID, At: now, Payload: tr})

	default:
		return errors.AssertionFailedf("unexpected settlement status %s for trade %s", out.Status, tr.ID)
	}

	batch.PutTrade(tr)
	for _, o := range touched {
		w.putOrder(batch, o, now)
	}
	if err := w.commit(batch); err != nil {
		return err
	}

	if pending {
		delete(w.trades, tr.ID)
		w.unref(tr.BuyOrderID)
		w.unref(tr.SellOrderID)
	}
	for _, o := range touched {
		w.untrack(o)
	}
	w.e.metrics.SettlementOutcomes.WithLabelValues(out.Status.String()).Inc()
	w.e.metrics.SettlementDuration.WithLabelValues(out.Status.String()).Observe(out.Duration.Seconds())
	return nil
}

type outcomeEvent struct {
	*orderbook.Trade
	Reason string `json:"reason,omitempty"`
}

// rollback reverts both sides of tr as if the match never happened. Orders
// that are still live return to their original price-time position.
// reversed marks an operator reversal, after which the seller's units are
// back in the oracle and must be reserved again if the sell order reopens.
func (w *assetWorker) rollback(tr *orderbook.Trade, reversed bool) []*orderbook.Order {
	now := w.e.now()
	var touched []*orderbook.Order
	for _, id := range []string{tr.BuyOrderID, tr.SellOrderID} {
		o, err := w.order(id)
		if err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"trade_id": tr.ID, "order_id": id}).Error("rollback: order missing")
			continue
		}
		if err := w.book.RevertFill(o, tr.Quantity, now); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"trade_id": tr.ID, "order_id": id}).Error("rollback rejected")
			continue
		}
		if o.Side == orderbook.Sell {
			switch {
			case o.Status.IsLive() && reversed:
				w.reserved[o.OwnerID] += tr.Quantity
			case !o.Status.IsLive() && !reversed:
				w.release(o.OwnerID, tr.Quantity)
			}
		}
		w.track(o)
		touched = append(touched, o)
	}
	return touched
}

//
// ──────────────────────────────────────────────────────────
// Bookkeeping
// ──────────────────────────────────────────────────────────
//

func (w *assetWorker) track(o *orderbook.Order) {
	w.orders[o.ID] = o
}

func (w *assetWorker) untrack(o *orderbook.Order) {
	if !o.Status.IsLive() && w.refs[o.ID] == 0 {
		delete(w.orders, o.ID)
		delete(w.refs, o.ID)
	}
}

func (w *assetWorker) unref(id string) {
	if w.refs[id]--; w.refs[id] <= 0 {
		delete(w.refs, id)
		if o, ok := w.orders[id]; ok {
			w.untrack(o)
		}
	}
}

// order returns the live instance of id, loading it from the journal if
// nothing in memory references it any more.
func (w *assetWorker) order(id string) (*orderbook.Order, error) {
	if o, ok := w.orders[id]; ok {
		return o, nil
	}
	snap, err := w.e.store.Order(id)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (w *assetWorker) lookup(id string) (orderbook.Order, error) {
	if o, ok := w.orders[id]; ok {
		return o.Snapshot(), nil
	}
	snap, err := w.e.store.Order(id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && snap.AssetID != w.assetID) {
		return orderbook.Order{}, errors.Wrapf(orderbook.ErrNotFound, "order %s", id)
	}
	return snap, err
}

func (w *assetWorker) releaseRemaining(o *orderbook.Order) {
	if o.Side == orderbook.Sell {
		w.reserved[o.OwnerID] -= o.Remaining
		if w.reserved[o.OwnerID] <= 0 {
			delete(w.reserved, o.OwnerID)
		}
	}
}

// release hands qty of user's reservation back after it left the engine's
// custody; it also invalidates holdings reads taken before this point.
func (w *assetWorker) release(user string, qty int64) {
	w.reserved[user] -= qty
	if w.reserved[user] <= 0 {
		delete(w.reserved, user)
	}
	w.releaseTick(user).Add(1)
}

func (w *assetWorker) putOrder(b *store.Batch, o *orderbook.Order, now time.Time) {
	b.PutOrder(o)
	b.AppendEvent(store.Event{Type: store.EventOrderStateChanged, Key: w.assetID, At: now, Payload: o})
}

// commit writes b or halts the asset. A book that diverged from its journal
// must not keep matching.
func (w *assetWorker) commit(b *store.Batch) error {
	if err := b.Commit(); err != nil {
		w.halt(err)
		return errors.Wrapf(ErrHalted, "%s: journal write failed: %v", w.assetID, err)
	}
	return nil
}

func (w *assetWorker) halt(err error) {
	if w.halted == nil {
		w.halted = err
		w.log.WithError(err).Error("asset halted")
	}
}
