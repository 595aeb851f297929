package service

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"bourse/domain/marketdata"
	"bourse/domain/orderbook"
	"bourse/domain/settlement"
	"bourse/infra/sequence"
	"bourse/infra/store"
	"bourse/metrics"
)

/*
Engine is the ONLY write entry point into the exchange.

Each asset is owned by one assetWorker goroutine; the engine routes
commands to it and waits for the reply. Collaborator I/O (holdings,
registry, settlement) always happens outside the worker.
*/

type Options struct {
	InboxSize      int
	SweepInterval  time.Duration
	SelfTrade      orderbook.SelfTradePolicy
	FeeRate        decimal.Decimal
	MaxSettlements int64
	Clock          func() time.Time
}

type SubmitRequest struct {
	OwnerID   string
	AssetID   string
	Side      orderbook.Side
	Quantity  int64
	Price     decimal.Decimal
	ExpiresAt time.Time // zero for good-till-cancelled
}

type SubmitResult struct {
	Order  orderbook.Order
	Trades []orderbook.Trade
}

type BookView struct {
	AssetID string
	Bids    []orderbook.LevelView
	Asks    []orderbook.LevelView
}

type Engine struct {
	opts     Options
	store    *store.Store
	holdings settlement.HoldingsOracle
	registry settlement.AssetRegistry
	coord    *Coordinator
	metrics  *metrics.Metrics
	seq      *sequence.Sequencer
	log      *logrus.Entry

	// gate orders API command enqueues against Close.
	gate    sync.RWMutex
	closed  bool
	mu      sync.Mutex
	workers map[string]*assetWorker

	ctx      context.Context
	cancel   context.CancelFunc
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

// NewEngine wires all dependencies. Call Recover before serving traffic.
func NewEngine(
	st *store.Store,
	holdings settlement.HoldingsOracle,
	registry settlement.AssetRegistry,
	coord *Coordinator,
	m *metrics.Metrics,
	opts Options,
	log *logrus.Entry,
) *Engine {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.MaxSettlements <= 0 {
		opts.MaxSettlements = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	coord.now = opts.Clock
	return &Engine{
		opts:     opts,
		store:    st,
		holdings: holdings,
		registry: registry,
		coord:    coord,
		metrics:  m,
		seq:      sequence.New(0),
		log:      log,
		workers:  make(map[string]*assetWorker),
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(opts.MaxSettlements),
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Clock().UTC()
}

func (e *Engine) newTradeID() string {
	return uuid.NewString()
}

// worker returns the asset's worker, starting it on first use.
func (e *Engine) worker(assetID string) *assetWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[assetID]
	if !ok {
		w = newAssetWorker(e, assetID)
		e.workers[assetID] = w
		w.start()
	}
	return w
}

// lookup returns the asset's worker without starting one.
func (e *Engine) lookup(assetID string) (*assetWorker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[assetID]
	return w, ok
}

// run sends fn to the asset's worker unless the engine is closing.
func (e *Engine) run(ctx context.Context, assetID string, fn func(w *assetWorker) error) error {
	e.gate.RLock()
	if e.closed {
		e.gate.RUnlock()
		return ErrEngineClosed
	}
	w := e.worker(assetID)
	reply := make(chan error, 1)
	select {
	case w.inbox <- func() { reply <- fn(w) }:
	case <-ctx.Done():
		e.gate.RUnlock()
		return ctx.Err()
	}
	e.gate.RUnlock()

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// SubmitOrder validates, reserves, matches and journals a new order.
// Trades come back PENDING; their settlement completes asynchronously.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	o := orderbook.NewOrder(uuid.NewString(), req.OwnerID, req.AssetID, req.Side, req.Quantity, req.Price, req.ExpiresAt)
	if !o.ExpiresAt.IsZero() {
		o.ExpiresAt = o.ExpiresAt.UTC()
	}
	if err := o.Validate(e.now()); err != nil {
		e.metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return SubmitResult{}, err
	}

	const attempts = 3
	var res SubmitResult
	for i := 0; ; i++ {
		var holdings int64
		var tick uint64
		if o.Side == orderbook.Sell {
			// read the tick before holdings so a release in between is detected.
			// An asset with no worker yet has had no releases.
			if w, ok := e.lookup(o.AssetID); ok {
				tick = w.releaseTick(o.OwnerID).Load()
			}
			h, err := e.holdings.Holdings(ctx, o.OwnerID, o.AssetID)
			if err != nil {
				e.metrics.OrdersRejected.WithLabelValues("holdings_unavailable").Inc()
				return SubmitResult{}, errors.Mark(errors.Wrap(err, "holdings lookup"), ErrUnavailable)
			}
			holdings = h
		}

		err := e.run(ctx, o.AssetID, func(w *assetWorker) error {
			r, err := w.submit(o, holdings, tick)
			res = r
			return err
		})
		switch {
		case errors.Is(err, errStaleHoldings) && i+1 < attempts:
			continue
		case errors.Is(err, errStaleHoldings):
			e.metrics.OrdersRejected.WithLabelValues("holdings_unavailable").Inc()
			return SubmitResult{}, errors.Mark(errors.New("holdings kept changing during submission"), ErrUnavailable)
		case errors.Is(err, orderbook.ErrInsufficientHoldings):
			e.metrics.OrdersRejected.WithLabelValues("insufficient_holdings").Inc()
			return SubmitResult{}, err
		case err != nil:
			return SubmitResult{}, err
		}
		return res, nil
	}
}

// CancelOrder withdraws an OPEN or PARTIALLY_FILLED order for its owner.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requesterID string) (orderbook.Order, error) {
	snap, err := e.store.Order(orderID)
	if errors.Is(err, store.ErrNotFound) {
		return orderbook.Order{}, errors.Wrapf(orderbook.ErrNotFound, "order %s", orderID)
	}
	if err != nil {
		return orderbook.Order{}, err
	}

	var out orderbook.Order
	err = e.run(ctx, snap.AssetID, func(w *assetWorker) error {
		o, err := w.cancel(orderID, requesterID)
		out = o
		return err
	})
	return out, err
}

// SweepExpired runs the asset's expiry sweep now instead of waiting for
// the ticker.
func (e *Engine) SweepExpired(ctx context.Context, assetID string, now time.Time) ([]orderbook.Order, error) {
	var out []orderbook.Order
	err := e.run(ctx, assetID, func(w *assetWorker) error {
		out = w.sweep(now)
		return nil
	})
	return out, err
}

// RetryCompensation makes one operator-triggered attempt to reverse the
// ledger leg of a trade awaiting reconciliation.
func (e *Engine) RetryCompensation(ctx context.Context, tradeID string) (orderbook.Trade, error) {
	tr, err := e.store.Trade(tradeID)
	if errors.Is(err, store.ErrNotFound) {
		return orderbook.Trade{}, errors.Wrapf(orderbook.ErrNotFound, "trade %s", tradeID)
	}
	if err != nil {
		return orderbook.Trade{}, err
	}
	if tr.Status != orderbook.SettlementReversalPending {
		return orderbook.Trade{}, errors.Wrapf(ErrNotReconcilable, "trade %s is %s", tradeID, tr.Status)
	}

	e.gate.RLock()
	if e.closed {
		e.gate.RUnlock()
		return orderbook.Trade{}, ErrEngineClosed
	}
	e.inflight.Add(1)
	e.gate.RUnlock()
	defer e.inflight.Done()

	out, err := e.coord.RetryCompensation(ctx, tr)
	if err != nil {
		return orderbook.Trade{}, err
	}
	// the ledger has already reversed; the book must follow even if the
	// caller has gone away
	w := e.worker(tr.AssetID)
	if err := w.do(context.WithoutCancel(ctx), func() error { return w.applyOutcome(out) }); err != nil {
		return orderbook.Trade{}, err
	}
	return e.store.Trade(tradeID)
}

// dispatch settles tr in the background and posts the outcome back to w.
func (e *Engine) dispatch(w *assetWorker, tr orderbook.Trade) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return // shutting down; trade stays PENDING for the next start
		}
		out := e.coord.Settle(e.ctx, tr)
		e.sem.Release(1)
		if out.Interrupted {
			w.log.WithField("trade_id", tr.ID).Warn("settlement interrupted by shutdown")
			return
		}
		w.post(func() {
			if err := w.applyOutcome(out); err != nil {
				w.log.WithError(err).WithField("trade_id", tr.ID).Error("apply settlement outcome failed")
			}
		})
	}()
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

func (e *Engine) GetOrder(_ context.Context, orderID string) (orderbook.Order, error) {
	o, err := e.store.Order(orderID)
	if errors.Is(err, store.ErrNotFound) {
		return o, errors.Wrapf(orderbook.ErrNotFound, "order %s", orderID)
	}
	return o, err
}

// GetOrderBook aggregates up to depth levels per side.
func (e *Engine) GetOrderBook(ctx context.Context, assetID string, depth int) (BookView, error) {
	view := BookView{AssetID: assetID}
	err := e.run(ctx, assetID, func(w *assetWorker) error {
		view.Bids, view.Asks = w.book.Depth(depth)
		return nil
	})
	return view, err
}

// GetUserOrders reads committed snapshots; it takes no asset lock.
func (e *Engine) GetUserOrders(_ context.Context, userID string, statuses ...orderbook.Status) ([]orderbook.Order, error) {
	return e.store.UserOrders(userID, statuses...)
}

func (e *Engine) GetMarketStats(ctx context.Context, assetID string) (marketdata.Stats, error) {
	supply, err := e.registry.Supply(ctx, assetID)
	if err != nil {
		return marketdata.Stats{}, errors.Mark(errors.Wrap(err, "asset registry"), ErrUnavailable)
	}
	var stats marketdata.Stats
	err = e.run(ctx, assetID, func(w *assetWorker) error {
		stats = w.agg.Snapshot(w.book, supply, e.now())
		return nil
	})
	return stats, err
}

// ListReconciliation lists trades awaiting operator action.
func (e *Engine) ListReconciliation(_ context.Context) ([]orderbook.Trade, error) {
	return e.store.TradesByStatus(orderbook.SettlementReversalPending)
}

//
// ──────────────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────────────
//

// Close stops accepting commands, waits for in-flight settlements to report
// (cancelling them if ctx ends first), then stops every asset worker.
func (e *Engine) Close(ctx context.Context) error {
	e.gate.Lock()
	if e.closed {
		e.gate.Unlock()
		return nil
	}
	e.closed = true
	e.gate.Unlock()

	e.mu.Lock()
	workers := make([]*assetWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	// barrier: every accepted command has run and dispatched its trades
	for _, w := range workers {
		_ = w.do(context.WithoutCancel(ctx), func() error { return nil })
	}

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "settlements still in flight")
		e.cancel()
		<-drained
	}

	for _, w := range workers {
		w.stop()
	}
	e.cancel()
	return err
}
