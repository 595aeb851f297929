package service

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"bourse/domain/marketdata"
	"bourse/domain/orderbook"
	"bourse/infra/store"
)

/*
Recover rebuilds in-memory state from the journal.

IMPORTANT:
- This MUST run before accepting traffic
- Resting orders are re-inserted in seq order, never re-matched
- PENDING trades are dispatched to settlement again; the saga journal
  and idempotency keys make that safe
- REVERSAL_PENDING trades whose saga already reversed get the reversal
  applied before traffic resumes
*/

type assetState struct {
	live    []orderbook.Order
	pending []orderbook.Trade
	settled []orderbook.Trade
	// reversed trades whose REVERSED outcome never reached the book
	reversed []Outcome
	// newest settled trade before the window, kept for the last price
	lastBefore *orderbook.Trade
}

func (e *Engine) Recover(ctx context.Context) error {
	now := e.now()
	states := map[string]*assetState{}
	state := func(asset string) *assetState {
		s, ok := states[asset]
		if !ok {
			s = &assetState{}
			states[asset] = s
		}
		return s
	}

	orders := 0
	err := e.store.Orders(func(o orderbook.Order) error {
		e.seq.Observe(o.Seq)
		if o.Status.IsLive() {
			state(o.AssetID).live = append(state(o.AssetID).live, o)
			orders++
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "replay orders")
	}

	reconciling := 0
	err = e.store.Trades(func(t orderbook.Trade) error {
		switch t.Status {
		case orderbook.SettlementPending:
			state(t.AssetID).pending = append(state(t.AssetID).pending, t)
		case orderbook.SettlementSettled:
			st := state(t.AssetID)
			switch {
			case now.Sub(t.ExecutedAt) < marketdata.Window:
				st.settled = append(st.settled, t)
			case st.lastBefore == nil || t.ExecutedAt.After(st.lastBefore.ExecutedAt):
				st.lastBefore = &t
			}
		case orderbook.SettlementReversalPending:
			reconciling++
			rec, err := e.store.Saga(t.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return errors.Wrapf(err, "saga of trade %s", t.ID)
			}
			if rec.Stage == stageReversed {
				out, _ := outcomeOf(rec)
				state(t.AssetID).reversed = append(state(t.AssetID).reversed, out)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "replay trades")
	}
	e.metrics.ReconciliationPending.Set(float64(reconciling))

	var redispatch []struct {
		w  *assetWorker
		tr orderbook.Trade
	}
	for asset, s := range states {
		sort.Slice(s.live, func(i, j int) bool { return s.live[i].Seq < s.live[j].Seq })
		sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].ExecutedAt.Before(s.pending[j].ExecutedAt) })

		w := e.worker(asset)
		err := w.do(ctx, func() error { return w.restore(s) })
		if err != nil {
			return errors.Wrapf(err, "restore %s", asset)
		}
		for _, out := range s.reversed {
			e.log.WithField("trade_id", out.TradeID).Warn("applying reversal journaled before shutdown")
			if err := w.do(ctx, func() error { return w.applyOutcome(out) }); err != nil {
				return errors.Wrapf(err, "apply reversal of trade %s", out.TradeID)
			}
		}
		for _, tr := range s.pending {
			redispatch = append(redispatch, struct {
				w  *assetWorker
				tr orderbook.Trade
			}{w, tr})
		}
	}

	for _, r := range redispatch {
		e.dispatch(r.w, r.tr)
	}
	e.log.WithFields(logrus.Fields{
		"assets":      len(states),
		"open_orders": orders,
		"pending":     len(redispatch),
		"reconcile":   reconciling,
		"last_seq":    e.seq.Current(),
	}).Info("journal replayed")
	return nil
}

// restore loads journaled state into an empty worker.
func (w *assetWorker) restore(s *assetState) error {
	for i := range s.live {
		o := s.live[i]
		w.book.Rest(&o)
		w.track(&o)
		if o.Side == orderbook.Sell {
			w.reserved[o.OwnerID] += o.Remaining
		}
	}
	for i := range s.pending {
		tr := s.pending[i]
		for _, id := range []string{tr.BuyOrderID, tr.SellOrderID} {
			o, err := w.order(id)
			if err != nil {
				return errors.Wrapf(err, "order %s of pending trade %s", id, tr.ID)
			}
			w.track(o)
			w.refs[id]++
		}
		w.reserved[tr.SellerID] += tr.Quantity
		w.trades[tr.ID] = &tr
	}
	if s.lastBefore != nil {
		w.agg.Record(*s.lastBefore)
	}
	for _, tr := range s.settled {
		w.agg.Record(tr)
	}
	return nil
}
