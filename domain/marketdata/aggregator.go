// Package marketdata derives per-asset statistics from the book and from
// settled trades. It reads order book state and never mutates it.
package marketdata

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"bourse/domain/orderbook"
)

// Window is the rolling period for high, low and volume.
const Window = 24 * time.Hour

// Supply is what the asset registry reports for an asset.
type Supply struct {
	Total       int64 `json:"total"`
	Unavailable int64 `json:"unavailable"`
}

// Circulating is total issued minus supply held in reserve, never negative.
func (s Supply) Circulating() int64 {
	if c := s.Total - s.Unavailable; c > 0 {
		return c
	}
	return 0
}

type Stats struct {
	AssetID           string          `json:"asset_id"`
	BestBid           decimal.Decimal `json:"best_bid"`
	BestAsk           decimal.Decimal `json:"best_ask"`
	HasBid            bool            `json:"has_bid"`
	HasAsk            bool            `json:"has_ask"`
	Spread            decimal.Decimal `json:"spread"`
	// Crossed is set when the best bid is above the best ask, which happens
	// after a failed settlement puts both orders back. Spread is then
	// negative.
	Crossed           bool            `json:"crossed"`
	LastPrice         decimal.Decimal `json:"last_price"`
	HasLast           bool            `json:"has_last"`
	High24h           decimal.Decimal `json:"high_24h"`
	Low24h            decimal.Decimal `json:"low_24h"`
	Volume24h         int64           `json:"volume_24h"`
	Notional24h       decimal.Decimal `json:"notional_24h"`
	Trades24h         int             `json:"trades_24h"`
	CirculatingSupply int64           `json:"circulating_supply"`
	AsOf              time.Time       `json:"as_of"`
}

type tick struct {
	at    time.Time
	qty   int64
	price decimal.Decimal
}

// Aggregator keeps the settled prints of one asset. It is owned by that
// asset's worker and is not safe for concurrent use.
type Aggregator struct {
	assetID string
	prints  []tick
	last    *tick
}

func NewAggregator(assetID string) *Aggregator {
	return &Aggregator{assetID: assetID}
}

// Record adds a trade to the window. Only SETTLED trades count; anything
// else is ignored.
func (a *Aggregator) Record(t orderbook.Trade) {
	if t.Status != orderbook.SettlementSettled || t.AssetID != a.assetID {
		return
	}
	p := tick{at: t.ExecutedAt, qty: t.Quantity, price: t.Price}

	// settlement completes out of order; keep prints sorted by execution time
	i := sort.Search(len(a.prints), func(i int) bool { return a.prints[i].at.After(p.at) })
	a.prints = append(a.prints, tick{})
	copy(a.prints[i+1:], a.prints[i:])
	a.prints[i] = p

	if a.last == nil || !p.at.Before(a.last.at) {
		lp := p
		a.last = &lp
	}
}

// Prune drops prints older than the window at now.
func (a *Aggregator) Prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := sort.Search(len(a.prints), func(i int) bool { return a.prints[i].at.After(cutoff) })
	if i > 0 {
		a.prints = append(a.prints[:0], a.prints[i:]...)
	}
}

// Snapshot computes statistics at now.
func (a *Aggregator) Snapshot(book *orderbook.OrderBook, supply Supply, now time.Time) Stats {
	a.Prune(now)
	s := Stats{AssetID: a.assetID, AsOf: now, CirculatingSupply: supply.Circulating()}

	s.BestBid, s.HasBid = book.BestBid()
	s.BestAsk, s.HasAsk = book.BestAsk()
	if s.HasBid && s.HasAsk {
		s.Spread = s.BestAsk.Sub(s.BestBid)
		s.Crossed = s.Spread.IsNegative()
	}
	if a.last != nil {
		s.LastPrice, s.HasLast = a.last.price, true
	}

	for i, p := range a.prints {
		if i == 0 || p.price.GreaterThan(s.High24h) {
			s.High24h = p.price
		}
		if i == 0 || p.price.LessThan(s.Low24h) {
			s.Low24h = p.price
		}
		s.Volume24h += p.qty
		s.Notional24h = s.Notional24h.Add(p.price.Mul(decimal.NewFromInt(p.qty)))
	}
	s.Trades24h = len(a.prints)
	return s
}
