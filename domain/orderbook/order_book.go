package orderbook

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// SelfTradePolicy decides what happens when a taker crosses a resting
// order of the same owner.
type SelfTradePolicy uint8

const (
	SelfTradeAllow SelfTradePolicy = iota
	SelfTradeFlag
	SelfTradePrevent
)

func (p SelfTradePolicy) String() string {
	switch p {
	case SelfTradeAllow:
		return "allow"
	case SelfTradeFlag:
		return "flag"
	case SelfTradePrevent:
		return "prevent"
	default:
		return "unknown"
	}
}

func ParseSelfTradePolicy(v string) (SelfTradePolicy, error) {
	switch v {
	case "allow":
		return SelfTradeAllow, nil
	case "flag", "":
		return SelfTradeFlag, nil
	case "prevent":
		return SelfTradePrevent, nil
	}
	return 0, errors.Newf("unknown self-trade policy %q", v)
}

// MatchOptions carries everything matching needs from outside the book.
type MatchOptions struct {
	SelfTrade  SelfTradePolicy
	FeeRate    decimal.Decimal
	NewTradeID func() string
	Now        time.Time
}

// MatchResult lists trades in execution order and the resting orders they touched.
type MatchResult struct {
	Trades []Trade
	Makers []*Order
}

// LevelView is an aggregated, read-only price level.
type LevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBook is single-writer: exactly one goroutine may call its methods.
type OrderBook struct {
	AssetID string

	Bids *RBTree
	Asks *RBTree

	orders map[string]*Order
}

func NewOrderBook(assetID string) *OrderBook {
	return &OrderBook{
		AssetID: assetID,
		Bids:    NewRBTree(),
		Asks:    NewRBTree(),
		orders:  make(map[string]*Order),
	}
}

// Submit matches taker against the opposite side and rests any residual.
func (b *OrderBook) Submit(taker *Order, opts MatchOptions) (MatchResult, error) {
	res, err := b.Match(taker, opts)
	if err != nil {
		return res, err
	}
	if taker.Status.IsLive() && taker.Remaining > 0 {
		b.Rest(taker)
	}
	return res, nil
}

// Match consumes resting liquidity for taker under price-time priority.
// Every trade executes at the maker's price.
func (b *OrderBook) Match(taker *Order, opts MatchOptions) (MatchResult, error) {
	var res MatchResult
	if !taker.Status.IsLive() {
		return res, errors.Wrapf(ErrAlreadyTerminal, "order %s is %s", taker.ID, taker.Status)
	}

	tree, best, further := b.Asks, b.Asks.MinLevel, b.Asks.Successor
	if taker.Side == Sell {
		tree, best, further = b.Bids, b.Bids.MaxLevel, b.Bids.Predecessor
	}

	for level := best(); level != nil && taker.Remaining > 0 && crosses(taker, level.Price); {
		price := level.Price

		for m := level.Head(); m != nil && taker.Remaining > 0; {
			next := m.next
			self := m.OwnerID == taker.OwnerID
			if self && opts.SelfTrade == SelfTradePrevent {
				m = next
				continue
			}

			qty := min(taker.Remaining, m.Remaining)
			if err := Apply(taker, Fill{Qty: qty}, opts.Now); err != nil {
				return res, err
			}
			if err := Apply(m, Fill{Qty: qty}, opts.Now); err != nil {
				return res, err
			}
			level.reduce(qty)
			if m.Remaining == 0 {
				level.Remove(m)
				delete(b.orders, m.ID)
			}

			res.Trades = append(res.Trades, newTrade(taker, m, qty, price, self && opts.SelfTrade == SelfTradeFlag, opts))
			res.Makers = append(res.Makers, m)
			m = next
		}

		if level.Empty() {
			tree.DeleteLevel(price)
		}
		level = further(price)
	}
	return res, nil
}

func crosses(taker *Order, price decimal.Decimal) bool {
	if taker.Side == Buy {
		return taker.Price.GreaterThanOrEqual(price)
	}
	return taker.Price.LessThanOrEqual(price)
}

func newTrade(taker, maker *Order, qty int64, price decimal.Decimal, selfTrade bool, opts MatchOptions) Trade {
	buy, sell := taker, maker
	if taker.Side == Sell {
		buy, sell = maker, taker
	}
	total := price.Mul(decimal.NewFromInt(qty))
	return Trade{
		ID:           opts.NewTradeID(),
		AssetID:      taker.AssetID,
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		BuyerID:      buy.OwnerID,
		SellerID:     sell.OwnerID,
		MakerOrderID: maker.ID,
		Quantity:     qty,
		Price:        price,
		TotalValue:   total,
		PlatformFee:  PlatformFee(total, opts.FeeRate),
		Status:       SettlementPending,
		SelfTrade:    selfTrade,
		ExecutedAt:   opts.Now,
		UpdatedAt:    opts.Now,
	}
}

// Rest links a live order into its side at the position its Seq dictates.
func (b *OrderBook) Rest(o *Order) {
	if o.InBook() {
		return
	}
	tree := b.Bids
	if o.Side == Sell {
		tree = b.Asks
	}
	tree.UpsertLevel(o.Price).InsertBySeq(o)
	b.orders[o.ID] = o
}

// Remove unlinks a resting order, dropping its level once empty.
func (b *OrderBook) Remove(o *Order) bool {
	lvl := o.level
	if lvl == nil {
		return false
	}
	lvl.Remove(o)
	if lvl.Empty() {
		if o.Side == Buy {
			b.Bids.DeleteLevel(lvl.Price)
		} else {
			b.Asks.DeleteLevel(lvl.Price)
		}
	}
	delete(b.orders, o.ID)
	return true
}

// Order returns a resting order by id.
func (b *OrderBook) Order(id string) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// Cancel withdraws a resting order on behalf of requesterID.
func (b *OrderBook) Cancel(id, requesterID string, now time.Time) (*Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "order %s is not resting in %s", id, b.AssetID)
	}
	if o.OwnerID != requesterID {
		return nil, errors.Wrapf(ErrNotOwner, "order %s", id)
	}
	if err := Apply(o, Cancel{}, now); err != nil {
		return nil, err
	}
	b.Remove(o)
	return o, nil
}

// SweepExpired expires every resting order whose deadline is at or before
// now, in acceptance order.
func (b *OrderBook) SweepExpired(now time.Time) []*Order {
	var due []*Order
	for _, o := range b.orders {
		if o.ExpiredAt(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })

	for _, o := range due {
		_ = Apply(o, Expire{}, now) // resting orders are never terminal
		b.Remove(o)
	}
	return due
}

// RevertFill undoes qty of a fill on o after a failed settlement. A live
// order goes back to its original price-time position; a cancelled or
// expired one only has its quantities restored.
func (b *OrderBook) RevertFill(o *Order, qty int64, now time.Time) error {
	if err := Apply(o, RevertFill{Qty: qty}, now); err != nil {
		return err
	}
	if lvl := o.level; lvl != nil {
		lvl.TotalQty += qty
		return nil
	}
	if o.Status.IsLive() {
		b.Rest(o)
	}
	return nil
}

func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if lvl := b.Bids.MaxLevel(); lvl != nil {
		return lvl.Price, true
	}
	return decimal.Zero, false
}

func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if lvl := b.Asks.MinLevel(); lvl != nil {
		return lvl.Price, true
	}
	return decimal.Zero, false
}

// Depth aggregates up to n levels per side, best first. n <= 0 means all.
func (b *OrderBook) Depth(n int) (bids, asks []LevelView) {
	collect := func(dst *[]LevelView) func(*PriceLevel) bool {
		return func(pl *PriceLevel) bool {
			*dst = append(*dst, LevelView{Price: pl.Price, Quantity: pl.TotalQty, Orders: pl.OrderCount})
			return n <= 0 || len(*dst) < n
		}
	}
	b.Bids.ForEachDescending(collect(&bids))
	b.Asks.ForEachAscending(collect(&asks))
	return bids, asks
}

// Len is the number of resting orders.
func (b *OrderBook) Len() int {
	return len(b.orders)
}
