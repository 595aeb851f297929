package orderbook

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gotest.tools/v3/assert"
)

func newOpen(qty int64) *Order {
	return NewOrder("o1", "alice", "ACME", Buy, qty, decimal.NewFromInt(10), time.Time{})
}

func TestApply_Fill(t *testing.T) {
	o := newOpen(10)
	assert.NilError(t, Apply(o, Fill{Qty: 4}, t0))
	assert.Equal(t, o.Status, PartiallyFilled)
	assert.Equal(t, o.Filled+o.Remaining, o.Requested)

	assert.NilError(t, Apply(o, Fill{Qty: 6}, t0))
	assert.Equal(t, o.Status, Filled)
	assert.Equal(t, o.Remaining, int64(0))
	assert.Equal(t, o.UpdatedAt, t0)

	err := Apply(o, Fill{Qty: 1}, t0)
	assert.Assert(t, errors.Is(err, ErrAlreadyTerminal))
}

func TestApply_OverfillIsAssertion(t *testing.T) {
	o := newOpen(3)
	err := Apply(o, Fill{Qty: 4}, t0)
	assert.Assert(t, errors.HasAssertionFailure(err))
	assert.Equal(t, o.Filled, int64(0))
}

func TestApply_TerminalStatesAbsorb(t *testing.T) {
	for _, ev := range []Event{Cancel{}, Expire{}} {
		o := newOpen(5)
		assert.NilError(t, Apply(o, ev, t0))
		assert.Assert(t, o.Status.IsTerminal())

		for _, next := range []Event{Cancel{}, Expire{}, Fill{Qty: 1}} {
			before := *o
			err := Apply(o, next, t0.Add(time.Second))
			assert.Assert(t, errors.Is(err, ErrAlreadyTerminal), "%T after %T", next, ev)
			assert.Equal(t, o.Status, before.Status)
			assert.Equal(t, o.UpdatedAt, before.UpdatedAt)
		}
	}
}

func TestApply_RevertFill(t *testing.T) {
	o := newOpen(10)
	assert.NilError(t, Apply(o, Fill{Qty: 10}, t0))
	assert.NilError(t, Apply(o, RevertFill{Qty: 4}, t0))
	assert.Equal(t, o.Status, PartiallyFilled)
	assert.NilError(t, Apply(o, RevertFill{Qty: 6}, t0))
	assert.Equal(t, o.Status, Open)
	assert.Equal(t, o.Remaining, int64(10))

	err := Apply(o, RevertFill{Qty: 1}, t0)
	assert.Assert(t, errors.HasAssertionFailure(err))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(o *Order){
		"zero quantity":  func(o *Order) { o.Requested = 0 },
		"negative price": func(o *Order) { o.Price = decimal.NewFromInt(-1) },
		"zero price":     func(o *Order) { o.Price = decimal.Zero },
		"bad asset":      func(o *Order) { o.AssetID = "ac me" },
		"empty owner":    func(o *Order) { o.OwnerID = "" },
		"bad side":       func(o *Order) { o.Side = 0 },
		"past expiry":    func(o *Order) { o.ExpiresAt = t0.Add(-time.Second) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := newOpen(1)
			mutate(o)
			assert.Assert(t, errors.Is(o.Validate(t0), ErrValidation))
		})
	}

	o := newOpen(1)
	o.ExpiresAt = t0.Add(time.Hour)
	assert.NilError(t, o.Validate(t0))
}

func TestStatusText(t *testing.T) {
	b, err := PartiallyFilled.MarshalText()
	assert.NilError(t, err)
	assert.Equal(t, string(b), "PARTIALLY_FILLED")

	var s Status
	assert.NilError(t, s.UnmarshalText([]byte("EXPIRED")))
	assert.Equal(t, s, Expired)
	assert.Assert(t, s.UnmarshalText([]byte("nope")) != nil)
}
