package orderbook

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Event is the closed set of inputs to the order state machine.
type Event interface {
	isEvent()
}

// Fill records qty matched against a counterparty.
type Fill struct{ Qty int64 }

// Cancel is an owner-initiated withdrawal.
type Cancel struct{}

// Expire is raised by the sweep once ExpiresAt has passed.
type Expire struct{}

// RevertFill undoes a Fill whose settlement did not complete.
type RevertFill struct{ Qty int64 }

func (Fill) isEvent()       {}
func (Cancel) isEvent()     {}
func (Expire) isEvent()     {}
func (RevertFill) isEvent() {}

// Apply is the only function that mutates an order's quantities and status.
// It never touches book linkage; OrderBook keeps the two in step.
func Apply(o *Order, ev Event, now time.Time) error {
	switch e := ev.(type) {
	case Fill:
		if o.Status.IsTerminal() {
			return errors.Wrapf(ErrAlreadyTerminal, "fill on %s order %s", o.Status, o.ID)
		}
		if e.Qty <= 0 || e.Qty > o.Remaining {
			return errors.AssertionFailedf("fill of %d exceeds remaining %d on order %s", e.Qty, o.Remaining, o.ID)
		}
		o.Filled += e.Qty
		o.Remaining -= e.Qty
		if o.Remaining == 0 {
			o.Status = Filled
		} else {
			o.Status = PartiallyFilled
		}

	case Cancel:
		if o.Status.IsTerminal() {
			return errors.Wrapf(ErrAlreadyTerminal, "order %s is %s", o.ID, o.Status)
		}
		o.Status = Cancelled

	case Expire:
		if o.Status.IsTerminal() {
			return errors.Wrapf(ErrAlreadyTerminal, "order %s is %s", o.ID, o.Status)
		}
		o.Status = Expired

	case RevertFill:
		if e.Qty <= 0 || e.Qty > o.Filled {
			return errors.AssertionFailedf("revert of %d exceeds filled %d on order %s", e.Qty, o.Filled, o.ID)
		}
		o.Filled -= e.Qty
		o.Remaining += e.Qty
		switch o.Status {
		case Cancelled, Expired:
			// absorbing; quantities are restored for bookkeeping only
		default:
			if o.Filled == 0 {
				o.Status = Open
			} else {
				o.Status = PartiallyFilled
			}
		}

	default:
		return errors.AssertionFailedf("unknown order event %T", ev)
	}
	o.UpdatedAt = now
	return nil
}
