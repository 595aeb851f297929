package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceLevel is a FIFO queue at a single price, ordered by Seq.
type PriceLevel struct {
	Price decimal.Decimal

	head *Order
	tail *Order

	TotalQty   int64
	OrderCount int
}

// Enqueue appends o at the tail. Callers guarantee o.Seq is the largest
// seen at this level; InsertBySeq handles the general case.
func (p *PriceLevel) Enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	o.level = p
	p.TotalQty += o.Remaining
	p.OrderCount++
}

// InsertBySeq links o before the first order with a larger Seq, restoring
// the position it held when it was first accepted.
func (p *PriceLevel) InsertBySeq(o *Order) {
	if p.tail == nil || p.tail.Seq < o.Seq {
		p.Enqueue(o)
		return
	}
	at := p.head
	for at != nil && at.Seq < o.Seq {
		at = at.next
	}
	o.next = at
	o.prev = at.prev
	if at.prev != nil {
		at.prev.next = o
	} else {
		p.head = o
	}
	at.prev = o
	o.level = p
	p.TotalQty += o.Remaining
	p.OrderCount++
}

// Remove unlinks o wherever it sits in the queue.
func (p *PriceLevel) Remove(o *Order) {
	if o.level != p {
		return
	}
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next, o.prev, o.level = nil, nil, nil

	p.TotalQty -= o.Remaining
	p.OrderCount--
}

// PopHead removes and returns the oldest order.
func (p *PriceLevel) PopHead() *Order {
	o := p.head
	if o == nil {
		return nil
	}
	p.Remove(o)
	return o
}

// reduce accounts for qty filled off an order still linked at this level.
func (p *PriceLevel) reduce(qty int64) {
	p.TotalQty -= qty
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Read-only helper
func (p *PriceLevel) Head() *Order {
	return p.head
}

func (p *PriceLevel) String() string {
	return fmt.Sprintf("level %s qty=%d orders=%d", p.Price, p.TotalQty, p.OrderCount)
}
