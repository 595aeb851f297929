package sequence

import "sync/atomic"

// Sequencer generates strictly monotonic sequence IDs.
// It is deterministic and replay-safe.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer starting from a given value.
// On fresh start → start = 0
// On replay → start = last replayed seq
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence ID.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Observe raises the sequencer to at least v. Used while replaying the
// journal, where records arrive in key order rather than seq order.
func (s *Sequencer) Observe(v uint64) {
	for {
		cur := s.next.Load()
		if v <= cur || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
