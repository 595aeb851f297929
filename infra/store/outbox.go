package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type OutboxState uint8

const (
	StateNew OutboxState = iota
	StateSent
	StateAcked
	StateFailed
)

func (s OutboxState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event types written to the outbox.
const (
	EventOrderStateChanged      = "order.state_changed"
	EventTradeExecuted          = "trade.executed"
	EventTradeSettled           = "trade.settled"
	EventTradeFailed            = "trade.failed"
	EventTradeReversed          = "trade.reversed"
	EventReconciliationRequired = "trade.reconciliation_required"
)

// Event is appended to the outbox in the same batch as the state it describes.
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// OutboxEntry is a stored event plus its delivery bookkeeping.
type OutboxEntry struct {
	ID          uint64
	State       OutboxState
	Retries     uint32
	LastAttempt int64
	Type        string
	Key         string
	Body        []byte // the encoded Event
}

const headerLen = 1 + 4 + 8

// binary encoding: [state:1][retries:4][lastAttempt:8][event json...]
func encodeOutbox(e OutboxEntry) []byte {
	buf := make([]byte, headerLen+len(e.Body))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	copy(buf[headerLen:], e.Body)
	return buf
}

func decodeOutbox(id uint64, b []byte) (OutboxEntry, error) {
	if len(b) < headerLen {
		return OutboxEntry{}, errors.Newf("outbox record %d: invalid length %d", id, len(b))
	}
	e := OutboxEntry{
		ID:          id,
		State:       OutboxState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Body:        append([]byte(nil), b[headerLen:]...),
	}
	var head struct {
		Type string `json:"type"`
		Key  string `json:"key"`
	}
	if err := codec.Unmarshal(e.Body, &head); err != nil {
		return OutboxEntry{}, errors.Wrapf(err, "outbox record %d", id)
	}
	e.Type, e.Key = head.Type, head.Key
	return e, nil
}

// -------------------- Scan --------------------

// ScanOutbox iterates all entries in the given state in append order.
// This is used by the Broadcaster.
func (s *Store) ScanOutbox(state OutboxState, fn func(OutboxEntry) error) error {
	iter, err := s.db.NewIter(prefixBounds(prefixOutbox))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) == 0 || OutboxState(val[0]) != state {
			continue
		}
		id, err := parseOutboxKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeOutbox(id, val)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ScanUnacked iterates every entry that still needs delivery, whatever its
// state, in append order.
func (s *Store) ScanUnacked(fn func(OutboxEntry) error) error {
	iter, err := s.db.NewIter(prefixBounds(prefixOutbox))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) == 0 || OutboxState(val[0]) == StateAcked {
			continue
		}
		id, err := parseOutboxKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeOutbox(id, val)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// MarkOutbox updates state after send / ack / failure.
func (s *Store) MarkOutbox(id uint64, state OutboxState, retries uint32) error {
	key := outboxKey(id)
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "outbox %d", id)
		}
		return err
	}
	e, err := decodeOutbox(id, val)
	closer.Close()
	if err != nil {
		return err
	}

	e.State = state
	e.Retries = retries
	e.LastAttempt = time.Now().UnixNano()
	return s.db.Set(key, encodeOutbox(e), pebble.Sync)
}

// DeleteOutbox removes ACKED records (cleanup).
func (s *Store) DeleteOutbox(id uint64) error {
	return s.db.Delete(outboxKey(id), pebble.Sync)
}

// -------------------- Helpers --------------------

func outboxKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOutbox, id))
}

func parseOutboxKey(b []byte) (uint64, error) {
	return strconv.ParseUint(string(bytes.TrimPrefix(b, []byte(prefixOutbox))), 10, 64)
}

// lastOutboxID finds the highest id so appends resume after a restart.
func (s *Store) lastOutboxID() (uint64, error) {
	iter, err := s.db.NewIter(prefixBounds(prefixOutbox))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseOutboxKey(iter.Key())
}
