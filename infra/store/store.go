// Package store is the engine's durable journal: orders, trades, the
// per-user order index, settlement saga progress and a transactional outbox,
// all kept in one pebble database.
package store

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"

	"bourse/domain/orderbook"
	"bourse/infra/sequence"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotFound = errors.New("not found")

const (
	prefixOrder  = "order/"
	prefixUser   = "user/"
	prefixTrade  = "trade/"
	prefixSaga   = "saga/"
	prefixOutbox = "outbox/"
)

// SagaRecord is the persisted progress of one trade's settlement.
type SagaRecord struct {
	TradeID              string    `json:"trade_id"`
	Stage                string    `json:"stage"`
	LedgerTxRef          string    `json:"ledger_tx_ref,omitempty"`
	PaymentTxRef         string    `json:"payment_tx_ref,omitempty"`
	FeeTxRef             string    `json:"fee_tx_ref,omitempty"`
	ReverseTxRef         string    `json:"reverse_tx_ref,omitempty"`
	FeeFailed            bool      `json:"fee_failed,omitempty"`
	CompensationAttempts int       `json:"compensation_attempts"`
	LastError            string    `json:"last_error,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type Store struct {
	db     *pebble.DB
	outbox *sequence.Sequencer
}

func Open(dir string) (*Store, error) {
	return OpenWithOptions(dir, &pebble.Options{})
}

// OpenWithOptions lets tests pass an in-memory FS.
func OpenWithOptions(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open store at %s", dir)
	}
	s := &Store{db: db}
	last, err := s.lastOutboxID()
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "recover outbox position")
	}
	s.outbox = sequence.New(last)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// -------------------- Batch --------------------

// Batch groups every write of one engine command so they commit atomically.
type Batch struct {
	s   *Store
	b   *pebble.Batch
	err error
}

func (s *Store) NewBatch() *Batch {
	return &Batch{s: s, b: s.db.NewBatch()}
}

func (b *Batch) set(key []byte, v any) {
	if b.err != nil {
		return
	}
	val, err := codec.Marshal(v)
	if err != nil {
		b.err = errors.Wrapf(err, "encode %s", key)
		return
	}
	b.err = b.b.Set(key, val, nil)
}

// PutOrder writes the order snapshot and its per-user index entry.
func (b *Batch) PutOrder(o *orderbook.Order) {
	b.set(orderKey(o.ID), o)
	if b.err == nil {
		b.err = b.b.Set(userKey(o.OwnerID, o.ID), nil, nil)
	}
}

func (b *Batch) PutTrade(t *orderbook.Trade) {
	b.set(tradeKey(t.ID), t)
}

func (b *Batch) PutSaga(r SagaRecord) {
	b.set(sagaKey(r.TradeID), r)
}

// AppendEvent queues ev for the broadcaster.
func (b *Batch) AppendEvent(ev Event) {
	if b.err != nil {
		return
	}
	body, err := codec.Marshal(ev)
	if err != nil {
		b.err = errors.Wrapf(err, "encode %s event", ev.Type)
		return
	}
	id := b.s.outbox.Next()
	b.err = b.b.Set(outboxKey(id), encodeOutbox(OutboxEntry{State: StateNew, Body: body}), nil)
}

// Commit syncs the batch. The batch is unusable afterwards.
func (b *Batch) Commit() error {
	defer b.b.Close()
	if b.err != nil {
		return b.err
	}
	return b.b.Commit(pebble.Sync)
}

// -------------------- Reads --------------------

func (s *Store) get(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "%s", key)
		}
		return err
	}
	defer closer.Close()
	return codec.Unmarshal(val, v)
}

func (s *Store) Order(id string) (orderbook.Order, error) {
	var o orderbook.Order
	err := s.get(orderKey(id), &o)
	return o, err
}

func (s *Store) Trade(id string) (orderbook.Trade, error) {
	var t orderbook.Trade
	err := s.get(tradeKey(id), &t)
	return t, err
}

func (s *Store) Saga(tradeID string) (SagaRecord, error) {
	var r SagaRecord
	err := s.get(sagaKey(tradeID), &r)
	return r, err
}

// PutSaga journals saga progress outside of any engine batch.
func (s *Store) PutSaga(r SagaRecord) error {
	val, err := codec.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Set(sagaKey(r.TradeID), val, pebble.Sync)
}

// UserOrders returns the owner's orders in acceptance order, optionally
// restricted to the given statuses.
func (s *Store) UserOrders(userID string, statuses ...orderbook.Status) ([]orderbook.Order, error) {
	want := make(map[orderbook.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	prefix := prefixUser + userID + "/"
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []orderbook.Order
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Key()[len(prefix):])
		o, err := s.Order(id)
		if err != nil {
			return nil, err
		}
		if len(want) == 0 || want[o.Status] {
			out = append(out, o)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Orders visits every journaled order in key order.
func (s *Store) Orders(fn func(orderbook.Order) error) error {
	return scan(s, prefixOrder, func(val []byte) error {
		var o orderbook.Order
		if err := codec.Unmarshal(val, &o); err != nil {
			return err
		}
		return fn(o)
	})
}

// Trades visits every journaled trade in key order.
func (s *Store) Trades(fn func(orderbook.Trade) error) error {
	return scan(s, prefixTrade, func(val []byte) error {
		var t orderbook.Trade
		if err := codec.Unmarshal(val, &t); err != nil {
			return err
		}
		return fn(t)
	})
}

// TradesByStatus returns matching trades ordered by execution time.
func (s *Store) TradesByStatus(statuses ...orderbook.SettlementStatus) ([]orderbook.Trade, error) {
	var out []orderbook.Trade
	err := s.Trades(func(t orderbook.Trade) error {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, err
}

func scan(s *Store, prefix string, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return errors.Wrapf(err, "decode %s", iter.Key())
		}
	}
	return iter.Error()
}

// -------------------- Keys --------------------

func orderKey(id string) []byte { return []byte(prefixOrder + id) }

func userKey(userID, orderID string) []byte {
	return []byte(prefixUser + userID + "/" + orderID)
}

func tradeKey(id string) []byte { return []byte(prefixTrade + id) }

func sagaKey(tradeID string) []byte { return []byte(prefixSaga + tradeID) }

func prefixBounds(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	}
}
