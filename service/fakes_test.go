package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"bourse/domain/marketdata"
	"bourse/domain/orderbook"
	"bourse/domain/settlement"
	"bourse/infra/store"
	"bourse/metrics"
)

type fakeHoldings struct {
	mu     sync.Mutex
	units  map[string]int64
	supply marketdata.Supply
}

func (f *fakeHoldings) Holdings(_ context.Context, user, asset string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[user+"/"+asset], nil
}

func (f *fakeHoldings) Supply(context.Context, string) (marketdata.Supply, error) {
	return f.supply, nil
}

func (f *fakeHoldings) set(user, asset string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[user+"/"+asset] = n
}

type fakeLedger struct {
	mu      sync.Mutex
	calls   []settlement.LedgerRequest
	respond func(ctx context.Context, req settlement.LedgerRequest) (string, error)
}

func (f *fakeLedger) Transfer(ctx context.Context, req settlement.LedgerRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return "L-" + req.IdempotencyKey, nil
	}
	return respond(ctx, req)
}

func (f *fakeLedger) script(fn func(ctx context.Context, req settlement.LedgerRequest) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeLedger) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.IdempotencyKey)
	}
	return out
}

type fakePayment struct {
	mu      sync.Mutex
	calls   []settlement.PaymentRequest
	respond func(req settlement.PaymentRequest) (string, error)
}

func (f *fakePayment) Transfer(_ context.Context, req settlement.PaymentRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return "P-" + req.IdempotencyKey, nil
	}
	return respond(req)
}

func (f *fakePayment) script(fn func(req settlement.PaymentRequest) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakePayment) requests() []settlement.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settlement.PaymentRequest(nil), f.calls...)
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []settlement.TransactionRecord
}

func (f *fakeRecorder) Record(_ context.Context, recs []settlement.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, recs...)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []settlement.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n settlement.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeNotifier) kinds() map[settlement.NotificationKind]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[settlement.NotificationKind]int{}
	for _, n := range f.notes {
		out[n.Kind]++
	}
	return out
}

type harness struct {
	t        *testing.T
	fs       vfs.FS
	st       *store.Store
	e        *Engine
	holdings *fakeHoldings
	ledger   *fakeLedger
	payment  *fakePayment
	recorder *fakeRecorder
	notifier *fakeNotifier
	closed   bool
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newHarness(t *testing.T) *harness {
	return newHarnessOn(t, nil, nil, nil)
}

// newHarnessOn starts an engine over fs; nil arguments get fresh values.
func newHarnessOn(t *testing.T, fs vfs.FS, holdings *fakeHoldings, ledger *fakeLedger) *harness {
	t.Helper()
	if fs == nil {
		fs = vfs.NewMem()
	}
	if holdings == nil {
		holdings = &fakeHoldings{units: map[string]int64{}}
	}
	if ledger == nil {
		ledger = &fakeLedger{}
	}
	st, err := store.OpenWithOptions("journal", &pebble.Options{FS: fs})
	assert.NilError(t, err)

	h := &harness{
		t:        t,
		fs:       fs,
		st:       st,
		holdings: holdings,
		ledger:   ledger,
		payment:  &fakePayment{},
		recorder: &fakeRecorder{},
		notifier: &fakeNotifier{},
	}
	log := quietLog()
	coord := NewCoordinator(st, h.ledger, h.payment, h.recorder, h.notifier, CoordinatorConfig{
		Timeout:             2 * time.Second,
		CompensationTimeout: time.Second,
		Currency:            "USD",
		PlatformAccount:     "platform",
	}, log)
	h.e = NewEngine(st, holdings, holdings, coord, metrics.NewNop(), Options{
		SweepInterval: time.Hour,
		SelfTrade:     orderbook.SelfTradeFlag,
		FeeRate:       decimal.RequireFromString("0.01"),
	}, log)
	assert.NilError(t, h.e.Recover(context.Background()))

	t.Cleanup(h.close)
	return h
}

// close shuts the engine and store down; the fs survives for a restart.
func (h *harness) close() {
	if h.closed {
		return
	}
	h.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = h.e.Close(ctx)
	_ = h.st.Close()
}

func (h *harness) submit(owner string, side orderbook.Side, qty int64, price string) SubmitResult {
	h.t.Helper()
	res, err := h.e.SubmitOrder(context.Background(), SubmitRequest{
		OwnerID: owner, AssetID: "ACME", Side: side, Quantity: qty, Price: decimal.RequireFromString(price),
	})
	assert.NilError(h.t, err)
	return res
}

func (h *harness) waitTrade(id string, want orderbook.SettlementStatus) orderbook.Trade {
	h.t.Helper()
	var tr orderbook.Trade
	poll.WaitOn(h.t, func(poll.LogT) poll.Result {
		got, err := h.st.Trade(id)
		if err != nil {
			return poll.Error(err)
		}
		if got.Status != want {
			return poll.Continue(fmt.Sprintf("trade %s is %s, want %s", id, got.Status, want))
		}
		tr = got
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(5*time.Millisecond))
	return tr
}

// sync waits until the ACME worker has applied everything posted so far.
func (h *harness) sync() {
	h.t.Helper()
	_, err := h.e.GetOrderBook(context.Background(), "ACME", 0)
	assert.NilError(h.t, err)
}
