package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"bourse/domain/marketdata"
	"bourse/domain/orderbook"
	"bourse/domain/settlement"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rejectKeysWith(suffix string) func(context.Context, settlement.LedgerRequest) (string, error) {
	return func(_ context.Context, req settlement.LedgerRequest) (string, error) {
		if strings.HasSuffix(req.IdempotencyKey, suffix) {
			return "", settlement.Rejected(errors.New("ledger refused " + req.IdempotencyKey))
		}
		return "L-" + req.IdempotencyKey, nil
	}
}

func TestSubmitMatchesAtMakerPriceAndSettles(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 150)
	h.holdings.supply = marketdata.Supply{Total: 1000, Unavailable: 200}

	buy := h.submit("buyer", orderbook.Buy, 100, "105")
	assert.Equal(t, buy.Order.Status, orderbook.Open)
	assert.Check(t, is.Len(buy.Trades, 0))

	sell := h.submit("seller", orderbook.Sell, 150, "104")
	assert.Assert(t, is.Len(sell.Trades, 1))
	tr := sell.Trades[0]
	assert.Equal(t, tr.Quantity, int64(100))
	assert.Assert(t, tr.Price.Equal(dec("105")))
	assert.Assert(t, tr.PlatformFee.Equal(dec("105")))
	assert.Equal(t, tr.Status, orderbook.SettlementPending)
	assert.Equal(t, tr.MakerOrderID, buy.Order.ID)
	assert.Equal(t, sell.Order.Status, orderbook.PartiallyFilled)
	assert.Equal(t, sell.Order.Remaining, int64(50))

	settled := h.waitTrade(tr.ID, orderbook.SettlementSettled)
	assert.Equal(t, settled.LedgerTxRef, "L-"+tr.ID+":ledger")

	payments := h.payment.requests()
	assert.Assert(t, len(payments) >= 1)
	assert.Equal(t, payments[0].From, "buyer")
	assert.Equal(t, payments[0].To, "seller")
	assert.Assert(t, payments[0].Amount.Equal(dec("10395")), "got %s", payments[0].Amount)

	book, err := h.e.GetOrderBook(context.Background(), "ACME", 10)
	assert.NilError(t, err)
	assert.Check(t, is.Len(book.Bids, 0))
	assert.Assert(t, is.Len(book.Asks, 1))
	assert.Equal(t, book.Asks[0].Quantity, int64(50))

	stats, err := h.e.GetMarketStats(context.Background(), "ACME")
	assert.NilError(t, err)
	assert.Assert(t, stats.HasLast)
	assert.Assert(t, stats.LastPrice.Equal(dec("105")))
	assert.Equal(t, stats.Volume24h, int64(100))
	assert.Equal(t, stats.CirculatingSupply, int64(800))
	assert.Assert(t, stats.HasAsk && !stats.HasBid)

	assert.Equal(t, h.notifier.kinds()[settlement.NotifyTradeSettled], 2)
}

func TestSellCannotExceedUnreservedHoldings(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 50)

	first := h.submit("seller", orderbook.Sell, 30, "10")

	_, err := h.e.SubmitOrder(context.Background(), SubmitRequest{
		OwnerID: "seller", AssetID: "ACME", Side: orderbook.Sell, Quantity: 30, Price: dec("10"),
	})
	assert.Assert(t, errors.Is(err, orderbook.ErrInsufficientHoldings), "got %v", err)

	h.submit("seller", orderbook.Sell, 20, "11")

	_, err = h.e.CancelOrder(context.Background(), first.Order.ID, "seller")
	assert.NilError(t, err)
	h.submit("seller", orderbook.Sell, 30, "10")
}

func TestSubmitRejectsInvalidOrders(t *testing.T) {
	h := newHarness(t)
	cases := []SubmitRequest{
		{OwnerID: "u", AssetID: "ACME", Side: orderbook.Buy, Quantity: 0, Price: dec("1")},
		{OwnerID: "u", AssetID: "ACME", Side: orderbook.Buy, Quantity: 1, Price: dec("0")},
		{OwnerID: "u", AssetID: "ACME", Side: orderbook.Buy, Quantity: 1, Price: dec("1"), ExpiresAt: time.Now().Add(-time.Minute)},
		{OwnerID: "", AssetID: "ACME", Side: orderbook.Buy, Quantity: 1, Price: dec("1")},
	}
	for _, req := range cases {
		_, err := h.e.SubmitOrder(context.Background(), req)
		assert.Check(t, errors.Is(err, orderbook.ErrValidation), "request %+v: got %v", req, err)
	}
}

func TestLedgerFailureRestoresTimePriority(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("s1", "ACME", 10)
	h.holdings.set("s2", "ACME", 10)
	h.ledger.script(rejectKeysWith(":ledger"))

	first := h.submit("s1", orderbook.Sell, 10, "100")
	h.submit("s2", orderbook.Sell, 10, "100")
	res := h.submit("b1", orderbook.Buy, 10, "100")
	assert.Assert(t, is.Len(res.Trades, 1))
	assert.Equal(t, res.Trades[0].SellOrderID, first.Order.ID)

	h.waitTrade(res.Trades[0].ID, orderbook.SettlementFailed)
	h.sync()

	restored, err := h.e.GetOrder(context.Background(), first.Order.ID)
	assert.NilError(t, err)
	assert.Equal(t, restored.Status, orderbook.Open)
	assert.Equal(t, restored.Remaining, int64(10))
	assert.Equal(t, restored.Filled, int64(0))

	taker, err := h.e.GetOrder(context.Background(), res.Order.ID)
	assert.NilError(t, err)
	assert.Equal(t, taker.Status, orderbook.Open)
	assert.Equal(t, taker.Remaining, int64(10))

	book, err := h.e.GetOrderBook(context.Background(), "ACME", 0)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(book.Asks, 1))
	assert.Equal(t, book.Asks[0].Quantity, int64(20))
	assert.Equal(t, book.Asks[0].Orders, 2)

	// s1 is still first in line at 100
	h.ledger.script(nil)
	again := h.submit("b2", orderbook.Buy, 10, "100")
	assert.Assert(t, is.Len(again.Trades, 1))
	assert.Equal(t, again.Trades[0].SellOrderID, first.Order.ID)
	h.waitTrade(again.Trades[0].ID, orderbook.SettlementSettled)

	assert.Equal(t, h.notifier.kinds()[settlement.NotifyTradeFailed], 2)
}

func TestPaymentFailureCompensatesLedger(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 5)
	h.payment.script(func(settlement.PaymentRequest) (string, error) {
		return "", settlement.Rejected(errors.New("card declined"))
	})

	sell := h.submit("seller", orderbook.Sell, 5, "20")
	buy := h.submit("buyer", orderbook.Buy, 5, "20")
	assert.Assert(t, is.Len(buy.Trades, 1))
	id := buy.Trades[0].ID

	h.waitTrade(id, orderbook.SettlementFailed)
	assert.Check(t, is.Contains(h.ledger.keys(), id+":ledger"))
	assert.Check(t, is.Contains(h.ledger.keys(), id+":ledger-reverse"))

	h.sync()
	got, err := h.e.GetOrder(context.Background(), sell.Order.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.Open)
	assert.Equal(t, got.Remaining, int64(5))
}

func TestFailedCompensationAwaitsReconciliation(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 5)
	h.payment.script(func(settlement.PaymentRequest) (string, error) {
		return "", settlement.Rejected(errors.New("card declined"))
	})
	h.ledger.script(rejectKeysWith(":ledger-reverse"))

	sell := h.submit("seller", orderbook.Sell, 5, "20")
	buy := h.submit("buyer", orderbook.Buy, 5, "20")
	id := buy.Trades[0].ID

	h.waitTrade(id, orderbook.SettlementReversalPending)
	assert.Equal(t, h.notifier.kinds()[settlement.NotifyReconciliationRequired], 1)

	pending, err := h.e.ListReconciliation(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, is.Len(pending, 1))
	assert.Equal(t, pending[0].ID, id)

	// fills stand while the trade awaits an operator
	h.sync()
	got, err := h.e.GetOrder(context.Background(), sell.Order.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.Filled)

	_, err = h.e.RetryCompensation(context.Background(), id)
	assert.Assert(t, errors.Is(err, orderbook.ErrReconciliationRequired), "got %v", err)

	h.ledger.script(nil)
	tr, err := h.e.RetryCompensation(context.Background(), id)
	assert.NilError(t, err)
	assert.Equal(t, tr.Status, orderbook.SettlementReversed)

	got, err = h.e.GetOrder(context.Background(), sell.Order.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.Open)
	assert.Equal(t, got.Remaining, int64(5))

	// the reopened sell order holds the seller's units again
	_, err = h.e.SubmitOrder(context.Background(), SubmitRequest{
		OwnerID: "seller", AssetID: "ACME", Side: orderbook.Sell, Quantity: 1, Price: dec("30"),
	})
	assert.Assert(t, errors.Is(err, orderbook.ErrInsufficientHoldings), "got %v", err)

	_, err = h.e.RetryCompensation(context.Background(), id)
	assert.Assert(t, errors.Is(err, ErrNotReconcilable), "got %v", err)

	pending, err = h.e.ListReconciliation(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Len(pending, 0))
}

func TestFailedSettlementReportsCrossedBook(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 150)
	h.ledger.script(rejectKeysWith(":ledger"))

	h.submit("buyer", orderbook.Buy, 100, "105")
	res := h.submit("seller", orderbook.Sell, 150, "104")
	h.waitTrade(res.Trades[0].ID, orderbook.SettlementFailed)
	h.sync()

	stats, err := h.e.GetMarketStats(context.Background(), "ACME")
	assert.NilError(t, err)
	assert.Assert(t, stats.BestBid.Equal(dec("105")))
	assert.Assert(t, stats.BestAsk.Equal(dec("104")))
	assert.Assert(t, stats.Crossed)
	assert.Assert(t, stats.Spread.Equal(dec("-1")))
}

// awaitReconciliation leaves a 5-unit trade in REVERSAL_PENDING and
// returns the sell order and the trade id.
func awaitReconciliation(t *testing.T, h *harness) (orderbook.Order, string) {
	t.Helper()
	h.holdings.set("seller", "ACME", 5)
	h.payment.script(func(settlement.PaymentRequest) (string, error) {
		return "", settlement.Rejected(errors.New("card declined"))
	})
	h.ledger.script(rejectKeysWith(":ledger-reverse"))

	sell := h.submit("seller", orderbook.Sell, 5, "20")
	buy := h.submit("buyer", orderbook.Buy, 5, "20")
	id := buy.Trades[0].ID
	h.waitTrade(id, orderbook.SettlementReversalPending)
	h.ledger.script(nil)
	return sell.Order, id
}

func TestRetryCompensationAppliesAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	sell, id := awaitReconciliation(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := h.e.RetryCompensation(ctx, id)
	assert.NilError(t, err)
	assert.Equal(t, tr.Status, orderbook.SettlementReversed)

	got, err := h.e.GetOrder(context.Background(), sell.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.Open)
	assert.Equal(t, got.Remaining, int64(5))

	pending, err := h.e.ListReconciliation(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Len(pending, 0))
}

func TestRecoverAppliesJournaledReversal(t *testing.T) {
	h := newHarness(t)
	sell, id := awaitReconciliation(t, h)

	// the ledger reversed but the process stopped before the book caught up
	rec, err := h.st.Saga(id)
	assert.NilError(t, err)
	rec.Stage = stageReversed
	assert.NilError(t, h.st.PutSaga(rec))
	h.close()

	h2 := newHarnessOn(t, h.fs, h.holdings, &fakeLedger{})
	tr, err := h2.st.Trade(id)
	assert.NilError(t, err)
	assert.Equal(t, tr.Status, orderbook.SettlementReversed)

	got, err := h2.e.GetOrder(context.Background(), sell.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.Open)

	book, err := h2.e.GetOrderBook(context.Background(), "ACME", 0)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(book.Asks, 1))
	assert.Equal(t, book.Asks[0].Quantity, int64(5))
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.submit("alice", orderbook.Buy, 10, "5").Order

	_, err := h.e.CancelOrder(ctx, "missing", "alice")
	assert.Check(t, errors.Is(err, orderbook.ErrNotFound), "got %v", err)

	_, err = h.e.CancelOrder(ctx, o.ID, "mallory")
	assert.Check(t, errors.Is(err, orderbook.ErrNotOwner), "got %v", err)

	got, err := h.e.CancelOrder(ctx, o.ID, "alice")
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.Cancelled)

	_, err = h.e.CancelOrder(ctx, o.ID, "alice")
	assert.Check(t, errors.Is(err, orderbook.ErrAlreadyTerminal), "got %v", err)
	_, err = h.e.CancelOrder(ctx, o.ID, "mallory")
	assert.Check(t, errors.Is(err, orderbook.ErrNotOwner), "got %v", err)

	book, err := h.e.GetOrderBook(ctx, "ACME", 0)
	assert.NilError(t, err)
	assert.Check(t, is.Len(book.Bids, 0))

	orders, err := h.e.GetUserOrders(ctx, "alice", orderbook.Cancelled)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(orders, 1))
	assert.Equal(t, orders[0].ID, o.ID)
}

func TestCancelFilledOrder(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 3)
	h.submit("buyer", orderbook.Buy, 3, "7")
	sell := h.submit("seller", orderbook.Sell, 3, "7")
	assert.Equal(t, sell.Order.Status, orderbook.Filled)

	_, err := h.e.CancelOrder(context.Background(), sell.Order.ID, "seller")
	assert.Check(t, errors.Is(err, orderbook.ErrAlreadyTerminal), "got %v", err)
	h.waitTrade(sell.Trades[0].ID, orderbook.SettlementSettled)
}

func TestSweepExpiredReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("seller", "ACME", 10)
	ctx := context.Background()

	res, err := h.e.SubmitOrder(ctx, SubmitRequest{
		OwnerID: "seller", AssetID: "ACME", Side: orderbook.Sell, Quantity: 10, Price: dec("3"),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.NilError(t, err)

	expired, err := h.e.SweepExpired(ctx, "ACME", time.Now())
	assert.NilError(t, err)
	assert.Check(t, is.Len(expired, 0))

	expired, err = h.e.SweepExpired(ctx, "ACME", time.Now().Add(2*time.Hour))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(expired, 1))
	assert.Equal(t, expired[0].ID, res.Order.ID)
	assert.Equal(t, expired[0].Status, orderbook.Expired)

	_, err = h.e.CancelOrder(ctx, res.Order.ID, "seller")
	assert.Check(t, errors.Is(err, orderbook.ErrAlreadyTerminal), "got %v", err)

	h.submit("seller", orderbook.Sell, 10, "3")
}

func TestSelfTradeIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.holdings.set("alice", "ACME", 4)
	h.submit("alice", orderbook.Buy, 4, "9")
	sell := h.submit("alice", orderbook.Sell, 4, "9")
	assert.Assert(t, is.Len(sell.Trades, 1))
	assert.Assert(t, sell.Trades[0].SelfTrade)

	h.waitTrade(sell.Trades[0].ID, orderbook.SettlementSettled)
	assert.Equal(t, h.notifier.kinds()[settlement.NotifyTradeSettled], 1)
}

func TestRecoverResumesInterruptedSettlement(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.script(func(ctx context.Context, _ settlement.LedgerRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarnessOn(t, nil, nil, ledger)
	h.holdings.set("seller", "ACME", 8)

	h.submit("buyer", orderbook.Buy, 5, "12")
	sell := h.submit("seller", orderbook.Sell, 8, "12")
	id := sell.Trades[0].ID
	h.close()

	h2 := newHarnessOn(t, h.fs, h.holdings, &fakeLedger{})
	h2.waitTrade(id, orderbook.SettlementSettled)
	h2.sync()

	book, err := h2.e.GetOrderBook(context.Background(), "ACME", 0)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(book.Asks, 1))
	assert.Equal(t, book.Asks[0].Quantity, int64(3))

	// the oracle now reports 3 units and all of them rest on the book
	h2.holdings.set("seller", "ACME", 3)
	_, err = h2.e.SubmitOrder(context.Background(), SubmitRequest{
		OwnerID: "seller", AssetID: "ACME", Side: orderbook.Sell, Quantity: 1, Price: dec("12"),
	})
	assert.Assert(t, errors.Is(err, orderbook.ErrInsufficientHoldings), "got %v", err)

	// sequence numbers keep growing across restarts
	next := h2.submit("buyer", orderbook.Buy, 1, "1")
	assert.Assert(t, next.Order.Seq > sell.Order.Seq)
}

func TestClosedEngineRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.submit("alice", orderbook.Buy, 1, "1")
	h.close()

	_, err := h.e.SubmitOrder(context.Background(), SubmitRequest{
		OwnerID: "alice", AssetID: "ACME", Side: orderbook.Buy, Quantity: 1, Price: dec("1"),
	})
	assert.Check(t, errors.Is(err, ErrEngineClosed), "got %v", err)

	// a sell on an asset never traded must not start a worker
	h.holdings.set("alice", "GLOBEX", 10)
	_, err = h.e.SubmitOrder(context.Background(), SubmitRequest{
		OwnerID: "alice", AssetID: "GLOBEX", Side: orderbook.Sell, Quantity: 1, Price: dec("1"),
	})
	assert.Check(t, errors.Is(err, ErrEngineClosed), "got %v", err)
	_, started := h.e.lookup("GLOBEX")
	assert.Check(t, !started)
}

func TestRecoverKeepsLastPriceOutsideWindow(t *testing.T) {
	h := newHarness(t)
	old := time.Now().Add(-72 * time.Hour)
	b := h.st.NewBatch()
	for i, price := range []string{"41", "43"} {
		b.PutTrade(&orderbook.Trade{
			ID: fmt.Sprintf("t-old-%d", i), AssetID: "ACME", Quantity: 2, Price: dec(price),
			Status: orderbook.SettlementSettled, ExecutedAt: old.Add(time.Duration(i) * time.Hour),
		})
	}
	assert.NilError(t, b.Commit())
	h.close()

	h2 := newHarnessOn(t, h.fs, h.holdings, nil)
	stats, err := h2.e.GetMarketStats(context.Background(), "ACME")
	assert.NilError(t, err)
	assert.Assert(t, stats.HasLast)
	assert.Assert(t, stats.LastPrice.Equal(dec("43")), "got %s", stats.LastPrice)
	assert.Equal(t, stats.Trades24h, 0)
	assert.Equal(t, stats.Volume24h, int64(0))
}
