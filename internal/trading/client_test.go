package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/exchange"
	"tradecore/internal/idempotency"
	"tradecore/internal/order"
	"tradecore/internal/ratelimit"
	"tradecore/internal/retry"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) Observe(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// lossyTransport 在交易所处理后丢弃下一次响应，模拟写入成功但读取超时。
type lossyTransport struct {
	*exchange.SimulatedTransport
	mu   sync.Mutex
	drop bool
}

func (l *lossyTransport) Send(ctx context.Context, b order.Batch) (order.RawResponse, error) {
	resp, err := l.SimulatedTransport.Send(ctx, b)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drop {
		l.drop = false
		return order.RawResponse{}, &order.TransportError{Op: string(b.Kind), Err: errors.New("connection reset after write")}
	}
	return resp, err
}

func newTestClient(tr order.Transport, observers ...Observer) (*Client, *idempotency.Tracker) {
	tracker := idempotency.New(idempotency.Options{TTL: time.Minute}, nil, nil)
	limiter := ratelimit.New(ratelimit.Options{}, nil)
	c := New(tr, limiter, tracker, Options{
		SendTimeout: time.Second,
		Retry:       retry.Policy{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, nil, observers...)
	return c, tracker
}

func newFixedSimulated() *exchange.SimulatedTransport {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return exchange.NewSimulatedTransport(nil, exchange.WithSimulatedClock(func() time.Time { return now }))
}

func limitBuy(clientID, price string) order.Intent {
	return order.Intent{
		Symbol:        "BTC-USDT",
		TradeMode:     order.TradeModeCash,
		Side:          order.SideBuy,
		OrderType:     order.OrderTypeLimit,
		Quantity:      decimal.RequireFromString("0.01"),
		Price:         decimal.NewNullDecimal(decimal.RequireFromString(price)),
		ClientOrderID: clientID,
	}
}

func TestPlaceOrder_MarketCashBuy(t *testing.T) {
	sim := newFixedSimulated()
	sim.SetMarkPrice("BTC-USDT", decimal.NewFromInt(50000))
	obs := &recordingObserver{}
	c, _ := newTestClient(sim, obs)

	res, err := c.PlaceOrder(context.Background(), order.Intent{
		Symbol:    "btc-usdt",
		TradeMode: order.TradeModeCash,
		Side:      order.SideBuy,
		OrderType: order.OrderTypeMarket,
		Quantity:  decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if res.Status != order.StatusSuccess || res.OrderID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.CorrelationID) != 32 {
		t.Errorf("expected generated correlation id, got %q", res.CorrelationID)
	}

	events := obs.snapshot()
	if len(events) != 1 || events[0].Operation != "place_order" || events[0].Succeeded != 1 {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestPlaceOrder_ResubmitReturnsRecordedResult(t *testing.T) {
	sim := newFixedSimulated()
	c, _ := newTestClient(sim)

	first, err := c.PlaceOrder(context.Background(), limitBuy("same1", "40000"))
	if err != nil {
		t.Fatalf("first PlaceOrder returned error: %v", err)
	}
	second, err := c.PlaceOrder(context.Background(), limitBuy("same1", "40000"))
	if err != nil {
		t.Fatalf("second PlaceOrder returned error: %v", err)
	}
	if first.OrderID != second.OrderID {
		t.Fatalf("expected same order id, got %s and %s", first.OrderID, second.OrderID)
	}

	page, err := c.GetOrders(context.Background(), order.Query{Symbol: "BTC-USDT"}, Cursor{})
	if err != nil {
		t.Fatalf("GetOrders returned error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected single order at venue, got %d", len(page.Items))
	}
}

func TestPlaceMultipleOrders_CeilingExceeded(t *testing.T) {
	sim := newFixedSimulated()
	c, tracker := newTestClient(sim)

	intents := make([]order.Intent, 21)
	for i := range intents {
		intents[i] = limitBuy("", "40000")
	}
	_, err := c.PlaceMultipleOrders(context.Background(), intents)
	var ve *order.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Limit != 20 || ve.Actual != 21 {
		t.Errorf("expected limit=20 actual=21, got %+v", ve)
	}
	if tracker.Len() != 0 {
		t.Errorf("expected no records, got %d", tracker.Len())
	}
}

func TestPlaceMultipleOrders_MixedOutcomes(t *testing.T) {
	sim := newFixedSimulated()
	c, _ := newTestClient(sim)

	results, err := c.PlaceMultipleOrders(context.Background(), []order.Intent{
		limitBuy("mix1", "40000"),
		{Symbol: "ETH-USDT", TradeMode: order.TradeModeCash, Side: order.SideBuy, OrderType: order.OrderTypeMarket, Quantity: decimal.NewFromInt(1), ClientOrderID: "mix2"},
		limitBuy("mix3", "41000"),
	})
	if err != nil {
		t.Fatalf("PlaceMultipleOrders returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != order.StatusSuccess || results[2].Status != order.StatusSuccess {
		t.Errorf("expected first and third accepted, got %+v", results)
	}
	if results[1].Status != order.StatusRejected || results[1].Code != exchange.CodeMarkUnavailable {
		t.Errorf("expected second rejected, got %+v", results[1])
	}
	if !errors.Is(results[1].Err(), order.ErrRejected) {
		t.Errorf("expected rejection error")
	}
}

func TestAmendAndCancelOrder(t *testing.T) {
	sim := newFixedSimulated()
	c, _ := newTestClient(sim)

	placed, err := c.PlaceOrder(context.Background(), limitBuy("ac1", "40000"))
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}

	amended, err := c.AmendOrder(context.Background(), order.Intent{
		Symbol:   "BTC-USDT",
		OrderID:  placed.OrderID,
		NewPrice: decimal.NewNullDecimal(decimal.NewFromInt(39000)),
	})
	if err != nil || amended.Status != order.StatusSuccess {
		t.Fatalf("AmendOrder failed: %v %+v", err, amended)
	}

	cancelled, err := c.CancelMultipleOrders(context.Background(), []order.Intent{
		{Symbol: "BTC-USDT", OrderID: placed.OrderID},
		{Symbol: "BTC-USDT", OrderID: "999999"},
	})
	if err != nil {
		t.Fatalf("CancelMultipleOrders returned error: %v", err)
	}
	if cancelled[0].Status != order.StatusSuccess {
		t.Errorf("expected first cancel success, got %+v", cancelled[0])
	}
	if cancelled[1].Status != order.StatusRejected || cancelled[1].Code != exchange.CodeCancelNotExist {
		t.Errorf("expected second cancel rejected, got %+v", cancelled[1])
	}

	info, err := c.GetOrderDetails(context.Background(), "BTC-USDT", placed.OrderID, "")
	if err != nil {
		t.Fatalf("GetOrderDetails returned error: %v", err)
	}
	if info.State != order.OrderStateCanceled || !info.Price.Equal(decimal.NewFromInt(39000)) {
		t.Errorf("unexpected order state %+v", info)
	}
}

func TestGetOrderDetails_NotFound(t *testing.T) {
	c, _ := newTestClient(newFixedSimulated())

	_, err := c.GetOrderDetails(context.Background(), "BTC-USDT", "", "missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	_, err = c.GetOrderDetails(context.Background(), "BTC-USDT", "", "")
	if !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPager_WalksAllPagesAndResumes(t *testing.T) {
	sim := newFixedSimulated()
	c, _ := newTestClient(sim)

	intents := make([]order.Intent, 5)
	for i := range intents {
		intents[i] = limitBuy("", "30000")
	}
	if _, err := c.PlaceMultipleOrders(context.Background(), intents); err != nil {
		t.Fatalf("PlaceMultipleOrders returned error: %v", err)
	}

	q := order.Query{Symbol: "BTC-USDT", Limit: 2}
	pager := NewPager[order.OrderInfo](c.GetOrders, q, Cursor{})
	seen := map[string]bool{}
	pages := 0
	for {
		items, err := pager.Next(context.Background())
		if errors.Is(err, ErrNoMorePages) {
			break
		}
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		pages++
		for _, o := range items {
			if seen[o.OrderID] {
				t.Fatalf("order %s returned twice", o.OrderID)
			}
			seen[o.OrderID] = true
		}
	}
	if len(seen) != 5 || pages != 3 {
		t.Fatalf("expected 5 orders over 3 pages, got %d over %d", len(seen), pages)
	}
	if !pager.Done() {
		t.Errorf("expected pager done")
	}

	first := NewPager[order.OrderInfo](c.GetOrders, q, Cursor{})
	head, err := first.Next(context.Background())
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	resumed := NewPager[order.OrderInfo](c.GetOrders, q, first.Cursor())
	tail, err := resumed.Next(context.Background())
	if err != nil {
		t.Fatalf("resumed Next returned error: %v", err)
	}
	if len(head) != 2 || len(tail) != 2 || head[1].OrderID == tail[0].OrderID {
		t.Fatalf("resume overlapped: head=%v tail=%v", head, tail)
	}
}

func TestReconcilePending_ResolvesAcceptedOrder(t *testing.T) {
	sim := newFixedSimulated()
	tr := &lossyTransport{SimulatedTransport: sim, drop: true}
	c, tracker := newTestClient(tr)

	res, err := c.PlaceOrder(context.Background(), limitBuy("lost1", "40000"))
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if res.Status != order.StatusPending {
		t.Fatalf("expected pending result, got %+v", res)
	}

	report, err := c.ReconcilePending(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReconcilePending returned error: %v", err)
	}
	if report.Checked != 1 || report.Resolved != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	got, err := c.Recall("lost1")
	if err != nil {
		t.Fatalf("Recall returned error: %v", err)
	}
	if got.Status != order.StatusSuccess || got.OrderID == "" {
		t.Errorf("expected resolved success, got %+v", got)
	}
	if len(tracker.PendingOlderThan(0)) != 0 {
		t.Errorf("expected no pending records")
	}

	page, _ := c.GetOrders(context.Background(), order.Query{Symbol: "BTC-USDT"}, Cursor{})
	if len(page.Items) != 1 {
		t.Errorf("expected exactly one order at venue, got %d", len(page.Items))
	}
}

func TestReconcilePending_ResubmitsUnsentOrder(t *testing.T) {
	sim := newFixedSimulated()
	sim.FailNext(&order.TransportError{Op: "place", Err: errors.New("connection refused")})
	c, _ := newTestClient(sim)

	res, err := c.PlaceOrder(context.Background(), limitBuy("unsent1", "40000"))
	if err == nil || res.Status != order.StatusPending {
		t.Fatalf("expected pending with error, got %+v %v", res, err)
	}

	report, err := c.ReconcilePending(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReconcilePending returned error: %v", err)
	}
	if report.Resubmitted != 1 {
		t.Fatalf("expected one resubmission, got %+v", report)
	}

	got, err := c.Recall("unsent1")
	if err != nil || got.Status != order.StatusSuccess {
		t.Fatalf("expected success after resubmit, got %+v %v", got, err)
	}
}

func TestAcknowledgeRemovesRecord(t *testing.T) {
	c, tracker := newTestClient(newFixedSimulated())

	if _, err := c.PlaceOrder(context.Background(), limitBuy("ack1", "40000")); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if err := c.Acknowledge(context.Background(), "ack1"); err != nil {
		t.Fatalf("Acknowledge returned error: %v", err)
	}
	if tracker.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tracker.Len())
	}
}

func TestGetOrderSnapshot(t *testing.T) {
	sim := newFixedSimulated()
	sim.SetMarkPrice("BTC-USDT", decimal.NewFromInt(50000))
	c, _ := newTestClient(sim)
	ctx := context.Background()

	if _, err := c.PlaceOrder(ctx, limitBuy("snap1", "40000")); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if _, err := c.PlaceOrder(ctx, limitBuy("snap2", "51000")); err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if _, err := c.PlaceAlgoOrder(ctx, order.Intent{
		Symbol:    "BTC-USDT",
		TradeMode: order.TradeModeCash,
		Side:      order.SideSell,
		Quantity:  decimal.RequireFromString("0.01"),
		Algo: order.AlgoParams{
			Type:            order.AlgoTypeConditional,
			StopLossTrigger: decimal.NewNullDecimal(decimal.NewFromInt(45000)),
			StopLossOrder:   decimal.NewNullDecimal(decimal.NewFromInt(-1)),
		},
	}); err != nil {
		t.Fatalf("PlaceAlgoOrder returned error: %v", err)
	}

	snap, err := c.GetOrderSnapshot(ctx, "BTC-USDT", order.AlgoTypeConditional)
	if err != nil {
		t.Fatalf("GetOrderSnapshot returned error: %v", err)
	}
	if len(snap.Orders) != 1 || len(snap.AlgoOrders) != 1 || len(snap.Fills) != 1 {
		t.Fatalf("unexpected snapshot orders=%d algos=%d fills=%d", len(snap.Orders), len(snap.AlgoOrders), len(snap.Fills))
	}
}

func TestCancelAlgoOrders(t *testing.T) {
	c, _ := newTestClient(newFixedSimulated())
	ctx := context.Background()

	placed, err := c.PlaceAlgoOrder(ctx, order.Intent{
		Symbol:    "BTC-USDT-SWAP",
		TradeMode: order.TradeModeCross,
		Side:      order.SideBuy,
		Quantity:  decimal.NewFromInt(1),
		Algo: order.AlgoParams{
			Type:         order.AlgoTypeTrigger,
			TriggerPrice: decimal.NewNullDecimal(decimal.NewFromInt(60000)),
			OrderPrice:   decimal.NewNullDecimal(decimal.NewFromInt(-1)),
		},
	})
	if err != nil {
		t.Fatalf("PlaceAlgoOrder returned error: %v", err)
	}

	results, err := c.CancelAlgoOrders(ctx, []order.Intent{{Symbol: "BTC-USDT-SWAP", AlgoID: placed.OrderID}})
	if err != nil || results[0].Status != order.StatusSuccess {
		t.Fatalf("CancelAlgoOrders failed: %v %+v", err, results)
	}

	page, err := c.GetAlgoOrderHistory(ctx, order.Query{Symbol: "BTC-USDT-SWAP", AlgoType: order.AlgoTypeTrigger}, Cursor{})
	if err != nil {
		t.Fatalf("GetAlgoOrderHistory returned error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].State != order.AlgoStateCanceled {
		t.Fatalf("unexpected algo history %+v", page.Items)
	}
}

type scriptedTransport struct {
	mu      sync.Mutex
	sends   int
	queries int
	send    func(call int, b order.Batch) (order.RawResponse, error)
	query   func(ctx context.Context, call int, q order.Query) (order.QueryResponse, error)
}

func (s *scriptedTransport) Send(ctx context.Context, b order.Batch) (order.RawResponse, error) {
	s.mu.Lock()
	s.sends++
	call := s.sends
	s.mu.Unlock()
	return s.send(call, b)
}

func (s *scriptedTransport) Query(ctx context.Context, q order.Query) (order.QueryResponse, error) {
	s.mu.Lock()
	s.queries++
	call := s.queries
	s.mu.Unlock()
	if s.query == nil {
		return order.QueryResponse{}, nil
	}
	return s.query(ctx, call, q)
}

func (s *scriptedTransport) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends, s.queries
}

func TestReconcilePending_CardinalityMismatchIsNotResent(t *testing.T) {
	tr := &scriptedTransport{send: func(call int, b order.Batch) (order.RawResponse, error) {
		return order.RawResponse{}, nil
	}}
	c, tracker := newTestClient(tr)

	_, err := c.CancelOrder(context.Background(), order.Intent{Symbol: "BTC-USDT", OrderID: "123"})
	if !errors.Is(err, order.ErrCardinalityMismatch) {
		t.Fatalf("expected cardinality mismatch, got %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := c.ReconcilePending(context.Background(), 0); err != nil {
			t.Fatalf("ReconcilePending returned error: %v", err)
		}
	}
	if sends, _ := tr.counts(); sends != 1 {
		t.Fatalf("mismatched request must not be resent, sends=%d", sends)
	}
	if pending := tracker.PendingOlderThan(0); len(pending) != 0 {
		t.Fatalf("expected no pending records, got %+v", pending)
	}
}

func TestReconcilePending_StopsAtRetryBound(t *testing.T) {
	tr := &scriptedTransport{send: func(call int, b order.Batch) (order.RawResponse, error) {
		return order.RawResponse{}, &order.TransportError{Op: "place", Temporary: true, Err: errors.New("i/o timeout")}
	}}
	c, tracker := newTestClient(tr)

	res, err := c.PlaceOrder(context.Background(), limitBuy("bound1", "40000"))
	if err == nil || res.Status != order.StatusPending {
		t.Fatalf("expected pending with error, got %+v %v", res, err)
	}
	if sends, _ := tr.counts(); sends != 2 {
		t.Fatalf("expected 2 sends within retry bound, got %d", sends)
	}

	for i := 0; i < 5; i++ {
		report, err := c.ReconcilePending(context.Background(), 0)
		if err != nil {
			t.Fatalf("ReconcilePending returned error: %v", err)
		}
		if report.Checked != 1 || report.Unresolved != 1 || report.Resubmitted != 0 {
			t.Fatalf("unexpected report %+v", report)
		}
	}

	sends, queries := tr.counts()
	if sends != 2 {
		t.Fatalf("reconcile exceeded retry bound, sends=%d", sends)
	}
	if queries != 5 {
		t.Errorf("expected one status query per reconcile, got %d", queries)
	}
	rec, ok := tracker.Lookup("bound1")
	if !ok || rec.State != idempotency.StatePending || rec.Attempts != 2 {
		t.Fatalf("expected pending record with 2 attempts, got %+v", rec)
	}
}

func TestGetUserTrades_ContinuesAfterFilteredVenuePage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := &scriptedTransport{query: func(_ context.Context, call int, q order.Query) (order.QueryResponse, error) {
		if call == 1 {
			return order.QueryResponse{Fills: []order.Fill{{TradeID: "7", Timestamp: ts}}, More: true}, nil
		}
		return order.QueryResponse{More: true}, nil
	}}
	c, _ := newTestClient(tr)

	page, err := c.GetUserTrades(context.Background(), order.Query{Symbol: "BTC-USDT", Limit: 2}, Cursor{})
	if err != nil {
		t.Fatalf("GetUserTrades returned error: %v", err)
	}
	if !page.More || page.Next.LastID != "7" || !page.Next.Before.Equal(ts) {
		t.Fatalf("expected continuation after full venue page, got %+v", page)
	}

	// 过滤后为空的页无法推进游标，按读完处理。
	page, err = c.GetUserTrades(context.Background(), order.Query{Symbol: "BTC-USDT", Limit: 2}, page.Next)
	if err != nil {
		t.Fatalf("GetUserTrades returned error: %v", err)
	}
	if page.More || len(page.Items) != 0 {
		t.Fatalf("expected final empty page, got %+v", page)
	}
}

func TestQuery_RetriesPerCallTimeout(t *testing.T) {
	tr := &scriptedTransport{query: func(ctx context.Context, call int, q order.Query) (order.QueryResponse, error) {
		if call == 1 {
			<-ctx.Done()
			return order.QueryResponse{}, ctx.Err()
		}
		return order.QueryResponse{Orders: []order.OrderInfo{{OrderID: "1", Symbol: "BTC-USDT"}}}, nil
	}}
	tracker := idempotency.New(idempotency.Options{TTL: time.Minute}, nil, nil)
	c := New(tr, ratelimit.New(ratelimit.Options{}, nil), tracker, Options{
		SendTimeout: 20 * time.Millisecond,
		Retry:       retry.Policy{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, nil)

	page, err := c.GetOrders(context.Background(), order.Query{Symbol: "BTC-USDT"}, Cursor{})
	if err != nil {
		t.Fatalf("GetOrders returned error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 order after retry, got %d", len(page.Items))
	}
	if _, queries := tr.counts(); queries != 2 {
		t.Fatalf("expected 2 query calls, got %d", queries)
	}
}
