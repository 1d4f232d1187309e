package order

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBuild_PlaceNormalizesFields(t *testing.T) {
	req, err := Build(Intent{
		Kind:          KindPlace,
		Symbol:        " btc-usdt ",
		TradeMode:     "CASH",
		Side:          "Buy",
		OrderType:     OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.01"),
		ClientOrderID: "abc123",
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if req.Intent.Symbol != "BTC-USDT" {
		t.Errorf("symbol = %q, want BTC-USDT", req.Intent.Symbol)
	}
	if req.Intent.Side != SideBuy || req.Intent.TradeMode != TradeModeCash {
		t.Errorf("unexpected side/mode: %s/%s", req.Intent.Side, req.Intent.TradeMode)
	}
	if req.CorrelationID != "abc123" {
		t.Errorf("correlation id = %q, want abc123", req.CorrelationID)
	}
}

func TestBuild_PlaceRejectsBadFields(t *testing.T) {
	base := Intent{
		Kind:      KindPlace,
		Symbol:    "BTC-USDT",
		TradeMode: TradeModeCash,
		Side:      SideBuy,
		OrderType: OrderTypeLimit,
		Quantity:  decimal.RequireFromString("1"),
		Price:     decimal.NewNullDecimal(decimal.RequireFromString("100")),
	}

	cases := map[string]struct {
		mutate func(*Intent)
		field  string
	}{
		"zero quantity":     {func(i *Intent) { i.Quantity = decimal.Zero }, "quantity"},
		"unknown mode":      {func(i *Intent) { i.TradeMode = "margin" }, "trade_mode"},
		"limit no price":    {func(i *Intent) { i.Price = decimal.NullDecimal{} }, "price"},
		"bad side":          {func(i *Intent) { i.Side = "hold" }, "side"},
		"long client id":    {func(i *Intent) { i.ClientOrderID = strings.Repeat("a", 33) }, "client_order_id"},
		"non alnum id":      {func(i *Intent) { i.ClientOrderID = "abc-1" }, "client_order_id"},
		"bad quantity type": {func(i *Intent) { i.QuantityType = "usd" }, "quantity_type"},
	}

	for name, tc := range cases {
		intent := base
		tc.mutate(&intent)
		_, err := Build(intent)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
		if ve.Field != tc.field {
			t.Errorf("%s: field = %q, want %q", name, ve.Field, tc.field)
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected errors.Is(err, ErrValidation)", name)
		}
	}
}

func TestBuild_AmendRequiresIdentifierAndMutableField(t *testing.T) {
	_, err := Build(Intent{
		Kind:     KindAmend,
		Symbol:   "BTC-USDT",
		NewPrice: decimal.NewNullDecimal(decimal.RequireFromString("101")),
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "order_id" {
		t.Fatalf("expected order_id validation error, got %v", err)
	}

	_, err = Build(Intent{Kind: KindAmend, Symbol: "BTC-USDT", OrderID: "1"})
	if !errors.As(err, &ve) || ve.Field != "new_quantity" {
		t.Fatalf("expected new_quantity validation error, got %v", err)
	}

	req, err := Build(Intent{Kind: KindAmend, Symbol: "BTC-USDT", ClientOrderID: "c1", RequestID: "r1", NewQuantity: decimal.NewNullDecimal(decimal.RequireFromString("2"))})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if req.CorrelationID != "r1" {
		t.Errorf("amend correlation id = %q, want request id r1", req.CorrelationID)
	}
}

func TestBuild_AlgoRules(t *testing.T) {
	base := Intent{
		Kind:      KindPlaceAlgo,
		Symbol:    "BTC-USDT-SWAP",
		TradeMode: TradeModeCross,
		Side:      SideSell,
		Quantity:  decimal.RequireFromString("1"),
	}

	trigger := base
	trigger.Algo = AlgoParams{Type: AlgoTypeTrigger, TriggerPrice: decimal.NewNullDecimal(decimal.RequireFromString("90000"))}
	if _, err := Build(trigger); err == nil || !strings.Contains(err.Error(), "order_price") {
		t.Fatalf("expected order_price error, got %v", err)
	}
	trigger.Algo.OrderPrice = decimal.NewNullDecimal(decimal.NewFromInt(-1))
	if _, err := Build(trigger); err != nil {
		t.Fatalf("market trigger order should be valid: %v", err)
	}

	oco := base
	oco.Algo = AlgoParams{Type: AlgoTypeOCO, TakeProfitTrigger: decimal.NewNullDecimal(decimal.NewFromInt(100))}
	if _, err := Build(oco); err == nil {
		t.Fatalf("oco without stop loss should fail")
	}

	twap := base
	twap.Algo = AlgoParams{
		Type:       AlgoTypeTWAP,
		PriceRatio: decimal.NewNullDecimal(decimal.RequireFromString("0.001")),
		SizeLimit:  decimal.NewNullDecimal(decimal.NewFromInt(1)),
		PriceLimit: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}
	if _, err := Build(twap); err == nil || !strings.Contains(err.Error(), "time_interval") {
		t.Fatalf("expected time_interval error, got %v", err)
	}
}

func TestBuild_CancelAndClose(t *testing.T) {
	if _, err := Build(Intent{Kind: KindCancel, Symbol: "BTC-USDT"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("cancel without ids should fail, got %v", err)
	}
	if _, err := Build(Intent{Kind: KindClosePosition, Symbol: "BTC-USDT-SWAP", MarginMode: "cash"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("close with bad margin mode should fail, got %v", err)
	}
	if _, err := Build(Intent{Kind: KindCancelAlgo, Symbol: "BTC-USDT", AlgoID: "42"}); err != nil {
		t.Fatalf("cancel algo should be valid: %v", err)
	}
}

func TestBuildAll_ReportsEveryInvalidItem(t *testing.T) {
	intents := []Intent{
		{Symbol: "BTC-USDT", OrderID: "1"},
		{Symbol: ""},
		{Symbol: "ETH-USDT"},
	}
	_, err := BuildAll(KindCancel, intents)
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "#1") || !strings.Contains(msg, "#2") {
		t.Fatalf("expected both invalid indexes in error, got %q", msg)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation in chain")
	}
}

func TestKindCeilingAndClass(t *testing.T) {
	if KindPlace.Ceiling() != 20 || KindCancelAlgo.Ceiling() != 10 || KindPlaceAlgo.Ceiling() != 1 {
		t.Fatalf("unexpected ceilings")
	}
	if KindPlace.Class(1) != ClassPlace || KindPlace.Class(5) != ClassBatchPlace {
		t.Fatalf("unexpected place classes")
	}
}

func TestRequestWithCorrelationID(t *testing.T) {
	req := Request{Intent: Intent{Kind: KindAmend}}.WithCorrelationID("x1")
	if req.Intent.RequestID != "x1" || req.CorrelationID != "x1" {
		t.Fatalf("correlation id not propagated: %+v", req)
	}
	req = Request{Intent: Intent{Kind: KindCancel, ClientOrderID: "target"}}.WithCorrelationID("x2")
	if req.Intent.ClientOrderID != "target" {
		t.Fatalf("cancel must keep the target client order id")
	}
}
