package order

import (
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const maxCorrelationIDLen = 32

// Build 校验交易意图并返回规范化请求，不做任何网络调用。
func Build(intent Intent) (Request, error) {
	intent = normalize(intent)

	var err *ValidationError
	switch intent.Kind {
	case KindPlace:
		err = validatePlace(intent)
	case KindAmend:
		err = validateAmend(intent)
	case KindCancel:
		err = validateCancel(intent)
	case KindClosePosition:
		err = validateClosePosition(intent)
	case KindPlaceAlgo:
		err = validatePlaceAlgo(intent)
	case KindCancelAlgo, KindCancelAdvanceAlgo:
		err = validateCancelAlgo(intent)
	default:
		err = invalid(intent.Kind, "kind", "unknown operation kind")
	}
	if err == nil {
		err = validateCorrelationID(intent)
	}
	if err != nil {
		return Request{}, err
	}

	return Request{Intent: intent, CorrelationID: intent.CorrelationID()}, nil
}

// BuildAll 校验同一类型的一组意图，所有不合法条目合并为一个错误返回。
func BuildAll(kind Kind, intents []Intent) ([]Request, error) {
	if len(intents) == 0 {
		return nil, invalid(kind, "orders", "must not be empty")
	}

	requests := make([]Request, 0, len(intents))
	var errs error
	for i, intent := range intents {
		if intent.Kind == "" {
			intent.Kind = kind
		}
		if intent.Kind != kind {
			errs = multierr.Append(errs, &ValidationError{Kind: kind, Index: i, Field: "kind", Reason: "mixed kinds in one batch"})
			continue
		}
		req, err := Build(intent)
		if err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Index = i
			}
			errs = multierr.Append(errs, err)
			continue
		}
		requests = append(requests, req)
	}
	if errs != nil {
		return nil, errs
	}
	return requests, nil
}

func normalize(intent Intent) Intent {
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	intent.Asset = strings.ToUpper(strings.TrimSpace(intent.Asset))
	intent.Side = Side(strings.ToLower(strings.TrimSpace(string(intent.Side))))
	intent.TradeMode = TradeMode(strings.ToLower(strings.TrimSpace(string(intent.TradeMode))))
	intent.MarginMode = MarginMode(strings.ToLower(strings.TrimSpace(string(intent.MarginMode))))
	intent.PositionSide = PositionSide(strings.ToLower(strings.TrimSpace(string(intent.PositionSide))))
	intent.OrderType = OrderType(strings.ToLower(strings.TrimSpace(string(intent.OrderType))))
	intent.QuantityType = QuantityType(strings.ToLower(strings.TrimSpace(string(intent.QuantityType))))
	intent.Algo.Type = AlgoType(strings.ToLower(strings.TrimSpace(string(intent.Algo.Type))))
	intent.OrderID = strings.TrimSpace(intent.OrderID)
	intent.ClientOrderID = strings.TrimSpace(intent.ClientOrderID)
	intent.RequestID = strings.TrimSpace(intent.RequestID)
	intent.AlgoID = strings.TrimSpace(intent.AlgoID)
	return intent
}

func invalid(kind Kind, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Index: -1, Field: field, Reason: reason}
}

func validatePlace(in Intent) *ValidationError {
	if in.Symbol == "" {
		return invalid(in.Kind, "symbol", "is required")
	}
	if !validSide(in.Side) {
		return invalid(in.Kind, "side", "must be buy or sell")
	}
	if !validTradeMode(in.TradeMode) {
		return invalid(in.Kind, "trade_mode", "is unknown")
	}
	if !validOrderType(in.OrderType) {
		return invalid(in.Kind, "order_type", "is unknown")
	}
	if !validPositionSide(in.PositionSide) {
		return invalid(in.Kind, "position_side", "is unknown")
	}
	if !in.Quantity.IsPositive() {
		return invalid(in.Kind, "quantity", "must be positive")
	}
	if in.OrderType.NeedsPrice() && !positive(in.Price) {
		return invalid(in.Kind, "price", "must be positive for "+string(in.OrderType)+" orders")
	}
	if in.Price.Valid && !in.Price.Decimal.IsPositive() {
		return invalid(in.Kind, "price", "must be positive")
	}
	switch in.QuantityType {
	case "", QuantityTypeBase, QuantityTypeQuote:
	default:
		return invalid(in.Kind, "quantity_type", "must be base_ccy or quote_ccy")
	}
	return nil
}

func validateAmend(in Intent) *ValidationError {
	if in.Symbol == "" {
		return invalid(in.Kind, "symbol", "is required")
	}
	if in.OrderID == "" && in.ClientOrderID == "" {
		return invalid(in.Kind, "order_id", "or client_order_id is required")
	}
	if !in.NewQuantity.Valid && !in.NewPrice.Valid {
		return invalid(in.Kind, "new_quantity", "or new_price is required")
	}
	if in.NewQuantity.Valid && !in.NewQuantity.Decimal.IsPositive() {
		return invalid(in.Kind, "new_quantity", "must be positive")
	}
	if in.NewPrice.Valid && !in.NewPrice.Decimal.IsPositive() {
		return invalid(in.Kind, "new_price", "must be positive")
	}
	return nil
}

func validateCancel(in Intent) *ValidationError {
	if in.Symbol == "" {
		return invalid(in.Kind, "symbol", "is required")
	}
	if in.OrderID == "" && in.ClientOrderID == "" {
		return invalid(in.Kind, "order_id", "or client_order_id is required")
	}
	return nil
}

func validateClosePosition(in Intent) *ValidationError {
	if in.Symbol == "" {
		return invalid(in.Kind, "symbol", "is required")
	}
	if in.MarginMode != MarginModeCross && in.MarginMode != MarginModeIsolated {
		return invalid(in.Kind, "margin_mode", "must be cross or isolated")
	}
	if !validPositionSide(in.PositionSide) {
		return invalid(in.Kind, "position_side", "is unknown")
	}
	return nil
}

func validatePlaceAlgo(in Intent) *ValidationError {
	if in.Symbol == "" {
		return invalid(in.Kind, "symbol", "is required")
	}
	if !validTradeMode(in.TradeMode) {
		return invalid(in.Kind, "trade_mode", "is unknown")
	}
	if !validSide(in.Side) {
		return invalid(in.Kind, "side", "must be buy or sell")
	}
	if !validPositionSide(in.PositionSide) {
		return invalid(in.Kind, "position_side", "is unknown")
	}
	if !in.Quantity.IsPositive() {
		return invalid(in.Kind, "quantity", "must be positive")
	}

	algo := in.Algo
	switch algo.Type {
	case AlgoTypeTrigger:
		if !positive(algo.TriggerPrice) {
			return invalid(in.Kind, "trigger_price", "is required for trigger orders")
		}
		if !algo.OrderPrice.Valid {
			return invalid(in.Kind, "order_price", "is required for trigger orders")
		}
	case AlgoTypeConditional, AlgoTypeOCO:
		if !positive(algo.TakeProfitTrigger) && !positive(algo.StopLossTrigger) {
			return invalid(in.Kind, "tp_trigger_price", "or sl_trigger_price is required")
		}
		if algo.Type == AlgoTypeOCO && (!positive(algo.TakeProfitTrigger) || !positive(algo.StopLossTrigger)) {
			return invalid(in.Kind, "tp_trigger_price", "and sl_trigger_price are both required for oco orders")
		}
	case AlgoTypeMoveOrderStop:
		if !positive(algo.CallbackRatio) && !positive(algo.CallbackSpread) {
			return invalid(in.Kind, "callback_ratio", "or callback_spread is required")
		}
	case AlgoTypeIceberg, AlgoTypeTWAP:
		if !positive(algo.PriceRatio) && !positive(algo.PriceSpread) {
			return invalid(in.Kind, "price_ratio", "or price_spread is required")
		}
		if !positive(algo.SizeLimit) {
			return invalid(in.Kind, "size_limit", "must be positive")
		}
		if !positive(algo.PriceLimit) {
			return invalid(in.Kind, "price_limit", "must be positive")
		}
		if algo.Type == AlgoTypeTWAP && algo.TimeInterval <= 0 {
			return invalid(in.Kind, "time_interval", "is required for twap orders")
		}
	default:
		return invalid(in.Kind, "algo_type", "is unknown")
	}
	return nil
}

func validateCancelAlgo(in Intent) *ValidationError {
	if in.Symbol == "" {
		return invalid(in.Kind, "symbol", "is required")
	}
	if in.AlgoID == "" {
		return invalid(in.Kind, "algo_id", "is required")
	}
	return nil
}

func validateCorrelationID(in Intent) *ValidationError {
	id := in.CorrelationID()
	if id == "" {
		return nil
	}
	if len(id) > maxCorrelationIDLen {
		return invalid(in.Kind, "client_order_id", "must be at most 32 characters")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return invalid(in.Kind, "client_order_id", "must be alphanumeric")
		}
	}
	return nil
}

func positive(v decimal.NullDecimal) bool {
	return v.Valid && v.Decimal.IsPositive()
}

func validSide(s Side) bool {
	return s == SideBuy || s == SideSell
}

func validTradeMode(m TradeMode) bool {
	switch m {
	case TradeModeCash, TradeModeCross, TradeModeIsolated, TradeModeSpotIsolated:
		return true
	default:
		return false
	}
}

func validOrderType(t OrderType) bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypePostOnly, OrderTypeFOK, OrderTypeIOC, OrderTypeOptimalLimitIOC:
		return true
	default:
		return false
	}
}

func validPositionSide(s PositionSide) bool {
	switch s {
	case "", PositionSideNet, PositionSideLong, PositionSideShort:
		return true
	default:
		return false
	}
}
