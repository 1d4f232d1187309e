package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"tradecore/internal/order"
)

// ccxt 内部用于区分历史与归档接口的方法名。
const (
	methodOrdersHistory        = "privateGetTradeOrdersHistory"
	methodOrdersHistoryArchive = "privateGetTradeOrdersHistoryArchive"
	methodFills                = "privateGetTradeFills"
	methodFillsHistory         = "privateGetTradeFillsHistory"
)

func (t *OKXTransport) query(q order.Query) (order.QueryResponse, error) {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = order.DefaultPageLimit
	}

	switch q.Kind {
	case order.QueryOrderDetails:
		params := map[string]interface{}{}
		if q.ClientOrderID != "" {
			params["clOrdId"] = q.ClientOrderID
		}
		o, err := t.api.FetchOrder(q.OrderID,
			ccxt.WithFetchOrderSymbol(q.Symbol),
			ccxt.WithFetchOrderParams(params),
		)
		if err != nil {
			return order.QueryResponse{}, err
		}
		return order.QueryResponse{Orders: []order.OrderInfo{toOrderInfo(o.Info)}}, nil

	case order.QueryPendingOrders:
		opts := []ccxt.FetchOpenOrdersOptions{
			ccxt.WithFetchOpenOrdersLimit(limit),
			ccxt.WithFetchOpenOrdersParams(orderParams(q, "")),
		}
		if q.Symbol != "" {
			opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(q.Symbol))
		}
		orders, err := t.api.FetchOpenOrders(opts...)
		if err != nil {
			return order.QueryResponse{}, err
		}
		return order.QueryResponse{Orders: filterPage(mapOrders(orders), q), More: full(len(orders), limit)}, nil

	case order.QueryOrderHistory, order.QueryOrderArchive:
		method := methodOrdersHistory
		if q.Kind == order.QueryOrderArchive {
			method = methodOrdersHistoryArchive
		}
		opts := []ccxt.FetchClosedOrdersOptions{
			ccxt.WithFetchClosedOrdersLimit(limit),
			ccxt.WithFetchClosedOrdersParams(orderParams(q, method)),
		}
		if q.Symbol != "" {
			opts = append(opts, ccxt.WithFetchClosedOrdersSymbol(q.Symbol))
		}
		orders, err := t.api.FetchClosedOrders(opts...)
		if err != nil {
			return order.QueryResponse{}, err
		}
		return order.QueryResponse{Orders: filterPage(mapOrders(orders), q), More: full(len(orders), limit)}, nil

	case order.QueryFills, order.QueryFillsArchive:
		method := methodFills
		if q.Kind == order.QueryFillsArchive {
			method = methodFillsHistory
		}
		opts := []ccxt.FetchMyTradesOptions{
			ccxt.WithFetchMyTradesLimit(limit),
			ccxt.WithFetchMyTradesParams(fillParams(q, method)),
		}
		if q.Symbol != "" {
			opts = append(opts, ccxt.WithFetchMyTradesSymbol(q.Symbol))
		}
		trades, err := t.api.FetchMyTrades(opts...)
		if err != nil {
			return order.QueryResponse{}, err
		}
		fills := make([]order.Fill, 0, len(trades))
		for _, tr := range trades {
			fills = append(fills, toFill(tr.Info))
		}
		return order.QueryResponse{Fills: filterPage(fills, q), More: full(len(trades), limit)}, nil

	case order.QueryAlgoPending, order.QueryAlgoHistory:
		params := algoParams(q)
		var (
			orders []ccxt.Order
			err    error
		)
		if q.Kind == order.QueryAlgoPending {
			opts := []ccxt.FetchOpenOrdersOptions{
				ccxt.WithFetchOpenOrdersLimit(limit),
				ccxt.WithFetchOpenOrdersParams(params),
			}
			if q.Symbol != "" {
				opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(q.Symbol))
			}
			orders, err = t.api.FetchOpenOrders(opts...)
		} else {
			if q.AlgoState == "" && q.AlgoID == "" {
				params["state"] = string(order.AlgoStateEffective)
			}
			opts := []ccxt.FetchClosedOrdersOptions{
				ccxt.WithFetchClosedOrdersLimit(limit),
				ccxt.WithFetchClosedOrdersParams(params),
			}
			if q.Symbol != "" {
				opts = append(opts, ccxt.WithFetchClosedOrdersSymbol(q.Symbol))
			}
			orders, err = t.api.FetchClosedOrders(opts...)
		}
		if err != nil {
			return order.QueryResponse{}, err
		}
		algos := make([]order.AlgoOrderInfo, 0, len(orders))
		for _, o := range orders {
			algos = append(algos, toAlgoOrderInfo(o.Info))
		}
		return order.QueryResponse{AlgoOrders: filterPage(algos, q), More: full(len(orders), limit)}, nil

	default:
		return order.QueryResponse{}, fmt.Errorf("exchange: unsupported query %q", q.Kind)
	}
}

func baseParams(q order.Query) map[string]interface{} {
	params := map[string]interface{}{}
	if q.InstrumentType != "" {
		params["instType"] = string(q.InstrumentType)
	}
	if q.Underlying != "" {
		params["uly"] = q.Underlying
	}
	if !q.Start.IsZero() {
		params["begin"] = strconv.FormatInt(q.Start.UnixMilli(), 10)
	}
	return params
}

// full 判断交易所原始返回是否已满一页。
func full(n int, limit int64) bool {
	return int64(n) >= limit
}

func fillParams(q order.Query, method string) map[string]interface{} {
	params := baseParams(q)
	params["method"] = method
	if q.OrderID != "" {
		params["ordId"] = q.OrderID
	}
	if !q.End.IsZero() {
		// end 为闭区间，同一毫秒内已读过的条目由 filterPage 去除。
		params["end"] = strconv.FormatInt(q.End.UnixMilli(), 10)
	}
	return params
}

func orderParams(q order.Query, method string) map[string]interface{} {
	params := baseParams(q)
	if method != "" {
		params["method"] = method
		// 未完成订单接口不支持时间范围，只有历史与归档接口转发 end。
		if !q.End.IsZero() {
			params["end"] = strconv.FormatInt(q.End.UnixMilli(), 10)
		}
	}
	if q.OrderType != "" {
		params["ordType"] = string(q.OrderType)
	}
	if q.State != "" {
		params["state"] = string(q.State)
	}
	if q.Category != "" {
		params["category"] = q.Category
	}
	if q.AfterID != "" {
		params["after"] = q.AfterID
	}
	return params
}

func algoParams(q order.Query) map[string]interface{} {
	params := baseParams(q)
	params["trigger"] = true
	params["ordType"] = string(q.AlgoType)
	if q.AlgoState != "" {
		params["state"] = string(q.AlgoState)
	}
	if q.AlgoID != "" {
		params["algoId"] = q.AlgoID
	}
	if q.ClientOrderID != "" {
		params["algoClOrdId"] = q.ClientOrderID
	}
	if q.AfterID != "" {
		params["after"] = q.AfterID
	}
	return params
}

func mapOrders(orders []ccxt.Order) []order.OrderInfo {
	out := make([]order.OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderInfo(o.Info))
	}
	return out
}

// filterPage 保证返回的条目严格位于游标之前。
func filterPage[T boundary](items []T, q order.Query) []T {
	if q.End.IsZero() {
		return items
	}
	out := items[:0]
	for _, item := range items {
		ts, id := item.Boundary()
		if ts.Before(q.End) || (ts.Equal(q.End) && q.AfterID != "" && id < q.AfterID) {
			out = append(out, item)
		}
	}
	return out
}

func toOrderInfo(info map[string]interface{}) order.OrderInfo {
	return order.OrderInfo{
		OrderID:        infoString(info, "ordId"),
		ClientOrderID:  infoString(info, "clOrdId"),
		Symbol:         infoString(info, "instId"),
		Side:           order.Side(infoString(info, "side")),
		PositionSide:   order.PositionSide(infoString(info, "posSide")),
		OrderType:      order.OrderType(infoString(info, "ordType")),
		TradeMode:      order.TradeMode(infoString(info, "tdMode")),
		State:          order.OrderState(infoString(info, "state")),
		Price:          infoDecimal(info, "px"),
		Quantity:       infoDecimal(info, "sz"),
		FilledQuantity: infoDecimal(info, "accFillSz"),
		AveragePrice:   infoDecimal(info, "avgPx"),
		CreatedAt:      infoTime(info, "cTime"),
		UpdatedAt:      infoTime(info, "uTime"),
	}
}

func toFill(info map[string]interface{}) order.Fill {
	return order.Fill{
		TradeID:       infoString(info, "tradeId"),
		OrderID:       infoString(info, "ordId"),
		ClientOrderID: infoString(info, "clOrdId"),
		Symbol:        infoString(info, "instId"),
		Side:          order.Side(infoString(info, "side")),
		Price:         infoDecimal(info, "fillPx"),
		Quantity:      infoDecimal(info, "fillSz"),
		Fee:           infoDecimal(info, "fee"),
		FeeAsset:      infoString(info, "feeCcy"),
		Timestamp:     infoTime(info, "ts"),
	}
}

func toAlgoOrderInfo(info map[string]interface{}) order.AlgoOrderInfo {
	a := order.AlgoOrderInfo{
		AlgoID:        infoString(info, "algoId"),
		ClientOrderID: infoString(info, "algoClOrdId"),
		Symbol:        infoString(info, "instId"),
		Side:          order.Side(infoString(info, "side")),
		Type:          order.AlgoType(infoString(info, "ordType")),
		State:         order.AlgoState(infoString(info, "state")),
		Quantity:      infoDecimal(info, "sz"),
		TriggerPrice:  infoNullDecimal(info, "triggerPx", "slTriggerPx", "tpTriggerPx"),
		OrderPrice:    infoNullDecimal(info, "ordPx", "slOrdPx", "tpOrdPx"),
		CreatedAt:     infoTime(info, "cTime"),
	}
	return a
}

func infoString(info map[string]interface{}, key string) string {
	v, ok := info[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}

func infoDecimal(info map[string]interface{}, key string) decimal.Decimal {
	d, err := decimal.NewFromString(infoString(info, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func infoNullDecimal(info map[string]interface{}, keys ...string) decimal.NullDecimal {
	for _, key := range keys {
		if d, err := decimal.NewFromString(infoString(info, key)); err == nil {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

func infoTime(info map[string]interface{}, key string) time.Time {
	ms, err := strconv.ParseInt(infoString(info, key), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
