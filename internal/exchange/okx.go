package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/config"
	"tradecore/internal/order"
)

// CodeUnsupported 表示该类型无法通过当前传输层提交。
const CodeUnsupported = "unsupported"

// okxAPI 为传输层使用的 ccxt 能力，便于测试替换。
type okxAPI interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	EditOrder(id string, symbol string, typeVar string, side string, options ...ccxt.EditOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	ClosePosition(symbol string, options ...ccxt.ClosePositionOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchClosedOrders(options ...ccxt.FetchClosedOrdersOptions) ([]ccxt.Order, error)
	FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error)
}

// OKXTransport 通过 ccxt 与 OKX 交互。批量请求逐条提交，单条被拒不影响其余条目。
type OKXTransport struct {
	api         okxAPI
	loadMarkets func() error
	logger      *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewOKXTransport 构造 OKX 传输层。
func NewOKXTransport(cfg config.ExchangeConfig, logger *zap.Logger) (*OKXTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.APIPass == "" {
		return nil, fmt.Errorf("exchange: okx 需要 api_key、api_secret 与 api_password")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": false,
		"apiKey":          cfg.APIKey,
		"secret":          cfg.APISecret,
		"password":        cfg.APIPass,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.SendTimeout > 0 {
		userConfig["timeout"] = cfg.SendTimeout.Milliseconds()
	}

	ex := ccxt.NewOkx(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &OKXTransport{
		api: ex,
		loadMarkets: func() error {
			_, err := ex.LoadMarkets()
			return err
		},
		logger: logger,
	}, nil
}

// Send 逐条提交。遇到临时错误时立即停止，并通过 TransportError.Partial 返回已得到答复的条目。
func (t *OKXTransport) Send(ctx context.Context, b order.Batch) (order.RawResponse, error) {
	if err := t.ensureMarketsLoaded(ctx); err != nil {
		return order.RawResponse{}, err
	}

	entries := make([]order.RawEntry, 0, len(b.Requests))
	for _, req := range b.Requests {
		if err := ctx.Err(); err != nil {
			return order.RawResponse{}, &order.TransportError{Op: string(b.Kind), Temporary: true, Partial: entries, Err: err}
		}

		id, err := t.submit(b.Kind, req.Intent)
		if err != nil {
			normalized, retry := classifyError(err)
			if retry || !perItem(normalized) {
				t.logger.Warn("OKX 请求中断",
					zap.String("kind", string(b.Kind)),
					zap.Int("answered", len(entries)),
					zap.Error(normalized),
				)
				return order.RawResponse{}, &order.TransportError{Op: string(b.Kind), Temporary: retry, Partial: entries, Err: normalized}
			}
			code, message := rejection(normalized)
			entries = append(entries, order.RawEntry{CorrelationID: echo(b.Kind, req), Code: code, Message: message})
			continue
		}
		entries = append(entries, order.RawEntry{CorrelationID: echo(b.Kind, req), OrderID: id, Code: "0"})
	}
	return order.RawResponse{Entries: entries}, nil
}

// Query 执行只读查询。订单不存在时返回空结果。
func (t *OKXTransport) Query(ctx context.Context, q order.Query) (order.QueryResponse, error) {
	if err := t.ensureMarketsLoaded(ctx); err != nil {
		return order.QueryResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return order.QueryResponse{}, &order.TransportError{Op: string(q.Kind), Temporary: true, Err: err}
	}

	resp, err := t.query(q)
	if err != nil {
		normalized, retry := classifyError(err)
		if isNotFound(normalized) {
			return order.QueryResponse{}, nil
		}
		return order.QueryResponse{}, &order.TransportError{Op: string(q.Kind), Temporary: retry, Err: normalized}
	}
	return resp, nil
}

func (t *OKXTransport) submit(kind order.Kind, in order.Intent) (string, error) {
	switch kind {
	case order.KindPlace:
		return t.place(in)
	case order.KindAmend:
		return t.amend(in)
	case order.KindCancel:
		return t.cancel(in)
	case order.KindClosePosition:
		return t.closePosition(in)
	case order.KindPlaceAlgo:
		return t.placeAlgo(in)
	case order.KindCancelAlgo, order.KindCancelAdvanceAlgo:
		return t.cancelAlgo(kind, in)
	default:
		return "", unsupported("operation " + string(kind))
	}
}

func (t *OKXTransport) place(in order.Intent) (string, error) {
	params := map[string]interface{}{
		"ordType": string(in.OrderType),
		"tdMode":  string(in.TradeMode),
		"sz":      in.Quantity.String(),
		"clOrdId": in.ClientOrderID,
	}
	if in.PositionSide != "" {
		params["posSide"] = string(in.PositionSide)
	}
	if in.ReduceOnly {
		params["reduceOnly"] = true
	}
	if in.QuantityType != "" {
		params["tgtCcy"] = string(in.QuantityType)
	}
	if in.Asset != "" {
		params["ccy"] = in.Asset
	}

	opts := make([]ccxt.CreateOrderOptions, 0, 2)
	typ := "market"
	if in.Price.Valid {
		typ = "limit"
		params["px"] = in.Price.Decimal.String()
		opts = append(opts, ccxt.WithCreateOrderPrice(in.Price.Decimal.InexactFloat64()))
	}
	opts = append(opts, ccxt.WithCreateOrderParams(params))

	o, err := t.api.CreateOrder(in.Symbol, typ, string(in.Side), in.Quantity.InexactFloat64(), opts...)
	if err != nil {
		return "", err
	}
	return orderID(o, "ordId"), nil
}

func (t *OKXTransport) amend(in order.Intent) (string, error) {
	params := map[string]interface{}{}
	if in.ClientOrderID != "" {
		params["clOrdId"] = in.ClientOrderID
	}
	if in.RequestID != "" {
		params["reqId"] = in.RequestID
	}
	if in.CancelOnFail {
		params["cxlOnFail"] = true
	}

	opts := make([]ccxt.EditOrderOptions, 0, 3)
	if in.NewQuantity.Valid {
		params["newSz"] = in.NewQuantity.Decimal.String()
		opts = append(opts, ccxt.WithEditOrderAmount(in.NewQuantity.Decimal.InexactFloat64()))
	}
	if in.NewPrice.Valid {
		params["newPx"] = in.NewPrice.Decimal.String()
		opts = append(opts, ccxt.WithEditOrderPrice(in.NewPrice.Decimal.InexactFloat64()))
	}
	opts = append(opts, ccxt.WithEditOrderParams(params))

	// okx 改单不使用 type 与 side。
	o, err := t.api.EditOrder(in.OrderID, in.Symbol, "limit", "buy", opts...)
	if err != nil {
		return "", err
	}
	return orderID(o, "ordId"), nil
}

func (t *OKXTransport) cancel(in order.Intent) (string, error) {
	params := map[string]interface{}{}
	if in.ClientOrderID != "" {
		params["clOrdId"] = in.ClientOrderID
	}
	o, err := t.api.CancelOrder(in.OrderID,
		ccxt.WithCancelOrderSymbol(in.Symbol),
		ccxt.WithCancelOrderParams(params),
	)
	if err != nil {
		return "", err
	}
	return orderID(o, "ordId"), nil
}

func (t *OKXTransport) closePosition(in order.Intent) (string, error) {
	params := map[string]interface{}{
		"mgnMode": string(in.MarginMode),
	}
	if in.Asset != "" {
		params["ccy"] = in.Asset
	}
	opts := []ccxt.ClosePositionOptions{ccxt.WithClosePositionParams(params)}
	if in.PositionSide != "" && in.PositionSide != order.PositionSideNet {
		opts = append(opts, ccxt.WithClosePositionSide(string(in.PositionSide)))
	}

	o, err := t.api.ClosePosition(in.Symbol, opts...)
	if err != nil {
		return "", err
	}
	return orderID(o, "ordId"), nil
}

func (t *OKXTransport) placeAlgo(in order.Intent) (string, error) {
	algo := in.Algo
	if algo.Type.Advanced() {
		return "", unsupported("algo type " + string(algo.Type))
	}

	params := map[string]interface{}{
		"tdMode":      string(in.TradeMode),
		"sz":          in.Quantity.String(),
		"algoClOrdId": in.ClientOrderID,
	}
	if in.PositionSide != "" {
		params["posSide"] = string(in.PositionSide)
	}
	if in.ReduceOnly {
		params["reduceOnly"] = true
	}
	if in.QuantityType != "" {
		params["tgtCcy"] = string(in.QuantityType)
	}

	typ := "market"
	var price decimal.NullDecimal
	switch algo.Type {
	case order.AlgoTypeTrigger:
		params["triggerPrice"] = algo.TriggerPrice.Decimal.String()
		if algo.OrderPrice.Valid && !algo.OrderPrice.Decimal.Equal(decimal.NewFromInt(-1)) {
			price = algo.OrderPrice
		}
	case order.AlgoTypeConditional, order.AlgoTypeOCO:
		if algo.TakeProfitTrigger.Valid {
			params["takeProfitPrice"] = algo.TakeProfitTrigger.Decimal.String()
			params["tpOrdPx"] = ordPx(algo.TakeProfitOrder)
			if algo.TakeProfitTriggerType != "" {
				params["tpTriggerPxType"] = string(algo.TakeProfitTriggerType)
			}
		}
		if algo.StopLossTrigger.Valid {
			params["stopLossPrice"] = algo.StopLossTrigger.Decimal.String()
			params["slOrdPx"] = ordPx(algo.StopLossOrder)
			if algo.StopLossTriggerType != "" {
				params["slTriggerPxType"] = string(algo.StopLossTriggerType)
			}
		}
	case order.AlgoTypeMoveOrderStop:
		params["ordType"] = string(order.AlgoTypeMoveOrderStop)
		if algo.CallbackRatio.Valid {
			params["callbackRatio"] = algo.CallbackRatio.Decimal.String()
		}
		if algo.CallbackSpread.Valid {
			params["callbackSpread"] = algo.CallbackSpread.Decimal.String()
		}
		if algo.ActivePrice.Valid {
			params["activePx"] = algo.ActivePrice.Decimal.String()
		}
	}

	opts := make([]ccxt.CreateOrderOptions, 0, 2)
	if price.Valid {
		typ = "limit"
		opts = append(opts, ccxt.WithCreateOrderPrice(price.Decimal.InexactFloat64()))
	}
	opts = append(opts, ccxt.WithCreateOrderParams(params))

	o, err := t.api.CreateOrder(in.Symbol, typ, string(in.Side), in.Quantity.InexactFloat64(), opts...)
	if err != nil {
		return "", err
	}
	return orderID(o, "algoId"), nil
}

func (t *OKXTransport) cancelAlgo(kind order.Kind, in order.Intent) (string, error) {
	params := map[string]interface{}{"trigger": true}
	if kind == order.KindCancelAdvanceAlgo {
		params["advanced"] = true
	}
	o, err := t.api.CancelOrder(in.AlgoID,
		ccxt.WithCancelOrderSymbol(in.Symbol),
		ccxt.WithCancelOrderParams(params),
	)
	if err != nil {
		return "", err
	}
	return orderID(o, "algoId"), nil
}

func (t *OKXTransport) ensureMarketsLoaded(ctx context.Context) error {
	t.marketsMu.Lock()
	defer t.marketsMu.Unlock()

	if t.marketsLoaded || t.loadMarkets == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &order.TransportError{Op: "load_markets", Temporary: true, Err: err}
	}
	if err := t.loadMarkets(); err != nil {
		normalized, retry := classifyError(err)
		return &order.TransportError{Op: "load_markets", Temporary: retry, Err: normalized}
	}

	t.marketsLoaded = true
	t.logger.Info("已完成市场元数据加载")
	return nil
}

// echo 下单、策略下单与改单会回显关联ID。
func echo(kind order.Kind, req order.Request) string {
	switch kind {
	case order.KindPlace, order.KindPlaceAlgo, order.KindAmend:
		return req.CorrelationID
	default:
		return ""
	}
}

func ordPx(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-1"
	}
	return v.Decimal.String()
}

func orderID(o ccxt.Order, key string) string {
	if id := infoString(o.Info, key); id != "" {
		return id
	}
	if o.Id != nil {
		return *o.Id
	}
	return ""
}

func unsupported(what string) error {
	return &unsupportedError{what: what}
}

type unsupportedError struct {
	what string
}

func (e *unsupportedError) Error() string {
	return "exchange: unsupported " + strings.TrimSpace(e.what)
}
