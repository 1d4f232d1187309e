package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind 区分交易意图类型。
type Kind string

const (
	KindPlace             Kind = "place"
	KindAmend             Kind = "amend"
	KindCancel            Kind = "cancel"
	KindClosePosition     Kind = "close_position"
	KindPlaceAlgo         Kind = "place_algo"
	KindCancelAlgo        Kind = "cancel_algo"
	KindCancelAdvanceAlgo Kind = "cancel_advance_algo"
)

// 交易所单次批量请求上限。
const (
	MaxBatchOrders     = 20
	MaxBatchAlgoCancel = 10
)

// Ceiling 返回该类型单次请求允许的最大条目数，0 表示未知类型。
func (k Kind) Ceiling() int {
	switch k {
	case KindPlace, KindAmend, KindCancel:
		return MaxBatchOrders
	case KindCancelAlgo, KindCancelAdvanceAlgo:
		return MaxBatchAlgoCancel
	case KindClosePosition, KindPlaceAlgo:
		return 1
	default:
		return 0
	}
}

// Class 返回限频分类，单笔与批量接口的额度在交易所侧是分开计算的。
func (k Kind) Class(size int) string {
	switch k {
	case KindPlace:
		if size > 1 {
			return ClassBatchPlace
		}
		return ClassPlace
	case KindAmend:
		if size > 1 {
			return ClassBatchAmend
		}
		return ClassAmend
	case KindCancel:
		if size > 1 {
			return ClassBatchCancel
		}
		return ClassCancel
	case KindClosePosition:
		return ClassClosePosition
	case KindPlaceAlgo:
		return ClassPlaceAlgo
	case KindCancelAlgo:
		return ClassCancelAlgo
	case KindCancelAdvanceAlgo:
		return ClassCancelAdvanceAlgo
	default:
		return string(k)
	}
}

// 限频分类名称，与配置 ratelimit.classes 的键一致。
const (
	ClassPlace             = "place"
	ClassBatchPlace        = "batch_place"
	ClassAmend             = "amend"
	ClassBatchAmend        = "batch_amend"
	ClassCancel            = "cancel"
	ClassBatchCancel       = "batch_cancel"
	ClassClosePosition     = "close_position"
	ClassPlaceAlgo         = "place_algo"
	ClassCancelAlgo        = "cancel_algo"
	ClassCancelAdvanceAlgo = "cancel_advance_algo"
	ClassOrderDetails      = "order_details"
	ClassOrders            = "orders_pending"
	ClassOrderHistory      = "orders_history"
	ClassOrderArchive      = "orders_archive"
	ClassFills             = "fills"
	ClassFillsArchive      = "fills_archive"
	ClassAlgoList          = "algo_pending"
	ClassAlgoHistory       = "algo_history"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeMode 对应交易所 tdMode。
type TradeMode string

const (
	TradeModeCash         TradeMode = "cash"
	TradeModeCross        TradeMode = "cross"
	TradeModeIsolated     TradeMode = "isolated"
	TradeModeSpotIsolated TradeMode = "spot_isolated"
)

// MarginMode 用于平仓接口。
type MarginMode string

const (
	MarginModeCross    MarginMode = "cross"
	MarginModeIsolated MarginMode = "isolated"
)

// PositionSide 对应 posSide，单向持仓模式下为 net。
type PositionSide string

const (
	PositionSideNet   PositionSide = "net"
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// OrderType 对应 ordType。
type OrderType string

const (
	OrderTypeMarket          OrderType = "market"
	OrderTypeLimit           OrderType = "limit"
	OrderTypePostOnly        OrderType = "post_only"
	OrderTypeFOK             OrderType = "fok"
	OrderTypeIOC             OrderType = "ioc"
	OrderTypeOptimalLimitIOC OrderType = "optimal_limit_ioc"
)

// NeedsPrice 判断该类型是否必须携带价格。
func (t OrderType) NeedsPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypePostOnly, OrderTypeFOK, OrderTypeIOC:
		return true
	default:
		return false
	}
}

// QuantityType 对应 tgtCcy，仅币币市价单有效。
type QuantityType string

const (
	QuantityTypeBase  QuantityType = "base_ccy"
	QuantityTypeQuote QuantityType = "quote_ccy"
)

// AlgoType 对应策略委托 ordType。
type AlgoType string

const (
	AlgoTypeConditional   AlgoType = "conditional"
	AlgoTypeOCO           AlgoType = "oco"
	AlgoTypeTrigger       AlgoType = "trigger"
	AlgoTypeMoveOrderStop AlgoType = "move_order_stop"
	AlgoTypeIceberg       AlgoType = "iceberg"
	AlgoTypeTWAP          AlgoType = "twap"
)

// Advanced 冰山与时间加权委托走单独的撤单接口。
func (t AlgoType) Advanced() bool {
	return t == AlgoTypeIceberg || t == AlgoTypeTWAP
}

// TriggerPriceType 对应 tpTriggerPxType / slTriggerPxType。
type TriggerPriceType string

const (
	TriggerPriceLast  TriggerPriceType = "last"
	TriggerPriceIndex TriggerPriceType = "index"
	TriggerPriceMark  TriggerPriceType = "mark"
)

// InstrumentType 对应 instType。
type InstrumentType string

const (
	InstrumentSpot    InstrumentType = "SPOT"
	InstrumentMargin  InstrumentType = "MARGIN"
	InstrumentSwap    InstrumentType = "SWAP"
	InstrumentFutures InstrumentType = "FUTURES"
	InstrumentOption  InstrumentType = "OPTION"
)

// OrderState 对应订单 state。
type OrderState string

const (
	OrderStateLive            OrderState = "live"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCanceled        OrderState = "canceled"
)

// AlgoState 对应策略委托 state。
type AlgoState string

const (
	AlgoStateLive      AlgoState = "live"
	AlgoStatePause     AlgoState = "pause"
	AlgoStateEffective AlgoState = "effective"
	AlgoStateCanceled  AlgoState = "canceled"
	AlgoStateFailed    AlgoState = "order_failed"
)

// AlgoParams 汇总策略委托特有参数。
type AlgoParams struct {
	Type AlgoType

	TakeProfitTriggerType TriggerPriceType
	TakeProfitTrigger     decimal.NullDecimal
	TakeProfitOrder       decimal.NullDecimal
	StopLossTriggerType   TriggerPriceType
	StopLossTrigger       decimal.NullDecimal
	StopLossOrder         decimal.NullDecimal

	TriggerPrice decimal.NullDecimal
	// OrderPrice 为 -1 时按市价执行。
	OrderPrice decimal.NullDecimal

	CallbackRatio  decimal.NullDecimal
	CallbackSpread decimal.NullDecimal
	ActivePrice    decimal.NullDecimal

	PriceRatio   decimal.NullDecimal
	PriceSpread  decimal.NullDecimal
	SizeLimit    decimal.NullDecimal
	PriceLimit   decimal.NullDecimal
	TimeInterval time.Duration
}

// Intent 是调用方的一次交易意图，按 Kind 解释其余字段。
type Intent struct {
	Kind Kind

	Symbol       string
	TradeMode    TradeMode
	MarginMode   MarginMode
	Side         Side
	PositionSide PositionSide
	OrderType    OrderType
	Quantity     decimal.Decimal
	Price        decimal.NullDecimal
	Asset        string
	ReduceOnly   bool
	QuantityType QuantityType

	OrderID       string
	ClientOrderID string
	RequestID     string
	CancelOnFail  bool
	NewQuantity   decimal.NullDecimal
	NewPrice      decimal.NullDecimal

	Algo   AlgoParams
	AlgoID string
}

// CorrelationID 返回调用方自带的关联ID。
// 下单与策略下单使用 clOrdId，改单使用 reqId，其余类型没有可透传的字段。
func (i Intent) CorrelationID() string {
	switch i.Kind {
	case KindPlace, KindPlaceAlgo:
		return i.ClientOrderID
	case KindAmend:
		return i.RequestID
	default:
		return ""
	}
}

// Request 为校验通过的规范化请求。
type Request struct {
	Intent        Intent
	CorrelationID string
}

// Kind 返回请求类型。
func (r Request) Kind() Kind {
	return r.Intent.Kind
}

// WithCorrelationID 写入关联ID，并同步到需要发往交易所的字段。
func (r Request) WithCorrelationID(id string) Request {
	r.CorrelationID = id
	switch r.Intent.Kind {
	case KindPlace, KindPlaceAlgo:
		r.Intent.ClientOrderID = id
	case KindAmend:
		r.Intent.RequestID = id
	}
	return r
}

// Batch 为同一类型的有序请求集合。
type Batch struct {
	Kind     Kind
	Requests []Request
}

// Size 返回条目数。
func (b Batch) Size() int {
	return len(b.Requests)
}

// Status 表示单条结果状态。
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRejected Status = "rejected"
	StatusPending  Status = "pending"
)

// Result 为单条意图的执行结果。
type Result struct {
	Status        Status    `json:"status"`
	OrderID       string    `json:"order_id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Code          string    `json:"code,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Terminal 判断结果是否已确定。
func (r Result) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusRejected
}

// Err 将交易所拒单转换为错误，其余状态返回 nil。
func (r Result) Err() error {
	if r.Status != StatusRejected {
		return nil
	}
	return &RejectionError{CorrelationID: r.CorrelationID, Code: r.Code, Message: r.Message}
}

// RawEntry 为传输层返回的单条原始结果，Code 为空或 "0" 表示成功。
type RawEntry struct {
	CorrelationID string
	OrderID       string
	Code          string
	Message       string
}

// Accepted 判断该条是否被交易所接受。
func (e RawEntry) Accepted() bool {
	return e.Code == "" || e.Code == "0"
}

// RawResponse 为一次批量发送的原始响应。
type RawResponse struct {
	Entries []RawEntry
}
