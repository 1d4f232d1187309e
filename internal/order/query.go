package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transport 是核心唯一依赖的外部能力，负责签名、序列化与网络交互。
type Transport interface {
	Send(ctx context.Context, batch Batch) (RawResponse, error)
	Query(ctx context.Context, query Query) (QueryResponse, error)
}

// QueryKind 区分只读查询接口。
type QueryKind string

const (
	QueryOrderDetails  QueryKind = "order_details"
	QueryPendingOrders QueryKind = "orders_pending"
	QueryOrderHistory  QueryKind = "orders_history"
	QueryOrderArchive  QueryKind = "orders_archive"
	QueryFills         QueryKind = "fills"
	QueryFillsArchive  QueryKind = "fills_archive"
	QueryAlgoPending   QueryKind = "algo_pending"
	QueryAlgoHistory   QueryKind = "algo_history"
)

// Class 返回查询对应的限频分类。
func (k QueryKind) Class() string {
	switch k {
	case QueryOrderDetails:
		return ClassOrderDetails
	case QueryPendingOrders:
		return ClassOrders
	case QueryOrderHistory:
		return ClassOrderHistory
	case QueryOrderArchive:
		return ClassOrderArchive
	case QueryFills:
		return ClassFills
	case QueryFillsArchive:
		return ClassFillsArchive
	case QueryAlgoPending:
		return ClassAlgoList
	case QueryAlgoHistory:
		return ClassAlgoHistory
	default:
		return string(k)
	}
}

// 单页返回条数限制。
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 100
)

// Query 为一次分页查询的参数。End 为开区间上界，AfterID 用于同一时间戳下的去重。
type Query struct {
	Kind QueryKind

	InstrumentType InstrumentType
	Symbol         string
	Underlying     string
	OrderType      OrderType
	State          OrderState
	Category       string
	OrderID        string
	ClientOrderID  string

	AlgoType  AlgoType
	AlgoState AlgoState
	AlgoID    string

	Start   time.Time
	End     time.Time
	AfterID string
	Limit   int
}

// QueryResponse 按查询类型填充对应的结果集，均按时间倒序。
type QueryResponse struct {
	Orders     []OrderInfo
	Fills      []Fill
	AlgoOrders []AlgoOrderInfo

	// More 表示交易所原始返回已满一页，本地过滤后条目可能少于 Limit。
	More bool
}

// OrderInfo 为订单快照。
type OrderInfo struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	PositionSide   PositionSide    `json:"position_side,omitempty"`
	OrderType      OrderType       `json:"order_type"`
	TradeMode      TradeMode       `json:"trade_mode,omitempty"`
	State          OrderState      `json:"state"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Boundary 返回分页游标使用的时间与ID。
func (o OrderInfo) Boundary() (time.Time, string) {
	return o.CreatedAt, o.OrderID
}

// Fill 为成交明细。
type Fill struct {
	TradeID       string          `json:"trade_id"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Boundary 返回分页游标使用的时间与ID。
func (f Fill) Boundary() (time.Time, string) {
	return f.Timestamp, f.TradeID
}

// AlgoOrderInfo 为策略委托快照。
type AlgoOrderInfo struct {
	AlgoID        string              `json:"algo_id"`
	ClientOrderID string              `json:"client_order_id,omitempty"`
	Symbol        string              `json:"symbol"`
	Side          Side                `json:"side"`
	Type          AlgoType            `json:"type"`
	State         AlgoState           `json:"state"`
	Quantity      decimal.Decimal     `json:"quantity"`
	TriggerPrice  decimal.NullDecimal `json:"trigger_price"`
	OrderPrice    decimal.NullDecimal `json:"order_price"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Boundary 返回分页游标使用的时间与ID。
func (a AlgoOrderInfo) Boundary() (time.Time, string) {
	return a.CreatedAt, a.AlgoID
}
