package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/order"
)

// 模拟交易所返回的错误码，取值与交易所文档一致。
const (
	CodeDuplicateClientID   = "51016"
	CodeMarkUnavailable     = "51006"
	CodePostOnlyCross       = "51019"
	CodePositionNotExist    = "51023"
	CodeCancelNotExist      = "51400"
	CodeCancelFinished      = "51401"
	CodeAmendNotExist       = "51503"
	CodeAmendBelowFilled    = "51510"
	CodeAlgoCancelNotExist  = "51000"
	CodeAlgoTypeUnsupported = "51280"
)

// SimulatedTransport 为内存撮合的模拟交易所，用于纸面交易与测试。
// 市价单按标记价格立即成交，限价单在价格穿越标记价格时成交，否则挂单。
type SimulatedTransport struct {
	logger  *zap.Logger
	now     func() time.Time
	latency time.Duration

	mu        sync.Mutex
	seq       int64
	marks     map[string]decimal.Decimal
	orders    map[string]*order.OrderInfo
	clientIDs map[string]string
	algos     map[string]*order.AlgoOrderInfo
	fills     []order.Fill
	positions map[string]decimal.Decimal
	failures  []error
}

// SimulatedOption 配置模拟交易所。
type SimulatedOption func(*SimulatedTransport)

// WithSimulatedClock 替换时钟。
func WithSimulatedClock(now func() time.Time) SimulatedOption {
	return func(s *SimulatedTransport) { s.now = now }
}

// WithSimulatedLatency 为每次调用增加固定延迟。
func WithSimulatedLatency(d time.Duration) SimulatedOption {
	return func(s *SimulatedTransport) { s.latency = d }
}

// NewSimulatedTransport 创建模拟交易所。
func NewSimulatedTransport(logger *zap.Logger, opts ...SimulatedOption) *SimulatedTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SimulatedTransport{
		logger:    logger,
		now:       time.Now,
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*order.OrderInfo),
		clientIDs: make(map[string]string),
		algos:     make(map[string]*order.AlgoOrderInfo),
		positions: make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMarkPrice 设置交易对的标记价格，并撮合已穿越的挂单。
func (s *SimulatedTransport) SetMarkPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	s.marks[symbol] = price
	for _, o := range s.orders {
		if o.Symbol == symbol && live(o.State) && crosses(o.Side, o.Price, price) {
			s.fill(o, price)
		}
	}
}

// FailNext 让后续调用依次返回给定错误，用于故障演练。
func (s *SimulatedTransport) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Position 返回交易对净持仓。
func (s *SimulatedTransport) Position(symbol string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[strings.ToUpper(symbol)]
}

// Send 逐条处理批量请求，单条失败不影响其他条目。
func (s *SimulatedTransport) Send(ctx context.Context, b order.Batch) (order.RawResponse, error) {
	if err := s.wait(ctx, string(b.Kind)); err != nil {
		return order.RawResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]order.RawEntry, 0, len(b.Requests))
	for _, req := range b.Requests {
		var entry order.RawEntry
		switch b.Kind {
		case order.KindPlace:
			entry = s.place(req.Intent)
		case order.KindAmend:
			entry = s.amend(req.Intent)
		case order.KindCancel:
			entry = s.cancel(req.Intent)
		case order.KindClosePosition:
			entry = s.closePosition(req.Intent)
		case order.KindPlaceAlgo:
			entry = s.placeAlgo(req.Intent)
		case order.KindCancelAlgo, order.KindCancelAdvanceAlgo:
			entry = s.cancelAlgo(b.Kind, req.Intent)
		default:
			entry = order.RawEntry{Code: CodeAlgoTypeUnsupported, Message: "unsupported operation " + string(b.Kind)}
		}
		switch b.Kind {
		case order.KindPlace, order.KindPlaceAlgo, order.KindAmend:
			entry.CorrelationID = req.CorrelationID
		}
		entries = append(entries, entry)
	}

	s.logger.Debug("模拟交易所处理请求",
		zap.String("kind", string(b.Kind)),
		zap.Int("count", len(entries)),
	)
	return order.RawResponse{Entries: entries}, nil
}

// Query 按时间倒序返回满足条件的记录。
func (s *SimulatedTransport) Query(ctx context.Context, q order.Query) (order.QueryResponse, error) {
	if err := s.wait(ctx, string(q.Kind)); err != nil {
		return order.QueryResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 || limit > order.MaxPageLimit {
		limit = order.DefaultPageLimit
	}

	var resp order.QueryResponse
	switch q.Kind {
	case order.QueryOrderDetails, order.QueryPendingOrders, order.QueryOrderHistory, order.QueryOrderArchive:
		out := make([]order.OrderInfo, 0)
		for _, o := range s.orders {
			if matchOrder(q, o) {
				out = append(out, *o)
			}
		}
		resp.Orders = page(out, q, limit)
	case order.QueryFills, order.QueryFillsArchive:
		out := make([]order.Fill, 0)
		for _, f := range s.fills {
			if matchFill(q, f) {
				out = append(out, f)
			}
		}
		resp.Fills = page(out, q, limit)
	case order.QueryAlgoPending, order.QueryAlgoHistory:
		out := make([]order.AlgoOrderInfo, 0)
		for _, a := range s.algos {
			if matchAlgo(q, a) {
				out = append(out, *a)
			}
		}
		resp.AlgoOrders = page(out, q, limit)
	default:
		return order.QueryResponse{}, &order.TransportError{Op: string(q.Kind), Err: fmt.Errorf("exchange: unsupported query %s", q.Kind)}
	}
	return resp, nil
}

func (s *SimulatedTransport) wait(ctx context.Context, op string) error {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &order.TransportError{Op: op, Temporary: true, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return &order.TransportError{Op: op, Temporary: true, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}

func (s *SimulatedTransport) nextID() string {
	s.seq++
	return fmt.Sprintf("%012d", s.seq)
}

func (s *SimulatedTransport) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *SimulatedTransport) place(in order.Intent) order.RawEntry {
	if in.ClientOrderID != "" {
		if id, ok := s.clientIDs[in.ClientOrderID]; ok && live(s.orders[id].State) {
			return order.RawEntry{Code: CodeDuplicateClientID, Message: "Duplicated clOrdId"}
		}
	}

	mark, hasMark := s.marks[in.Symbol]
	if in.OrderType == order.OrderTypeMarket && !hasMark {
		return order.RawEntry{Code: CodeMarkUnavailable, Message: "Mark price unavailable"}
	}
	if in.OrderType == order.OrderTypePostOnly && hasMark && crosses(in.Side, in.Price.Decimal, mark) {
		return order.RawEntry{Code: CodePostOnlyCross, Message: "Post only order would take liquidity"}
	}

	now := s.stamp()
	o := &order.OrderInfo{
		OrderID:       s.nextID(),
		ClientOrderID: in.ClientOrderID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		PositionSide:  in.PositionSide,
		OrderType:     in.OrderType,
		TradeMode:     in.TradeMode,
		State:         order.OrderStateLive,
		Price:         in.Price.Decimal,
		Quantity:      in.Quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[o.OrderID] = o
	if in.ClientOrderID != "" {
		s.clientIDs[in.ClientOrderID] = o.OrderID
	}

	switch {
	case in.OrderType == order.OrderTypeMarket:
		s.fill(o, mark)
	case hasMark && crosses(in.Side, o.Price, mark):
		s.fill(o, mark)
	case in.OrderType == order.OrderTypeIOC || in.OrderType == order.OrderTypeFOK:
		o.State = order.OrderStateCanceled
	}
	return order.RawEntry{OrderID: o.OrderID, Code: "0"}
}

func (s *SimulatedTransport) lookup(in order.Intent) *order.OrderInfo {
	id := in.OrderID
	if id == "" {
		id = s.clientIDs[in.ClientOrderID]
	}
	o, ok := s.orders[id]
	if !ok || o.Symbol != in.Symbol {
		return nil
	}
	return o
}

func (s *SimulatedTransport) amend(in order.Intent) order.RawEntry {
	o := s.lookup(in)
	if o == nil || !live(o.State) {
		return order.RawEntry{Code: CodeAmendNotExist, Message: "Order does not exist"}
	}
	if in.NewQuantity.Valid {
		if in.NewQuantity.Decimal.LessThanOrEqual(o.FilledQuantity) {
			if in.CancelOnFail {
				o.State = order.OrderStateCanceled
			}
			return order.RawEntry{OrderID: o.OrderID, Code: CodeAmendBelowFilled, Message: "New quantity must exceed filled quantity"}
		}
		o.Quantity = in.NewQuantity.Decimal
	}
	if in.NewPrice.Valid {
		o.Price = in.NewPrice.Decimal
	}
	o.UpdatedAt = s.stamp()
	if mark, ok := s.marks[o.Symbol]; ok && o.OrderType != order.OrderTypeMarket && crosses(o.Side, o.Price, mark) {
		s.fill(o, mark)
	}
	return order.RawEntry{OrderID: o.OrderID, Code: "0"}
}

func (s *SimulatedTransport) cancel(in order.Intent) order.RawEntry {
	o := s.lookup(in)
	if o == nil {
		return order.RawEntry{Code: CodeCancelNotExist, Message: "Order does not exist"}
	}
	if !live(o.State) {
		return order.RawEntry{OrderID: o.OrderID, Code: CodeCancelFinished, Message: "Order has been completed or canceled"}
	}
	o.State = order.OrderStateCanceled
	o.UpdatedAt = s.stamp()
	return order.RawEntry{OrderID: o.OrderID, Code: "0"}
}

func (s *SimulatedTransport) closePosition(in order.Intent) order.RawEntry {
	pos := s.positions[in.Symbol]
	if pos.IsZero() {
		return order.RawEntry{Code: CodePositionNotExist, Message: "Position does not exist"}
	}
	mark, ok := s.marks[in.Symbol]
	if !ok {
		return order.RawEntry{Code: CodeMarkUnavailable, Message: "Mark price unavailable"}
	}
	side := order.SideSell
	if pos.IsNegative() {
		side = order.SideBuy
	}
	now := s.stamp()
	o := &order.OrderInfo{
		OrderID:      s.nextID(),
		Symbol:       in.Symbol,
		Side:         side,
		PositionSide: in.PositionSide,
		OrderType:    order.OrderTypeMarket,
		TradeMode:    order.TradeMode(in.MarginMode),
		State:        order.OrderStateLive,
		Quantity:     pos.Abs(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.orders[o.OrderID] = o
	s.fill(o, mark)
	return order.RawEntry{OrderID: o.OrderID, Code: "0"}
}

func (s *SimulatedTransport) placeAlgo(in order.Intent) order.RawEntry {
	if in.ClientOrderID != "" {
		for _, a := range s.algos {
			if a.ClientOrderID == in.ClientOrderID && a.State == order.AlgoStateLive {
				return order.RawEntry{Code: CodeDuplicateClientID, Message: "Duplicated algoClOrdId"}
			}
		}
	}
	trigger := in.Algo.TriggerPrice
	if !trigger.Valid {
		switch {
		case in.Algo.StopLossTrigger.Valid:
			trigger = in.Algo.StopLossTrigger
		case in.Algo.TakeProfitTrigger.Valid:
			trigger = in.Algo.TakeProfitTrigger
		}
	}
	a := &order.AlgoOrderInfo{
		AlgoID:        s.nextID(),
		ClientOrderID: in.ClientOrderID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Algo.Type,
		State:         order.AlgoStateLive,
		Quantity:      in.Quantity,
		TriggerPrice:  trigger,
		OrderPrice:    in.Algo.OrderPrice,
		CreatedAt:     s.stamp(),
	}
	s.algos[a.AlgoID] = a
	return order.RawEntry{OrderID: a.AlgoID, Code: "0"}
}

func (s *SimulatedTransport) cancelAlgo(kind order.Kind, in order.Intent) order.RawEntry {
	a, ok := s.algos[in.AlgoID]
	if !ok || a.Symbol != in.Symbol {
		return order.RawEntry{Code: CodeAlgoCancelNotExist, Message: "Algo order does not exist"}
	}
	if a.Type.Advanced() != (kind == order.KindCancelAdvanceAlgo) {
		return order.RawEntry{OrderID: a.AlgoID, Code: CodeAlgoTypeUnsupported, Message: "Algo type does not match cancel endpoint"}
	}
	if a.State != order.AlgoStateLive && a.State != order.AlgoStatePause {
		return order.RawEntry{OrderID: a.AlgoID, Code: CodeAlgoCancelNotExist, Message: "Algo order already finished"}
	}
	a.State = order.AlgoStateCanceled
	return order.RawEntry{OrderID: a.AlgoID, Code: "0"}
}

// fill 以给定价格全部成交。
func (s *SimulatedTransport) fill(o *order.OrderInfo, price decimal.Decimal) {
	qty := o.Quantity.Sub(o.FilledQuantity)
	if !qty.IsPositive() {
		return
	}
	now := s.stamp()
	o.FilledQuantity = o.Quantity
	o.AveragePrice = price
	o.State = order.OrderStateFilled
	o.UpdatedAt = now

	s.fills = append(s.fills, order.Fill{
		TradeID:       s.nextID(),
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         price,
		Quantity:      qty,
		Fee:           qty.Mul(price).Mul(decimal.RequireFromString("0.001")).Neg(),
		FeeAsset:      quoteAsset(o.Symbol),
		Timestamp:     now,
	})

	signed := qty
	if o.Side == order.SideSell {
		signed = qty.Neg()
	}
	s.positions[o.Symbol] = s.positions[o.Symbol].Add(signed)
}

func live(state order.OrderState) bool {
	return state == order.OrderStateLive || state == order.OrderStatePartiallyFilled
}

func crosses(side order.Side, price, mark decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	if side == order.SideBuy {
		return price.GreaterThanOrEqual(mark)
	}
	return price.LessThanOrEqual(mark)
}

func quoteAsset(symbol string) string {
	parts := strings.Split(symbol, "-")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func instrumentType(symbol string) order.InstrumentType {
	switch {
	case strings.HasSuffix(symbol, "-SWAP"):
		return order.InstrumentSwap
	case strings.Count(symbol, "-") >= 3:
		return order.InstrumentOption
	case strings.Count(symbol, "-") == 2:
		return order.InstrumentFutures
	default:
		return order.InstrumentSpot
	}
}

func matchCommon(q order.Query, symbol string) bool {
	if q.Symbol != "" && !strings.EqualFold(q.Symbol, symbol) {
		return false
	}
	if q.InstrumentType != "" && instrumentType(symbol) != q.InstrumentType {
		return false
	}
	if q.Underlying != "" && !strings.HasPrefix(symbol, strings.ToUpper(q.Underlying)) {
		return false
	}
	return true
}

func matchOrder(q order.Query, o *order.OrderInfo) bool {
	if !matchCommon(q, o.Symbol) {
		return false
	}
	switch q.Kind {
	case order.QueryPendingOrders:
		if !live(o.State) {
			return false
		}
	case order.QueryOrderHistory, order.QueryOrderArchive:
		if live(o.State) {
			return false
		}
	}
	if q.OrderID != "" && o.OrderID != q.OrderID {
		return false
	}
	if q.ClientOrderID != "" && o.ClientOrderID != q.ClientOrderID {
		return false
	}
	if q.OrderType != "" && o.OrderType != q.OrderType {
		return false
	}
	if q.State != "" && o.State != q.State {
		return false
	}
	return true
}

func matchFill(q order.Query, f order.Fill) bool {
	if !matchCommon(q, f.Symbol) {
		return false
	}
	if q.OrderID != "" && f.OrderID != q.OrderID {
		return false
	}
	return true
}

func matchAlgo(q order.Query, a *order.AlgoOrderInfo) bool {
	if !matchCommon(q, a.Symbol) {
		return false
	}
	pending := a.State == order.AlgoStateLive || a.State == order.AlgoStatePause
	if (q.Kind == order.QueryAlgoPending) != pending {
		return false
	}
	if q.AlgoType != "" && a.Type != q.AlgoType {
		return false
	}
	if q.AlgoState != "" && a.State != q.AlgoState {
		return false
	}
	if q.AlgoID != "" && a.AlgoID != q.AlgoID {
		return false
	}
	if q.ClientOrderID != "" && a.ClientOrderID != q.ClientOrderID {
		return false
	}
	return true
}

type boundary interface {
	Boundary() (time.Time, string)
}

// page 按 (时间, ID) 倒序排序后截取游标之后的一页。
func page[T boundary](items []T, q order.Query, limit int) []T {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := items[i].Boundary()
		tj, idj := items[j].Boundary()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})

	out := make([]T, 0, limit)
	for _, item := range items {
		ts, id := item.Boundary()
		if !q.Start.IsZero() && ts.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() {
			if ts.After(q.End) {
				continue
			}
			if ts.Equal(q.End) && (q.AfterID == "" || id >= q.AfterID) {
				continue
			}
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}
