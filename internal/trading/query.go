package trading

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/order"
	"tradecore/internal/retry"
)

// ErrNoMorePages 表示分页已经读完。
var ErrNoMorePages = errors.New("trading: no more pages")

// Cursor 为分页位置，零值表示从最新一条开始。
// Before 为上一页最后一条的时间，LastID 为其ID，下一页只返回严格更早的记录。
type Cursor struct {
	Before time.Time `json:"before"`
	LastID string    `json:"last_id,omitempty"`
}

// IsZero 判断是否为起始位置。
func (c Cursor) IsZero() bool {
	return c.Before.IsZero() && c.LastID == ""
}

func (c Cursor) apply(q *order.Query) {
	if c.IsZero() {
		return
	}
	q.End = c.Before
	q.AfterID = c.LastID
}

// Record 为可分页记录。
type Record interface {
	Boundary() (time.Time, string)
}

// Page 为一页结果，按时间倒序。More 为 true 时可以用 Next 继续读取。
type Page[T Record] struct {
	Items []T
	Next  Cursor
	More  bool
}

// PageFunc 读取游标位置的一页。
type PageFunc[T Record] func(ctx context.Context, q order.Query, cur Cursor) (Page[T], error)

// Pager 惰性逐页读取，失败后再次调用 Next 会从同一位置重试。
type Pager[T Record] struct {
	fetch  PageFunc[T]
	query  order.Query
	cursor Cursor
	done   bool
}

// NewPager 从 start 开始逐页读取。
func NewPager[T Record](fetch PageFunc[T], q order.Query, start Cursor) *Pager[T] {
	return &Pager[T]{fetch: fetch, query: q, cursor: start}
}

// Next 返回下一页，读完后返回 ErrNoMorePages。
func (p *Pager[T]) Next(ctx context.Context) ([]T, error) {
	if p.done {
		return nil, ErrNoMorePages
	}
	page, err := p.fetch(ctx, p.query, p.cursor)
	if err != nil {
		return nil, err
	}
	if page.More {
		p.cursor = page.Next
	} else {
		p.done = true
	}
	return page.Items, nil
}

// Cursor 返回下一次读取的位置，可保存后通过 NewPager 恢复。
func (p *Pager[T]) Cursor() Cursor {
	return p.cursor
}

// Done 判断是否已读完。
func (p *Pager[T]) Done() bool {
	return p.done
}

// GetOrderDetails 按订单ID或客户自定义ID查询单个订单。
func (c *Client) GetOrderDetails(ctx context.Context, symbol, orderID, clientOrderID string) (order.OrderInfo, error) {
	if symbol == "" || (orderID == "" && clientOrderID == "") {
		return order.OrderInfo{}, &order.ValidationError{Index: -1, Field: "order_id", Reason: "symbol and order_id or client_order_id are required"}
	}
	resp, err := c.query(ctx, "get_order_details", order.Query{
		Kind:          order.QueryOrderDetails,
		Symbol:        symbol,
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return order.OrderInfo{}, err
	}
	if len(resp.Orders) == 0 {
		return order.OrderInfo{}, ErrOrderNotFound
	}
	return resp.Orders[0], nil
}

// GetOrders 查询未完成订单。
func (c *Client) GetOrders(ctx context.Context, q order.Query, cur Cursor) (Page[order.OrderInfo], error) {
	q.Kind = order.QueryPendingOrders
	return fetchPage(ctx, c, "get_orders", q, cur, pickOrders)
}

// GetOrderHistory 查询近7天已完成订单。
func (c *Client) GetOrderHistory(ctx context.Context, q order.Query, cur Cursor) (Page[order.OrderInfo], error) {
	q.Kind = order.QueryOrderHistory
	return fetchPage(ctx, c, "get_order_history", q, cur, pickOrders)
}

// GetOrderArchive 查询近3个月已完成订单。
func (c *Client) GetOrderArchive(ctx context.Context, q order.Query, cur Cursor) (Page[order.OrderInfo], error) {
	q.Kind = order.QueryOrderArchive
	return fetchPage(ctx, c, "get_order_archive", q, cur, pickOrders)
}

// GetUserTrades 查询近3天成交明细。
func (c *Client) GetUserTrades(ctx context.Context, q order.Query, cur Cursor) (Page[order.Fill], error) {
	q.Kind = order.QueryFills
	return fetchPage(ctx, c, "get_user_trades", q, cur, pickFills)
}

// GetUserTradesArchive 查询近3个月成交明细。
func (c *Client) GetUserTradesArchive(ctx context.Context, q order.Query, cur Cursor) (Page[order.Fill], error) {
	q.Kind = order.QueryFillsArchive
	return fetchPage(ctx, c, "get_user_trades_archive", q, cur, pickFills)
}

// GetAlgoOrderList 查询未触发的策略委托。
func (c *Client) GetAlgoOrderList(ctx context.Context, q order.Query, cur Cursor) (Page[order.AlgoOrderInfo], error) {
	q.Kind = order.QueryAlgoPending
	return fetchPage(ctx, c, "get_algo_order_list", q, cur, pickAlgoOrders)
}

// GetAlgoOrderHistory 查询已结束的策略委托。
func (c *Client) GetAlgoOrderHistory(ctx context.Context, q order.Query, cur Cursor) (Page[order.AlgoOrderInfo], error) {
	q.Kind = order.QueryAlgoHistory
	return fetchPage(ctx, c, "get_algo_order_history", q, cur, pickAlgoOrders)
}

func pickOrders(resp order.QueryResponse) []order.OrderInfo         { return resp.Orders }
func pickFills(resp order.QueryResponse) []order.Fill               { return resp.Fills }
func pickAlgoOrders(resp order.QueryResponse) []order.AlgoOrderInfo { return resp.AlgoOrders }

func fetchPage[T Record](ctx context.Context, c *Client, operation string, q order.Query, cur Cursor, pick func(order.QueryResponse) []T) (Page[T], error) {
	q.Limit = clampLimit(q.Limit)
	cur.apply(&q)

	resp, err := c.query(ctx, operation, q)
	if err != nil {
		return Page[T]{}, err
	}

	items := pick(resp)
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	page := Page[T]{Items: items}
	// 交易所原始返回已满一页时，即使本地过滤后不足 Limit 也继续翻页。
	if len(items) > 0 && (len(items) == q.Limit || resp.More) {
		ts, id := items[len(items)-1].Boundary()
		page.Next = Cursor{Before: ts, LastID: id}
		page.More = true
	}
	return page, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return order.DefaultPageLimit
	}
	if limit > order.MaxPageLimit {
		return order.MaxPageLimit
	}
	return limit
}

// query 只读请求不经过批量协调与幂等记录，但仍受限频并重试临时错误。
func (c *Client) query(ctx context.Context, operation string, q order.Query) (order.QueryResponse, error) {
	start := time.Now()
	var resp order.QueryResponse
	err := retry.Do(ctx, c.opts.Retry, c.logger, operation, func(ctx context.Context, attempt int) error {
		if _, err := c.limiter.AdmitN(ctx, q.Kind.Class(), 1); err != nil {
			return err
		}
		callCtx := ctx
		if c.opts.SendTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.opts.SendTimeout)
			defer cancel()
		}
		out, err := c.transport.Query(callCtx, q)
		if err != nil {
			// 单次调用超时视为临时错误，外层上下文未结束时可以重试。
			var te *order.TransportError
			if !errors.As(err, &te) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &order.TransportError{Op: string(q.Kind), Temporary: true, Err: err}
			}
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = order.Cancelled(ctxErr)
		}
		c.emit(ctx, operation, string(q.Kind), 0, nil, err, time.Since(start))
		return order.QueryResponse{}, err
	}

	c.logger.Debug("查询完成",
		zap.String("operation", operation),
		zap.String("class", q.Kind.Class()),
		zap.Duration("latency", time.Since(start)),
	)
	return resp, nil
}
