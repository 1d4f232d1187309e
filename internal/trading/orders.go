package trading

import (
	"context"

	"tradecore/internal/order"
)

// PlaceOrder 下单。
func (c *Client) PlaceOrder(ctx context.Context, intent order.Intent) (order.Result, error) {
	return c.submitOne(ctx, "place_order", order.KindPlace, intent)
}

// PlaceMultipleOrders 批量下单，最多20笔。
func (c *Client) PlaceMultipleOrders(ctx context.Context, intents []order.Intent) ([]order.Result, error) {
	return c.submit(ctx, "place_multiple_orders", order.KindPlace, intents)
}

// AmendOrder 修改未完成订单的数量或价格。
func (c *Client) AmendOrder(ctx context.Context, intent order.Intent) (order.Result, error) {
	return c.submitOne(ctx, "amend_order", order.KindAmend, intent)
}

// AmendMultipleOrders 批量改单，最多20笔。
func (c *Client) AmendMultipleOrders(ctx context.Context, intents []order.Intent) ([]order.Result, error) {
	return c.submit(ctx, "amend_multiple_orders", order.KindAmend, intents)
}

// CancelOrder 撤销未完成订单。
func (c *Client) CancelOrder(ctx context.Context, intent order.Intent) (order.Result, error) {
	return c.submitOne(ctx, "cancel_order", order.KindCancel, intent)
}

// CancelMultipleOrders 批量撤单，最多20笔。
func (c *Client) CancelMultipleOrders(ctx context.Context, intents []order.Intent) ([]order.Result, error) {
	return c.submit(ctx, "cancel_multiple_orders", order.KindCancel, intents)
}

// ClosePosition 市价全平指定仓位。
func (c *Client) ClosePosition(ctx context.Context, intent order.Intent) (order.Result, error) {
	return c.submitOne(ctx, "close_position", order.KindClosePosition, intent)
}

// PlaceAlgoOrder 提交策略委托，每次一笔。
func (c *Client) PlaceAlgoOrder(ctx context.Context, intent order.Intent) (order.Result, error) {
	return c.submitOne(ctx, "place_algo_order", order.KindPlaceAlgo, intent)
}

// CancelAlgoOrders 撤销策略委托，最多10笔。
func (c *Client) CancelAlgoOrders(ctx context.Context, intents []order.Intent) ([]order.Result, error) {
	return c.submit(ctx, "cancel_algo_orders", order.KindCancelAlgo, intents)
}

// CancelAdvanceAlgoOrders 撤销冰山与时间加权委托，最多10笔。
func (c *Client) CancelAdvanceAlgoOrders(ctx context.Context, intents []order.Intent) ([]order.Result, error) {
	return c.submit(ctx, "cancel_advance_algo_orders", order.KindCancelAdvanceAlgo, intents)
}
