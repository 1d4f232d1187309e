package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/idempotency"
	"tradecore/internal/order"
)

// Snapshot 为某交易对的当前委托、策略委托与近期成交。
type Snapshot struct {
	Symbol     string                `json:"symbol"`
	Orders     []order.OrderInfo     `json:"orders"`
	AlgoOrders []order.AlgoOrderInfo `json:"algo_orders"`
	Fills      []order.Fill          `json:"fills"`
	At         time.Time             `json:"at"`
}

// GetOrderSnapshot 并发读取未完成订单、策略委托与最近一页成交。algoType 为空时跳过策略委托。
func (c *Client) GetOrderSnapshot(ctx context.Context, symbol string, algoType order.AlgoType) (Snapshot, error) {
	snap := Snapshot{Symbol: symbol}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		page, err := c.GetOrders(gctx, order.Query{Symbol: symbol}, Cursor{})
		if err != nil {
			return fmt.Errorf("trading: 查询未完成订单失败: %w", err)
		}
		snap.Orders = page.Items
		return nil
	})
	if algoType != "" {
		g.Go(func() error {
			page, err := c.GetAlgoOrderList(gctx, order.Query{Symbol: symbol, AlgoType: algoType}, Cursor{})
			if err != nil {
				return fmt.Errorf("trading: 查询策略委托失败: %w", err)
			}
			snap.AlgoOrders = page.Items
			return nil
		})
	}
	g.Go(func() error {
		page, err := c.GetUserTrades(gctx, order.Query{Symbol: symbol}, Cursor{})
		if err != nil {
			return fmt.Errorf("trading: 查询成交失败: %w", err)
		}
		snap.Fills = page.Items
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.At = time.Now().UTC()
	return snap, nil
}

// ReconcileReport 汇总一次对账。
type ReconcileReport struct {
	Checked     int `json:"checked"`
	Resolved    int `json:"resolved"`
	Resubmitted int `json:"resubmitted"`
	Unresolved  int `json:"unresolved"`
}

type outcome int

const (
	outcomeUnresolved outcome = iota
	outcomeResolved
	outcomeResubmitted
)

// ReconcilePending 处理停留在未完成状态超过 age 的记录。
// 下单与策略下单先按关联ID查询交易所，查到即记为成功；查不到或其他类型则用原关联ID重新提交，
// 累计尝试次数达到重试上限后只查询不再提交。
// 同一关联ID的并发对账只执行一次。
func (c *Client) ReconcilePending(ctx context.Context, age time.Duration) (ReconcileReport, error) {
	var report ReconcileReport
	var errs error

	for _, rec := range c.tracker.PendingOlderThan(age) {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, order.Cancelled(err))
		}
		report.Checked++

		v, err, _ := c.reconcile.Do(rec.CorrelationID, func() (interface{}, error) {
			return c.reconcileOne(ctx, rec)
		})
		if err != nil {
			report.Unresolved++
			errs = multierr.Append(errs, fmt.Errorf("trading: 对账 %s 失败: %w", rec.CorrelationID, err))
			continue
		}
		switch v.(outcome) {
		case outcomeResolved:
			report.Resolved++
		case outcomeResubmitted:
			report.Resubmitted++
		default:
			report.Unresolved++
		}
	}

	if report.Checked > 0 {
		c.logger.Info("未完成记录对账结束",
			zap.Int("checked", report.Checked),
			zap.Int("resolved", report.Resolved),
			zap.Int("resubmitted", report.Resubmitted),
			zap.Int("unresolved", report.Unresolved),
		)
	}
	return report, errs
}

func (c *Client) reconcileOne(ctx context.Context, rec idempotency.Record) (outcome, error) {
	if rec.Request.Kind() == "" {
		return outcomeUnresolved, errors.New("trading: 记录缺少原始请求")
	}

	switch rec.Kind {
	case order.KindPlace:
		info, err := c.GetOrderDetails(ctx, rec.Request.Intent.Symbol, "", rec.CorrelationID)
		if err == nil {
			c.tracker.Complete(ctx, rec.CorrelationID, order.Result{Status: order.StatusSuccess, OrderID: info.OrderID})
			return outcomeResolved, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return outcomeUnresolved, err
		}
	case order.KindPlaceAlgo:
		algoID, err := c.findAlgo(ctx, rec)
		if err != nil {
			return outcomeUnresolved, err
		}
		if algoID != "" {
			c.tracker.Complete(ctx, rec.CorrelationID, order.Result{Status: order.StatusSuccess, OrderID: algoID})
			return outcomeResolved, nil
		}
	}

	if rec.Attempts >= c.opts.Retry.Limit() {
		c.logger.Warn("重试次数已用尽，等待状态查询确认",
			zap.String("correlation_id", rec.CorrelationID),
			zap.Int("attempts", rec.Attempts),
		)
		return outcomeUnresolved, nil
	}

	results, err := c.coordinator.Submit(ctx, []order.Request{rec.Request})
	if err != nil {
		return outcomeUnresolved, err
	}
	if len(results) == 1 && results[0].Terminal() {
		return outcomeResubmitted, nil
	}
	return outcomeUnresolved, nil
}

func (c *Client) findAlgo(ctx context.Context, rec idempotency.Record) (string, error) {
	q := order.Query{
		Symbol:        rec.Request.Intent.Symbol,
		AlgoType:      rec.Request.Intent.Algo.Type,
		ClientOrderID: rec.CorrelationID,
	}
	for _, fetch := range []PageFunc[order.AlgoOrderInfo]{c.GetAlgoOrderList, c.GetAlgoOrderHistory} {
		page, err := fetch(ctx, q, Cursor{})
		if err != nil {
			return "", err
		}
		for _, item := range page.Items {
			if item.ClientOrderID == rec.CorrelationID {
				return item.AlgoID, nil
			}
		}
	}
	return "", nil
}
