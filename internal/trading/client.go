package trading

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tradecore/internal/batch"
	"tradecore/internal/idempotency"
	"tradecore/internal/order"
	"tradecore/internal/retry"
)

// ErrOrderNotFound 表示交易所没有匹配的订单。
var ErrOrderNotFound = errors.New("trading: order not found")

// Event 描述一次对外操作的结果，供监控记录。
type Event struct {
	Operation string        `json:"operation"`
	Kind      string        `json:"kind,omitempty"`
	Count     int           `json:"count"`
	Succeeded int           `json:"succeeded"`
	Rejected  int           `json:"rejected"`
	Pending   int           `json:"pending"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	At        time.Time     `json:"at"`
}

// Observer 接收操作事件，实现方不得阻塞。
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// Options 控制发送超时与重试。
type Options struct {
	SendTimeout time.Duration
	Retry       retry.Policy
}

// Client 为交易核心对外入口，所有方法可并发调用。
type Client struct {
	transport   order.Transport
	limiter     batch.Limiter
	tracker     *idempotency.Tracker
	coordinator *batch.Coordinator
	opts        Options
	logger      *zap.Logger
	observers   []Observer

	reconcile singleflight.Group
}

// New 创建交易客户端。
func New(transport order.Transport, limiter batch.Limiter, tracker *idempotency.Tracker, opts Options, logger *zap.Logger, observers ...Observer) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := batch.New(transport, limiter, tracker, batch.Options{
		SendTimeout: opts.SendTimeout,
		Retry:       opts.Retry,
	}, logger.Named("batch"))

	return &Client{
		transport:   transport,
		limiter:     limiter,
		tracker:     tracker,
		coordinator: coordinator,
		opts:        opts,
		logger:      logger,
		observers:   observers,
	}
}

// Recall 返回关联ID最近一次已知结果。
func (c *Client) Recall(correlationID string) (order.Result, error) {
	return c.tracker.Recall(correlationID)
}

// Acknowledge 确认已消费结果并移除幂等记录。
func (c *Client) Acknowledge(ctx context.Context, correlationID string) error {
	return c.tracker.Acknowledge(ctx, correlationID)
}

// Drain 等待后台发送结束，用于停机。
func (c *Client) Drain(ctx context.Context) error {
	return c.coordinator.Drain(ctx)
}

func (c *Client) submit(ctx context.Context, operation string, kind order.Kind, intents []order.Intent) ([]order.Result, error) {
	start := time.Now()
	requests, err := order.BuildAll(kind, intents)
	var results []order.Result
	if err == nil {
		results, err = c.coordinator.Submit(ctx, requests)
	}
	c.emit(ctx, operation, string(kind), len(intents), results, err, time.Since(start))

	if err != nil {
		c.logger.Warn("交易请求失败",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.Int("count", len(intents)),
			zap.Error(err),
		)
		return results, err
	}
	c.logger.Debug("交易请求完成",
		zap.String("operation", operation),
		zap.String("kind", string(kind)),
		zap.Int("count", len(results)),
		zap.Duration("latency", time.Since(start)),
	)
	return results, nil
}

func (c *Client) submitOne(ctx context.Context, operation string, kind order.Kind, intent order.Intent) (order.Result, error) {
	if intent.Kind == "" {
		intent.Kind = kind
	}
	results, err := c.submit(ctx, operation, kind, []order.Intent{intent})
	if len(results) == 1 {
		return results[0], err
	}
	return order.Result{}, err
}

func (c *Client) emit(ctx context.Context, operation, kind string, count int, results []order.Result, err error, latency time.Duration) {
	if len(c.observers) == 0 {
		return
	}
	e := Event{
		Operation: operation,
		Kind:      kind,
		Count:     count,
		Latency:   latency,
		At:        time.Now().UTC(),
	}
	for _, res := range results {
		switch res.Status {
		case order.StatusSuccess:
			e.Succeeded++
		case order.StatusRejected:
			e.Rejected++
		default:
			e.Pending++
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	for _, o := range c.observers {
		o.Observe(ctx, e)
	}
}
