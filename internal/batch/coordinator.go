package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/idempotency"
	"tradecore/internal/order"
	"tradecore/internal/ratelimit"
	"tradecore/internal/retry"
)

// Limiter 为协调器所需的准入能力。
type Limiter interface {
	AdmitN(ctx context.Context, class string, weight int) (ratelimit.Token, error)
}

// Options 控制单次发送超时与整批重试。
type Options struct {
	SendTimeout time.Duration
	Retry       retry.Policy
}

// Coordinator 负责批量请求的上限校验、幂等过滤、发送与结果拆分。
type Coordinator struct {
	transport order.Transport
	limiter   Limiter
	tracker   *idempotency.Tracker
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	active   map[string]struct{}
	inflight sync.WaitGroup
}

// New 创建协调器。
func New(transport order.Transport, limiter Limiter, tracker *idempotency.Tracker, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		transport: transport,
		limiter:   limiter,
		tracker:   tracker,
		opts:      opts,
		logger:    logger,
		active:    make(map[string]struct{}),
	}
}

// Submit 提交同一类型的一组请求，按输入顺序返回等长结果。
//
// 校验失败与响应条数不符时直接返回错误，条数不符的条目记为拒绝且不再重发；
// 重试耗尽时同时返回已知结果与最后一次错误，未确定的条目为 Pending。
// 累计尝试次数已达上限的未完成记录不再发送。ctx 在发送后取消时返回 order.ErrCancelled，
// 后台发送继续执行并把结果写入幂等记录。
func (c *Coordinator) Submit(ctx context.Context, requests []order.Request) ([]order.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, order.Cancelled(err)
	}

	kind, err := checkBatch(requests)
	if err != nil {
		return nil, err
	}

	tagged, err := c.tag(kind, requests)
	if err != nil {
		return nil, err
	}

	limit := c.opts.Retry.Limit()
	used := 0
	toSend := make([]order.Request, 0, len(tagged))
	for _, req := range tagged {
		rec, created := c.tracker.Begin(ctx, req)
		if !created && rec.State == idempotency.StateTerminal {
			c.logger.Debug("命中幂等记录，跳过重复提交",
				zap.String("kind", string(kind)),
				zap.String("correlation_id", req.CorrelationID),
			)
			continue
		}
		if rec.Attempts >= limit {
			c.logger.Warn("重试次数已用尽，仅保留状态查询",
				zap.String("kind", string(kind)),
				zap.String("correlation_id", req.CorrelationID),
				zap.Int("attempts", rec.Attempts),
			)
			continue
		}
		if !c.claim(req.CorrelationID) {
			c.logger.Debug("请求仍在发送中",
				zap.String("kind", string(kind)),
				zap.String("correlation_id", req.CorrelationID),
			)
			continue
		}
		if rec.Attempts > used {
			used = rec.Attempts
		}
		toSend = append(toSend, req)
	}

	if len(toSend) == 0 {
		return c.collect(tagged), nil
	}

	if _, err := c.limiter.AdmitN(ctx, kind.Class(len(toSend)), len(toSend)); err != nil {
		c.abandon(ctx, toSend)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, order.Cancelled(ctxErr)
		}
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.abandon(ctx, toSend)
		return nil, order.Cancelled(ctxErr)
	}

	// 任一请求的累计尝试次数不超过上限。
	policy := c.opts.Retry
	policy.MaxAttempts = limit - used

	detached := context.WithoutCancel(ctx)
	done := make(chan error, 1)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.release(toSend)
		done <- c.send(detached, kind, toSend, policy)
	}()

	select {
	case <-ctx.Done():
		c.logger.Warn("调用方已取消，请求已发出，结果将在后台记录",
			zap.String("kind", string(kind)),
			zap.Int("count", len(toSend)),
		)
		return nil, order.Cancelled(ctx.Err())
	case err := <-done:
		if err == nil {
			return c.collect(tagged), nil
		}
		if errors.Is(err, order.ErrCardinalityMismatch) {
			return nil, err
		}
		return c.collect(tagged), err
	}
}

// Drain 等待后台发送全部结束。
func (c *Coordinator) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		return nil
	}
}

func checkBatch(requests []order.Request) (order.Kind, error) {
	if len(requests) == 0 {
		return "", &order.ValidationError{Index: -1, Field: "orders", Reason: "must not be empty"}
	}
	kind := requests[0].Kind()
	for i, req := range requests {
		if req.Kind() != kind {
			return "", &order.ValidationError{Kind: kind, Index: i, Field: "kind", Reason: "mixed kinds in one batch"}
		}
	}
	if ceiling := kind.Ceiling(); len(requests) > ceiling {
		return "", &order.ValidationError{
			Kind:   kind,
			Index:  -1,
			Field:  "orders",
			Reason: "exceeds batch ceiling",
			Limit:  ceiling,
			Actual: len(requests),
		}
	}
	return kind, nil
}

func (c *Coordinator) tag(kind order.Kind, requests []order.Request) ([]order.Request, error) {
	tagged := make([]order.Request, len(requests))
	seen := make(map[string]int, len(requests))
	for i, req := range requests {
		req = c.tracker.Tag(req)
		if j, dup := seen[req.CorrelationID]; dup {
			return nil, &order.ValidationError{
				Kind:   kind,
				Index:  i,
				Field:  "correlation_id",
				Reason: fmt.Sprintf("duplicates request #%d", j),
			}
		}
		seen[req.CorrelationID] = i
		tagged[i] = req
	}
	return tagged, nil
}

func (c *Coordinator) send(ctx context.Context, kind order.Kind, requests []order.Request, policy retry.Policy) error {
	return retry.Do(ctx, policy, c.logger, "submit_"+string(kind), func(ctx context.Context, attempt int) error {
		remaining := c.unresolved(requests)
		if len(remaining) == 0 {
			return nil
		}
		if attempt > 1 {
			if _, err := c.limiter.AdmitN(ctx, kind.Class(len(remaining)), len(remaining)); err != nil {
				return err
			}
		}
		for _, req := range remaining {
			c.tracker.MarkAttempt(req.CorrelationID)
		}

		resp, err := c.sendOnce(ctx, order.Batch{Kind: kind, Requests: remaining})
		if err != nil {
			var te *order.TransportError
			if errors.As(err, &te) && len(te.Partial) > 0 {
				c.recordPartial(ctx, remaining, te.Partial)
			}
			return err
		}

		results, err := Demultiplex(kind, remaining, resp)
		if err != nil {
			c.logger.Error("响应条数与请求不一致",
				zap.String("kind", string(kind)),
				zap.Int("submitted", len(remaining)),
				zap.Int("received", len(resp.Entries)),
				zap.Error(err),
			)
			c.rejectAll(ctx, remaining, err)
			return err
		}
		for i, res := range results {
			c.tracker.Complete(ctx, remaining[i].CorrelationID, res)
		}
		return nil
	})
}

func (c *Coordinator) sendOnce(ctx context.Context, b order.Batch) (order.RawResponse, error) {
	sendCtx := ctx
	if c.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, c.opts.SendTimeout)
		defer cancel()
	}

	resp, err := c.transport.Send(sendCtx, b)
	if err == nil {
		return resp, nil
	}

	// 单次发送超时视为临时错误，外层上下文未结束时可以重试。
	var te *order.TransportError
	if !errors.As(err, &te) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return order.RawResponse{}, &order.TransportError{Op: string(b.Kind), Temporary: true, Err: err}
	}
	return order.RawResponse{}, err
}

// recordPartial 记录失败前已得到答复的条目，带关联ID时按ID匹配，否则按位置匹配。
func (c *Coordinator) recordPartial(ctx context.Context, requests []order.Request, entries []order.RawEntry) {
	now := time.Now()
	index := make(map[string]struct{}, len(requests))
	for _, req := range requests {
		index[req.CorrelationID] = struct{}{}
	}
	for i, entry := range entries {
		id := entry.CorrelationID
		if id == "" {
			if i >= len(requests) {
				break
			}
			id = requests[i].CorrelationID
		}
		if _, ok := index[id]; !ok {
			continue
		}
		c.tracker.Complete(ctx, id, toResult(id, entry, now))
	}
	c.logger.Info("已记录部分成功的条目", zap.Int("count", len(entries)))
}

// rejectAll 将无法对应到响应的条目记为拒绝，协议错误不再重发。
func (c *Coordinator) rejectAll(ctx context.Context, requests []order.Request, cause error) {
	now := time.Now()
	for _, req := range requests {
		c.tracker.Complete(ctx, req.CorrelationID, order.Result{
			Status:    order.StatusRejected,
			Code:      order.CodeCardinalityMismatch,
			Message:   cause.Error(),
			Timestamp: now,
		})
	}
}

func (c *Coordinator) unresolved(requests []order.Request) []order.Request {
	out := make([]order.Request, 0, len(requests))
	for _, req := range requests {
		if rec, ok := c.tracker.Lookup(req.CorrelationID); ok && rec.State == idempotency.StateTerminal {
			continue
		}
		out = append(out, req)
	}
	return out
}

func (c *Coordinator) collect(requests []order.Request) []order.Result {
	results := make([]order.Result, len(requests))
	for i, req := range requests {
		rec, ok := c.tracker.Lookup(req.CorrelationID)
		if !ok {
			results[i] = order.Result{Status: order.StatusPending, CorrelationID: req.CorrelationID}
			continue
		}
		res := rec.Result
		res.CorrelationID = req.CorrelationID
		results[i] = res
	}
	return results
}

func (c *Coordinator) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[id]; busy {
		return false
	}
	c.active[id] = struct{}{}
	return true
}

func (c *Coordinator) release(requests []order.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range requests {
		delete(c.active, req.CorrelationID)
	}
}

func (c *Coordinator) abandon(ctx context.Context, requests []order.Request) {
	ctx = context.WithoutCancel(ctx)
	for _, req := range requests {
		c.tracker.Abort(ctx, req.CorrelationID)
	}
	c.release(requests)
}
