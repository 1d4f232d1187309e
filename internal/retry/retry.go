package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/config"
	"tradecore/internal/order"
)

const (
	defaultMinDelay = 500 * time.Millisecond
	defaultMaxDelay = 5 * time.Second
)

// Policy 为指数退避重试策略。
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// Retryable 判断错误是否可重试，为空时使用 order.IsRetryable。
	Retryable func(error) bool
}

// FromConfig 根据配置构造策略。
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		MinDelay:    cfg.MinDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

// Limit 返回单个请求允许的最大尝试次数。
func (p Policy) Limit() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) normalized() Policy {
	p.MaxAttempts = p.Limit()
	if p.MinDelay <= 0 {
		p.MinDelay = defaultMinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MinDelay > p.MaxDelay {
		p.MinDelay = p.MaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = order.IsRetryable
	}
	return p
}

// Do 执行 fn，失败且可重试时按退避间隔重试，最多 MaxAttempts 次。
// fn 收到的 attempt 从 1 开始。等待期间 ctx 取消时返回 ctx.Err()。
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation string, fn func(ctx context.Context, attempt int) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	p = p.normalized()
	delay := p.MinDelay

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		start := time.Now()
		err := fn(ctx, attempt)
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				logger.Info("调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return nil
		}

		if !p.Retryable(err) || attempt >= p.MaxAttempts {
			logger.Warn("调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}

		logger.Warn("调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
