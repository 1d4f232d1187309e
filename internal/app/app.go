package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/config"
	"tradecore/internal/exchange"
	"tradecore/internal/idempotency"
	"tradecore/internal/monitor"
	"tradecore/internal/order"
	"tradecore/internal/ratelimit"
	"tradecore/internal/retry"
	"tradecore/internal/store"
	"tradecore/internal/trading"
)

const drainTimeout = 30 * time.Second

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	tracker *idempotency.Tracker
	client  *trading.Client
	monitor *monitor.Service
}

// New 根据配置装配传输层、限频器、幂等记录与交易客户端。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	transport, err := newTransport(cfg.Exchange, logger.Named("exchange"))
	if err != nil {
		return nil, err
	}

	var journal idempotency.Journal
	if cfg.Idempotency.Persist && st != nil {
		j, err := idempotency.NewSQLiteJournal(ctx, st)
		if err != nil {
			return nil, err
		}
		journal = j
	}
	tracker := idempotency.New(idempotency.Options{
		TTL:    cfg.Idempotency.TTL,
		Shards: cfg.Idempotency.Shards,
	}, journal, logger.Named("idempotency"))
	if journal != nil {
		restored, err := tracker.Restore(ctx)
		if err != nil {
			return nil, fmt.Errorf("恢复幂等记录失败: %w", err)
		}
		logger.Info("已恢复幂等记录", zap.Int("count", restored))
	}

	mon, err := monitor.NewService(ctx, st, monitor.Options{Persisted: cfg.Monitor.Persisted && st != nil}, logger.Named("monitor"))
	if err != nil {
		return nil, err
	}

	client := trading.New(transport, newLimiter(cfg.RateLimit, logger.Named("ratelimit")), tracker, trading.Options{
		SendTimeout: cfg.Exchange.SendTimeout,
		Retry:       retry.FromConfig(cfg.Exchange.Retry),
	}, logger.Named("trading"), mon)

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		tracker: tracker,
		client:  client,
		monitor: mon,
	}, nil
}

// Client 返回交易客户端，供调用方下单与查询。
func (a *App) Client() *trading.Client {
	return a.client
}

// Run 驱动后台任务：清理过期幂等记录、对账未完成记录、写入监控事件。
// ctx 结束后等待在途请求落定再返回。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易核心已启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("simulation", a.cfg.Exchange.Simulation),
		zap.Bool("sandbox", a.cfg.Exchange.UseSandbox),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.monitor.Run(gctx)
	})

	if a.cfg.Monitor.Port > 0 {
		if err := startMonitorServer(gctx, a.monitor, a.client, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	g.Go(func() error {
		return a.loop(gctx, a.cfg.Idempotency.SweepInterval, a.sweep)
	})
	g.Go(func() error {
		return a.loop(gctx, a.cfg.Idempotency.ReconcileAfter, a.reconcile)
	})

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if drainErr := a.client.Drain(drainCtx); drainErr != nil {
		a.logger.Warn("等待在途请求超时", zap.Error(drainErr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	if removed := a.tracker.Sweep(ctx); removed > 0 {
		a.logger.Debug("已清理过期幂等记录", zap.Int("removed", removed))
	}
}

func (a *App) reconcile(ctx context.Context) {
	report, err := a.client.ReconcilePending(ctx, a.cfg.Idempotency.ReconcileAfter)
	if report.Checked == 0 && err == nil {
		return
	}
	if err != nil {
		a.logger.Error("对账未完成记录失败", zap.Error(err))
	}
	a.monitor.RecordReconcile(ctx, report, err)
}

func newTransport(cfg config.ExchangeConfig, logger *zap.Logger) (order.Transport, error) {
	if cfg.Simulation {
		logger.Info("使用模拟交易所")
		return exchange.NewSimulatedTransport(logger), nil
	}
	return exchange.NewOKXTransport(cfg, logger)
}

func newLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *ratelimit.Limiter {
	classes := make(map[string]ratelimit.Budget, len(cfg.Classes))
	for name, b := range cfg.Classes {
		classes[name] = ratelimit.Budget{Limit: b.Limit, Window: b.Window}
	}
	return ratelimit.New(ratelimit.Options{
		Classes: classes,
		Account: ratelimit.Budget{Limit: cfg.Account.Limit, Window: cfg.Account.Window},
		Default: ratelimit.Budget{Limit: cfg.Default.Limit, Window: cfg.Default.Window},
		MaxWait: cfg.MaxWait,
	}, logger)
}
