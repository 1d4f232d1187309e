package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimitExceeded 表示在最大等待时间内无法获得额度。
var ErrRateLimitExceeded = errors.New("ratelimit: admission wait exceeds max wait")

// AccountClass 为账户级总额度的分类名。
const AccountClass = "account"

// State 表示某个分类当前窗口的额度状态。
type State string

const (
	StateAvailable State = "available"
	StateDepleted  State = "depleted"
)

// Budget 描述一个分类在一个窗口内允许的请求数。
type Budget struct {
	Limit  int
	Window time.Duration
}

// Options 控制限频器行为。
type Options struct {
	Classes map[string]Budget
	Account Budget
	// Default 用于未显式配置的分类，Limit 为 0 表示不限。
	Default Budget
	MaxWait time.Duration
}

// Token 为一次准入凭证。
type Token struct {
	Class      string
	Weight     int
	AdmittedAt time.Time
	Waited     time.Duration
}

// TimeoutError 携带需要等待的时长，匹配 ErrRateLimitExceeded。
type TimeoutError struct {
	Class   string
	Wait    time.Duration
	MaxWait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ratelimit: class %s needs wait %s, max wait %s", e.Class, e.Wait, e.MaxWait)
}

// Is 使 errors.Is(err, ErrRateLimitExceeded) 成立。
func (e *TimeoutError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Limiter 按分类与账户两级额度进行准入控制。
// 每次准入按调用顺序预约一个确定的窗口，先到先得，不会被后来者插队。
type Limiter struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	budgets map[string]*bucket
	account *bucket

	// reserveMu 保证多个额度的预约整体有序。
	reserveMu sync.Mutex
}

// New 创建限频器。
func New(opts Options, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		budgets: make(map[string]*bucket),
	}
	if opts.Account.Limit > 0 && opts.Account.Window > 0 {
		l.account = newBucket(AccountClass, opts.Account)
	}
	return l
}

// Admit 申请一个单位额度。
func (l *Limiter) Admit(ctx context.Context, class string) (Token, error) {
	return l.AdmitN(ctx, class, 1)
}

// AdmitN 申请 weight 个单位额度，阻塞直到预约的窗口到来。
// 超过 MaxWait 时立即返回 ErrRateLimitExceeded，且不占用额度。
func (l *Limiter) AdmitN(ctx context.Context, class string, weight int) (Token, error) {
	if weight <= 0 {
		weight = 1
	}
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	start := l.now()
	reservations, ready, err := l.reserve(class, start, weight)
	if err != nil {
		return Token{}, err
	}

	if wait := ready.Sub(start); wait > 0 {
		l.logger.Debug("限频排队等待",
			zap.String("class", class),
			zap.Int("weight", weight),
			zap.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.reserveMu.Lock()
			release(reservations)
			l.reserveMu.Unlock()
			return Token{}, ctx.Err()
		case <-timer.C:
		}
	}

	admitted := l.now()
	return Token{
		Class:      class,
		Weight:     weight,
		AdmittedAt: admitted,
		Waited:     admitted.Sub(start),
	}, nil
}

// reserve 在所有额度都可用的同一时刻完成预约。
// 某个额度需要等待时，其余额度按推迟后的时刻重新预约，避免计入已经过去的窗口。
func (l *Limiter) reserve(class string, start time.Time, weight int) ([]reservation, time.Time, error) {
	buckets := l.bucketsFor(class)

	l.reserveMu.Lock()
	defer l.reserveMu.Unlock()

	at := start
	for {
		reservations := make([]reservation, 0, len(buckets))
		ready := at
		for _, b := range buckets {
			r, err := b.reserve(start, at, weight, l.opts.MaxWait)
			if err != nil {
				release(reservations)
				l.logger.Warn("限频等待超出上限",
					zap.String("class", class),
					zap.String("budget", b.class),
					zap.Error(err),
				)
				return nil, time.Time{}, err
			}
			reservations = append(reservations, r)
			if r.readyAt.After(ready) {
				ready = r.readyAt
			}
		}
		if !ready.After(at) {
			return reservations, ready, nil
		}
		release(reservations)
		at = ready
	}
}

func release(reservations []reservation) {
	for _, r := range reservations {
		r.bucket.cancel(r)
	}
}

// State 返回分类当前窗口的额度状态。
func (l *Limiter) State(class string) State {
	now := l.now()
	for _, b := range l.bucketsFor(class) {
		if b.state(now) == StateDepleted {
			return StateDepleted
		}
	}
	return StateAvailable
}

func (l *Limiter) bucketsFor(class string) []*bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[class]
	if !ok {
		budget, configured := l.opts.Classes[class]
		if !configured {
			budget = l.opts.Default
		}
		if budget.Limit > 0 && budget.Window > 0 {
			b = newBucket(class, budget)
		}
		l.budgets[class] = b
	}

	out := make([]*bucket, 0, 2)
	if b != nil {
		out = append(out, b)
	}
	if l.account != nil {
		out = append(out, l.account)
	}
	return out
}

type reservation struct {
	bucket  *bucket
	window  time.Time
	weight  int
	readyAt time.Time
}

// bucket 为固定窗口计数器，窗口起点在首次使用时确定。
// tail 指向已有预约的最晚窗口，used 为该窗口已用额度。
type bucket struct {
	class  string
	budget Budget

	mu   sync.Mutex
	tail time.Time
	used int
}

func newBucket(class string, budget Budget) *bucket {
	return &bucket{class: class, budget: budget}
}

func (b *bucket) roll(now time.Time) {
	if b.tail.IsZero() || !now.Before(b.tail.Add(b.budget.Window)) {
		b.tail = now
		b.used = 0
	}
}

// reserve 在不早于 at 的窗口内预约额度，等待时长从 now 起算。
func (b *bucket) reserve(now, at time.Time, weight int, maxWait time.Duration) (reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if weight > b.budget.Limit {
		weight = b.budget.Limit
	}

	b.roll(at)
	window := b.tail
	used := b.used
	if used+weight > b.budget.Limit {
		window = window.Add(b.budget.Window)
		used = 0
	}

	readyAt := window
	if readyAt.Before(at) {
		readyAt = at
	}
	if wait := readyAt.Sub(now); maxWait > 0 && wait > maxWait {
		return reservation{}, &TimeoutError{Class: b.class, Wait: wait, MaxWait: maxWait}
	}

	b.tail = window
	b.used = used + weight
	return reservation{bucket: b, window: window, weight: weight, readyAt: readyAt}, nil
}

// cancel 归还尚未使用的预约，只有预约仍位于最晚窗口时才能归还。
func (b *bucket) cancel(r reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tail.Equal(r.window) && b.used >= r.weight {
		b.used -= r.weight
	}
}

func (b *bucket) state(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(now)
	if b.tail.After(now) || b.used >= b.budget.Limit {
		return StateDepleted
	}
	return StateAvailable
}
