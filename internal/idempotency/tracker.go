package idempotency

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradecore/internal/order"
)

var (
	// ErrNotFound 表示没有该关联ID的记录。
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrPending 表示记录结果尚未确定，不允许移除。
	ErrPending = errors.New("idempotency: record still pending")
)

// State 表示记录是否已有确定结果。
type State string

const (
	StatePending  State = "pending"
	StateTerminal State = "terminal"
)

// Record 保存一个关联ID最近一次已知结果，Request 用于对账时重新提交。
type Record struct {
	CorrelationID string        `json:"correlation_id"`
	Kind          order.Kind    `json:"kind"`
	Symbol        string        `json:"symbol"`
	State         State         `json:"state"`
	Result        order.Result  `json:"result"`
	Attempts      int           `json:"attempts"`
	Request       order.Request `json:"request"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Journal 为可选的持久化后端。
type Journal interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, ids []string) error
	Load(ctx context.Context, since time.Time) ([]Record, error)
}

// Options 控制记录保留策略。
type Options struct {
	TTL    time.Duration
	Shards int
}

const (
	defaultTTL    = 10 * time.Minute
	defaultShards = 16
)

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// Tracker 以关联ID为键记录提交结果，防止重试导致重复下单。
type Tracker struct {
	ttl     time.Duration
	shards  []*shard
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

// New 创建幂等追踪器，journal 可以为 nil。
func New(opts Options, journal Journal, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}

	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{records: make(map[string]*Record)}
	}

	return &Tracker{
		ttl:     opts.TTL,
		shards:  shards,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// NewCorrelationID 生成32位字母数字ID，满足交易所 clOrdId 规则。
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Tag 为缺少关联ID的请求分配新ID。
func (t *Tracker) Tag(req order.Request) order.Request {
	if req.CorrelationID != "" {
		return req
	}
	return req.WithCorrelationID(NewCorrelationID())
}

// Begin 登记一次提交。记录已存在时返回原记录与 false，不做任何修改。
func (t *Tracker) Begin(ctx context.Context, req order.Request) (Record, bool) {
	id := req.CorrelationID
	s := t.shardFor(id)
	now := t.now()

	s.mu.Lock()
	if existing, ok := s.records[id]; ok {
		rec := *existing
		s.mu.Unlock()
		return rec, false
	}
	rec := &Record{
		CorrelationID: id,
		Kind:          req.Kind(),
		Symbol:        req.Intent.Symbol,
		State:         StatePending,
		Result:        order.Result{Status: order.StatusPending, CorrelationID: id, Timestamp: now},
		Request:       req,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.records[id] = rec
	snapshot := *rec
	s.mu.Unlock()

	t.persist(ctx, snapshot)
	return snapshot, true
}

// MarkAttempt 记录一次实际发送。
func (t *Tracker) MarkAttempt(id string) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Attempts++
		rec.UpdatedAt = t.now()
	}
}

// Abort 移除从未发出的未完成记录，已发送过的记录保持不变并返回 false。
func (t *Tracker) Abort(ctx context.Context, id string) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.State != StatePending || rec.Attempts > 0 {
		s.mu.Unlock()
		return false
	}
	delete(s.records, id)
	s.mu.Unlock()

	t.remove(ctx, []string{id})
	return true
}

// Complete 写入确定结果。非确定结果会被忽略。
func (t *Tracker) Complete(ctx context.Context, id string, result order.Result) {
	if !result.Terminal() {
		return
	}
	s := t.shardFor(id)
	now := t.now()
	if result.Timestamp.IsZero() {
		result.Timestamp = now
	}
	result.CorrelationID = id

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		rec = &Record{CorrelationID: id, CreatedAt: now}
		s.records[id] = rec
	}
	rec.State = StateTerminal
	rec.Result = result
	rec.UpdatedAt = now
	snapshot := *rec
	s.mu.Unlock()

	t.persist(ctx, snapshot)
}

// Recall 返回关联ID的最近结果，未完成的记录返回 Pending 状态。
func (t *Tracker) Recall(id string) (order.Result, error) {
	rec, ok := t.Lookup(id)
	if !ok {
		return order.Result{}, ErrNotFound
	}
	return rec.Result, nil
}

// Lookup 返回记录副本。
func (t *Tracker) Lookup(id string) (Record, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Acknowledge 由调用方确认已消费结果后主动移除记录。
func (t *Tracker) Acknowledge(ctx context.Context, id string) error {
	s := t.shardFor(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.State == StatePending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPending, id)
	}
	delete(s.records, id)
	s.mu.Unlock()

	t.remove(ctx, []string{id})
	return nil
}

// Sweep 清理超过保留期的确定记录，返回清理数量。未完成记录永不清理。
func (t *Tracker) Sweep(ctx context.Context) int {
	cutoff := t.now().Add(-t.ttl)
	evicted := make([]string, 0)

	for _, s := range t.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			if rec.State == StateTerminal && !rec.UpdatedAt.After(cutoff) {
				delete(s.records, id)
				evicted = append(evicted, id)
			}
		}
		s.mu.Unlock()
	}

	if len(evicted) > 0 {
		t.remove(ctx, evicted)
		t.logger.Debug("已清理过期幂等记录", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// PendingOlderThan 返回停留在未完成状态超过 age 的记录。
func (t *Tracker) PendingOlderThan(age time.Duration) []Record {
	cutoff := t.now().Add(-age)
	out := make([]Record, 0)
	for _, s := range t.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			if rec.State == StatePending && !rec.UpdatedAt.After(cutoff) {
				out = append(out, *rec)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Len 返回当前记录数。
func (t *Tracker) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.records)
		s.mu.Unlock()
	}
	return total
}

// Restore 从持久化后端恢复保留期内的记录与所有未完成记录。
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.journal == nil {
		return 0, nil
	}
	records, err := t.journal.Load(ctx, t.now().Add(-t.ttl))
	if err != nil {
		return 0, fmt.Errorf("idempotency: 恢复记录失败: %w", err)
	}
	for i := range records {
		rec := records[i]
		s := t.shardFor(rec.CorrelationID)
		s.mu.Lock()
		s.records[rec.CorrelationID] = &rec
		s.mu.Unlock()
	}
	t.logger.Info("已恢复幂等记录", zap.Int("count", len(records)))
	return len(records), nil
}

func (t *Tracker) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *Tracker) persist(ctx context.Context, rec Record) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Save(ctx, rec); err != nil {
		t.logger.Warn("写入幂等记录失败",
			zap.String("correlation_id", rec.CorrelationID),
			zap.Error(err),
		)
	}
}

func (t *Tracker) remove(ctx context.Context, ids []string) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Delete(ctx, ids); err != nil {
		t.logger.Warn("删除幂等记录失败", zap.Int("count", len(ids)), zap.Error(err))
	}
}
