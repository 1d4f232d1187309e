package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/store"
	"tradecore/internal/trading"
)

const (
	defaultQueueSize  = 1024
	defaultMemorySize = 1000
)

// Options 控制事件缓冲与存储方式。
type Options struct {
	// Persisted 为 false 时只在内存中保留最近的事件。
	Persisted  bool
	QueueSize  int
	MemorySize int
}

// Service 负责记录监控事件，并实现 trading.Observer。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	queue  chan Event

	mu      sync.Mutex
	memory  []Event
	memSize int
}

// NewService 初始化监控服务，持久化时创建所需表结构。
func NewService(ctx context.Context, st *store.Store, opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Persisted && st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MemorySize <= 0 {
		opts.MemorySize = defaultMemorySize
	}

	s := &Service{
		logger:  logger,
		queue:   make(chan Event, opts.QueueSize),
		memSize: opts.MemorySize,
	}

	if opts.Persisted {
		s.db = st.DB()
		if err := st.Migrate(ctx,
			`CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
		); err != nil {
			return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
		}
	}

	return s, nil
}

// Observe 将操作事件放入队列，队列已满时丢弃并告警。
func (s *Service) Observe(_ context.Context, e trading.Event) {
	event := Event{
		Type:      EventOperation,
		Timestamp: e.At,
		Payload:   OperationPayload{Event: e},
	}
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("监控队列已满，丢弃事件",
			zap.String("operation", e.Operation),
		)
	}
}

// Run 持续写入队列中的事件，ctx 结束后写完剩余事件再返回。
func (s *Service) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case event := <-s.queue:
			if err := s.Record(writeCtx, event); err != nil {
				s.logger.Warn("记录操作事件失败", zap.Error(err))
			}
		}
	}
}

func (s *Service) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-s.queue:
			if err := s.Record(ctx, event); err != nil {
				s.logger.Warn("记录操作事件失败", zap.Error(err))
			}
		default:
			return
		}
	}
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if s.db == nil {
		s.mu.Lock()
		s.memory = append(s.memory, event)
		if over := len(s.memory) - s.memSize; over > 0 {
			s.memory = append([]Event(nil), s.memory[over:]...)
		}
		s.mu.Unlock()
		return nil
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordReconcile 记录对账结果。
func (s *Service) RecordReconcile(ctx context.Context, report trading.ReconcileReport, err error) {
	payload := ReconcilePayload{Report: report}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventReconcile,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录对账事件失败", zap.Error(recErr))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件，按时间倒序。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	if s.db == nil {
		return s.listMemory(eventType, limit), nil
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

func (s *Service) listMemory(eventType EventType, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, 0, limit)
	for i := len(s.memory) - 1; i >= 0 && len(events) < limit; i-- {
		if eventType != "" && s.memory[i].Type != eventType {
			continue
		}
		events = append(events, s.memory[i])
	}
	return events
}
