package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradecore/internal/order"
	"tradecore/internal/store"
)

// 固定宽度的时间格式，保证按字符串比较时与时间顺序一致。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournal 将幂等记录持久化到 SQLite，用于进程重启后恢复。
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal 创建持久化后端并初始化表结构。
func NewSQLiteJournal(ctx context.Context, st *store.Store) (*SQLiteJournal, error) {
	if st == nil {
		return nil, errors.New("idempotency: store 不能为空")
	}
	err := st.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			correlation_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT NOT NULL,
			request TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_updated ON idempotency_records(updated_at);`,
	)
	if err != nil {
		return nil, fmt.Errorf("idempotency: 初始化表失败: %w", err)
	}
	return &SQLiteJournal{db: st.DB()}, nil
}

// Save 插入或更新一条记录。
func (j *SQLiteJournal) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("idempotency: 序列化结果失败: %w", err)
	}
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("idempotency: 序列化请求失败: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (correlation_id, kind, symbol, state, result, request, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(correlation_id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			request = excluded.request,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		rec.CorrelationID, string(rec.Kind), rec.Symbol, string(rec.State), string(payload), string(request), rec.Attempts,
		rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("idempotency: 写入记录失败: %w", err)
	}
	return nil
}

// Delete 删除一组记录。
func (j *SQLiteJournal) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE correlation_id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("idempotency: 删除记录失败: %w", err)
	}
	return nil
}

// Load 读取 since 之后更新的记录以及全部未完成记录。
func (j *SQLiteJournal) Load(ctx context.Context, since time.Time) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT correlation_id, kind, symbol, state, result, request, attempts, created_at, updated_at
		 FROM idempotency_records WHERE state = ? OR updated_at >= ?`,
		string(StatePending), since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("idempotency: 查询记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var kind, state, res, req, created, updated string
		if scanErr := rows.Scan(&rec.CorrelationID, &kind, &rec.Symbol, &state, &res, &req, &rec.Attempts, &created, &updated); scanErr != nil {
			return nil, fmt.Errorf("idempotency: 解析记录失败: %w", scanErr)
		}
		rec.Kind = order.Kind(kind)
		rec.State = State(state)
		if jsonErr := json.Unmarshal([]byte(res), &rec.Result); jsonErr != nil {
			return nil, fmt.Errorf("idempotency: 解析结果失败: %w", jsonErr)
		}
		if jsonErr := json.Unmarshal([]byte(req), &rec.Request); jsonErr != nil {
			return nil, fmt.Errorf("idempotency: 解析请求失败: %w", jsonErr)
		}
		rec.CreatedAt, _ = time.Parse(timeLayout, created)
		rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idempotency: 读取记录失败: %w", err)
	}
	return records, nil
}
