package monitor

import (
	"fmt"
	"strings"
	"time"

	"tradecore/internal/trading"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOperation EventType = "operation"
	EventReconcile EventType = "reconcile"
	EventError     EventType = "error"
)

// ParseEventType 解析事件类型，空字符串表示全部类型。
func ParseEventType(s string) (EventType, error) {
	typ := EventType(strings.ToLower(strings.TrimSpace(s)))
	switch typ {
	case "", EventOperation, EventReconcile, EventError:
		return typ, nil
	default:
		return "", fmt.Errorf("monitor: unknown event type %q", s)
	}
}

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OperationPayload 记录一次交易或查询操作。
type OperationPayload struct {
	trading.Event
}

// ReconcilePayload 记录一次未完成记录对账。
type ReconcilePayload struct {
	Report trading.ReconcileReport `json:"report"`
	Error  string                  `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
