package order

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// CodeCardinalityMismatch 为响应条数不符时写入幂等记录的拒绝码。
const CodeCardinalityMismatch = "cardinality_mismatch"

var (
	// ErrValidation 表示请求在发送前未通过本地校验。
	ErrValidation = errors.New("order: validation failed")
	// ErrCardinalityMismatch 表示响应条目数与请求不一致，属于协议错误。
	ErrCardinalityMismatch = errors.New("order: response cardinality mismatch")
	// ErrCancelled 表示调用方取消了操作。
	ErrCancelled = errors.New("order: cancelled")
	// ErrRejected 表示交易所拒绝了该笔请求。
	ErrRejected = errors.New("order: rejected by exchange")
)

// ValidationError 描述本地校验失败的字段。
type ValidationError struct {
	Kind   Kind
	Index  int
	Field  string
	Reason string
	Limit  int
	Actual int
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("order: invalid ")
	if e.Kind != "" {
		b.WriteString(string(e.Kind))
		b.WriteString(" ")
	}
	b.WriteString("request")
	if e.Index >= 0 {
		fmt.Fprintf(&b, " #%d", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " %s", e.Reason)
	}
	if e.Limit > 0 {
		fmt.Fprintf(&b, " (limit=%d, actual=%d)", e.Limit, e.Actual)
	}
	return b.String()
}

// Is 使 errors.Is(err, ErrValidation) 成立。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CardinalityMismatchError 记录提交条数与响应条数。
type CardinalityMismatchError struct {
	Kind      Kind
	Submitted int
	Received  int
	Detail    string
}

func (e *CardinalityMismatchError) Error() string {
	msg := fmt.Sprintf("order: %s response cardinality mismatch: submitted=%d received=%d", e.Kind, e.Submitted, e.Received)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is 使 errors.Is(err, ErrCardinalityMismatch) 成立。
func (e *CardinalityMismatchError) Is(target error) bool {
	return target == ErrCardinalityMismatch
}

// TransportError 为传输层失败，Temporary 为 true 时可以重试。
// Partial 记录失败前已得到交易所答复的条目，重试时不再重复提交。
type TransportError struct {
	Op        string
	Temporary bool
	Partial   []RawEntry
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("order: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectionError 为交易所对单条请求的业务拒绝。
type RejectionError struct {
	CorrelationID string
	Code          string
	Message       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order: %s rejected code=%s: %s", e.CorrelationID, e.Code, e.Message)
}

// Is 使 errors.Is(err, ErrRejected) 成立。
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// IsRetryable 判断错误是否可重试，只有临时性的传输错误可以重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Cancelled 将上下文错误包装为 ErrCancelled。
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}
