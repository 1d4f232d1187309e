package batch

import (
	"fmt"
	"time"

	"tradecore/internal/order"
)

// Demultiplex 将一次响应拆分为与请求一一对应的结果。
// 交易所回显关联ID的类型按ID匹配，其余按位置匹配；条数或ID不符时返回 CardinalityMismatchError。
func Demultiplex(kind order.Kind, requests []order.Request, resp order.RawResponse) ([]order.Result, error) {
	if len(resp.Entries) != len(requests) {
		return nil, &order.CardinalityMismatchError{
			Kind:      kind,
			Submitted: len(requests),
			Received:  len(resp.Entries),
		}
	}

	entries := resp.Entries
	if keyed(kind, entries) {
		byID := make(map[string]order.RawEntry, len(entries))
		for _, e := range entries {
			if _, dup := byID[e.CorrelationID]; dup {
				return nil, &order.CardinalityMismatchError{
					Kind:      kind,
					Submitted: len(requests),
					Received:  len(entries),
					Detail:    fmt.Sprintf("duplicate correlation id %s", e.CorrelationID),
				}
			}
			byID[e.CorrelationID] = e
		}
		entries = make([]order.RawEntry, len(requests))
		for i, req := range requests {
			e, ok := byID[req.CorrelationID]
			if !ok {
				return nil, &order.CardinalityMismatchError{
					Kind:      kind,
					Submitted: len(requests),
					Received:  len(resp.Entries),
					Detail:    fmt.Sprintf("missing correlation id %s", req.CorrelationID),
				}
			}
			entries[i] = e
		}
	}

	now := time.Now()
	results := make([]order.Result, len(requests))
	for i, e := range entries {
		results[i] = toResult(requests[i].CorrelationID, e, now)
	}
	return results, nil
}

// keyed 只有下单、策略下单与改单会把关联ID发给交易所并回显。
func keyed(kind order.Kind, entries []order.RawEntry) bool {
	switch kind {
	case order.KindPlace, order.KindPlaceAlgo, order.KindAmend:
	default:
		return false
	}
	for _, e := range entries {
		if e.CorrelationID == "" {
			return false
		}
	}
	return true
}

func toResult(correlationID string, e order.RawEntry, now time.Time) order.Result {
	if e.Accepted() {
		return order.Result{
			Status:        order.StatusSuccess,
			OrderID:       e.OrderID,
			CorrelationID: correlationID,
			Timestamp:     now,
		}
	}
	return order.Result{
		Status:        order.StatusRejected,
		OrderID:       e.OrderID,
		CorrelationID: correlationID,
		Code:          e.Code,
		Message:       e.Message,
		Timestamp:     now,
	}
}
