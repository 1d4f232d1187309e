package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradecore/internal/order"
)

var fastPolicy = Policy{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestDo_RetriesTemporaryTransportErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, "send", func(ctx context.Context, attempt int) error {
		calls++
		if attempt != calls {
			t.Fatalf("attempt=%d calls=%d", attempt, calls)
		}
		if attempt < 3 {
			return &order.TransportError{Op: "send", Temporary: true, Err: errors.New("timeout")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	transient := &order.TransportError{Op: "send", Temporary: true, Err: errors.New("reset")}
	err := Do(context.Background(), fastPolicy, nil, "send", func(ctx context.Context, attempt int) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected last transport error, got %v", err)
	}
	if calls != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", fastPolicy.MaxAttempts, calls)
	}
}

func TestDo_DoesNotRetryFatalErrors(t *testing.T) {
	calls := 0
	mismatch := &order.CardinalityMismatchError{Kind: order.KindPlace, Submitted: 2, Received: 1}
	err := Do(context.Background(), fastPolicy, nil, "send", func(ctx context.Context, attempt int) error {
		calls++
		return mismatch
	})
	if !errors.Is(err, order.ErrCardinalityMismatch) {
		t.Fatalf("expected cardinality mismatch, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fatal error must not be retried, calls=%d", calls)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, MinDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	err := Do(ctx, p, nil, "send", func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return &order.TransportError{Op: "send", Temporary: true, Err: errors.New("timeout")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}
