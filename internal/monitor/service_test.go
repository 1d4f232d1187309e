package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tradecore/internal/config"
	"tradecore/internal/store"
	"tradecore/internal/trading"
)

func newMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestService_PersistsObservedEvents(t *testing.T) {
	st := newMemoryStore(t)
	svc, err := NewService(context.Background(), st, Options{Persisted: true}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc.Observe(ctx, trading.Event{Operation: "place_order", Kind: "place", Count: 1, Succeeded: 1, At: time.Now().UTC()})
	svc.Observe(ctx, trading.Event{Operation: "cancel_order", Kind: "cancel", Count: 1, Rejected: 1, At: time.Now().UTC()})
	cancel()
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	svc.RecordError(context.Background(), "对账失败", errors.New("boom"), map[string]interface{}{"id": "x"})

	events, err := svc.ListEvents(context.Background(), EventOperation, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 operation events, got %d", len(events))
	}
	var latest trading.Event
	if err := json.Unmarshal(events[0].Payload.(json.RawMessage), &latest); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if latest.Operation != "cancel_order" || latest.Rejected != 1 {
		t.Errorf("unexpected latest event %+v", latest)
	}

	all, err := svc.ListEvents(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 3 || all[0].Type != EventError {
		t.Errorf("expected error event first among 3, got %d events", len(all))
	}
}

func TestService_MemoryModeKeepsRecentEvents(t *testing.T) {
	svc, err := NewService(context.Background(), nil, Options{MemorySize: 2}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	for _, op := range []string{"a", "b", "c"} {
		if err := svc.Record(context.Background(), Event{Type: EventOperation, Payload: OperationPayload{Event: trading.Event{Operation: op}}}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}
	svc.RecordReconcile(context.Background(), trading.ReconcileReport{Checked: 1, Resolved: 1}, nil)

	events, _ := svc.ListEvents(context.Background(), "", 10)
	if len(events) != 2 {
		t.Fatalf("expected 2 events kept, got %d", len(events))
	}
	if events[0].Type != EventReconcile {
		t.Errorf("expected reconcile event first, got %s", events[0].Type)
	}
	ops, _ := svc.ListEvents(context.Background(), EventOperation, 10)
	if len(ops) != 1 || ops[0].Payload.(OperationPayload).Operation != "c" {
		t.Errorf("unexpected operation events %+v", ops)
	}
}

func TestService_ObserveDropsWhenFull(t *testing.T) {
	svc, err := NewService(context.Background(), nil, Options{QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	svc.Observe(context.Background(), trading.Event{Operation: "first"})
	svc.Observe(context.Background(), trading.Event{Operation: "second"})
	if len(svc.queue) != 1 {
		t.Fatalf("expected queue to hold 1 event, got %d", len(svc.queue))
	}
}

func TestNewService_RequiresStoreWhenPersisted(t *testing.T) {
	if _, err := NewService(context.Background(), nil, Options{Persisted: true}, nil); err == nil {
		t.Fatalf("expected error without store")
	}
}
