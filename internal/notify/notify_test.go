package notify

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherAcksFirstTry(t *testing.T) {
	mem := NewMemory()
	d := NewDispatcher(mem).WithPolicy(3, time.Second, time.Millisecond)

	status := d.Deliver(context.Background(), "owner-1", KindEmergencyRequested, map[string]string{"request_id": "r1"})
	if status != StatusAcked {
		t.Fatalf("unexpected status: %s", status)
	}
	got := mem.Delivered()
	if len(got) != 1 || got[0].TargetID != "owner-1" || got[0].Kind != KindEmergencyRequested {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
}

func TestDispatcherRetriesThenAcks(t *testing.T) {
	mem := NewMemory()
	mem.FailNext(2)
	d := NewDispatcher(mem).WithPolicy(3, time.Second, time.Millisecond)

	status := d.Deliver(context.Background(), "owner-1", KindContactTest, nil)
	if status != StatusAcked {
		t.Fatalf("expected ack after retries, got %s", status)
	}
	if len(mem.Delivered()) != 1 {
		t.Fatalf("expected exactly one recorded delivery")
	}
}

func TestDispatcherGivesUp(t *testing.T) {
	mem := NewMemory()
	mem.FailNext(3)
	d := NewDispatcher(mem).WithPolicy(3, time.Second, time.Millisecond)

	status := d.Deliver(context.Background(), "owner-1", KindEmergencyRequested, nil)
	if status != StatusFailed {
		t.Fatalf("expected failure after exhausting attempts, got %s", status)
	}
	if len(mem.Delivered()) != 0 {
		t.Fatalf("nothing should have been delivered")
	}
}

func TestDispatcherStopsOnCancelledContext(t *testing.T) {
	mem := NewMemory()
	mem.FailNext(10)
	d := NewDispatcher(mem).WithPolicy(3, time.Second, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	status := d.Deliver(ctx, "owner-1", KindEmergencyRequested, nil)
	if status != StatusFailed {
		t.Fatalf("expected failure, got %s", status)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled context should short-circuit the backoff")
	}
}
