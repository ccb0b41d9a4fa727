// Package notify defines the delivery port the core uses to reach owners and
// contacts, and the retry policy wrapped around it. Delivery is fire-and-
// forget from the state machines' perspective, but the outcome is recorded so
// an undeliverable notification stays observable.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vaultkeep.org/internal/obs"
)

// Kind identifies the event being delivered.
type Kind string

const (
	KindEmergencyRequested Kind = "emergency.requested"
	KindEmergencyGranted   Kind = "emergency.granted"
	KindEmergencyDenied    Kind = "emergency.denied"
	KindContactTest        Kind = "contact.test"
)

// Status is the recorded outcome of a delivery attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusAcked   Status = "acked"
	StatusFailed  Status = "failed"
)

// Notifier delivers one event to a target. Implementations live outside the
// core (email, push); an error means the target did not acknowledge.
type Notifier interface {
	Notify(ctx context.Context, targetID string, kind Kind, payload map[string]string) error
}

// Dispatcher wraps a Notifier with the core's retry policy: each call is
// bounded by a timeout, failed calls are retried with exponential backoff,
// and the final outcome is returned as a Status rather than an error so the
// owning state machine can record it and move on.
type Dispatcher struct {
	port        Notifier
	attempts    int
	callTimeout time.Duration
	baseBackoff time.Duration
}

// NewDispatcher builds a Dispatcher with the default policy: 3 attempts, 5s
// per call, backoff starting at 500ms and doubling.
func NewDispatcher(port Notifier) *Dispatcher {
	return &Dispatcher{
		port:        port,
		attempts:    3,
		callTimeout: 5 * time.Second,
		baseBackoff: 500 * time.Millisecond,
	}
}

// WithPolicy overrides the retry policy. Zero values keep the defaults.
func (d *Dispatcher) WithPolicy(attempts int, callTimeout, baseBackoff time.Duration) *Dispatcher {
	if attempts > 0 {
		d.attempts = attempts
	}
	if callTimeout > 0 {
		d.callTimeout = callTimeout
	}
	if baseBackoff > 0 {
		d.baseBackoff = baseBackoff
	}
	return d
}

// Deliver pushes the event through the port, retrying per policy. It must be
// called outside any entity critical section.
func (d *Dispatcher) Deliver(ctx context.Context, targetID string, kind Kind, payload map[string]string) Status {
	backoff := d.baseBackoff
	for attempt := 1; attempt <= d.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		err := d.port.Notify(callCtx, targetID, kind, payload)
		cancel()
		if err == nil {
			obs.NotifyDelivery("acked")
			return StatusAcked
		}
		obs.LogEvent("notify", "delivery_attempt_failed", map[string]any{
			"target":  targetID,
			"kind":    string(kind),
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			obs.NotifyDelivery("failed")
			return StatusFailed
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	obs.NotifyDelivery("failed")
	return StatusFailed
}

// Memory records deliveries in process for tests and the demo binary.
type Memory struct {
	mu        sync.Mutex
	delivered []Delivery
	failNext  int
}

// Delivery is one recorded notification.
type Delivery struct {
	TargetID string
	Kind     Kind
	Payload  map[string]string
}

// NewMemory returns an empty in-process notifier.
func NewMemory() *Memory {
	return &Memory{}
}

// FailNext makes the next n Notify calls fail.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Memory) Notify(ctx context.Context, targetID string, kind Kind, payload map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("notify: simulated delivery failure for %s", targetID)
	}
	cp := make(map[string]string, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	m.delivered = append(m.delivered, Delivery{TargetID: targetID, Kind: kind, Payload: cp})
	return nil
}

// Delivered returns a copy of everything acknowledged so far.
func (m *Memory) Delivered() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.delivered))
	copy(out, m.delivered)
	return out
}
