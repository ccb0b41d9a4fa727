package ids

import (
	"testing"
	"time"
)

func TestNewSortsChronologically(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatal("identifiers collided")
	}
	if a > b {
		t.Fatalf("identifiers out of order: %s > %s", a, b)
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()
	after := time.Now().Add(time.Second)

	ts := Timestamp(id)
	if ts.Before(before) || ts.After(after) {
		t.Fatalf("Timestamp(%s) = %v, want within [%v, %v]", id, ts, before, after)
	}
	if !Timestamp("not-a-ulid").IsZero() {
		t.Fatal("expected zero time for malformed identifier")
	}
}
