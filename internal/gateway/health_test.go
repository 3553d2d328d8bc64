package gateway

import (
	"context"
	"errors"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Health(ctx context.Context) error { return f(ctx) }

func TestHealthMonitor_Transitions(t *testing.T) {
	var fail bool
	m := NewHealthMonitor(pingFunc(func(ctx context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}), 0)

	if st, last := m.Status(); st != Checking || !last.IsZero() {
		t.Fatalf("initial status = %v at %v", st, last)
	}
	if got := m.Check(context.Background()); got != Connected {
		t.Errorf("Check = %v, want connected", got)
	}
	fail = true
	if got := m.Check(context.Background()); got != Disconnected {
		t.Errorf("Check = %v, want disconnected", got)
	}
	if st, last := m.Status(); st != Disconnected || last.IsZero() {
		t.Errorf("Status = %v at %v", st, last)
	}
}
