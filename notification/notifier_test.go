package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type countingNotifier struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (c *countingNotifier) Notify(ctx context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMultiNotifier(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{err: errors.New("down")}
	m := NewMultiNotifier(a, nil, b)

	err := m.Notify(context.Background(), testEvent())
	if err == nil {
		t.Error("expected joined error from failing notifier")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", a.count(), b.count())
	}
}

func TestNoopNotifier(t *testing.T) {
	if err := (&NoopNotifier{}).Notify(context.Background(), testEvent()); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
}

func TestDispatcher(t *testing.T) {
	n := &countingNotifier{err: errors.New("ignored")}
	d := NewDispatcher(n)

	for i := 0; i < 5; i++ {
		d.Dispatch(testEvent())
	}
	d.Wait()

	if got := n.count(); got != 5 {
		t.Errorf("delivered = %d, want 5", got)
	}
}

func TestDispatcher_GoIsAwaited(t *testing.T) {
	d := NewDispatcher(nil)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 3; i++ {
		d.Go("notice", func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("background delivery has no deadline")
			}
			mu.Lock()
			ran++
			mu.Unlock()
			return errors.New("logged")
		})
	}
	d.Wait()
	if ran != 3 {
		t.Errorf("ran = %d, want 3", ran)
	}
}

func TestDispatcher_NilNotifier(t *testing.T) {
	d := NewDispatcher(nil)
	d.Dispatch(testEvent())
	d.Wait()
}

func TestEventType_IsValid(t *testing.T) {
	for _, et := range []EventType{EventRecoveryCompleted, EventRecoveryRejected, EventOverrideCreated, EventOverrideApproved, EventOverrideRevoked} {
		if !et.IsValid() {
			t.Errorf("%q should be valid", et)
		}
	}
	if EventType("request.created").IsValid() {
		t.Error("unknown type should be invalid")
	}
}
