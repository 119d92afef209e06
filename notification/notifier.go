package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Notifier defines the interface for lifecycle event delivery.
type Notifier interface {
	// Notify sends a notification for the given event.
	// Returns an error if delivery fails.
	Notify(ctx context.Context, event *Event) error
}

// MultiNotifier composes multiple notifiers and sends to all of them.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
// Nil notifiers are filtered out for convenience.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	return &MultiNotifier{notifiers: filtered}
}

// Notify sends the event to all configured notifiers.
// Returns a joined error if any notifiers fail.
func (m *MultiNotifier) Notify(ctx context.Context, event *Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier is a no-op notifier that does nothing.
// Useful for testing or when notifications are disabled.
type NoopNotifier struct{}

// Notify does nothing and returns nil.
func (n *NoopNotifier) Notify(_ context.Context, _ *Event) error {
	return nil
}

// DefaultDispatchTimeout bounds a single asynchronous delivery.
const DefaultDispatchTimeout = 30 * time.Second

// Dispatcher delivers events in the background so that slow or failing
// channels never delay the operation that produced them. Delivery errors
// are logged and otherwise dropped.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher wraps a Notifier. A nil notifier yields a Dispatcher that
// drops every event.
func NewDispatcher(n Notifier) *Dispatcher {
	if n == nil {
		n = &NoopNotifier{}
	}
	return &Dispatcher{notifier: n, timeout: DefaultDispatchTimeout}
}

// Dispatch starts delivery of the event and returns immediately.
func (d *Dispatcher) Dispatch(event *Event) {
	d.Go(fmt.Sprintf("%s for %s", event.Type, event.ResourceID), func(ctx context.Context) error {
		return d.notifier.Notify(ctx, event)
	})
}

// Go runs fn in the background under the dispatch timeout. Wait covers it
// like any dispatched event; a failure is logged under name.
func (d *Dispatcher) Go(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("notification: failed to deliver %s: %v", name, err)
		}
	}()
}

// Wait blocks until every dispatched event has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
