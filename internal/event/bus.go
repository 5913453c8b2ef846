package event

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/Iron-Ham/apxctrl/internal/logging"
)

// Handler receives a published event.
type Handler func(Event)

type subscription struct {
	id    uint64
	types []string // empty matches every event
	fn    Handler
}

func (s *subscription) matches(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// Bus fans controller events out to subscribers. Delivery is synchronous
// and in subscription order. The lock is not held while handlers run, so a
// handler may subscribe or cancel.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	logger *logging.Logger
}

// NewBus creates an empty bus. A nil logger discards handler panics.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{logger: logger.WithComponent("event")}
}

// Subscribe registers fn for the given event types, or for every event when
// none are given. The returned cancel func removes the subscription and may
// be called more than once.
func (b *Bus) Subscribe(fn Handler, types ...string) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, types: slices.Clone(types), fn: fn}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sync.OnceFunc(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == sub.id })
	})
}

// On subscribes fn to every event of concrete type T, such as
// RunCompletedEvent or StateChangedEvent.
func On[T Event](b *Bus, fn func(T)) (cancel func()) {
	return b.Subscribe(func(e Event) {
		if v, ok := e.(T); ok {
			fn(v)
		}
	})
}

// Publish delivers events in order. Each event reaches every matching
// subscriber before the next one is dispatched. A panicking handler is
// logged and skipped.
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, e := range events {
		for _, s := range subs {
			if s.matches(e.EventType()) {
				b.deliver(s.fn, e)
			}
		}
	}
}

func (b *Bus) deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(e)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
