package event

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func testEvent(eventType string) Event {
	return newBaseEvent(eventType, time.Time{})
}

func TestBus_SubscribeFiltersByType(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, e.EventType()) }, TypeRunCompleted, TypeReset)

	bus.Publish(
		testEvent(TypeStateChanged),
		testEvent(TypeRunCompleted),
		testEvent(TypeHealthLost),
		testEvent(TypeReset),
	)

	if want := []string{TypeRunCompleted, TypeReset}; !slices.Equal(got, want) {
		t.Errorf("received %v, want %v", got, want)
	}
}

func TestBus_SubscribeWithoutTypesReceivesEverything(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, e.EventType()) })

	bus.Publish(testEvent(TypeStateChanged))
	bus.Publish(testEvent(TypeLaunched), testEvent(TypeReset))

	if want := []string{TypeStateChanged, TypeLaunched, TypeReset}; !slices.Equal(got, want) {
		t.Errorf("received %v, want %v", got, want)
	}
}

func TestBus_PublishDeliversEachEventToAllBeforeTheNext(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "a:"+e.EventType()) })
	bus.Subscribe(func(e Event) { got = append(got, "b:"+e.EventType()) }, TypeStateChanged)
	bus.Subscribe(func(e Event) { got = append(got, "c:"+e.EventType()) })

	bus.Publish(testEvent(TypeStateChanged), testEvent(TypeRunCompleted))

	want := []string{
		"a:" + TypeStateChanged, "b:" + TypeStateChanged, "c:" + TypeStateChanged,
		"a:" + TypeRunCompleted, "c:" + TypeRunCompleted,
	}
	if !slices.Equal(got, want) {
		t.Errorf("delivery order = %v, want %v", got, want)
	}
}

func TestBus_PublishNothing(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.Subscribe(func(Event) { called = true })

	bus.Publish()

	if called {
		t.Error("handler called for an empty publish")
	}
}

func TestBus_Cancel(t *testing.T) {
	bus := NewBus(nil)

	var first, second int
	cancel := bus.Subscribe(func(Event) { first++ })
	bus.Subscribe(func(Event) { second++ })
	if bus.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", bus.Len())
	}

	cancel()
	cancel()
	if bus.Len() != 1 {
		t.Errorf("Len() = %d after cancel, want 1", bus.Len())
	}

	bus.Publish(testEvent(TypeReset))
	if first != 0 || second != 1 {
		t.Errorf("cancelled handler ran %d times, live handler %d times", first, second)
	}
}

func TestBus_HandlerMayCancelItself(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	var cancel func()
	cancel = bus.Subscribe(func(Event) {
		calls++
		cancel()
	})

	bus.Publish(testEvent(TypeReset))
	bus.Publish(testEvent(TypeReset))

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewBus(nil)

	reached := false
	bus.Subscribe(func(Event) { panic("handler bug") })
	bus.Subscribe(func(Event) { reached = true })

	bus.Publish(testEvent(TypeLaunched))

	if !reached {
		t.Error("handler after a panicking one was not called")
	}
}

func TestOn_DeliversTypedEvents(t *testing.T) {
	bus := NewBus(nil)
	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	var kinds []RunKind
	cancel := On(bus, func(e RunCompletedEvent) { kinds = append(kinds, e.Kind) })

	bus.Publish(
		NewStateChangedEvent(at, "idle", "running_step", "run all", 1),
		NewRunCompletedEvent(at, "run-1", RunKindAll, "", true, true, 4.2, ""),
		NewResetEvent(at, 1),
		NewRunCompletedEvent(at, "run-2", RunKindSequence, "Main", true, false, 1.5, ""),
	)
	cancel()
	bus.Publish(NewRunCompletedEvent(at, "run-3", RunKindMeasurement, "Analog/Level", true, true, 0.1, ""))

	if want := []RunKind{RunKindAll, RunKindSequence}; !slices.Equal(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, TypeRunCompleted)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(testEvent(TypeRunCompleted))
		}()
		go func() {
			defer wg.Done()
			cancel := bus.Subscribe(func(Event) {}, TypeReset)
			cancel()
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("handler called %d times, want 50", count)
	}
	if bus.Len() != 1 {
		t.Errorf("Len() = %d after concurrent subscribe/cancel, want 1", bus.Len())
	}
}

func TestEvent_JSONOmitsBase(t *testing.T) {
	e := NewStateChangedEvent(time.Now(), "idle", "running_step", "run sequence", 3)
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"from":"idle"`) || !strings.Contains(got, `"generation":3`) {
		t.Errorf("unexpected JSON: %s", got)
	}
	if strings.Contains(got, "eventType") {
		t.Errorf("base fields leaked into JSON: %s", got)
	}
}

func TestNewBaseEvent_DefaultsTimestamp(t *testing.T) {
	before := time.Now()
	e := NewResetEvent(time.Time{}, 2)
	if e.Timestamp().Before(before) {
		t.Errorf("Timestamp() = %v, want >= %v", e.Timestamp(), before)
	}
	if e.EventType() != TypeReset || e.Killed != 2 {
		t.Errorf("unexpected event: %+v", e)
	}
}
