package clock

import (
	"testing"
	"time"
)

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c := Fake(start)

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(90*time.Second))
	}

	c.Set(start)
	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() after Set = %v, want %v", got, start)
	}
}

func TestFakeClock_Ticker(t *testing.T) {
	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c := Fake(start)
	tk := c.NewTicker(time.Second)

	select {
	case <-tk.C:
		t.Fatal("ticker fired before Advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-tk.C:
		if !got.Equal(start.Add(time.Second)) {
			t.Errorf("tick = %v, want %v", got, start.Add(time.Second))
		}
	default:
		t.Fatal("ticker did not fire")
	}

	// Several intervals at once collapse into one buffered tick.
	c.Advance(5 * time.Second)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("expected ticks to be dropped when the reader falls behind")
	default:
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_TickerPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Fake(time.Time{}).NewTicker(0)
}

func TestReal(t *testing.T) {
	c := Real()
	before := time.Now()
	if c.Now().Before(before) {
		t.Error("Real().Now() went backwards")
	}
	tk := c.NewTicker(time.Millisecond)
	<-tk.C
	tk.Stop()
}
