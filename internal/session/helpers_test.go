package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/clock"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/results"
	"github.com/Iron-Ham/apxctrl/internal/testutil"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	matching   int
	killErr    error
	alive      bool
	aliveErr   error
	killCalls  int
	aliveCalls int
	patterns   []string
}

func (f *fakeSupervisor) KillAll(_ context.Context, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	f.patterns = append(f.patterns, pattern)
	if f.killErr != nil {
		return 0, f.killErr
	}
	n := f.matching
	f.matching = 0
	f.alive = false
	return n, nil
}

func (f *fakeSupervisor) Alive(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliveCalls++
	return f.alive, f.aliveErr
}

func (f *fakeSupervisor) calls() (kill, alive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCalls, f.aliveCalls
}

type harness struct {
	ctrl    *Controller
	drv     *testutil.FakeDriver
	sup     *fakeSupervisor
	clk     *clock.FakeClock
	project string
	staging string

	mu     sync.Mutex
	events []event.Event
}

func (h *harness) recorded() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.events...)
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, e := range h.recorded() {
		out = append(out, e.EventType())
	}
	return out
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		drv:     &testutil.FakeDriver{},
		sup:     &fakeSupervisor{matching: 1, alive: true},
		clk:     clock.Fake(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)),
		project: testutil.WriteProject(t, dir, "Line1.approjx", "<project/>"),
		staging: filepath.Join(dir, "staging"),
	}
	opts := Options{
		Driver:         h.drv,
		Supervisor:     h.sup,
		Archiver:       results.NewArchiver(h.staging, nil),
		Clock:          h.clk,
		ProcessPattern: "*APx500*",
		DefaultArgs:    "-Demo -APx517",
		Visible:        true,
		CloseGrace:     200 * time.Millisecond,
		RunTimeout:     2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl = New(opts)
	h.ctrl.Bus().Subscribe(func(e event.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

// launch starts a session with inst (or a default fake) and fails the test
// on error.
func (h *harness) launch(t *testing.T, inst *testutil.FakeInstrument) *testutil.FakeInstrument {
	t.Helper()
	if inst == nil {
		inst = testutil.NewFakeInstrument()
	}
	h.drv.Next = inst
	if _, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return inst
}

// gatedInstrument returns an instrument whose runs block until release is
// called. release is idempotent and also runs at cleanup so a failing test
// cannot leave the worker stuck.
func gatedInstrument(t *testing.T) (*testutil.FakeInstrument, func()) {
	t.Helper()
	inst := testutil.NewFakeInstrument()
	inst.RunGate = make(chan struct{})
	release := sync.OnceFunc(func() { close(inst.RunGate) })
	t.Cleanup(release)
	return inst, release
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func waitForIdleWorker(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.worker.Busy() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("worker still busy")
}
