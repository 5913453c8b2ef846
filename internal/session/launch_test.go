package session

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/testutil"
)

func TestLaunch_Success(t *testing.T) {
	h := newHarness(t, nil)
	inst := testutil.NewFakeInstrument()
	inst.ProcessID = 4242
	h.drv.Next = inst

	res, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project, Mode: "BenchMode"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if res.State != Idle || h.ctrl.State() != Idle {
		t.Errorf("state = %s/%s, want idle", res.State, h.ctrl.State())
	}
	if res.Project == nil || res.Project.Name != "Line1" || res.Project.ContentHash == "" {
		t.Errorf("unexpected project: %+v", res.Project)
	}
	if res.PID != 4242 || res.Sequences != 2 || res.Replaced {
		t.Errorf("unexpected result: %+v", res)
	}
	if h.drv.LastOpts.Mode != "BenchMode" || !slices.Equal(h.drv.LastOpts.Args, []string{"-Demo", "-APx517"}) {
		t.Errorf("start options = %+v", h.drv.LastOpts)
	}
	if inst.Project != h.project || !inst.VisibleSet {
		t.Errorf("instrument project=%q visible=%v", inst.Project, inst.VisibleSet)
	}

	snap := h.ctrl.Snapshot()
	if snap.Project == nil || snap.Project.FilePath != h.project {
		t.Errorf("snapshot project = %+v", snap.Project)
	}
	if snap.InstrumentPID != 4242 || snap.LastError != "" || snap.Generation != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	want := []string{event.TypeStateChanged, event.TypeStateChanged, event.TypeLaunched}
	if got := h.eventTypes(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestLaunch_MissingProjectIsValidationWithoutDriver(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: filepath.Join(t.TempDir(), "nope.approjx")})
	if apxerrors.KindOf(err) != apxerrors.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if res.State != Error {
		t.Errorf("result state = %s, want error", res.State)
	}

	snap := h.ctrl.Snapshot()
	if snap.State != Error || snap.LastError == "" || snap.LastErrorAt == nil {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Project != nil {
		t.Error("project must be nil after a failed launch")
	}
	if initCalls, startCalls := h.drv.Calls(); initCalls != 0 || startCalls != 0 {
		t.Errorf("driver called: init=%d start=%d", initCalls, startCalls)
	}
}

func TestLaunch_EmptyProjectFile(t *testing.T) {
	h := newHarness(t, nil)
	empty := testutil.WriteProject(t, t.TempDir(), "empty.approjx", "")

	_, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: empty})
	if !errors.Is(err, apxerrors.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestLaunch_BridgeInitFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.InitErr = errors.New("pythonnet not available")

	_, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project})
	if !errors.Is(err, apxerrors.ErrBridgeInit) {
		t.Fatalf("err = %v, want ErrBridgeInit", err)
	}
	if apxerrors.GetSeverity(err) != apxerrors.SeverityCritical {
		t.Errorf("severity = %s, want critical", apxerrors.GetSeverity(err))
	}
	snap := h.ctrl.Snapshot()
	if snap.State != Error || snap.InstrumentPID != 0 || snap.Project != nil {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if h.ctrl.inst != nil {
		t.Error("handle must be nil after a failed launch")
	}
}

func TestLaunch_OpenProjectFailureClosesInstrument(t *testing.T) {
	h := newHarness(t, nil)
	inst := testutil.NewFakeInstrument()
	inst.SetErr("OpenProject", errors.New("project version unsupported"))
	h.drv.Next = inst

	_, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project})
	if apxerrors.KindOf(err) != apxerrors.KindDriver {
		t.Fatalf("err = %v, want driver failure", err)
	}
	if !inst.Closed {
		t.Error("instrument should be closed after a failed open")
	}
	if h.ctrl.State() != Error {
		t.Errorf("state = %s, want error", h.ctrl.State())
	}
}

func TestLaunch_BestEffortStepsBecomeWarnings(t *testing.T) {
	h := newHarness(t, nil)
	inst := testutil.NewFakeInstrument()
	inst.SetErr("SetVisible", errors.New("no desktop"))
	inst.SetErr("Sequences", errors.New("collection unavailable"))
	h.drv.Next = inst

	res, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.State != Idle {
		t.Errorf("state = %s, want idle", res.State)
	}
	var steps []string
	for _, w := range res.Warnings {
		steps = append(steps, w.Step)
	}
	if !slices.Equal(steps, []string{"set_visible", "verify_project"}) {
		t.Errorf("warning steps = %v", steps)
	}
}

func TestLaunch_ShutsDownPreviousSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.launch(t, nil)

	second := testutil.NewFakeInstrument()
	h.drv.Next = second
	res, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project, ProjectName: "rev2"})
	if err != nil {
		t.Fatalf("second Launch: %v", err)
	}
	if !res.Replaced {
		t.Error("Replaced = false, want true")
	}
	if !first.Closed {
		t.Error("previous instrument was not closed")
	}
	if second.Closed {
		t.Error("new instrument must stay open")
	}
	if snap := h.ctrl.Snapshot(); snap.Project.Name != "rev2" || snap.Generation != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestLaunch_PreviousCloseFailureEscalatesToKill(t *testing.T) {
	h := newHarness(t, nil)
	first := h.launch(t, nil)
	first.SetErr("Close", errors.New("RPC server unavailable"))

	res, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if kills, _ := h.sup.calls(); kills != 1 {
		t.Errorf("KillAll calls = %d, want 1", kills)
	}
	if len(res.Warnings) == 0 || res.Warnings[0].Step != "close" {
		t.Errorf("warnings = %+v", res.Warnings)
	}
}

func TestLaunch_RejectedWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	inst, release := gatedInstrument(t)
	h.launch(t, inst)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.RunSequence(context.Background(), "Main", "run-1", 0)
		done <- err
	}()
	waitForState(t, h.ctrl, RunningStep)

	_, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project})
	if !errors.Is(err, apxerrors.ErrNotReady) {
		t.Errorf("err = %v, want not ready", err)
	}
	if h.ctrl.State() != RunningStep {
		t.Errorf("state = %s, want running_step", h.ctrl.State())
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
}

func TestLaunch_RecoversFromError(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.StartErr = errors.New("license server unreachable")
	if _, err := h.ctrl.Launch(context.Background(), LaunchRequest{ProjectPath: h.project}); err == nil {
		t.Fatal("expected launch failure")
	}
	if h.ctrl.State() != Error {
		t.Fatalf("state = %s, want error", h.ctrl.State())
	}

	h.drv.StartErr = nil
	h.launch(t, nil)
	snap := h.ctrl.Snapshot()
	if snap.State != Idle || snap.LastError != "" {
		t.Errorf("unexpected snapshot after relaunch: %+v", snap)
	}
	if initCalls, _ := h.drv.Calls(); initCalls != 2 {
		t.Errorf("Initialize calls = %d, want 2", initCalls)
	}
}

func TestDiscard_WaitsForWorkerHandOff(t *testing.T) {
	h := newHarness(t, nil)
	inst := testutil.NewFakeInstrument()

	// A launch job that has produced its instrument but not yet released
	// the worker.
	release := make(chan struct{})
	go func() { _ = h.ctrl.worker.Do(context.Background(), "launch", func() error { <-release; return nil }) }()
	for !h.ctrl.worker.Busy() {
		time.Sleep(time.Millisecond)
	}
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	// The caller's own deadline has already expired.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.ctrl.discard(ctx, inst)

	if n := inst.CallCount("Close"); n != 1 {
		t.Errorf("Close calls = %d, want 1", n)
	}
}

func TestDiscard_GivesUpWhenWorkerStaysBusy(t *testing.T) {
	h := newHarness(t, nil)
	inst := testutil.NewFakeInstrument()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	go func() { _ = h.ctrl.worker.Do(context.Background(), "stuck", func() error { <-release; return nil }) }()
	for !h.ctrl.worker.Busy() {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	h.ctrl.discard(context.Background(), inst)
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("discard returned after %v, want it to wait out the close grace", elapsed)
	}
	if n := inst.CallCount("Close"); n != 0 {
		t.Errorf("Close calls = %d, want 0", n)
	}
}
