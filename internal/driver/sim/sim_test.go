package sim

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
)

func startOpen(t *testing.T, p *Profile) *Instrument {
	t.Helper()
	d := New(p)
	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	inst, err := d.Start(driver.StartOptions{Mode: "SequenceMode", Args: []string{"-Demo"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	project := filepath.Join(t.TempDir(), "line.approjx")
	if err := os.WriteFile(project, []byte("project"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := inst.OpenProject(project); err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	return inst.(*Instrument)
}

func TestDriver_StartRequiresInitialize(t *testing.T) {
	d := New(nil)
	if _, err := d.Start(driver.StartOptions{}); err == nil {
		t.Fatal("expected error starting before Initialize")
	}
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := d.Initialize(); err != nil {
		t.Errorf("second Initialize returned %v", err)
	}
	inst, err := d.Start(driver.StartOptions{Mode: "BenchMode"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.(*Instrument).Mode() != "BenchMode" {
		t.Errorf("Mode() = %q", inst.(*Instrument).Mode())
	}
	if d.Starts() != 1 {
		t.Errorf("Starts() = %d, want 1", d.Starts())
	}
}

func TestDriver_InjectedFailure(t *testing.T) {
	p := DefaultProfile()
	p.Failures = map[string]string{"Initialize": "bridge missing"}
	err := New(p).Initialize()
	if err == nil || !strings.Contains(err.Error(), "bridge missing") {
		t.Errorf("Initialize() = %v, want injected failure", err)
	}
}

func TestInstrument_Structure(t *testing.T) {
	inst := startOpen(t, nil)

	seqs, err := inst.Sequences()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(seqs, []string{"Production Test", "Verification"}) {
		t.Errorf("Sequences() = %v", seqs)
	}

	active, _ := inst.ActiveSequence()
	if active != "Production Test" {
		t.Errorf("ActiveSequence() = %q", active)
	}

	n, _ := inst.SignalPathCount()
	if n != 2 {
		t.Errorf("SignalPathCount() = %d, want 2", n)
	}
	m, _ := inst.Measurement(0, 2)
	if m.Name != "Frequency Response" || m.Checked {
		t.Errorf("Measurement(0, 2) = %+v", m)
	}
	if _, err := inst.Measurement(0, 9); !apxerrors.Is(err, apxerrors.ErrMeasurementNotFound) {
		t.Errorf("Measurement(0, 9) error = %v", err)
	}

	if err := inst.ActivateSequence("Verification"); err != nil {
		t.Fatal(err)
	}
	sp, _ := inst.SignalPath(0)
	if sp.Name != "Loopback" || !sp.Checked {
		t.Errorf("SignalPath(0) = %+v", sp)
	}
	if err := inst.ActivateSequence("Missing"); !apxerrors.Is(err, apxerrors.ErrSequenceNotFound) {
		t.Errorf("ActivateSequence(Missing) = %v", err)
	}
}

func TestInstrument_RequiresProject(t *testing.T) {
	d := New(nil)
	_ = d.Initialize()
	inst, _ := d.Start(driver.StartOptions{})
	if _, err := inst.Sequences(); err == nil {
		t.Error("expected error without an open project")
	}
}

func TestInstrument_RunSequenceWritesResults(t *testing.T) {
	p := DefaultProfile()
	p.ResultsDir = t.TempDir()
	p.Sequences[1].Fail = true
	inst := startOpen(t, p)

	passed, err := inst.RunSequence("SN1234")
	if err != nil || !passed {
		t.Fatalf("RunSequence() = %v, %v; want true, nil", passed, err)
	}

	entries, _ := os.ReadDir(p.ResultsDir)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "SN1234-") {
		t.Fatalf("unexpected results: %v", entries)
	}

	_ = inst.ActivateSequence("Verification")
	passed, err = inst.RunSequence("SN1235")
	if err != nil || passed {
		t.Errorf("RunSequence() = %v, %v; want false, nil", passed, err)
	}
}

func TestInstrument_RunMeasurement(t *testing.T) {
	p := DefaultProfile()
	p.RunDelay = time.Millisecond
	p.Sequences[0].SignalPaths[0].Measurements[1].Fail = true
	inst := startOpen(t, p)

	r, err := inst.RunMeasurement(0, 0)
	if err != nil || !r.Passed || r.MeterValues["Ch1"] != -0.12 {
		t.Errorf("RunMeasurement(0, 0) = %+v, %v", r, err)
	}
	r, err = inst.RunMeasurement(0, 1)
	if err != nil || r.Passed {
		t.Errorf("RunMeasurement(0, 1) = %+v, %v; want failing reading", r, err)
	}
}

func TestInstrument_CloseAndVariables(t *testing.T) {
	inst := startOpen(t, nil)

	if err := inst.SetVisible(true); err != nil || !inst.Visible() {
		t.Errorf("SetVisible: %v", err)
	}
	if err := inst.SetVariable("SerialNumber", "SN1"); err != nil {
		t.Fatal(err)
	}
	if v, ok := inst.Variable("SerialNumber"); !ok || v != "SN1" {
		t.Errorf("Variable() = %q, %v", v, ok)
	}

	if err := inst.Close(); err != nil {
		t.Fatal(err)
	}
	if err := inst.Close(); err == nil {
		t.Error("second Close should fail")
	}
	if _, err := inst.ActiveSequence(); err == nil {
		t.Error("calls after Close should fail")
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	content := `
active: B
run_delay: 50ms
failures:
  Close: stuck
sequences:
  - name: A
  - name: B
    fail: true
    signal_paths:
      - name: SP
        measurements:
          - name: M
            unchecked: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Active != "B" || p.RunDelay != 50*time.Millisecond || p.Failures["Close"] != "stuck" {
		t.Errorf("unexpected profile: %+v", p)
	}
	if !p.Sequences[1].Fail || !p.Sequences[1].SignalPaths[0].Measurements[0].Unchecked {
		t.Errorf("unexpected sequences: %+v", p.Sequences)
	}

	empty := filepath.Join(dir, "empty.yaml")
	_ = os.WriteFile(empty, []byte("sequences: []\n"), 0o644)
	if _, err := LoadProfile(empty); err == nil {
		t.Error("expected error for profile without sequences")
	}
}
