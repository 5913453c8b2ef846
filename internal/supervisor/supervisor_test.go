package supervisor

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"testing"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
)

type fakeTable struct {
	mu      sync.Mutex
	procs   []Process
	listErr error
	failOn  map[int32]error
	killed  []int32
}

func (f *fakeTable) List(context.Context) ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.procs), nil
}

func (f *fakeTable) Kill(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[pid]; err != nil {
		return err
	}
	f.killed = append(f.killed, pid)
	return nil
}

func newTable() *fakeTable {
	return &fakeTable{
		procs: []Process{
			{PID: 100, Name: "APx500.exe"},
			{PID: 101, Name: "apx500_flexhost.exe"},
			{PID: 102, Name: "explorer.exe"},
			{PID: 103, Name: "MyAPx500Helper"},
			{PID: int32(os.Getpid()), Name: "APx500-controller"},
		},
	}
}

func TestFindByNamePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    []int32
	}{
		{"default pattern is case-insensitive", "*APx500*", []int32{100, 101, 103}},
		{"exact name", "apx500.exe", []int32{100}},
		{"prefix", "APx500*", []int32{100, 101}},
		{"no match", "*audio*", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(newTable(), nil)
			got, err := s.FindByNamePattern(context.Background(), tt.pattern)
			if err != nil {
				t.Fatalf("FindByNamePattern: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("FindByNamePattern(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestFindByNamePattern_Errors(t *testing.T) {
	s := New(newTable(), nil)
	_, err := s.FindByNamePattern(context.Background(), " ")
	if apxerrors.KindOf(err) != apxerrors.KindValidation {
		t.Errorf("empty pattern: KindOf = %v, want validation", apxerrors.KindOf(err))
	}

	table := newTable()
	table.listErr = errors.New("access denied")
	s = New(table, nil)
	if _, err := s.FindByNamePattern(context.Background(), "*"); err == nil {
		t.Error("expected list error")
	}
}

func TestKillAll_ToleratesIndividualFailures(t *testing.T) {
	table := newTable()
	table.failOn = map[int32]error{101: errors.New("access denied")}
	s := New(table, nil)

	n, err := s.KillAll(context.Background(), "*APx500*")
	if err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	if n != 2 {
		t.Errorf("KillAll() = %d, want 2", n)
	}
	if !slices.Equal(table.killed, []int32{100, 103}) {
		t.Errorf("killed = %v, want [100 103]", table.killed)
	}
	if slices.Contains(table.killed, int32(os.Getpid())) {
		t.Error("KillAll terminated the calling process")
	}
}

func TestKillAll_NoMatches(t *testing.T) {
	s := New(newTable(), nil)
	n, err := s.KillAll(context.Background(), "*nothing*")
	if err != nil || n != 0 {
		t.Errorf("KillAll() = %d, %v; want 0, nil", n, err)
	}
}

func TestAlive(t *testing.T) {
	s := New(newTable(), nil)
	alive, err := s.Alive(context.Background(), "*APx500*")
	if err != nil || !alive {
		t.Errorf("Alive() = %v, %v; want true, nil", alive, err)
	}
	alive, err = s.Alive(context.Background(), "*absent*")
	if err != nil || alive {
		t.Errorf("Alive() = %v, %v; want false, nil", alive, err)
	}
}
