// Package structure walks an open instrument project and produces an
// immutable snapshot of its sequences, signal paths and measurements.
package structure

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/logging"
)

// Measurement is a leaf of the project tree.
type Measurement struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Checked bool   `json:"checked"`
}

// SignalPath groups measurements within a sequence.
type SignalPath struct {
	Index        int           `json:"index"`
	Name         string        `json:"name"`
	Checked      bool          `json:"checked"`
	Measurements []Measurement `json:"measurements"`
}

// Sequence is a named, ordered list of signal paths.
type Sequence struct {
	Index       int          `json:"index"`
	Name        string       `json:"name"`
	SignalPaths []SignalPath `json:"signal_paths"`
}

// Tree is the project structure captured by one enumeration. It is never
// modified after Enumerate returns it.
type Tree struct {
	Sequences      []Sequence `json:"sequences"`
	ActiveSequence string     `json:"active_sequence"`
	CapturedAt     time.Time  `json:"captured_at"`
}

// Totals summarizes a Tree.
type Totals struct {
	Sequences           int `json:"sequences"`
	SignalPaths         int `json:"signal_paths"`
	Measurements        int `json:"measurements"`
	CheckedMeasurements int `json:"checked_measurements"`
}

// Totals counts the nodes of the tree.
func (t Tree) Totals() Totals {
	tot := Totals{Sequences: len(t.Sequences)}
	for _, seq := range t.Sequences {
		tot.SignalPaths += len(seq.SignalPaths)
		for _, sp := range seq.SignalPaths {
			tot.Measurements += len(sp.Measurements)
			for _, m := range sp.Measurements {
				if m.Checked {
					tot.CheckedMeasurements++
				}
			}
		}
	}
	return tot
}

// Sequence returns the sequence with the given name.
func (t Tree) Sequence(name string) (Sequence, bool) {
	for _, s := range t.Sequences {
		if s.Name == name {
			return s, true
		}
	}
	return Sequence{}, false
}

// Enumerator walks instrument projects.
type Enumerator struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewEnumerator returns an Enumerator. now stamps each Tree; nil uses time.Now.
func NewEnumerator(logger *logging.Logger, now func() time.Time) *Enumerator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Enumerator{logger: logger.WithComponent("structure"), now: now}
}

// Enumerate activates every sequence in turn and records its signal paths
// and measurements. The sequence that was active beforehand is restored on
// every exit path; a failed restore is reported as a warning and never
// replaces the enumeration result or error.
func (e *Enumerator) Enumerate(inst driver.Instrument) (tree Tree, warnings []string, err error) {
	if inst == nil {
		return Tree{}, nil, apxerrors.NewProcessLostError("no instrument handle")
	}

	original, err := inst.ActiveSequence()
	if err != nil {
		return Tree{}, nil, apxerrors.NewDriverError("ActiveSequence", err)
	}

	defer func() {
		if rerr := inst.ActivateSequence(original); rerr != nil {
			msg := fmt.Sprintf("failed to restore active sequence %q: %v", original, rerr)
			e.logger.Warn("restore active sequence failed", "sequence", original, "error", rerr)
			warnings = append(warnings, msg)
		}
	}()

	names, err := inst.Sequences()
	if err != nil {
		return Tree{}, nil, apxerrors.NewDriverError("Sequences", err)
	}

	tree = Tree{
		Sequences:      make([]Sequence, 0, len(names)),
		ActiveSequence: original,
	}
	for i, name := range names {
		seq, err := e.walkSequence(inst, i, name)
		if err != nil {
			return Tree{}, nil, err
		}
		tree.Sequences = append(tree.Sequences, seq)
	}
	tree.CapturedAt = e.now()

	e.logger.Debug("enumerated project", "sequences", len(tree.Sequences))
	return tree, nil, nil
}

func (e *Enumerator) walkSequence(inst driver.Instrument, index int, name string) (Sequence, error) {
	if err := inst.ActivateSequence(name); err != nil {
		return Sequence{}, apxerrors.NewDriverError("ActivateSequence", err).WithDetail(name)
	}

	count, err := inst.SignalPathCount()
	if err != nil {
		return Sequence{}, apxerrors.NewDriverError("SignalPathCount", err).WithDetail(name)
	}

	seq := Sequence{Index: index, Name: name, SignalPaths: make([]SignalPath, 0, count)}
	for sp := 0; sp < count; sp++ {
		info, err := inst.SignalPath(sp)
		if err != nil {
			return Sequence{}, apxerrors.NewDriverError("SignalPath", err).WithDetail(fmt.Sprintf("%s[%d]", name, sp))
		}
		mcount, err := inst.MeasurementCount(sp)
		if err != nil {
			return Sequence{}, apxerrors.NewDriverError("MeasurementCount", err).WithDetail(info.Name)
		}

		path := SignalPath{Index: sp, Name: info.Name, Checked: info.Checked, Measurements: make([]Measurement, 0, mcount)}
		for m := 0; m < mcount; m++ {
			minfo, err := inst.Measurement(sp, m)
			if err != nil {
				return Sequence{}, apxerrors.NewDriverError("Measurement", err).WithDetail(fmt.Sprintf("%s[%d]", info.Name, m))
			}
			path.Measurements = append(path.Measurements, Measurement{Index: m, Name: minfo.Name, Checked: minfo.Checked})
		}
		seq.SignalPaths = append(seq.SignalPaths, path)
	}
	return seq, nil
}
