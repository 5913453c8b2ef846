package structure

import (
	"fmt"

	"github.com/Iron-Ham/apxctrl/internal/driver"
	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
)

// FindSignalPath returns the index and description of the named signal path
// in the active sequence.
func FindSignalPath(inst driver.Instrument, name string) (int, driver.SignalPathInfo, error) {
	count, err := inst.SignalPathCount()
	if err != nil {
		return -1, driver.SignalPathInfo{}, apxerrors.NewDriverError("SignalPathCount", err)
	}
	for sp := 0; sp < count; sp++ {
		info, err := inst.SignalPath(sp)
		if err != nil {
			return -1, driver.SignalPathInfo{}, apxerrors.NewDriverError("SignalPath", err)
		}
		if info.Name == name {
			return sp, info, nil
		}
	}
	return -1, driver.SignalPathInfo{}, apxerrors.NewNotFoundError("signal path", name).WithCause(apxerrors.ErrSignalPathNotFound)
}

// FindMeasurement returns the indices of the named measurement within the
// named signal path of the active sequence.
func FindMeasurement(inst driver.Instrument, signalPath, measurement string) (sp, m int, err error) {
	sp, _, err = FindSignalPath(inst, signalPath)
	if err != nil {
		return -1, -1, err
	}
	count, err := inst.MeasurementCount(sp)
	if err != nil {
		return -1, -1, apxerrors.NewDriverError("MeasurementCount", err).WithDetail(signalPath)
	}
	for i := 0; i < count; i++ {
		info, err := inst.Measurement(sp, i)
		if err != nil {
			return -1, -1, apxerrors.NewDriverError("Measurement", err).WithDetail(signalPath)
		}
		if info.Name == measurement {
			return sp, i, nil
		}
	}
	return -1, -1, apxerrors.NewNotFoundError("measurement", fmt.Sprintf("%s/%s", signalPath, measurement)).
		WithCause(apxerrors.ErrMeasurementNotFound)
}

// CheckedMeasurements returns the indices and names of the checked
// measurements of signal path sp.
func CheckedMeasurements(inst driver.Instrument, sp int) ([]Measurement, error) {
	count, err := inst.MeasurementCount(sp)
	if err != nil {
		return nil, apxerrors.NewDriverError("MeasurementCount", err)
	}
	var out []Measurement
	for i := 0; i < count; i++ {
		info, err := inst.Measurement(sp, i)
		if err != nil {
			return nil, apxerrors.NewDriverError("Measurement", err)
		}
		if info.Checked {
			out = append(out, Measurement{Index: i, Name: info.Name, Checked: true})
		}
	}
	return out, nil
}

// CheckedSignalPaths returns the checked signal paths of the active sequence,
// each carrying only its checked measurements.
func CheckedSignalPaths(inst driver.Instrument) ([]SignalPath, error) {
	count, err := inst.SignalPathCount()
	if err != nil {
		return nil, apxerrors.NewDriverError("SignalPathCount", err)
	}
	var out []SignalPath
	for sp := 0; sp < count; sp++ {
		info, err := inst.SignalPath(sp)
		if err != nil {
			return nil, apxerrors.NewDriverError("SignalPath", err).WithDetail(fmt.Sprintf("[%d]", sp))
		}
		if !info.Checked {
			continue
		}
		measurements, err := CheckedMeasurements(inst, sp)
		if err != nil {
			return nil, err
		}
		out = append(out, SignalPath{Index: sp, Name: info.Name, Checked: true, Measurements: measurements})
	}
	return out, nil
}
