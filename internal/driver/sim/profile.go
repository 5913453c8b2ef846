package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes the project structure and behavior of a simulated
// instrument.
type Profile struct {
	// Sequences is the structure reported once a project is open.
	Sequences []SequenceSpec `yaml:"sequences"`
	// Active is the sequence active right after a project opens.
	// Empty means the first sequence.
	Active string `yaml:"active"`
	// RunDelay is how long every sequence or measurement run blocks.
	RunDelay time.Duration `yaml:"run_delay"`
	// ResultsDir, when set, receives a result directory per sequence run,
	// named <correlation id>-<timestamp>.
	ResultsDir string `yaml:"results_dir"`
	// Failures maps an operation name (Initialize, Start, OpenProject,
	// Sequences, ActivateSequence, RunSequence, RunMeasurement, SetVariable,
	// Close, ...) to an error message returned by that operation.
	Failures map[string]string `yaml:"failures"`
}

// SequenceSpec is one simulated sequence.
type SequenceSpec struct {
	Name        string           `yaml:"name"`
	Fail        bool             `yaml:"fail"`
	SignalPaths []SignalPathSpec `yaml:"signal_paths"`
}

// SignalPathSpec is one simulated signal path.
type SignalPathSpec struct {
	Name         string            `yaml:"name"`
	Unchecked    bool              `yaml:"unchecked"`
	Measurements []MeasurementSpec `yaml:"measurements"`
}

// MeasurementSpec is one simulated measurement and its canned reading.
type MeasurementSpec struct {
	Name        string             `yaml:"name"`
	Unchecked   bool               `yaml:"unchecked"`
	Fail        bool               `yaml:"fail"`
	MeterValues map[string]float64 `yaml:"meter_values"`
	LowerLimits map[string]float64 `yaml:"lower_limits"`
	UpperLimits map[string]float64 `yaml:"upper_limits"`
}

// DefaultProfile returns a small two-sequence project.
func DefaultProfile() *Profile {
	return &Profile{
		Sequences: []SequenceSpec{
			{
				Name: "Production Test",
				SignalPaths: []SignalPathSpec{
					{
						Name: "Analog Output",
						Measurements: []MeasurementSpec{
							{
								Name:        "Level and Gain",
								MeterValues: map[string]float64{"Ch1": -0.12, "Ch2": -0.09},
								LowerLimits: map[string]float64{"Ch1": -1, "Ch2": -1},
								UpperLimits: map[string]float64{"Ch1": 1, "Ch2": 1},
							},
							{Name: "THD+N", MeterValues: map[string]float64{"Ch1": -92.4, "Ch2": -91.8}},
							{Name: "Frequency Response", Unchecked: true},
						},
					},
					{
						Name: "Digital Input",
						Measurements: []MeasurementSpec{
							{Name: "Signal to Noise Ratio", MeterValues: map[string]float64{"Ch1": 104.2}},
						},
					},
				},
			},
			{
				Name: "Verification",
				SignalPaths: []SignalPathSpec{
					{
						Name:         "Loopback",
						Measurements: []MeasurementSpec{{Name: "Crosstalk"}},
					},
				},
			},
		},
	}
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse sim profile: %w", err)
	}
	if len(p.Sequences) == 0 {
		return nil, fmt.Errorf("sim profile %s defines no sequences", path)
	}
	return p, nil
}
