package driver

import (
	"slices"
	"testing"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"-Demo -APx517", []string{"-Demo", "-APx517"}},
		{"  -Demo\t -APx555  ", []string{"-Demo", "-APx555"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseArgs(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseArgs(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
