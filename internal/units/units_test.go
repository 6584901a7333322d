package units

import (
	"errors"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0"},
		{50, "0.00005"},
		{1_500_000, "1.5"},
		{120_000_000, "120"},
		{1_000_001, "1.000001"},
	}
	for _, tc := range tests {
		if got := Format(tc.in); got != tc.want {
			t.Errorf("Format(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		err  bool
	}{
		{"1.5", 1_500_000, false},
		{"120", 120_000_000, false},
		{"0.000001", 1, false},
		{"0.0000001", 0, true},
		{"-1", 0, true},
		{"1.", 0, true},
		{".5", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if tc.err {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("Parse(%q) expected ErrInvalidAmount, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("Parse(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}
