// Package units converts between ledger micro-units and display strings.
//
// Amounts are unsigned integers in the smallest unit; one whole token is
// 1,000,000 micro-units.
package units

import (
	"errors"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits in a whole token.
const Decimals = 6

const scale = 1_000_000

// ErrInvalidAmount is returned by Parse for malformed input.
var ErrInvalidAmount = errors.New("units: invalid amount")

// Format renders micro-units with trailing zeros trimmed, e.g. 1500000 -> "1.5".
func Format(micro uint64) string {
	whole := micro / scale
	frac := micro % scale
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	f := strconv.FormatUint(frac, 10)
	f = strings.Repeat("0", Decimals-len(f)) + f
	return strconv.FormatUint(whole, 10) + "." + strings.TrimRight(f, "0")
}

// Parse converts a decimal string into micro-units. Digits past the sixth
// fractional place are rejected rather than rounded.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && (frac == "" || whole == "") {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", Decimals-len(frac)), 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
	}
	if w > (^uint64(0)-f)/scale {
		return 0, ErrInvalidAmount
	}
	return w*scale + f, nil
}
