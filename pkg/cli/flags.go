// Package cli validates and parses command-line inputs shared by the
// binaries.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// ParseSymbols splits a comma-separated symbol list and validates each
// entry as a KRX short code.
func ParseSymbols(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("no symbols given")
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		sym := strings.TrimSpace(part)
		if sym == "" {
			continue
		}
		if !core.ValidSymbol(sym) {
			return nil, fmt.Errorf("invalid symbol %q: want a six-digit code like 005930", sym)
		}
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no symbols given")
	}
	return out, nil
}

// ParseDay reads a YYYYMMDD date in KST. Empty input returns the zero
// time with no error so callers can apply their own default.
func ParseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("20060102", s, core.KST)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYYMMDD", s)
	}
	return t, nil
}

// ParseDayRange reads a start/end pair, requiring start <= end when
// both are given.
func ParseDayRange(startStr, endStr string) (start, end time.Time, err error) {
	if start, err = ParseDay(startStr); err != nil {
		return
	}
	if end, err = ParseDay(endStr); err != nil {
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		err = fmt.Errorf("end %s before start %s", endStr, startStr)
	}
	return
}
