package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TradingWindow restricts trading to a set of weekdays and an inclusive
// HH:MM range. A zero window is open around the clock.
type TradingWindow struct {
	Days  []time.Weekday
	Start string
	End   string
}

func (w TradingWindow) IsZero() bool {
	return len(w.Days) == 0 && w.Start == "" && w.End == ""
}

// Validate checks the clock strings.
func (w TradingWindow) Validate() error {
	if (w.Start == "") != (w.End == "") {
		return fmt.Errorf("trading window needs both start and end, got %q-%q", w.Start, w.End)
	}
	if w.Start == "" {
		return nil
	}
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	_, err := parseClock(w.End)
	return err
}

func (w TradingWindow) IsOpen(ts time.Time) bool {
	if len(w.Days) > 0 {
		open := false
		for _, d := range w.Days {
			if ts.Weekday() == d {
				open = true
				break
			}
		}
		if !open {
			return false
		}
	}
	if w.Start == "" || w.End == "" {
		return true
	}
	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		return true
	}
	now := ts.Hour()*60 + ts.Minute()
	if start <= end {
		return now >= start && now <= end
	}
	// overnight session
	return now >= start || now <= end
}

// parseClock returns minutes since midnight for "HH:MM".
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ParseWeekday accepts a weekday name ("mon", "Monday") or a number where
// 0 is Monday and 6 is Sunday.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday %d out of range 0-6", n)
		}
		return time.Weekday((n + 1) % 7), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
