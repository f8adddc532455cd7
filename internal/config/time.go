package config

import (
	"strings"
	"time"
)

// Timestamps in the document are strings so hand-edited values and values
// written by older tooling keep loading. Anything unparseable is treated
// as absent rather than failing the whole document.

const timeLayout = time.RFC3339

func FormatTime(t time.Time) string { return t.Format(timeLayout) }

var lenientLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses a stored timestamp. Zone-less layouts are interpreted
// in local time, matching how they were written by hand or by older tools.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range lenientLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SameDay reports whether both instants fall on the same calendar day
// in local time.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
