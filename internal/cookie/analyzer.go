// Package cookie analyzes session cookie strings: parsing, locating the
// login marker, extracting embedded expiry timestamps, and deriving when
// the next refresh should happen. Everything here is pure; persistence
// and scheduling live elsewhere.
package cookie

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// authMarkerSuffix identifies the session field whose presence means
	// the cookie represents a logged-in session (Discuz-style "*_auth").
	authMarkerSuffix = "_auth"

	// refreshMargin is added to the embedded expiry to get the next
	// refresh instant for a cookie with a readable timestamp.
	refreshMargin = 120 * time.Second

	// missingMarkerDelay schedules a near-immediate refresh when the
	// cookie has no auth marker at all (not logged in, or wrong cookie).
	missingMarkerDelay = 30 * time.Second

	// indeterminateDelay is used when validity cannot be determined from
	// the cookie content (no timestamp, or already expired).
	indeterminateDelay = 2 * time.Minute
)

// unix second timestamps between 2001-09-09 and 2033-05-18
var timestampRe = regexp.MustCompile(`\b1\d{9}\b`)

// Parse splits a raw Cookie header into name/value pairs. Fields are
// separated by ';', each split at its first '='; fields without '=' or
// with an empty name are dropped. Duplicate names keep the last value.
func Parse(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			continue
		}
		name := strings.TrimSpace(part[:eq])
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(part[eq+1:])
	}
	return out
}

// AuthMarker returns the name of the first field (in sorted order, for
// determinism) whose lowercased name ends in "_auth" and whose value is
// non-empty.
func AuthMarker(cookies map[string]string) (string, bool) {
	for _, name := range sortedNames(cookies) {
		if strings.HasSuffix(strings.ToLower(name), authMarkerSuffix) && cookies[name] != "" {
			return name, true
		}
	}
	return "", false
}

// Timestamps extracts at most one unix-second timestamp per field: the
// first 10-digit run starting with '1' found in the value.
func Timestamps(cookies map[string]string) map[string]int64 {
	out := make(map[string]int64)
	for name, value := range cookies {
		m := timestampRe.FindString(value)
		if m == "" {
			continue
		}
		ts, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out[name] = ts
	}
	return out
}

// Validity is the outcome of analyzing one cookie at one instant.
type Validity struct {
	HasAuthMarker bool
	AuthMarker    string // field name carrying the marker

	HasTimestamp bool
	MaxField     string // field holding the governing (largest) timestamp
	MaxTimestamp int64
	ExpiresAt    time.Time

	// Valid means the governing timestamp is still in the future.
	// Cookies without any timestamp are never Valid; callers decide how
	// to treat indeterminate ones.
	Valid bool
}

// Remaining returns how much validity is left at now (zero when expired
// or indeterminate).
func (v Validity) Remaining(now time.Time) time.Duration {
	if !v.HasTimestamp {
		return 0
	}
	if d := v.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Analyze inspects parsed cookie fields at now. Validity is governed by
// the LARGEST embedded timestamp: refreshing one field of a multi-field
// session must not make the whole cookie look expired.
func Analyze(cookies map[string]string, now time.Time) Validity {
	var v Validity
	v.AuthMarker, v.HasAuthMarker = AuthMarker(cookies)

	ts := Timestamps(cookies)
	for _, name := range sortedNames(ts) {
		if !v.HasTimestamp || ts[name] > v.MaxTimestamp {
			v.HasTimestamp = true
			v.MaxField = name
			v.MaxTimestamp = ts[name]
		}
	}
	if v.HasTimestamp {
		v.ExpiresAt = time.Unix(v.MaxTimestamp, 0)
		v.Valid = v.ExpiresAt.After(now)
	}
	return v
}

// AnalyzeRaw is Analyze on an unparsed cookie string.
func AnalyzeRaw(raw string, now time.Time) Validity {
	return Analyze(Parse(raw), now)
}

// NextRefresh derives the next refresh instant from an analysis:
//
//   - no auth marker: near-immediate (now + 30s); the cookie is not a
//     logged-in session and waiting longer cannot help;
//   - no timestamp, or already expired: short delay (now + 2m) so the
//     refresher re-examines soon without hammering;
//   - valid: shortly after the embedded expiry (expiry + margin), which
//     is an absolute instant independent of now.
func NextRefresh(v Validity, now time.Time) time.Time {
	if !v.HasAuthMarker {
		return now.Add(missingMarkerDelay)
	}
	if !v.Valid {
		return now.Add(indeterminateDelay)
	}
	return v.ExpiresAt.Add(refreshMargin)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
