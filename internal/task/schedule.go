package task

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"signbot/internal/config"
)

// defaultRunTime is used when a site's run_time is missing or malformed.
const defaultRunTime = "09:00:00"

// cronParser accepts standard five-field crontab expressions, an optional
// leading seconds field, and descriptors like "@daily".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRun computes when a site's next check-in should happen.
//
// A cron expression takes precedence and is used as-is. Otherwise the
// daily run_time ("HH:MM:SS" or "HH:MM", local) applies, plus a uniform
// random jitter of 0..random_range minutes; an instant already in the
// past rolls to the next day.
func NextRun(site *config.SiteConfig, now time.Time, rng *rand.Rand) (time.Time, error) {
	if expr := strings.TrimSpace(site.Cron); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("site %q: invalid cron %q: %w", site.Key(), expr, err)
		}
		return sched.Next(now), nil
	}

	h, m, sec, ok := parseRunTime(site.RunTime)
	if !ok {
		h, m, sec, _ = parseRunTime(defaultRunTime)
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, sec, 0, now.Location())
	if site.RandomRange > 0 && rng != nil {
		at = at.Add(time.Duration(rng.Intn(site.RandomRange+1)) * time.Minute)
	}
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

// RunTimeValid reports whether a run_time string parses; used by
// validation to warn about silently-defaulted values.
func RunTimeValid(s string) bool {
	_, _, _, ok := parseRunTime(s)
	return ok
}

func parseRunTime(s string) (h, m, sec int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, false
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := atoiStrict(p)
		if err != nil {
			return 0, 0, 0, false
		}
		nums[i] = n
	}
	h, m = nums[0], nums[1]
	if len(nums) == 3 {
		sec = nums[2]
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, false
	}
	return h, m, sec, true
}

func atoiStrict(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 2 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// TaskID builds the deterministic ID for a site's task on the scheduled day.
func TaskID(siteKey, taskType string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s_%s_%s", siteKey, taskType, scheduledAt.Format("20060102"))
}
