package task

import (
	"math/rand"
	"testing"
	"time"

	"signbot/internal/config"
)

func TestParseRunTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw              string
		h, m, sec        int
		ok               bool
	}{
		{raw: "09:00:00", h: 9, ok: true},
		{raw: "23:59:59", h: 23, m: 59, sec: 59, ok: true},
		{raw: "8:30", h: 8, m: 30, ok: true},
		{raw: " 12:15:30 ", h: 12, m: 15, sec: 30, ok: true},
		{raw: "", ok: false},
		{raw: "24:00:00", ok: false},
		{raw: "09:60:00", ok: false},
		{raw: "09:00:61", ok: false},
		{raw: "soon", ok: false},
		{raw: "09", ok: false},
		{raw: "09:00:00:00", ok: false},
		{raw: "9a:00", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			h, m, sec, ok := parseRunTime(tt.raw)
			if ok != tt.ok {
				t.Fatalf("parseRunTime(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
			if ok && (h != tt.h || m != tt.m || sec != tt.sec) {
				t.Fatalf("parseRunTime(%q) = %d:%d:%d", tt.raw, h, m, sec)
			}
		})
	}
}

func TestNextRunDaily(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)

	site := &config.SiteConfig{Name: "demo", RunTime: "09:00:00"}
	at, err := NextRun(site, now, nil)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)
	if !at.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", at, want)
	}

	// Already past today: rolls to tomorrow.
	late := time.Date(2026, 8, 25, 10, 0, 0, 0, time.Local)
	at, err = NextRun(site, late, nil)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if !at.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("NextRun after slot = %v, want next day %v", at, want.AddDate(0, 0, 1))
	}
}

func TestNextRunJitterBounds(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)
	site := &config.SiteConfig{Name: "demo", RunTime: "09:00:00", RandomRange: 30}
	rng := rand.New(rand.NewSource(1))

	lower := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)
	upper := lower.Add(30 * time.Minute)
	for i := 0; i < 200; i++ {
		at, err := NextRun(site, now, rng)
		if err != nil {
			t.Fatalf("NextRun error: %v", err)
		}
		if at.Before(lower) || at.After(upper) {
			t.Fatalf("jittered time %v outside [%v, %v]", at, lower, upper)
		}
		if at.Second() != 0 || at.Nanosecond() != 0 {
			t.Fatalf("jitter must be whole minutes, got %v", at)
		}
	}
}

func TestNextRunBadRunTimeFallsBack(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)
	site := &config.SiteConfig{Name: "demo", RunTime: "25:99"}
	at, err := NextRun(site, now, nil)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)
	if !at.Equal(want) {
		t.Fatalf("fallback = %v, want default 09:00:00 today", at)
	}
}

func TestNextRunCron(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)

	// Five-field crontab.
	site := &config.SiteConfig{Name: "demo", Cron: "30 12 * * *"}
	at, err := NextRun(site, now, nil)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if at.Hour() != 12 || at.Minute() != 30 {
		t.Fatalf("cron next = %v", at)
	}

	// Optional leading seconds field.
	site = &config.SiteConfig{Name: "demo", Cron: "15 30 12 * * *"}
	at, err = NextRun(site, now, nil)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if at.Hour() != 12 || at.Minute() != 30 || at.Second() != 15 {
		t.Fatalf("six-field cron next = %v", at)
	}

	// Malformed cron is an error, not a silent fallback.
	site = &config.SiteConfig{Name: "demo", Cron: "not a cron"}
	if _, err := NextRun(site, now, nil); err == nil {
		t.Fatal("expected error for malformed cron")
	}
}

func TestTaskID(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)
	if got := TaskID("demo", TypeSign, at); got != "demo_sign_20260825" {
		t.Fatalf("TaskID = %q", got)
	}
	// Rolled-over tasks carry the day they will actually run.
	if got := TaskID("demo", TypeSign, at.AddDate(0, 0, 1)); got != "demo_sign_20260826" {
		t.Fatalf("TaskID = %q", got)
	}
}
