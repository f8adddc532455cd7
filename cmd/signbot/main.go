package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signbot/internal/app"
	"signbot/internal/config"
	"signbot/internal/cookie"
	"signbot/internal/eventbus"
	"signbot/internal/keepalive"
	"signbot/internal/refresh/cloudsync"
	"signbot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	switch cmd := flag.Arg(0); cmd {
	case "", "run":
		os.Exit(runDaemon(cfgPath))
	case "status":
		os.Exit(runStatus(cfgPath))
	case "sync":
		os.Exit(runSync(cfgPath))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected run, status or sync)\n", cmd)
		os.Exit(2)
	}
}

func runDaemon(cfgPath string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
		cancel()
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		return 1
	}
	return 0
}

// runStatus prints a read-only per-site view straight from the document;
// nothing is executed and nothing is written.
func runStatus(cfgPath string) int {
	store := config.NewStore(cfgPath, logx.Nop())
	doc, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	now := time.Now()
	fmt.Printf("%-18s %-8s %-32s %-22s %s\n", "SITE", "ENABLED", "COOKIE", "NEXT REFRESH", "LAST SIGN")
	for i := range doc.Sites {
		s := &doc.Sites[i]
		v := cookie.AnalyzeRaw(s.Cookie, now)

		var state string
		switch {
		case strings.TrimSpace(s.Cookie) == "":
			state = "none"
		case v.Valid:
			state = "valid until " + v.ExpiresAt.Local().Format("2006-01-02 15:04")
		case v.HasTimestamp:
			state = "expired " + v.ExpiresAt.Local().Format("2006-01-02 15:04")
		case v.HasAuthMarker:
			state = "no expiry found"
		default:
			state = "no auth marker"
		}

		next := "-"
		if s.Keepalive.Enabled && !strings.EqualFold(strings.TrimSpace(s.Keepalive.Method), config.KeepaliveMethodNone) {
			at := cookie.NextRefresh(v, now)
			// A pending retry marker governs once set.
			if t, ok := config.ParseTime(s.Keepalive.NextRetry); ok {
				at = t
			}
			next = at.Local().Format("2006-01-02 15:04")
		}

		last := "-"
		if t := strings.TrimSpace(s.LastSignTime); t != "" {
			last = t
			if st := strings.TrimSpace(s.LastSignStatus); st != "" {
				last += " (" + st + ")"
			}
		}

		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		fmt.Printf("%-18s %-8s %-32s %-22s %s\n", s.Key(), enabled, state, next, last)
	}
	return 0
}

// runSync performs one explicit cloud-sync pass over every eligible site
// and exits; this is the manual counterpart of the daemon's fallback path.
func runSync(cfgPath string) int {
	log := logx.NewConsole("INFO")
	store := config.NewStore(cfgPath, log.With(logx.String("comp", "config")))
	doc, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	if !doc.CookieCloud.Configured() {
		fmt.Fprintln(os.Stderr, "cookiecloud is not configured")
		return 1
	}

	coord := keepalive.New(keepalive.Options{
		Store:     store,
		Secondary: cloudsync.New(doc.CookieCloud, log.With(logx.String("comp", "cloudsync"))),
		Verifier:  keepalive.NewVerifier(log),
		Log:       log.With(logx.String("comp", "keepalive")),
		Bus:       eventbus.New(),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := coord.SyncAll(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync:", err)
		return 1
	}
	fmt.Printf("cloud sync updated %d site(s)\n", n)
	return 0
}
