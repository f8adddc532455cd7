package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

// FileConfig controls the JSON file sink. Lines land in
// <dir>/<name>_YYYYMMDD.log, rotate on the first write of a new day,
// and files older than MaxDays are pruned during rotation.
type FileConfig struct {
	Enabled bool
	Dir     string
	Name    string
	MaxDays int
}

type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec float64
}

// Sender delivers one rendered line to a chat. Implementations must be
// safe for concurrent use; the service never blocks on them.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

const chatQueueDepth = 256

// Service owns the process-wide sinks and swaps them atomically on
// Apply, so loggers created before a reload pick up the new outputs.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	cfg      Config
	file     *dailyWriter
	sender   Sender
	chatMin  zerolog.Level
	chatRate *rate.Limiter

	lines     chan string
	startOnce sync.Once
	stopChat  context.CancelFunc
	chatWG    sync.WaitGroup
}

// New builds the service, applies cfg, and returns the root logger.
// A chat Sender is attached later through SetSender once one exists;
// until then chat-bound lines are dropped.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{lines: make(chan string, chatQueueDepth)}

	boot := zerolog.New(consoleWriter()).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&boot)

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

// SetSender wires or replaces the chat delivery backend. Passing nil
// detaches it.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Apply rebuilds the sink set from cfg. Safe to call concurrently with
// logging; in-flight lines go to whichever root they loaded.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.chatMin = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := cfg.Telegram.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	// Burst of one: chat forwarding should trickle, not spike.
	s.chatRate = rate.NewLimiter(rate.Limit(rps), 1)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := make([]io.Writer, 0, 3)
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if cfg.File.Enabled {
		dir := orDefault(cfg.File.Dir, "logs")
		name := orDefault(cfg.File.Name, "signbot")
		s.file = newDailyWriter(dir, name, cfg.File.MaxDays)
		sinks = append(sinks, s.file)
	}
	if cfg.Telegram.Enabled {
		s.startOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.stopChat = cancel
			s.chatWG.Add(1)
			go func() {
				defer s.chatWG.Done()
				s.sendLoop(ctx)
			}()
		})
		sinks = append(sinks, &chatSink{svc: s})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.stopChat
	s.stopChat = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.chatWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

func (s *Service) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-s.lines:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendText(ctx, line)
		}
	}
}

func consoleWriter() io.Writer {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	// The caller field is already file:line; keep it verbatim.
	cw.FormatCaller = func(v interface{}) string {
		site, _ := v.(string)
		return site
	}
	return cw
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// chatSink turns zerolog JSON lines into chat text. It filters by the
// configured minimum level, rate limits, and drops rather than blocks
// when the queue is full.
type chatSink struct{ svc *Service }

func (w *chatSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	sender := s.sender
	lim := s.chatRate
	min := s.chatMin
	s.mu.Unlock()

	if sender == nil || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	line := renderChatLine(p)
	if line == "" {
		return len(p), nil
	}
	select {
	case s.lines <- line:
	default:
	}
	return len(p), nil
}

const (
	chatLineMax  = 3500
	chatValueMax = 600
	chatStackMax = 800
)

// renderChatLine flattens one zerolog JSON line into readable chat
// text: "LEVEL message" followed by sorted key=value lines.
func renderChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), chatLineMax)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString(" ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		max := chatValueMax
		if k == "stack" {
			max = chatStackMax
		}
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(clip(fmt.Sprint(m[k]), max))
	}
	return clip(b.String(), chatLineMax)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
