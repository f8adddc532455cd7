package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"signbot/internal/config"
	"signbot/pkg/logx"
)

// TelegramChannel sends notifications to one fixed chat. The bot is used
// send-only; no update polling is started.
type TelegramChannel struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func NewTelegramChannel(cfg config.TelegramNotifyConfig, log logx.Logger) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Debug("telegram channel ready", logx.Int64("chat_id", cfg.ChatID))
	return &TelegramChannel{bot: b, chatID: cfg.ChatID, log: log}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, m Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, renderTelegram(m), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return err
}

// renderTelegram builds the HTML message: emoji prefix, bold site+title
// header, then the body. User-controlled strings are escaped.
func renderTelegram(m Message) string {
	var b strings.Builder
	b.WriteString(m.Priority.Prefix())
	if m.SiteName != "" {
		fmt.Fprintf(&b, "<b>【%s】", html.EscapeString(m.SiteName))
		if m.Title != "" {
			b.WriteString(html.EscapeString(m.Title))
		}
		b.WriteString("</b>")
	} else if m.Title != "" {
		fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(m.Title))
	}
	if m.Text != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(html.EscapeString(m.Text))
	}
	return b.String()
}

// LogSender adapts the send-only bot to the logx telegram sink, so error
// logs and notifications share one bot token.
type LogSender struct {
	bot    *tele.Bot
	chatID int64
}

func (t *TelegramChannel) LogSender() *LogSender {
	return &LogSender{bot: t.bot, chatID: t.chatID}
}

func (l *LogSender) SendText(ctx context.Context, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	_, err := l.bot.Send(&tele.Chat{ID: l.chatID}, text)
	return err
}
