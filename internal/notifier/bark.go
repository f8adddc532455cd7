package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"signbot/internal/config"
	"signbot/pkg/logx"
)

const (
	barkEndpoint = "https://api.day.app"
	barkTimeout  = 10 * time.Second
)

// BarkChannel pushes notifications through the Bark app (api.day.app).
type BarkChannel struct {
	key      string
	group    string
	sound    string
	icon     string
	url      string
	endpoint string
	http     *http.Client
	log      logx.Logger
}

func NewBarkChannel(cfg config.BarkNotifyConfig, log logx.Logger) (*BarkChannel, error) {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		return nil, errors.New("bark key is empty")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "app-sign"
	}
	sound := strings.TrimSpace(cfg.Sound)
	if sound == "" {
		sound = "silence"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BarkChannel{
		key:      key,
		group:    group,
		sound:    sound,
		icon:     strings.TrimSpace(cfg.Icon),
		url:      strings.TrimSpace(cfg.URL),
		endpoint: barkEndpoint,
		http:     &http.Client{Timeout: barkTimeout},
		log:      log,
	}, nil
}

// WithEndpoint overrides the Bark server, for self-hosted instances and
// tests.
func (b *BarkChannel) WithEndpoint(u string) *BarkChannel {
	b.endpoint = strings.TrimRight(strings.TrimSpace(u), "/")
	return b
}

func (b *BarkChannel) Name() string { return "bark" }

type barkPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group"`
	Sound string `json:"sound"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (b *BarkChannel) Send(ctx context.Context, m Message) error {
	title := m.Title
	if m.SiteName != "" {
		title = fmt.Sprintf("【%s】签到通知", m.SiteName)
	}
	payload := barkPayload{
		Title: title,
		Body:  fmt.Sprintf("%s\n时间：%s", m.Text, time.Now().Format("15:04:05")),
		Group: b.group,
		Sound: b.sound,
		Icon:  b.icon,
		URL:   b.url,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bark payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/"+url.PathEscape(b.key), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("bark push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snip, _ := io.ReadAll(io.LimitReader(resp.Body, 120))
		return fmt.Errorf("bark push: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snip)))
	}
	b.log.Debug("bark push delivered", logx.String("site", m.SiteName))
	return nil
}
