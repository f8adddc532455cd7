package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

func init() { Register(discuzStrategy{}) }

// discuzStrategy signs in on Discuz! forums running the dsu_paulsign
// check-in plugin. The flow is cookie-based: warm request, scrape
// formhash, POST the check-in form, read the reward text.
type discuzStrategy struct{}

func (discuzStrategy) Name() string { return "discuz" }

var (
	formhashRe = regexp.MustCompile(`formhash=([a-z0-9]+)`)

	creditTodayRe = []*regexp.Regexp{
		regexp.MustCompile(`今日积分[:：]\s*(\d+)`),
		regexp.MustCompile(`今日获得\s*(\d+)\s*积分`),
		regexp.MustCompile(`获得\s*(\d+)\s*积分`),
	}
	creditStreakRe = []*regexp.Regexp{
		regexp.MustCompile(`连续签到[:：]\s*(\d+)\s*天`),
		regexp.MustCompile(`已连续签到\s*(\d+)\s*天`),
	}
	creditTotalRe = []*regexp.Regexp{
		regexp.MustCompile(`总签到天数[:：]\s*(\d+)\s*天`),
		regexp.MustCompile(`累计签到\s*(\d+)\s*天`),
	}
)

func (discuzStrategy) SignIn(ctx context.Context, req Request) (string, error) {
	base := strings.TrimSpace(req.Site.URL)
	if base == "" {
		return "", fmt.Errorf("配置错误：缺少url")
	}
	if strings.TrimSpace(req.Site.Cookie) == "" {
		return "", fmt.Errorf("配置错误：缺少Cookie")
	}

	// Warm request: some forums only mint the session server-side on the
	// second hit.
	if _, _, err := req.get(ctx, base, nil); err != nil {
		return "", fmt.Errorf("访问首页失败: %w", err)
	}
	if err := sleep(ctx, stepDelay); err != nil {
		return "", err
	}

	html, _, err := req.get(ctx, base, nil)
	if err != nil {
		return "", fmt.Errorf("访问首页失败: %w", err)
	}
	m := formhashRe.FindStringSubmatch(html)
	if m == nil {
		return "", fmt.Errorf("Cookie已失效，无法获取formhash")
	}
	if err := sleep(ctx, stepDelay); err != nil {
		return "", err
	}

	signURL := joinURL(base, "plugin.php?id=dsu_paulsign:sign&operation=qiandao&infloat=1&inajax=1")
	form := url.Values{
		"formhash":  {m[1]},
		"qdxq":      {"kx"},
		"qdmode":    {"1"},
		"todaysay":  {"Good Day"},
		"fastreply": {"0"},
	}
	headers := map[string]string{
		"Referer":          base,
		"X-Requested-With": "XMLHttpRequest",
	}
	body, _, err := req.postForm(ctx, signURL, form, headers)
	if err != nil {
		return "", fmt.Errorf("签到请求失败: %w", err)
	}

	return parseDiscuzResult(body), nil
}

// parseDiscuzResult turns the check-in response (JSON on some skins, HTML
// on others) into a status line plus any reward detail found.
func parseDiscuzResult(body string) string {
	status, details := "", []string{}

	var payload struct {
		Success        bool            `json:"success"`
		Message        string          `json:"message"`
		Credit         json.RawMessage `json:"credit"`
		ContinuousDays json.RawMessage `json:"continuous_days"`
		TotalDays      json.RawMessage `json:"total_days"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		if v := rawNumber(payload.Credit); v != "" {
			details = append(details, "今日积分："+v)
		}
		if v := rawNumber(payload.ContinuousDays); v != "" {
			details = append(details, "连续签到："+v+" 天")
		}
		if v := rawNumber(payload.TotalDays); v != "" {
			details = append(details, "总签到天数："+v+" 天")
		}
		switch {
		case payload.Success || strings.Contains(payload.Message, "成功"):
			status = "签到成功"
		case strings.Contains(payload.Message, "已经") || strings.Contains(payload.Message, "已签"):
			status = "今日已签到"
		case payload.Message != "":
			status = payload.Message
		default:
			status = "签到完成"
		}
	} else {
		if v := firstMatch(creditTodayRe, body); v != "" {
			details = append(details, "今日积分："+v)
		}
		if v := firstMatch(creditStreakRe, body); v != "" {
			details = append(details, "连续签到："+v+" 天")
		}
		if v := firstMatch(creditTotalRe, body); v != "" {
			details = append(details, "总签到天数："+v+" 天")
		}
		switch {
		case strings.Contains(body, "成功"):
			status = "签到成功"
		case strings.Contains(body, "已经") || strings.Contains(body, "已签"):
			status = "今日已签到"
		default:
			status = "签到完成"
		}
	}

	if len(details) == 0 {
		return status
	}
	return status + "\n" + strings.Join(details, "\n")
}

// rawNumber renders a JSON field that forums ship as either number or
// string.
func rawNumber(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return ""
	}
	return s
}

func firstMatch(res []*regexp.Regexp, body string) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	return ""
}
