package sites

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

func init() { Register(pcbetaStrategy{}) }

// pcbetaStrategy signs in on the PCBeta forum. Unlike the cookie-based
// strategies it logs in with username/password each run, then claims and
// draws the daily check-in task.
type pcbetaStrategy struct{}

func (pcbetaStrategy) Name() string { return "pcbeta" }

func (pcbetaStrategy) RequiresCredentials() bool { return true }

const (
	pcbetaLoginURL  = "https://i.pcbeta.com/member.php?mod=logging&action=login&loginsubmit=yes&inajax=1"
	pcbetaApplyURL  = "https://i.pcbeta.com/home.php?mod=task&do=apply&id=149"
	pcbetaDrawURL   = "https://i.pcbeta.com/home.php?mod=task&do=draw&id=149"
	pcbetaCreditURL = "https://i.pcbeta.com/home.php?mod=spacecp&ac=credit"
)

var (
	pcbetaNickRe    = regexp.MustCompile(`访问我的空间">(.+?)<`)
	pcbetaPBRe      = regexp.MustCompile(`<em>\s*PB币([\s\S]+?)</ul>`)
	pcbetaFormulaRe = regexp.MustCompile(`\s*\([^)]*总积分[^)]*\)\s*`)
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
)

func (pcbetaStrategy) SignIn(ctx context.Context, req Request) (string, error) {
	username := strings.TrimSpace(req.Site.Username)
	password := strings.TrimSpace(req.Site.Password)
	if username == "" || password == "" {
		return "", ErrCredentialMissing
	}

	form := url.Values{
		"username": {username},
		"password": {password},
	}
	_, status, err := req.postForm(ctx, pcbetaLoginURL, form, nil)
	if err != nil {
		return "", fmt.Errorf("登录请求失败: %w", err)
	}
	if status != 200 {
		return "", fmt.Errorf("登录失败: HTTP %d", status)
	}

	// The forum wants a pause between claiming the task and drawing it.
	if err := sleep(ctx, 2*stepDelay); err != nil {
		return "", err
	}
	if _, _, err := req.get(ctx, pcbetaApplyURL, nil); err != nil {
		return "", fmt.Errorf("领取任务失败: %w", err)
	}
	if err := sleep(ctx, 2*stepDelay); err != nil {
		return "", err
	}
	body, _, err := req.get(ctx, pcbetaDrawURL, nil)
	if err != nil {
		return "", fmt.Errorf("完成任务失败: %w", err)
	}

	var signStatus string
	switch {
	case strings.Contains(body, "成功完成"):
		signStatus = "签到成功"
	case strings.Contains(body, "不是进行中"), strings.Contains(body, "已完成过"):
		signStatus = "今日已签到"
	default:
		signStatus = "签到完成"
	}

	if info := pcbetaCreditInfo(ctx, req, username); info != "" {
		return signStatus + "\n" + info, nil
	}
	return signStatus, nil
}

// pcbetaCreditInfo scrapes the credit page for the PB balance line; any
// failure just shortens the notification.
func pcbetaCreditInfo(ctx context.Context, req Request, fallbackName string) string {
	if err := sleep(ctx, 2*stepDelay); err != nil {
		return ""
	}
	html, status, err := req.get(ctx, pcbetaCreditURL, nil)
	if err != nil || status != 200 {
		return ""
	}

	nickname := fallbackName
	if m := pcbetaNickRe.FindStringSubmatch(html); m != nil {
		nickname = m[1]
	}

	m := pcbetaPBRe.FindString(html)
	if m == "" {
		return ""
	}
	clean := htmlTagRe.ReplaceAllString(m, " ")
	clean = strings.ReplaceAll(clean, "&nbsp;", " ")
	clean = strings.ReplaceAll(clean, "&amp;", "&")
	clean = strings.Join(strings.Fields(clean), " ")
	clean = pcbetaFormulaRe.ReplaceAllString(clean, "")
	if clean == "" {
		return ""
	}
	return nickname + " " + clean
}
