package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

func init() { Register(acfunStrategy{}) }

// acfunStrategy signs in through AcFun's JSON API: warm the member page,
// hit the signIn endpoint, then best-effort read the account balance for
// the notification text.
type acfunStrategy struct{}

func (acfunStrategy) Name() string { return "acfun" }

const (
	acfunMemberURL = "https://www.acfun.cn/member/"
	acfunSignURL   = "https://www.acfun.cn/rest/pc-direct/user/signIn"
	acfunInfoURL   = "https://www.acfun.cn/rest/pc-direct/user/personalInfo"
	acfunCoinURL   = "https://www.acfun.cn/rest/pc-direct/payment/acCoin"
)

var acfunHeaders = map[string]string{
	"Accept":          "application/json, text/plain, */*",
	"Accept-Language": "zh-CN,zh;q=0.9",
	"Referer":         acfunMemberURL,
}

type acfunSignResult struct {
	Result      int    `json:"result"`
	Msg         string `json:"msg"`
	HostMsg     string `json:"host-msg"`
	AwardCoin   int    `json:"awardCoin"`
	AwardBanana int    `json:"awardBanana"`
}

func (acfunStrategy) SignIn(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Site.Cookie) == "" {
		return "", fmt.Errorf("配置错误：缺少Cookie")
	}

	_, status, err := req.get(ctx, acfunMemberURL, acfunHeaders)
	if err != nil {
		return "", fmt.Errorf("网络请求异常: %w", err)
	}
	if status != 200 {
		return "", fmt.Errorf("无法访问个人中心，Cookie可能已过期")
	}

	body, status, err := req.get(ctx, acfunSignURL, acfunHeaders)
	if err != nil {
		return "", fmt.Errorf("网络请求异常: %w", err)
	}
	if status != 200 {
		return "", fmt.Errorf("HTTP %d", status)
	}

	var result acfunSignResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return "", fmt.Errorf("返回数据格式异常")
	}

	balance := acfunBalance(ctx, req)

	switch {
	case result.Result == 0:
		msg := fmt.Sprintf("签到成功\n奖励: %d金币, %d香蕉", result.AwardCoin, result.AwardBanana)
		if balance != "" {
			msg += "\n" + balance
		}
		return msg, nil
	case result.Result == 1,
		strings.Contains(strings.ToLower(result.Msg), "duplicate"),
		strings.Contains(result.Msg, "已"):
		msg := result.Msg
		if msg == "" {
			msg = "今日已签到"
		}
		if balance != "" {
			msg += "\n" + balance
		}
		return msg, nil
	default:
		detail := strings.TrimSpace(result.Msg + " " + result.HostMsg)
		if detail == "" {
			detail = "未知错误"
		}
		return "", fmt.Errorf("%s", detail)
	}
}

// acfunBalance fetches banana/coin balances; failures just mean a shorter
// notification.
func acfunBalance(ctx context.Context, req Request) string {
	body, status, err := req.get(ctx, acfunInfoURL, acfunHeaders)
	if err != nil || status != 200 {
		return ""
	}
	var info struct {
		Result int `json:"result"`
		Info   struct {
			Banana     int `json:"banana"`
			GoldBanana int `json:"goldBanana"`
		} `json:"info"`
	}
	if err := json.Unmarshal([]byte(body), &info); err != nil || info.Result != 0 {
		return ""
	}

	acCoin := 0
	if body, status, err := req.get(ctx, acfunCoinURL, acfunHeaders); err == nil && status == 200 {
		var coin struct {
			Result int `json:"result"`
			ACCoin int `json:"acCoin"`
		}
		if err := json.Unmarshal([]byte(body), &coin); err == nil && coin.Result == 0 {
			acCoin = coin.ACCoin
		}
	}
	return fmt.Sprintf("余额: %d香蕉, %d金香蕉, %dAC币", info.Info.Banana, info.Info.GoldBanana, acCoin)
}
