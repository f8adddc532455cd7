package executor

import "strings"

// Indicator fragments per failure family, checked in order: cookie/auth
// first (a dead cookie often shows up as a redirect-to-login, which would
// otherwise read as a login failure), then network, then login.
var (
	cookieIndicators  = []string{"cookie", "403", "登录失效", "cookie失效"}
	networkIndicators = []string{"timeout", "connection", "网络", "超时"}
	loginIndicators   = []string{"login", "401", "密码", "登录失败"}
)

// Classify labels a failure by scanning the result message and error text
// for known fragments. Best-effort: the sites phrase failures loosely, so
// the first family with a hit wins and anything unrecognized stays
// retryable.
func Classify(message string, err error) Kind {
	text := strings.ToLower(message)
	if err != nil {
		text += " " + strings.ToLower(err.Error())
	}
	switch {
	case containsAny(text, cookieIndicators):
		return KindCookieExpired
	case containsAny(text, networkIndicators):
		return KindNetworkError
	case containsAny(text, loginIndicators):
		return KindLoginFailed
	default:
		return KindUnknown
	}
}

func containsAny(text string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(text, sub) {
			return true
		}
	}
	return false
}
