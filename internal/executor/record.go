package executor

import (
	"fmt"
	"time"

	"signbot/internal/config"
	logx "signbot/pkg/logx"
)

// Notifier receives the one message produced per finished task; the
// notification service implements it.
type Notifier interface {
	NotifySignResult(site string, success bool, text string)
}

// Outcome is the terminal result of a check-in task. Retries that are
// still scheduled never become an Outcome.
type Outcome struct {
	SiteKey  string
	Success  bool
	Message  string
	Kind     Kind
	Attempts int
}

// Recorder persists terminal outcomes into the config document and hands
// the notifier exactly one message per outcome.
type Recorder struct {
	store  *config.Store
	notify Notifier
	log    logx.Logger
}

func NewRecorder(store *config.Store, notify Notifier, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, notify: notify, log: log}
}

// Record writes the site's last_sign_time, last_sign_status and
// last_sign_message in a single document update (always all three, both
// outcomes) and enqueues the notification. A failed document write is
// logged and returned, but the notification still goes out: the operator
// hearing about a result beats the document recording it.
func (r *Recorder) Record(o Outcome, now time.Time) error {
	status := config.StatusFailed
	if o.Success {
		status = config.StatusSuccess
	}

	var err error
	if r.store != nil {
		_, err = r.store.Update(func(doc *config.Document) error {
			site := doc.Site(o.SiteKey)
			if site == nil {
				return fmt.Errorf("site %q no longer in config", o.SiteKey)
			}
			site.LastSignTime = config.FormatTime(now)
			site.LastSignStatus = status
			site.LastSignMessage = o.Message
			return nil
		})
		if err != nil {
			r.log.Error("recording sign result failed",
				logx.String("site", o.SiteKey),
				logx.String("status", status),
				logx.Err(err),
			)
		}
	}

	if r.notify != nil {
		r.notify.NotifySignResult(o.SiteKey, o.Success, notificationText(o))
	}
	return err
}

// notificationText renders the outcome for the operator. Failures that
// exhausted their retries (or could never be retried) get the manual
// check-in request with the classified kind.
func notificationText(o Outcome) string {
	if o.Success {
		return o.Message
	}
	return fmt.Sprintf("%s\n原因类别: %s（已尝试 %d 次）\n自动重试已停止，请检查配置或手动签到", o.Message, kindLabel(o.Kind), o.Attempts)
}

// kindLabel is the operator-facing name of a failure kind.
func kindLabel(k Kind) string {
	switch k {
	case KindCookieExpired:
		return "Cookie失效"
	case KindNetworkError:
		return "网络异常"
	case KindLoginFailed:
		return "登录失败"
	case KindStrategyNotFound:
		return "站点模块不存在"
	case KindCredentialMissing:
		return "缺少用户名或密码"
	case KindConfigIO:
		return "配置读写失败"
	default:
		return "未知错误"
	}
}
