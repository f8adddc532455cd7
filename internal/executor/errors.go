package executor

import (
	"errors"
	"fmt"

	"signbot/internal/sites"
)

// Kind labels a check-in failure. The label picks the retry policy and
// the wording of the operator notification.
type Kind string

const (
	KindNone              Kind = ""
	KindCookieExpired     Kind = "cookie_expired"
	KindNetworkError      Kind = "network_error"
	KindLoginFailed       Kind = "login_failed"
	KindUnknown           Kind = "unknown"
	KindStrategyNotFound  Kind = "strategy_not_found"
	KindCredentialMissing Kind = "credential_missing"
	KindConfigIO          Kind = "config_io"
)

// Terminal reports whether retrying can ever help. Unknown strategies and
// missing credentials only change when the operator edits the config, so
// the task fails immediately instead of burning its retry budget.
func (k Kind) Terminal() bool {
	return k == KindStrategyNotFound || k == KindCredentialMissing
}

// NeedsReauth reports whether the failure asks for new credentials or a
// fresh cookie rather than a retry.
func (k Kind) NeedsReauth() bool {
	return k == KindCookieExpired || k == KindLoginFailed || k == KindCredentialMissing
}

// Error tags an underlying failure with its Kind so callers branch on the
// label instead of matching sentinel errors per failure mode.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Tag wraps err with kind. A nil err stays nil.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind tag from err. Untagged sentinels from the
// sites package map to their kinds; anything else is classified by text.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, sites.ErrUnknownStrategy):
		return KindStrategyNotFound
	case errors.Is(err, sites.ErrCredentialMissing):
		return KindCredentialMissing
	}
	return Classify("", err)
}
