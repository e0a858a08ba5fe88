package adapter

import (
	"errors"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "mapbot/internal/transport"
)

// telebot formats API errors it has no sentinel for as "telegram: <desc> (<code>)".
var codeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify wraps a telebot error in a *kit.SendError.
//
//	400, 403       -> unreachable (chat not found, bot blocked, user deactivated)
//	429            -> throttled
//	5xx, network   -> transient
//	anything else  -> unknown
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *kit.SendError
	if errors.As(err, &se) {
		return err
	}
	code := errorCode(err)
	return &kit.SendError{Kind: kindFor(code, err), Code: code, Err: err}
}

func errorCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		return te.Code
	}
	msg := strings.ToLower(err.Error())
	if m := codeRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if strings.Contains(msg, "too many requests") || strings.Contains(msg, "retry after") {
		return 429
	}
	return 0
}

func kindFor(code int, err error) kit.FailureKind {
	switch {
	case code == 400 || code == 403:
		return kit.FailureUnreachable
	case code == 429:
		return kit.FailureThrottled
	case code >= 500 && code < 600:
		return kit.FailureTransient
	case code == 0 && isNetworkError(err):
		return kit.FailureTransient
	default:
		return kit.FailureUnknown
	}
}

func isNetworkError(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
