package rotation

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/essencia/newsletter-engine/internal/esp"
)

// ErrNoProviderAvailable is returned when every configured account is
// exhausted, excluded, or missing credentials. Callers back off rather than
// treating it as a per-message failure.
var ErrNoProviderAvailable = errors.New("no provider available")

// ErrClass buckets vendor failures into the small taxonomy that drives
// rotation: recoverable classes exclude the account and retry elsewhere,
// content errors propagate because the payload itself is presumed bad.
type ErrClass string

const (
	ClassAuth      ErrClass = "auth_error"
	ClassRateLimit ErrClass = "rate_limit"
	ClassServer    ErrClass = "server_error"
	ClassContent   ErrClass = "content_error"
)

// Recoverable reports whether a failure class should trigger account
// exclusion and a retry with a different provider.
func (c ErrClass) Recoverable() bool {
	switch c {
	case ClassAuth, ClassRateLimit, ClassServer:
		return true
	}
	return false
}

// Classify maps a send outcome onto the failure taxonomy. Status codes win
// over error text; unclassifiable failures fall through to content_error.
func Classify(res *esp.SendResult, err error) ErrClass {
	if res != nil {
		if res.RateLimited {
			return ClassRateLimit
		}
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			return ClassAuth
		case res.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimit
		case res.StatusCode >= 500:
			return ClassServer
		}
		if res.Error != nil {
			return classifyText(res.Error.Error())
		}
		return ClassContent
	}

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			// The vendor never answered; nothing suggests the payload is bad.
			return ClassServer
		}
		return classifyText(err.Error())
	}
	return ClassContent
}

func classifyText(text string) ErrClass {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "unauthorized"),
		strings.Contains(t, "invalid api key"),
		strings.Contains(t, "forbidden"),
		strings.Contains(t, "credential"),
		strings.Contains(t, "authentication"):
		return ClassAuth
	case strings.Contains(t, "too many requests"),
		strings.Contains(t, "rate limit"),
		strings.Contains(t, "throttl"),
		strings.Contains(t, "quota"):
		return ClassRateLimit
	case strings.Contains(t, "internal server"),
		strings.Contains(t, "service unavailable"),
		strings.Contains(t, "bad gateway"),
		strings.Contains(t, "gateway timeout"),
		strings.Contains(t, "connection refused"),
		strings.Contains(t, "timeout"):
		return ClassServer
	}
	return ClassContent
}
