package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind is the closed set of remote failure classes.
type Kind int

const (
	// KindOther is a transient failure (network, 5xx, unexpected payload).
	KindOther Kind = iota
	// KindThrottled means the backend asked us to slow down.
	KindThrottled
	// KindConflict means a ref moved under a compare-and-swap update.
	KindConflict
	// KindNotFound means a revision, blob or repository does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	// Op names the operation, e.g. "POST /git/trees" or "git update-ref".
	Op         string
	StatusCode int
	Message    string
	// RetryAfter is the server-provided wait, zero when absent.
	RetryAfter time.Duration
	// Reset is when an exhausted quota window resets, zero when unknown.
	Reset time.Time
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " failed with %d", e.StatusCode)
	} else {
		b.WriteString(" failed")
	}
	if e.Kind != KindOther {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return KindOther, false
}

// IsThrottled reports whether err is a throttling response.
func IsThrottled(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindThrottled
}

// IsConflict reports whether err is a ref conflict.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsNotFound reports whether err names a missing object.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// SuggestedDelay is how long the backend asked us to wait before retrying:
// the larger of Retry-After and the time until the quota resets (plus one
// second). Zero for anything that is not a throttling error.
func SuggestedDelay(err error, now time.Time) time.Duration {
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindThrottled {
		return 0
	}
	d := re.RetryAfter
	if !re.Reset.IsZero() {
		if untilReset := re.Reset.Sub(now) + time.Second; untilReset > d {
			d = untilReset
		}
	}
	if d < 0 {
		return 0
	}
	return d
}

// classifyStatus maps an HTTP failure to a Kind from structured signals only.
func classifyStatus(status int, retryAfter time.Duration, remaining int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindThrottled
	case status == http.StatusForbidden && remaining == 0:
		return KindThrottled
	case retryAfter > 0:
		// Any status, e.g. a 503 during maintenance.
		return KindThrottled
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	}
	return KindOther
}

// looksThrottled is the message-based fallback for throttling responses that
// carry no usable headers. Keep every string match here.
func looksThrottled(status int, message string) bool {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "secondary rate limit") || strings.Contains(lower, "abuse detection") {
		return true
	}
	return status == http.StatusForbidden && strings.Contains(lower, "rate limit")
}
