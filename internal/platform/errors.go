package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"postbot/internal/task/retry"
)

var (
	ErrContentRejected = errors.New("content rejected")
	ErrUnavailable     = errors.New("platform not configured")
	ErrThrottled       = errors.New("platform daily quota exhausted")
	ErrCircuitOpen     = errors.New("platform circuit open")
	ErrEmptyID         = errors.New("platform returned an empty post id")
)

// Rejected returns a non-retryable ErrContentRejected for platform.
func Rejected(platform, format string, args ...any) error {
	return retry.NoRetry(fmt.Errorf("%s: %w: %s", platform, ErrContentRejected, fmt.Sprintf(format, args...)))
}

// StatusError is a non-2xx reply from a platform API.
type StatusError struct {
	Platform string
	Code     int
	Body     string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Platform, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Platform, e.Code, body)
}

// Kind maps the status code to a retry class.
func (e *StatusError) Kind() retry.Class {
	switch c := e.Code; {
	case c == 429:
		return retry.ClassRateLimit
	case c >= 500:
		return retry.ClassServer
	case c >= 400:
		return retry.ClassPermanent
	default:
		return retry.ClassUnknown
	}
}

// Classify maps adapter errors to retry classes.
func Classify(err error) retry.Class {
	if err == nil || retry.IsNoRetry(err) || errors.Is(err, ErrContentRejected) {
		return retry.ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return retry.ClassPermanent
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.ClassServer
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return retry.ClassServer
	}
	return retry.ClassUnknown
}

// IsPermanent reports whether err should not count against a platform's
// health (content problems, auth, malformed requests).
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == retry.ClassPermanent && !errors.Is(err, context.Canceled)
}
