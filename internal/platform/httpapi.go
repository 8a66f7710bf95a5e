package platform

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"postbot/internal/task/retry"
)

const maxErrorBody = 4 << 10

// NewBearerClient returns an HTTP client that sends token as a Bearer
// credential on every request. timeout bounds one request.
func NewBearerClient(ctx context.Context, token string, timeout time.Duration) *http.Client {
	c := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	c.Timeout = timeout
	return c
}

// CheckResponse turns a non-2xx reply into a *StatusError. 429 replies
// carrying Retry-After are wrapped so the retry policy honors the hint.
func CheckResponse(platform string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{
		Platform:   platform,
		Code:       resp.StatusCode,
		Body:       string(b),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	if se.RetryAfter > 0 {
		return retry.RetryAfter(se, se.RetryAfter)
	}
	return se
}

// ParseRetryAfter reads delta-seconds or an HTTP date. Zero when absent or invalid.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// CountRunes is the length measure used for content limits.
func CountRunes(s string) int {
	return utf8.RuneCountInString(s)
}
