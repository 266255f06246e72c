package llm

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

var (
	rateLimitHintRe = regexp.MustCompile(`(?i)rate limit|too many requests|requests per (?:minute|hour|day)|quota|throttl|429\b`)
	serverErrHintRe = regexp.MustCompile(`(?i)\b(?:500|502|503|504|529)\b|internal server error|bad gateway|service unavailable|overloaded`)
	timeoutHintRe   = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|connection (?:reset|refused)|EOF`)
)

// IsLikelyTransientError reports whether err looks like a backend hiccup the
// task queue should retry with backoff, as opposed to a response problem that
// won't go away on its own (auth failures, invalid requests).
func IsLikelyTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	text := strings.TrimSpace(err.Error())
	if text == "" {
		return false
	}
	return rateLimitHintRe.MatchString(text) ||
		serverErrHintRe.MatchString(text) ||
		timeoutHintRe.MatchString(text)
}
