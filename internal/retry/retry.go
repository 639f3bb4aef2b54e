// Package retry implements the retry policy (C1): a pure classifier
// from upstream status and body into a canon.RetryStrategy, plus the
// separate ShouldRotate status predicate.
package retry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yansir/cc-relayer/internal/canon"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
	fixedDelay  = 200 * time.Millisecond
)

// signatureSubstrings are the body substrings that mark a 400 response
// as a corrupted-thinking-signature error, recoverable by mutating the
// last user message and retrying on the same account.
var signatureSubstrings = []string{
	"Invalid `signature`",
	"thinking.signature",
	"Invalid signature",
	"Corrupted thought signature",
}

// Classify maps an upstream status, response body, and idempotency flag
// to a RetryStrategy. isIdempotent is accepted for forward
// compatibility with future non-idempotent endpoints; every endpoint
// this relay serves today is safely retryable.
func Classify(status int, body string, isIdempotent bool, retryAfter string) canon.RetryStrategy {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return canon.RetryStrategy{Kind: canon.RetryFixedDelay, Delay: fixedDelay, Rotate: true}

	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(retryAfter); ok {
			return canon.RetryStrategy{Kind: canon.RetryAfterHeader, Delay: d, Rotate: true}
		}
		return canon.RetryStrategy{Kind: canon.RetryExponentialBackoff, BackoffBase: backoffBase, BackoffCap: backoffCap, Rotate: true}

	case 529:
		if d, ok := parseRetryAfter(retryAfter); ok {
			return canon.RetryStrategy{Kind: canon.RetryAfterHeader, Delay: d, Rotate: true}
		}
		return canon.RetryStrategy{Kind: canon.RetryExponentialBackoff, BackoffBase: backoffBase, BackoffCap: backoffCap, Rotate: true}

	case http.StatusInternalServerError:
		return canon.RetryStrategy{Kind: canon.RetryExponentialBackoff, BackoffBase: backoffBase, BackoffCap: backoffCap, Rotate: true}

	case http.StatusBadRequest:
		if containsAny(body, signatureSubstrings) {
			return canon.RetryStrategy{Kind: canon.RetryFixedDelay, Delay: 0, Rotate: false, SignatureRecovery: true}
		}
		return canon.RetryStrategy{Kind: canon.RetryNone, Rotate: false}

	case http.StatusNotFound:
		return canon.RetryStrategy{Kind: canon.RetryNone, Rotate: false}

	default:
		if status >= 400 && status < 500 {
			return canon.RetryStrategy{Kind: canon.RetryNone, Rotate: false}
		}
		// Transient network failure is represented by callers with
		// status 0; treat it the same as a 500.
		if status == 0 {
			return canon.RetryStrategy{Kind: canon.RetryExponentialBackoff, BackoffBase: backoffBase, BackoffCap: backoffCap, Rotate: true}
		}
		return canon.RetryStrategy{Kind: canon.RetryNone, Rotate: false}
	}
}

// ShouldRotate reports whether a given status, on its own, calls for
// selecting a different account on the next attempt. It is kept
// separate from Classify because signature-recovery retries on a 400
// must not rotate even though 400 itself isn't in this set. The
// orchestrator decides rotation from Classify's Rotate flag and does
// not call this function.
func ShouldRotate(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusServiceUnavailable, 529:
		return true
	default:
		return false
	}
}

// MarksRateLimit reports whether an observed status should cause a
// mark_rate_limited call on the account that produced it.
func MarksRateLimit(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, 529:
		return true
	default:
		return false
	}
}

func containsAny(body string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(body, s) {
			return true
		}
	}
	return false
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
