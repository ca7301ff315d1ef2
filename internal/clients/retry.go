package clients

import (
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"catalog-sync-service/internal/clock"
)

// RetryConfig defines how rate-limited calls are retried
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the first call
	MinHint      time.Duration // Floor applied to server-supplied retry hints
	FallbackStep time.Duration // Backoff is FallbackStep * attempt when no hint is given
}

// DefaultRetryConfig returns the production retry policy for the source API
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		MinHint:      1000 * time.Millisecond,
		FallbackStep: 1200 * time.Millisecond,
	}
}

// Backoff returns the delay before the next attempt. attempt is 1-based.
func (c *RetryConfig) Backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint < c.MinHint {
			return c.MinHint
		}
		return hint
	}
	if attempt < 1 {
		attempt = 1
	}
	return c.FallbackStep * time.Duration(attempt)
}

// ErrorKind classifies the outcome of a single call
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRateLimited
	KindFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "failure"
	}
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate[\s_-]*limit|too many requests|throttl`)

// Classify maps a call outcome onto an ErrorKind. Transport errors and timeouts are plain failures.
func Classify(resp *Response, err error) ErrorKind {
	if err != nil || resp == nil {
		return KindFailure
	}
	if resp.OK() {
		return KindNone
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return KindRateLimited
	}
	if rateLimitPattern.Match(resp.Body) {
		return KindRateLimited
	}
	return KindFailure
}

// ParseRetryHint extracts the wait hint from a response. Retry-After (seconds or HTTP-date)
// wins over X-RateLimit-Reset (epoch seconds or seconds remaining).
func ParseRetryHint(resp *Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}
	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return parseResetHint(strings.TrimSpace(resp.Header.Get("X-RateLimit-Reset")), now)
	}

	if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// values above this are absolute epoch seconds
const epochThreshold = 1_000_000_000

func parseResetHint(reset string, now time.Time) time.Duration {
	if reset == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(reset, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	if seconds < epochThreshold {
		return time.Duration(seconds * float64(time.Second))
	}
	at := time.UnixMilli(int64(seconds * 1000))
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

const (
	maxHTMLDiagnostic = 160
	maxDiagnostic     = 300
)

var (
	htmlMarker      = regexp.MustCompile(`(?i)<!doctype html|<html[\s>]|<head[\s>]|<body[\s>]`)
	htmlTitle       = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlHeading     = regexp.MustCompile(`(?is)<h[1-3][^>]*>(.*?)</h[1-3]>`)
	htmlTag         = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
)

// SanitizeDiagnostic turns an error body into a short single-line message.
// HTML pages are reduced to their title or first heading.
func SanitizeDiagnostic(body []byte) string {
	text := string(body)
	if htmlMarker.MatchString(text) {
		heading := ""
		if m := htmlTitle.FindStringSubmatch(text); m != nil {
			heading = m[1]
		}
		if strings.TrimSpace(collapse(stripTags(heading))) == "" {
			if m := htmlHeading.FindStringSubmatch(text); m != nil {
				heading = m[1]
			}
		}
		heading = collapse(html.UnescapeString(stripTags(heading)))
		if heading == "" {
			return "HTML error page"
		}
		return truncate(heading, maxHTMLDiagnostic)
	}
	return truncate(collapse(text), maxDiagnostic)
}

func stripTags(s string) string {
	return htmlTag.ReplaceAllString(s, " ")
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRunRe.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// CircuitBreaker stops calling a collaborator after repeated failures
type CircuitBreaker struct {
	mu           sync.Mutex
	clock        clock.Clock
	failures     int
	successes    int
	state        CircuitState
	lastFailure  time.Time
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &CircuitBreaker{
		clock:        clk,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		halfOpenMax:  1,
		state:        CircuitClosed,
	}
}

// Allow checks if a request should be allowed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.successes < cb.halfOpenMax
	}
	return false
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	} else {
		cb.failures = 0
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.clock.Now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
