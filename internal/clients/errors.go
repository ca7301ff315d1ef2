package clients

import (
	"fmt"
	"strings"
)

// EndpointFailure is the last failure observed for one token endpoint
type EndpointFailure struct {
	URL    string
	Reason string
}

// AuthError is returned when every credential endpoint candidate failed
type AuthError struct {
	Failures []EndpointFailure
}

func (e *AuthError) Error() string {
	if len(e.Failures) == 0 {
		return "source authentication failed: no token endpoints configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.URL, f.Reason))
	}
	return "source authentication failed: " + strings.Join(parts, "; ")
}

// RequestError is a failed call to an external API with a sanitized diagnostic
type RequestError struct {
	Operation   string
	StatusCode  int
	Message     string
	RateLimited bool
	Attempts    int
}

func (e *RequestError) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(" failed")
	} else {
		b.WriteString("request failed")
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.RateLimited {
		fmt.Fprintf(&b, " after %d rate-limited attempts", e.Attempts)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}
