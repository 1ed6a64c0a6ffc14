package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// UpstreamError is a non-2xx upstream response. The dispatch loop classifies
// it into a risk signal; it never reaches the client verbatim.
type UpstreamError struct {
	Status int
	Body   []byte
	Header http.Header
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, truncate(string(e.Body), 200))
}

// ResetTime extracts an upstream rate-limit reset hint, when present.
func (e *UpstreamError) ResetTime() *time.Time {
	if e.Header == nil {
		return nil
	}
	for _, h := range []string{"anthropic-ratelimit-unified-reset", "x-ratelimit-reset", "Retry-After"} {
		v := e.Header.Get(h)
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
		if secs, err := strconv.Atoi(v); err == nil {
			t := time.Now().Add(time.Duration(secs) * time.Second)
			return &t
		}
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 1e9 {
			t := time.Unix(unix, 0)
			return &t
		}
	}
	return nil
}

// ErrInvalidGrant marks a refresh failure that will never succeed on retry.
type ErrInvalidGrant struct {
	Detail string
}

func (e *ErrInvalidGrant) Error() string {
	return "refresh token rejected: " + e.Detail
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
