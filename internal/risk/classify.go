package risk

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Canonical phrase sets matched case-insensitively against response bodies.
var (
	suspendPhrases = []string{
		"temporarily suspended",
		"423 locked",
		"account locked",
		"too many active sessions",
	}
	banPhrases = []string{
		"permanently disabled",
		"banned",
		"organization has been disabled",
		"account has been disabled",
	}
)

// ClassifyStatus derives a signal from an upstream HTTP status and body.
// Body markers take precedence over the raw status family: a 403 carrying a
// ban phrase is a ban, not an auth failure.
func ClassifyStatus(status int, body []byte) Signal {
	lower := strings.ToLower(string(body))
	for _, p := range banPhrases {
		if strings.Contains(lower, p) {
			return SignalBanned
		}
	}
	for _, p := range suspendPhrases {
		if strings.Contains(lower, p) {
			return SignalSuspended
		}
	}

	switch {
	case status >= 200 && status < 300:
		return SignalSuccess
	case status == 401 || status == 403:
		return SignalAuthInvalid
	case status == 402:
		return SignalQuotaExceeded
	case status == 423:
		return SignalSuspended
	case status == 429:
		return SignalRateLimited
	case status >= 500:
		return SignalNetworkTransient
	}
	return SignalUnknown
}

// ClassifyTransport derives a signal from a transport-level error.
func ClassifyTransport(err error) Signal {
	if err == nil {
		return SignalSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return SignalNetworkTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return SignalNetworkTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return SignalNetworkTransient
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "certificate", "tls", "timeout", "eof", "broken pipe"} {
		if strings.Contains(lower, marker) {
			return SignalNetworkTransient
		}
	}
	return SignalUnknown
}
