package convert

import (
	"encoding/json"
	"net/http"
)

// Error shapes are always the CLIENT protocol's native form, never the
// upstream's.

func errorType(proto Protocol, status int) string {
	switch proto {
	case ProtoAnthropic:
		switch {
		case status == http.StatusUnauthorized:
			return "authentication_error"
		case status == http.StatusForbidden:
			return "permission_error"
		case status == http.StatusTooManyRequests:
			return "rate_limit_error"
		case status == http.StatusServiceUnavailable:
			return "overloaded_error"
		case status >= 500:
			return "api_error"
		}
		return "invalid_request_error"
	default:
		switch {
		case status == http.StatusUnauthorized, status == http.StatusForbidden:
			return "authentication_error"
		case status == http.StatusTooManyRequests:
			return "rate_limit_error"
		case status >= 500:
			return "server_error"
		}
		return "invalid_request_error"
	}
}

// ErrorBody renders a protocol-native error payload.
func ErrorBody(proto Protocol, status int, message string) []byte {
	etype := errorType(proto, status)
	var payload any
	switch proto {
	case ProtoAnthropic:
		payload = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    etype,
				"message": message,
			},
		}
	case ProtoGemini:
		payload = map[string]any{
			"error": map[string]any{
				"code":    status,
				"status":  geminiStatus(status),
				"message": message,
			},
		}
	case ProtoOllama:
		payload = map[string]any{"error": message}
	default:
		payload = map[string]any{
			"error": ErrorDetail{Type: etype, Message: message},
		}
	}
	data, _ := json.Marshal(payload)
	return data
}

// WriteError writes a protocol-native error response.
func WriteError(proto Protocol, w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(ErrorBody(proto, status, message))
}

// ErrorDetailFor builds the in-band stream error detail for a protocol.
func ErrorDetailFor(proto Protocol, status int, message string) ErrorDetail {
	return ErrorDetail{Type: errorType(proto, status), Message: message}
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	}
	if status >= 500 {
		return "INTERNAL"
	}
	return "UNKNOWN"
}
