package reliability

import (
	"errors"
	"net"

	"github.com/gorilla/websocket"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes, e.g. a failed
// realtime websocket handshake.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeError classifies errors reported inside the realtime
// event stream. The bridge never retries; the result only labels logs.
func IsRetryableRealtimeError(errType, code string) bool {
	switch code {
	case "rate_limit_exceeded", "session_expired", "server_error", "overloaded":
		return true
	}
	switch errType {
	case "server_error", "rate_limit_error":
		return true
	default:
		return false
	}
}

// Close kinds reported by CloseKind.
const (
	CloseLocal     = "local"
	CloseNormal    = "normal"
	CloseGoingAway = "going_away"
	CloseAbnormal  = "abnormal"
	ClosePolicy    = "policy"
	CloseProtocol  = "protocol"
	CloseTransport = "transport"
)

// CloseKind reduces a websocket read error to a low-cardinality label.
func CloseKind(err error) string {
	if err == nil {
		return CloseLocal
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseNoStatusReceived:
			return CloseNormal
		case websocket.CloseGoingAway:
			return CloseGoingAway
		case websocket.CloseAbnormalClosure:
			return CloseAbnormal
		case websocket.ClosePolicyViolation, websocket.CloseMessageTooBig:
			return ClosePolicy
		default:
			return CloseProtocol
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return CloseLocal
	}
	return CloseTransport
}

// IsExpectedClose reports whether err is an orderly close that does not
// deserve a warning.
func IsExpectedClose(err error) bool {
	switch CloseKind(err) {
	case CloseLocal, CloseNormal, CloseGoingAway:
		return true
	default:
		return false
	}
}
