package exchange

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when no response with the request's
	// correlation id arrives in time.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrNotConnected is returned for requests issued while the socket is down,
	// and for requests that were in flight when it dropped.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
	// ErrMalformed marks a payload that is not a well-formed venue message.
	ErrMalformed = errors.New("malformed message")
)

// Payload is an outgoing request body. The channel adds req_id.
type Payload map[string]any

// Handler receives push notifications and responses of one message type. It
// runs on the channel's reader goroutine and must not block.
type Handler func(*Message)

// Channel is the asynchronous request/response plus push channel to the
// venue. Both the live websocket and the simulated venue implement it, so
// the engine can switch between real and paper trading.
type Channel interface {
	// Request sends payload with a fresh correlation id and waits for the
	// matching response. A venue error payload is returned as *APIError
	// together with the decoded message.
	Request(ctx context.Context, payload Payload) (*Message, error)
	// Subscribe registers h for every message with the given type, responses
	// included. The returned func removes the registration and is idempotent.
	Subscribe(msgType MsgType, h Handler) (unsubscribe func())
}

// APIError is an error payload returned by the venue.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

// IsAPIError reports whether err carries a venue error with the given code.
// An empty code matches any venue error.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return code == "" || apiErr.Code == code
}
