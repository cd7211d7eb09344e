package upstream

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
)

var (
	// ErrNotInitialized is returned for calls on a transport whose handshake
	// has not completed.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized is returned by Initialize on a READY transport.
	// Use Reinitialize for an explicit reset.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrTransportClosed is returned for any call after Close.
	ErrTransportClosed = errors.New("transport closed")
	// ErrMethodNotFound matches RPCError values carrying the method-not-found
	// code, which back ends also use for unknown tools.
	ErrMethodNotFound = errors.New("method not found")
)

// RPCError is a JSON-RPC error object returned by the back end.
type RPCError struct {
	Method  string
	Code    jsonrpc.ErrorCode
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// Is lets errors.Is(err, ErrMethodNotFound) classify not-found replies.
func (e *RPCError) Is(target error) bool {
	return target == ErrMethodNotFound && e.Code == jsonrpc.ErrorCodeMethodNotFound
}

// UpstreamError reports a failed exchange with the back end: the request
// could not be delivered, or the back end answered with a non-2xx status.
type UpstreamError struct {
	Method     string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("upstream %s request failed: %v", e.Method, e.Err)
	case e.Body != "":
		return fmt.Sprintf("upstream %s returned HTTP %d: %s", e.Method, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("upstream %s returned HTTP %d", e.Method, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }
