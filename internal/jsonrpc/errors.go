package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method or tool does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid or missing method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal error, including undecodable
	// upstream payloads.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeServerError is the generic implementation-defined failure used
	// when an upstream call or adapter step fails.
	ErrorCodeServerError ErrorCode = -32000
	// ErrorCodeSessionNotFound signals an unknown or not yet initialized session.
	ErrorCodeSessionNotFound ErrorCode = -32001
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}
