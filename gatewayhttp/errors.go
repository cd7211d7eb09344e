package gatewayhttp

import (
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-session-gateway/bridge"
	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/internal/wire"
	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/ggoodman/mcp-session-gateway/upstream"
)

// failure is the caller-facing rendition of an error: an HTTP status for the
// REST surface and a JSON-RPC code for the protocol-native surface.
type failure struct {
	status  int
	code    jsonrpc.ErrorCode
	message string
}

func classify(err error) failure {
	var (
		verr   *bridge.ValidationError
		rpcErr *upstream.RPCError
		upErr  *upstream.UpstreamError
		decErr *wire.DecodeError
	)
	switch {
	case errors.As(err, &verr):
		return failure{http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, verr.Error()}
	case errors.Is(err, sessions.ErrSessionNotFound):
		return failure{http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, sessions.ErrSessionNotFound.Error()}
	case errors.Is(err, upstream.ErrTransportClosed):
		return failure{http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, sessions.ErrSessionNotFound.Error()}
	case errors.Is(err, upstream.ErrNotInitialized):
		return failure{http.StatusConflict, jsonrpc.ErrorCodeSessionNotFound, "session not initialized"}
	case errors.Is(err, handlerpool.ErrPoolExhausted):
		return failure{http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, err.Error()}
	case errors.As(err, &rpcErr):
		switch rpcErr.Code {
		case jsonrpc.ErrorCodeMethodNotFound:
			return failure{http.StatusNotFound, rpcErr.Code, rpcErr.Message}
		case jsonrpc.ErrorCodeInvalidParams:
			return failure{http.StatusBadRequest, rpcErr.Code, rpcErr.Message}
		default:
			return failure{http.StatusBadGateway, rpcErr.Code, rpcErr.Message}
		}
	case errors.As(err, &decErr):
		return failure{http.StatusBadGateway, jsonrpc.ErrorCodeInternalError, decErr.Error()}
	case errors.As(err, &upErr):
		return failure{http.StatusBadGateway, jsonrpc.ErrorCodeServerError, upErr.Error()}
	default:
		return failure{http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error()}
	}
}

// restError is the envelope of every failed REST call.
type restError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeRESTError(w http.ResponseWriter, err error) failure {
	f := classify(err)
	if f.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, f.status, restError{Error: f.message})
	return f
}
