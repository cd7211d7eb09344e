package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/ggoodman/mcp-session-gateway/internal/wire"
	"github.com/ggoodman/mcp-session-gateway/mcp"
	"github.com/ggoodman/mcp-session-gateway/sessions"
)

const sessionRequiredMessage = "Session not found. Initialize first."

// callerKey is how a protocol-native caller names its session: the
// Mcp-Session-Id header, or failing that X-Request-ID.
func callerKey(r *http.Request) string {
	if k := r.Header.Get(mcp.SessionIDHeader); k != "" {
		return k
	}
	return r.Header.Get(requestHeader)
}

// resolveSession finds the session for key, either because key is a gateway
// session id or through the affinity store. Stale entries in a local store
// are dropped; a shared store keeps them for the replica that owns the
// session. Live entries have their TTL refreshed.
func (h *Handler) resolveSession(ctx context.Context, key string) (*sessions.Session, error) {
	if key == "" {
		return nil, sessions.ErrSessionNotFound
	}
	if s, err := h.registry.Get(key); err == nil {
		return s, nil
	}

	id, ok, err := h.affinity.Get(ctx, key)
	if err != nil {
		h.log.WarnContext(ctx, "affinity.get.fail", slog.String("err", err.Error()))
		return nil, sessions.ErrSessionNotFound
	}
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}

	s, err := h.registry.Get(id)
	if err != nil {
		if h.sharedAffinity {
			return nil, err
		}
		if err := h.affinity.Delete(ctx, key); err != nil {
			h.log.WarnContext(ctx, "affinity.delete.fail", slog.String("err", err.Error()))
		}
		return nil, err
	}
	if err := h.affinity.Put(ctx, key, id, h.registry.IdleTimeout()); err != nil {
		h.log.WarnContext(ctx, "affinity.put.fail", slog.String("err", err.Error()))
	}
	return s, nil
}

func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(wire.JSONMediaType) {
		writeJSON(w, http.StatusUnsupportedMediaType, restError{Error: "content-type must be application/json"})
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || !json.Valid(raw) {
		h.reply(w, r, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON body", nil))
		h.log.WarnContext(ctx, "json.decode.fail")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		h.reply(w, r, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported", nil))
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(w, r, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil))
		h.log.WarnContext(ctx, "jsonrpc.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	if msg.Type() != "request" {
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "jsonrpc.ack")
		return
	}

	key := callerKey(r)
	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		h.initialize(ctx, w, r, key, msg.ID)
		return
	case mcp.PingMethod:
		if key == "" {
			res, _ := jsonrpc.NewResultResponse(msg.ID, json.RawMessage("{}"))
			h.reply(w, r, http.StatusOK, res)
			return
		}
	}

	s, err := h.resolveSession(ctx, key)
	if err != nil {
		h.reply(w, r, http.StatusNotFound, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeSessionNotFound, sessionRequiredMessage, nil))
		return
	}
	w.Header().Set(mcp.SessionIDHeader, s.ID())

	res, err := h.bridge.Execute(ctx, s.ID(), msg.Method, msg.Params)
	if err != nil {
		h.replyError(ctx, w, r, msg.ID, err)
		return
	}
	out, err := jsonrpc.NewResultResponse(msg.ID, res)
	if err != nil {
		h.replyError(ctx, w, r, msg.ID, err)
		return
	}
	h.reply(w, r, http.StatusOK, out)
}

// initialize creates a session for a new caller, or soft-resets the session
// an existing caller already holds, and answers with the back end's
// initialize result.
func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, id *jsonrpc.RequestID) {
	var result json.RawMessage

	s, err := h.resolveSession(ctx, key)
	switch {
	case err == nil:
		result, err = h.bridge.Reinitialize(ctx, s.ID())
	case errors.Is(err, sessions.ErrSessionNotFound):
		s, err = h.bridge.CreateAndInitialize(ctx, r.Header.Get(backendHeader), nil)
		if err == nil {
			result = s.Transport().InitializeResult()
			if key != "" && key != s.ID() {
				if perr := h.affinity.Put(ctx, key, s.ID(), h.registry.IdleTimeout()); perr != nil {
					h.log.WarnContext(ctx, "affinity.put.fail", slog.String("err", perr.Error()))
				}
			}
		}
	}
	if err != nil {
		h.replyError(ctx, w, r, id, err)
		return
	}

	res, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		h.replyError(ctx, w, r, id, err)
		return
	}
	w.Header().Set(mcp.SessionIDHeader, s.ID())
	h.reply(w, r, http.StatusOK, res)
}

func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, DELETE")
	w.WriteHeader(http.StatusMethodNotAllowed)
}

func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := r.Header.Get(mcp.SessionIDHeader)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, restError{Error: "missing " + mcp.SessionIDHeader + " header"})
		return
	}
	s, err := h.resolveSession(ctx, key)
	if err != nil {
		writeRESTError(w, err)
		return
	}

	h.bridge.Close(s.ID())
	if key != s.ID() {
		if err := h.affinity.Delete(ctx, key); err != nil {
			h.log.WarnContext(ctx, "affinity.delete.fail", slog.String("err", err.Error()))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replyError(ctx context.Context, w http.ResponseWriter, r *http.Request, id *jsonrpc.RequestID, err error) {
	f := classify(err)

	status := http.StatusOK
	switch f.status {
	case http.StatusNotFound, http.StatusBadRequest:
		if f.code != jsonrpc.ErrorCodeMethodNotFound {
			status = f.status
		}
	case http.StatusServiceUnavailable:
		status = f.status
		w.Header().Set("Retry-After", "1")
	}
	if errors.Is(err, handlerpool.ErrPoolExhausted) {
		h.log.WarnContext(ctx, "mcp.request.rejected", slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(ctx, "mcp.request.fail", slog.Int("code", int(f.code)), slog.String("err", err.Error()))
	}
	h.reply(w, r, status, jsonrpc.NewErrorResponse(id, f.code, f.message, nil))
}

// reply writes msg as a single SSE message event when the caller accepts
// event streams and as a JSON body otherwise.
func (h *Handler) reply(w http.ResponseWriter, r *http.Request, status int, msg *jsonrpc.Response) {
	if !acceptsEventStream(r) {
		writeJSON(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", wire.EventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := wire.WriteMessage(w, msg); err != nil {
		h.log.WarnContext(r.Context(), "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
