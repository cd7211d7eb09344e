package gatewayhttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-session-gateway/bridge"
	"github.com/ggoodman/mcp-session-gateway/handlerpool"
	"github.com/ggoodman/mcp-session-gateway/sessions"
)

type createSessionRequest struct {
	BackendAddress string         `json:"backendAddress"`
	ServerURL      string         `json:"serverUrl"`
	Metadata       map[string]any `json:"metadata"`
}

type createSessionResponse struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
}

type executeRequest struct {
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
}

type toolRequest struct {
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
}

type executeResponse struct {
	Success   bool            `json:"success"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type toolsResponse struct {
	Success   bool              `json:"success"`
	SessionID string            `json:"sessionId"`
	Tools     []json.RawMessage `json:"tools"`
}

type healthResponse struct {
	Status       string            `json:"status"`
	SessionCount int               `json:"sessionCount"`
	Uptime       float64           `json:"uptime"`
	Pool         handlerpool.Stats `json:"pool"`
}

// decodeBody reads a JSON request body into v. An empty body leaves v at its
// zero value.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &bridge.ValidationError{Field: "body", Err: err}
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &bridge.ValidationError{Field: "body", Reason: "malformed JSON", Err: err}
	}
	return nil
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeRESTError(w, err)
		return
	}
	addr := req.BackendAddress
	if addr == "" {
		addr = req.ServerURL
	}

	s, err := h.bridge.CreateAndInitialize(ctx, addr, req.Metadata)
	if err != nil {
		f := writeRESTError(w, err)
		h.log.WarnContext(ctx, "http.session.create.fail", slog.Int("status", f.status), slog.String("err", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{ID: s.ID(), Initialized: s.Initialized()})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(r.PathValue("sessionId"))
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if !h.bridge.Close(id) {
		writeRESTError(w, sessions.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session closed"})
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeRESTError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(sessionHeader)
	}

	res, err := h.bridge.Execute(ctx, req.SessionID, req.Method, req.Params)
	if err != nil {
		f := writeRESTError(w, err)
		h.log.InfoContext(ctx, "http.execute.fail", slog.Int("status", f.status), slog.String("err", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Success: true, SessionID: req.SessionID, Data: orNull(res)})
}

func (h *Handler) handleTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req toolRequest
	if err := decodeBody(r, &req); err != nil {
		writeRESTError(w, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(sessionHeader)
	}

	res, err := h.bridge.CallTool(ctx, req.SessionID, req.ToolName, req.Arguments)
	if err != nil {
		f := writeRESTError(w, err)
		h.log.InfoContext(ctx, "http.tool.fail", slog.Int("status", f.status), slog.String("err", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Success: true, SessionID: req.SessionID, Data: orNull(res)})
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	tools, err := h.bridge.ListTools(r.Context(), id)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolsResponse{Success: true, SessionID: id, Tools: tools})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		SessionCount: h.registry.Len(),
		Uptime:       h.now().Sub(h.started).Round(time.Millisecond).Seconds(),
		Pool:         h.registry.Pool().Stats(),
	})
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
