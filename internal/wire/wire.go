// Package wire converts between JSON-RPC envelopes and the event-stream
// framing used by streamable HTTP MCP servers.
//
// Upstream servers may answer a POST either with a plain JSON body or with a
// stream of server-sent events. In the latter case earlier frames are
// heartbeats or progress notifications and only the last data payload is the
// response to the request.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
)

// MessageEvent is the event name used for JSON-RPC payloads.
const MessageEvent = "message"

var (
	// JSONMediaType is the media type of plain JSON-RPC bodies.
	JSONMediaType = contenttype.NewMediaType("application/json")
	// EventStreamMediaType is the media type of event-stream bodies.
	EventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// ErrEmptyBody is wrapped by DecodeError when the payload holds no bytes.
var ErrEmptyBody = errors.New("empty response body")

// DecodeError reports a payload from which no JSON-RPC message could be
// recovered.
type DecodeError struct {
	ContentType string
	Snippet     string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("decode upstream response (%s): %v", e.ContentType, e.Err)
	}
	return fmt.Sprintf("decode upstream response (%s): %v: %q", e.ContentType, e.Err, e.Snippet)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsEventStream reports whether a Content-Type header value names the
// event-stream media type.
func IsEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt := contenttype.NewMediaType(contentType)
	return mt.Matches(EventStreamMediaType)
}

// DecodeResponse decodes an upstream response body. Event-stream bodies, or
// bodies that look like event-stream frames regardless of the declared
// content type, yield the last data payload.
func DecodeResponse(contentType string, body []byte) (*jsonrpc.Response, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &DecodeError{ContentType: contentType, Err: ErrEmptyBody}
	}

	payload := trimmed
	if IsEventStream(contentType) || looksFramed(trimmed) {
		data, err := LastData(bytes.NewReader(body))
		if err != nil {
			return nil, &DecodeError{ContentType: contentType, Snippet: snippet(trimmed), Err: err}
		}
		payload = data
	}

	var res jsonrpc.Response
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, &DecodeError{ContentType: contentType, Snippet: snippet(payload), Err: err}
	}
	if !res.HasEnvelope() {
		// Not an envelope: treat the whole document as the result.
		res.Result = append(json.RawMessage(nil), payload...)
	}
	return &res, nil
}

// LastData scans an event stream and returns the data of the last event that
// carried any. Multi-line data within one event is joined with newlines;
// when the joined payload is not valid JSON the event's last data line is
// used instead.
func LastData(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var (
		last    []byte
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			last = []byte(strings.Join(current, "\n"))
			if len(current) > 1 && !json.Valid(last) {
				last = []byte(current[len(current)-1])
			}
			current = current[:0]
		}
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			v = strings.TrimPrefix(v, " ")
			if strings.TrimSpace(v) != "" {
				current = append(current, v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event stream: %w", err)
	}
	flush()

	if last == nil {
		return nil, errors.New("no data frame in event stream")
	}
	return last, nil
}

// Frame renders a single event-stream frame.
func Frame(event, id string, payload []byte) []byte {
	var b bytes.Buffer
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// WriteEvent writes one frame to w and flushes it when w supports flushing.
func WriteEvent(w io.Writer, event, id string, payload []byte) error {
	if _, err := w.Write(Frame(event, id, payload)); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteMessage marshals v and writes it as an "event: message" frame.
func WriteMessage(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE payload: %w", err)
	}
	return WriteEvent(w, MessageEvent, "", b)
}

func looksFramed(body []byte) bool {
	if body[0] == '{' || body[0] == '[' {
		return false
	}
	return bytes.HasPrefix(body, []byte("event:")) ||
		bytes.HasPrefix(body, []byte("data:")) ||
		bytes.HasPrefix(body, []byte("id:")) ||
		bytes.HasPrefix(body, []byte(":")) ||
		bytes.Contains(body, []byte("\ndata:"))
}

func snippet(b []byte) string {
	const limit = 120
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
