package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k11v/enclave/internal/runevent"
)

const (
	contentTypeJSONLines = "application/x-ndjson"
	wsWriteWait          = 10 * time.Second
	wsMaxCloseReason     = 123
)

// stream carries one request and a sequence of responses, either over a
// websocket or over a chunked response of newline-delimited JSON.
type stream interface {
	// Context ends when the client goes away.
	Context() context.Context
	Decode(v any) error
	Send(v any) error
	Sink() runevent.Sink
	// Close reports err to the client, if any, and ends the stream.
	Close(err error)
}

func (h *handler) openStream(w http.ResponseWriter, r *http.Request) (stream, bool) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", contentTypeJSONLines)
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
		return &jsonLinesStream{h: h, w: &trackingWriter{ResponseWriter: w}, r: r}, true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Warn("didn't upgrade to websocket", "path", r.URL.Path, "error", err)
		return nil, false
	}
	conn.SetReadLimit(h.maxBodySize)
	ctx, cancel := context.WithCancel(r.Context())
	return &websocketStream{h: h, conn: conn, ctx: ctx, cancel: cancel}, true
}

type websocketStream struct {
	h      *handler
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *websocketStream) Context() context.Context {
	return s.ctx
}

// Decode reads the request message and then watches the connection so that
// Context ends once the client closes it.
func (s *websocketStream) Decode(v any) error {
	if err := s.conn.ReadJSON(v); err != nil {
		return err
	}
	go func() {
		defer s.cancel()
		for {
			if _, _, err := s.conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *websocketStream) Send(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *websocketStream) Sink() runevent.Sink {
	return &runevent.WebsocketSink{Conn: s.conn, WriteWait: wsWriteWait}
}

func (s *websocketStream) Close(err error) {
	defer s.cancel()
	defer func() {
		_ = s.conn.Close()
	}()

	code, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		code = websocket.ClosePolicyViolation
		if statusCode(err) == http.StatusInternalServerError {
			code = websocket.CloseInternalServerErr
			s.h.logger.Error("stream failed", "error", err)
		}
		reason = err.Error()
		if len(reason) > wsMaxCloseReason {
			reason = reason[:wsMaxCloseReason]
		}
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

type jsonLinesStream struct {
	h *handler
	w *trackingWriter
	r *http.Request
}

func (s *jsonLinesStream) Context() context.Context {
	return s.r.Context()
}

func (s *jsonLinesStream) Decode(v any) error {
	return decodeJSON(s.r.Body, v)
}

func (s *jsonLinesStream) Send(v any) error {
	if err := json.NewEncoder(s.w).Encode(v); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

func (s *jsonLinesStream) Sink() runevent.Sink {
	return &runevent.JSONLinesSink{W: s.w}
}

// Close replies with an error status if nothing was sent yet.
// Otherwise the error becomes the last line.
func (s *jsonLinesStream) Close(err error) {
	if err == nil {
		return
	}
	if !s.w.wrote {
		s.h.writeError(s.w, s.r, err)
		return
	}
	if statusCode(err) == http.StatusInternalServerError {
		s.h.logger.Error("stream failed", "path", s.r.URL.Path, "error", err)
	}
	_ = s.Send(map[string]string{"error": err.Error()})
}

// trackingWriter records whether the response has started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
