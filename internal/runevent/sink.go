package runevent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Sink receives the events of a run in order. Send is never called concurrently.
type Sink interface {
	Send(e *Event) error
}

type SinkFunc func(e *Event) error

func (f SinkFunc) Send(e *Event) error {
	return f(e)
}

// MultiSink sends every event to all sinks. A failing sink doesn't stop the others.
type MultiSink []Sink

func (s MultiSink) Send(e *Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Send(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *Recorder) Send(e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

const defaultWebsocketWriteWait = 10 * time.Second

// WebsocketSink writes each event as a JSON text message. A write that
// doesn't finish within WriteWait fails, so a client that stopped reading
// can't block the run.
type WebsocketSink struct {
	Conn      *websocket.Conn // required
	WriteWait time.Duration
}

func (s *WebsocketSink) Send(e *Event) error {
	wait := s.WriteWait
	if wait <= 0 {
		wait = defaultWebsocketWriteWait
	}
	if err := s.Conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return s.Conn.WriteJSON(e)
}

// JSONLinesSink writes newline-delimited JSON and flushes after each event when it can.
type JSONLinesSink struct {
	W io.Writer // required
}

func (s *JSONLinesSink) Send(e *Event) error {
	if err := json.NewEncoder(s.W).Encode(e); err != nil {
		return err
	}
	if f, ok := s.W.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

var (
	_ Sink = SinkFunc(nil)
	_ Sink = MultiSink(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = (*WebsocketSink)(nil)
	_ Sink = (*JSONLinesSink)(nil)
)
