// Package sse carries the chat stream frames and the change-feed events over
// server-sent events.
package sse

import (
	"encoding/json"
	"net/http"
	"time"

	gosse "github.com/tmaxmax/go-sse"
)

// MaxEventSize bounds one event on the read side.
const MaxEventSize = 1024 * 1024

// ReadConfig is shared by every reader in the module.
var ReadConfig = &gosse.ReadConfig{MaxEventSize: MaxEventSize}

// Writer emits SSE messages on an HTTP response, flushing after each one.
type Writer struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewWriter sets the stream headers and clears the server's write deadline,
// which would otherwise cut long generations short.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()
	return &Writer{w: w, rc: rc}
}

// WriteFrame writes f as a single data event.
func (sw *Writer) WriteFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	m := &gosse.Message{}
	m.AppendData(string(b))
	return sw.send(m)
}

// WriteEvent writes v as JSON under the given event type.
func (sw *Writer) WriteEvent(eventType string, v interface{}) error {
	typ, err := gosse.NewType(eventType)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m := &gosse.Message{Type: typ}
	m.AppendData(string(b))
	return sw.send(m)
}

// Comment writes a keep-alive comment line.
func (sw *Writer) Comment(text string) error {
	m := &gosse.Message{}
	m.AppendComment(text)
	return sw.send(m)
}

func (sw *Writer) send(m *gosse.Message) error {
	if _, err := m.WriteTo(sw.w); err != nil {
		return err
	}
	return sw.rc.Flush()
}
