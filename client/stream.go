package client

import (
	"errors"
	"io"
	"strings"

	"github.com/yourownai/relay/internal/sse"
)

// ErrStreamEnded is returned by Next after the terminal frame.
var ErrStreamEnded = errors.New("stream ended")

// Stream reads chunk frames until a done or error frame.
type Stream struct {
	MessageID string

	body  io.ReadCloser
	dec   *sse.Decoder
	text  strings.Builder
	final *sse.Frame
}

func newStream(body io.ReadCloser, messageID string) *Stream {
	return &Stream{MessageID: messageID, body: body, dec: sse.NewDecoder(body)}
}

// Next returns the next frame. Malformed frames are skipped. A connection
// that closes before a terminal frame yields io.ErrUnexpectedEOF.
func (s *Stream) Next() (sse.Frame, error) {
	if s.final != nil {
		return sse.Frame{}, ErrStreamEnded
	}
	f, err := s.dec.Next()
	if err == io.EOF {
		return sse.Frame{}, io.ErrUnexpectedEOF
	}
	if err != nil {
		return sse.Frame{}, err
	}
	if f.Kind == sse.KindChunk {
		s.text.WriteString(f.Text)
	}
	if f.Terminal() {
		s.final = &f
	}
	return f, nil
}

// Collect reads to the end and returns the accumulated text. An error frame
// becomes a *StreamError carrying the partial text.
func (s *Stream) Collect() (string, error) {
	for {
		f, err := s.Next()
		if err != nil {
			return s.text.String(), err
		}
		switch f.Kind {
		case sse.KindDone:
			return s.text.String(), nil
		case sse.KindError:
			return s.text.String(), &StreamError{Reason: f.Reason}
		}
	}
}

// Text is everything received so far.
func (s *Stream) Text() string { return s.text.String() }

// Close detaches from the stream.
func (s *Stream) Close() error {
	s.dec.Close()
	return s.body.Close()
}

// StreamError is a generation that ended with an error frame.
type StreamError struct {
	Reason string
}

func (e *StreamError) Error() string { return "generation ended: " + e.Reason }

// Cancelled reports whether the generation was cancelled rather than failed.
func (e *StreamError) Cancelled() bool { return e.Reason == "cancelled" }
