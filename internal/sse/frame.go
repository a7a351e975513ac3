package sse

import (
	"encoding/json"
	"errors"
	"io"
	"iter"

	gosse "github.com/tmaxmax/go-sse"
)

// Kind discriminates chat stream frames.
type Kind int

const (
	KindChunk Kind = iota + 1
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Frame is one decoded chat stream frame: a text chunk, the done marker, or
// an error terminal with its reason.
type Frame struct {
	Kind   Kind
	Text   string
	Reason string
}

// Chunk returns a text frame.
func Chunk(text string) Frame { return Frame{Kind: KindChunk, Text: text} }

// Done returns the success terminal.
func Done() Frame { return Frame{Kind: KindDone} }

// Error returns an error terminal.
func Error(reason string) Frame { return Frame{Kind: KindError, Reason: reason} }

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool { return f.Kind == KindDone || f.Kind == KindError }

type wireFrame struct {
	Chunk *string `json:"chunk,omitempty"`
	Done  bool    `json:"done,omitempty"`
	Error *string `json:"error,omitempty"`
}

// ErrMalformed is returned for data that is not a chat frame.
var ErrMalformed = errors.New("malformed frame")

// MarshalJSON encodes the wire form {"chunk":..} | {"done":true} | {"error":..}.
func (f Frame) MarshalJSON() ([]byte, error) {
	var w wireFrame
	switch f.Kind {
	case KindChunk:
		w.Chunk = &f.Text
	case KindDone:
		w.Done = true
	case KindError:
		w.Error = &f.Reason
	default:
		return nil, ErrMalformed
	}
	return json.Marshal(w)
}

// DecodeFrame parses one event's data into a Frame. A frame carrying more than
// one key is malformed.
func DecodeFrame(data string) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return Frame{}, ErrMalformed
	}
	set := 0
	if w.Chunk != nil {
		set++
	}
	if w.Done {
		set++
	}
	if w.Error != nil {
		set++
	}
	if set != 1 {
		return Frame{}, ErrMalformed
	}
	switch {
	case w.Error != nil:
		return Error(*w.Error), nil
	case w.Done:
		return Done(), nil
	}
	return Chunk(*w.Chunk), nil
}

// Decoder yields typed frames from a chat stream, skipping malformed ones.
// Close it when done reading before the end of the stream.
type Decoder struct {
	next    func() (gosse.Event, error, bool)
	stop    func()
	Skipped int
}

// NewDecoder reads SSE events from r.
func NewDecoder(r io.Reader) *Decoder {
	next, stop := iter.Pull2(iter.Seq2[gosse.Event, error](gosse.Read(r, ReadConfig)))
	return &Decoder{next: next, stop: stop}
}

// Next returns the next well-formed frame, or io.EOF.
func (d *Decoder) Next() (Frame, error) {
	for {
		ev, err, ok := d.next()
		if !ok {
			return Frame{}, io.EOF
		}
		if err != nil {
			return Frame{}, err
		}
		f, err := DecodeFrame(ev.Data)
		if err != nil {
			d.Skipped++
			continue
		}
		return f, nil
	}
}

// Close releases the underlying event iterator.
func (d *Decoder) Close() { d.stop() }
