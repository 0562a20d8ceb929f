package message

import (
	"bytes"
	"errors"
	"io"

	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

var (
	errNoEndDelimiter  = errors.New("at least one end delimiter byte is required")
	errStartEqualsEnd  = errors.New("the start byte must differ from the end byte")
	errStartEqualsLast = errors.New("the start byte must differ from the last end delimiter byte")
)

// DelimitedFramer isolates frames of the form start-byte, payload,
// end-bytes. Bytes outside a start...end pair are noise and dropped;
// a fresh start byte inside a half-open frame re-anchors the frame (a
// garbled start is discarded). The in-message flag persists across
// calls, so a frame split over several transport reads is assembled.
//
// Framing is stateful: a DelimitedFramer must not be shared between
// readers.
type DelimitedFramer[T any] struct {
	start        byte
	end          []byte
	removeDelims bool
	convert      func(frame []byte) T
	inMessage    bool
}

// NewDelimitedFramer creates a delimited framer. The start byte must
// differ from the last end byte, so that a frame start is never
// mistaken for the end anchor.
func NewDelimitedFramer[T any](start byte, end []byte, removeDelims bool, convert func(frame []byte) T) (*DelimitedFramer[T], error) {
	if len(end) == 0 {
		return nil, errNoEndDelimiter
	}
	if len(end) == 1 && end[0] == start {
		return nil, errStartEqualsEnd
	}
	if end[len(end)-1] == start {
		return nil, errStartEqualsLast
	}
	return &DelimitedFramer[T]{
		start:        start,
		end:          bytes.Clone(end),
		removeDelims: removeDelims,
		convert:      convert,
	}, nil
}

// TryParse implements Framer.
func (f *DelimitedFramer[T]) TryParse(buf []byte) ([]byte, int, bool) {
	consumed := 0
	window := buf
	for {
		if !f.inMessage {
			i := bytes.IndexByte(window, f.start)
			if i < 0 {
				// Pure noise.
				return nil, consumed + len(window), false
			}
			consumed += i
			window = window[i:]
			f.inMessage = true
		}

		// window[0] is the start byte.
		j := bytes.Index(window[1:], f.end)
		if j < 0 {
			return nil, consumed, false
		}
		pEnd := 1 + j
		pAfter := pEnd + len(f.end)

		// A fresh start strictly inside the frame discards the
		// garbled beginning.
		for {
			k := bytes.IndexByte(window[1:pEnd], f.start)
			if k < 0 {
				break
			}
			adv := 1 + k
			consumed += adv
			window = window[adv:]
			pEnd -= adv
			pAfter -= adv
		}

		var frame []byte
		if f.removeDelims {
			frame = window[1:pEnd]
		} else {
			frame = window[:pAfter]
		}
		f.inMessage = false
		return frame, consumed + pAfter, true
	}
}

// Convert implements Framer.
func (f *DelimitedFramer[T]) Convert(frame []byte) T {
	return f.convert(frame)
}

// NewDelimitedReader creates a message reader with delimited framing.
func NewDelimitedReader[T comparable](inner *pipe.StableReader, start byte, end []byte, removeDelims bool, convert func(frame []byte) T, empty T) (*Reader[T], error) {
	f, err := NewDelimitedFramer[T](start, end, removeDelims, convert)
	if err != nil {
		return nil, err
	}
	return NewReader[T](inner, f, empty), nil
}

// DelimitedFormatter emits the start byte, the payload, then the end
// bytes. The sender knows where each frame begins, so start and end
// may coincide here even though the reader forbids it.
type DelimitedFormatter[T any] struct {
	start   byte
	end     []byte
	payload PayloadFunc[T]
}

// NewDelimitedFormatter creates a delimited formatter.
func NewDelimitedFormatter[T any](start byte, end []byte, payload PayloadFunc[T]) (*DelimitedFormatter[T], error) {
	if len(end) == 0 {
		return nil, errNoEndDelimiter
	}
	return &DelimitedFormatter[T]{start: start, end: bytes.Clone(end), payload: payload}, nil
}

// WriteMessage implements Formatter.
func (f *DelimitedFormatter[T]) WriteMessage(msg T, buf io.Writer) (bool, error) {
	if _, err := buf.Write([]byte{f.start}); err != nil {
		return false, err
	}
	ok, err := f.payload(msg, buf)
	if err != nil || !ok {
		return ok, err
	}
	_, err = buf.Write(f.end)
	return err == nil, err
}

// NewDelimitedWriter creates a message writer with delimited framing.
func NewDelimitedWriter[T any](inner *pipe.StableWriter, start byte, end []byte, payload PayloadFunc[T]) (*Writer[T], error) {
	f, err := NewDelimitedFormatter[T](start, end, payload)
	if err != nil {
		return nil, err
	}
	return NewWriter[T](inner, f), nil
}
