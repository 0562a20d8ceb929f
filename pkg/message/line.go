package message

import (
	"bytes"
	"errors"
	"io"

	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

var errEmptyDelimiter = errors.New("the delimiter must not be empty")

// LineFramer isolates frames terminated by a fixed delimiter. The
// delimiter may span buffer boundaries: the reader re-presents
// examined-but-unconsumed bytes, so a delimiter split across two
// transport reads is found once both halves arrived.
type LineFramer[T any] struct {
	delim   []byte
	convert func(frame []byte) T
}

// NewLineFramer creates a line framer with a non-empty delimiter.
func NewLineFramer[T any](delim []byte, convert func(frame []byte) T) (*LineFramer[T], error) {
	if len(delim) == 0 {
		return nil, errEmptyDelimiter
	}
	return &LineFramer[T]{delim: bytes.Clone(delim), convert: convert}, nil
}

// TryParse implements Framer.
func (f *LineFramer[T]) TryParse(buf []byte) ([]byte, int, bool) {
	i := bytes.Index(buf, f.delim)
	if i < 0 {
		return nil, 0, false
	}
	return buf[:i], i + len(f.delim), true
}

// Convert implements Framer.
func (f *LineFramer[T]) Convert(frame []byte) T {
	return f.convert(frame)
}

// NewLineReader creates a message reader with line framing.
func NewLineReader[T comparable](inner *pipe.StableReader, delim []byte, convert func(frame []byte) T, empty T) (*Reader[T], error) {
	f, err := NewLineFramer[T](delim, convert)
	if err != nil {
		return nil, err
	}
	return NewReader[T](inner, f, empty), nil
}

// PayloadFunc renders the payload of one message. Returning
// (false, nil) aborts the frame.
type PayloadFunc[T any] func(msg T, buf io.Writer) (bool, error)

// LineFormatter appends the fixed delimiter after each payload.
type LineFormatter[T any] struct {
	delim   []byte
	payload PayloadFunc[T]
}

// NewLineFormatter creates a line formatter with a non-empty delimiter.
func NewLineFormatter[T any](delim []byte, payload PayloadFunc[T]) (*LineFormatter[T], error) {
	if len(delim) == 0 {
		return nil, errEmptyDelimiter
	}
	return &LineFormatter[T]{delim: bytes.Clone(delim), payload: payload}, nil
}

// WriteMessage implements Formatter.
func (f *LineFormatter[T]) WriteMessage(msg T, buf io.Writer) (bool, error) {
	ok, err := f.payload(msg, buf)
	if err != nil || !ok {
		return ok, err
	}
	_, err = buf.Write(f.delim)
	return err == nil, err
}

// NewLineWriter creates a message writer with line framing.
func NewLineWriter[T any](inner *pipe.StableWriter, delim []byte, payload PayloadFunc[T]) (*Writer[T], error) {
	f, err := NewLineFormatter[T](delim, payload)
	if err != nil {
		return nil, err
	}
	return NewWriter[T](inner, f), nil
}
