package message

import (
	"io"

	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// String readers produce *string so that "no message" (nil) stays
// distinct from the empty string, which is a valid frame.

func convertString(frame []byte) *string {
	s := string(frame)
	return &s
}

func writeStringPayload(msg string, buf io.Writer) (bool, error) {
	_, err := io.WriteString(buf, msg)
	return err == nil, err
}

// NewStringLineReader creates a line-framed reader of strings. The
// empty message is nil.
func NewStringLineReader(inner *pipe.StableReader, delim string) (*Reader[*string], error) {
	return NewLineReader[*string](inner, []byte(delim), convertString, nil)
}

// NewStringLineWriter creates a line-framed writer of strings.
func NewStringLineWriter(inner *pipe.StableWriter, delim string) (*Writer[string], error) {
	return NewLineWriter[string](inner, []byte(delim), writeStringPayload)
}

// NewStringDelimitedReader creates a delimited reader of strings. The
// empty message is nil.
func NewStringDelimitedReader(inner *pipe.StableReader, start byte, end []byte, removeDelims bool) (*Reader[*string], error) {
	return NewDelimitedReader[*string](inner, start, end, removeDelims, convertString, nil)
}

// NewStringDelimitedWriter creates a delimited writer of strings.
func NewStringDelimitedWriter(inner *pipe.StableWriter, start byte, end []byte) (*Writer[string], error) {
	return NewDelimitedWriter[string](inner, start, end, writeStringPayload)
}
