package message

import (
	"time"

	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// Timeout parameter values accepted by ReadNext and Write variants.
const (
	// DefaultTimeout uses the reader's or writer's configured default.
	DefaultTimeout time.Duration = 0
	// NoTimeout disables the internal timeout for this call.
	NoTimeout time.Duration = -1
)

// FrameTimeoutError is raised when a framed read or write misses its
// message-level timeout. It is a timeout in the pipe.IsTimeout sense.
type FrameTimeoutError struct {
	pipe.TimeoutError
}

func newFrameTimeout(op string, after time.Duration) *FrameTimeoutError {
	return &FrameTimeoutError{pipe.TimeoutError{Op: op, After: after}}
}
