package pipe

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyReading is returned when a read is started while
	// another one is in progress on the same reader.
	ErrAlreadyReading = errors.New("a read operation is already in progress")

	// ErrAlreadyWriting is returned when a flush is started while
	// another one is in progress on the same writer.
	ErrAlreadyWriting = errors.New("a flush operation is already in progress")

	// ErrSinkCompleted is returned by Write on a completed sink.
	ErrSinkCompleted = errors.New("the sink is completed")

	// ErrSourceCompleted is returned by AdvanceTo on a completed source.
	ErrSourceCompleted = errors.New("the source is completed")

	// ErrReaderCompletedOutside is surfaced when the inner source of a
	// stable reader turns out to be completed by a third party.
	ErrReaderCompletedOutside = errors.New("the inner source was completed outside of the stable reader's control")

	// ErrWriterCompletedOutside is surfaced when the inner sink of a
	// stable writer turns out to be completed by a third party.
	ErrWriterCompletedOutside = errors.New("the inner sink was completed outside of the stable writer's control")
)

// TimeoutError is synthesized when an internal timeout expires on a
// read or flush. Caller-supplied cancellations are never mapped to it.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout reports that this error is a timeout.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is (or wraps) a timeout error.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// TransportError wraps a fault raised by an inner source or sink.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err, leaving nil untouched.
func NewTransportError(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err}
}
