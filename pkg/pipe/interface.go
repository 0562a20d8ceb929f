package pipe

import (
	"context"
	"io"
)

// ReadResult is the outcome of a Source read.
type ReadResult struct {
	// Buffer is the window of bytes available and not yet consumed.
	// AdvanceTo indices are offsets into this window.
	Buffer []byte

	// IsCanceled reports that the read was observed as canceled via
	// CancelPendingRead. It is a per-operation flag and does not imply
	// completion.
	IsCanceled bool

	// IsCompleted reports that the source will yield no more data
	// beyond Buffer.
	IsCompleted bool
}

// FlushResult is the outcome of a Sink flush.
type FlushResult struct {
	IsCanceled  bool
	IsCompleted bool
}

// Source is the read side of a byte pipe.
//
// A read blocks while every available byte has already been examined.
// After a read, the caller must call AdvanceTo to tell the source how
// much of the returned window was consumed and how much was examined;
// unexamined bytes are returned again by the next read, and a window
// fully examined but not consumed grows as more data arrives.
type Source interface {
	// Read waits for unexamined data, completion or cancellation.
	Read(ctx context.Context) (ReadResult, error)

	// TryRead returns immediately. The second return value is false
	// when no data is available and the source is neither completed
	// nor canceled.
	TryRead() (ReadResult, bool)

	// AdvanceTo consumes the first consumed bytes of the last read
	// window and marks examined bytes as examined.
	// 0 <= consumed <= examined <= len(window) must hold.
	AdvanceTo(consumed, examined int) error

	// CancelPendingRead makes the pending read (or the next one)
	// return a result with IsCanceled set.
	CancelPendingRead()

	// Complete marks the reading side done. Remaining data is dropped.
	Complete(err error)
}

// Sink is the write side of a byte pipe. Writes are buffered and never
// block; Flush hands the buffered bytes to the consumer.
type Sink interface {
	io.Writer

	// Flush makes the written bytes visible to the read side.
	Flush(ctx context.Context) (FlushResult, error)

	// CancelPendingFlush makes the pending flush (or the next one)
	// return a result with IsCanceled set.
	CancelPendingFlush()

	// Complete marks the writing side done: from then on the source
	// reports IsCompleted, alongside any flushed data it still holds.
	Complete(err error)
}
