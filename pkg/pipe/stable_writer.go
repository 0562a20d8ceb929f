package pipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// StableWriter decorates a byte Sink so that the inner sink can be
// swapped or closed atomically while a flush is in flight. Writes
// accumulate into a private buffer; Flush is the only operation that
// touches the inner sink, which makes each flush atomic from the
// sender's point of view: either the whole pending buffer reached the
// then-current inner sink or none of it did.
//
// StableWriter itself implements Sink.
type StableWriter struct {
	mu               sync.Mutex
	behaviorVal      Behavior
	inner            Sink
	completeWhenDone bool
	stateChange      chan struct{}
	completed        bool
	completeErr      error
	defaultTimeout   time.Duration
	retryWriteCount  int

	buf Buffer
	// flushedSink/flushedPos remember how much of the buffer was
	// already delivered, so re-attaching the same sink resumes instead
	// of re-delivering bytes.
	flushedSink Sink
	flushedPos  int

	onDataWritten func(data []byte, w *StableWriter)

	writing atomic.Int32
}

// NewStableWriter creates a detached stable writer. A nil behavior
// means DefaultBehavior.
func NewStableWriter(behavior Behavior) *StableWriter {
	if behavior == nil {
		behavior = DefaultBehavior{}
	}
	return &StableWriter{
		behaviorVal: behavior,
		stateChange: make(chan struct{}),
	}
}

func (w *StableWriter) behavior() Behavior {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.behaviorVal
}

// Behavior returns the current behavior.
func (w *StableWriter) Behavior() Behavior {
	return w.behavior()
}

// SetBehavior replaces the behavior.
func (w *StableWriter) SetBehavior(b Behavior) {
	if b == nil {
		b = DefaultBehavior{}
	}
	w.mu.Lock()
	w.behaviorVal = b
	w.mu.Unlock()
}

// DefaultTimeout returns the timeout applied to flushes whose context
// carries no cancellation of its own.
func (w *StableWriter) DefaultTimeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.defaultTimeout
}

// SetDefaultTimeout sets the default flush timeout.
func (w *StableWriter) SetDefaultTimeout(d time.Duration) {
	w.mu.Lock()
	w.defaultTimeout = d
	w.mu.Unlock()
}

// RetryWriteCount returns the number of additional flush attempts on
// timeout.
func (w *StableWriter) RetryWriteCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retryWriteCount
}

// SetRetryWriteCount sets the number of additional flush attempts on
// timeout. Effective only when a flush timeout applies.
func (w *StableWriter) SetRetryWriteCount(n int) {
	w.mu.Lock()
	if n < 0 {
		n = 0
	}
	w.retryWriteCount = n
	w.mu.Unlock()
}

// SetOnDataWritten registers the callback raised after every flush
// that actually transmitted, with the bytes that were sent. The slice
// is only valid for the duration of the callback.
func (w *StableWriter) SetOnDataWritten(fn func(data []byte, w *StableWriter)) {
	w.mu.Lock()
	w.onDataWritten = fn
	w.mu.Unlock()
}

// IsCompleted reports whether the writer reached its terminal state.
func (w *StableWriter) IsCompleted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed
}

// CompleteError returns the error Complete was first called with.
func (w *StableWriter) CompleteError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completeErr
}

func (w *StableWriter) currentInner() Sink {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner
}

func (w *StableWriter) signalLocked() {
	close(w.stateChange)
	w.stateChange = make(chan struct{})
}

// SetInner attaches sink as the inner sink. A previously attached sink
// has its pending flush canceled and, if it was set with
// completeWhenDone, is completed. Setting the same sink again only
// updates completeWhenDone. Returns false if the writer is completed.
func (w *StableWriter) SetInner(sink Sink, completeWhenDone bool) bool {
	if sink == nil {
		return w.Close(false)
	}
	w.mu.Lock()
	if w.completed {
		w.mu.Unlock()
		return false
	}
	if w.inner == sink {
		w.completeWhenDone = completeWhenDone
		w.mu.Unlock()
		return true
	}
	prev, prevDone := w.inner, w.completeWhenDone
	w.inner = sink
	w.completeWhenDone = completeWhenDone
	w.signalLocked()
	w.mu.Unlock()

	if prev != nil {
		prev.CancelPendingFlush()
		if prevDone {
			prev.Complete(nil)
		}
	}
	return true
}

// Close detaches the inner sink. With complete set, the writer
// transitions to its terminal state and the write buffer is discarded.
func (w *StableWriter) Close(complete bool) bool {
	if complete {
		return w.completeInternal(nil)
	}
	w.mu.Lock()
	if w.completed || w.inner == nil {
		w.mu.Unlock()
		return false
	}
	prev, prevDone := w.inner, w.completeWhenDone
	w.inner = nil
	w.completeWhenDone = false
	w.signalLocked()
	w.mu.Unlock()

	prev.CancelPendingFlush()
	if prevDone {
		prev.Complete(nil)
	}
	return true
}

// detachIf closes non-terminally only while sink is still the current
// inner, so a concurrent re-attach is left alone.
func (w *StableWriter) detachIf(sink Sink) {
	w.mu.Lock()
	if w.completed || w.inner != sink {
		w.mu.Unlock()
		return
	}
	prevDone := w.completeWhenDone
	w.inner = nil
	w.completeWhenDone = false
	w.signalLocked()
	w.mu.Unlock()

	sink.CancelPendingFlush()
	if prevDone {
		sink.Complete(nil)
	}
}

// Complete moves the writer to its terminal state.
func (w *StableWriter) Complete(err error) {
	w.completeInternal(err)
}

func (w *StableWriter) completeInternal(err error) bool {
	w.mu.Lock()
	if w.completed {
		w.mu.Unlock()
		return false
	}
	w.completed = true
	w.completeErr = err
	prev, prevDone := w.inner, w.completeWhenDone
	w.inner = nil
	w.buf.Reset()
	close(w.stateChange)
	w.mu.Unlock()

	w.writing.Store(opCompleted)
	if prev != nil {
		prev.CancelPendingFlush()
		if prevDone {
			prev.Complete(err)
		}
	}
	return true
}

// CancelPendingFlush forwards to the currently-attached inner sink.
func (w *StableWriter) CancelPendingFlush() {
	w.mu.Lock()
	inner := w.inner
	completed := w.completed
	w.mu.Unlock()
	if !completed && inner != nil {
		inner.CancelPendingFlush()
	}
}

// Write appends p to the pending buffer. Nothing reaches the inner
// sink before Flush.
func (w *StableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return 0, ErrSinkCompleted
	}
	return w.buf.Write(p)
}

// WriteString appends s to the pending buffer.
func (w *StableWriter) WriteString(s string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return 0, ErrSinkCompleted
	}
	return w.buf.WriteString(s)
}

// WriteByte appends c to the pending buffer.
func (w *StableWriter) WriteByte(c byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return ErrSinkCompleted
	}
	return w.buf.WriteByte(c)
}

// Buffered returns the number of pending bytes.
func (w *StableWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

// TruncateBuffered drops pending bytes beyond n. Framed writers use it
// to roll back an aborted frame.
func (w *StableWriter) TruncateBuffered(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed || n >= w.buf.Len() {
		return
	}
	w.buf.Truncate(n)
	if w.flushedPos > n {
		w.flushedPos = n
	}
}

// Flush delivers the pending buffer to the inner sink.
//
// The buffer survives sink swaps so a frame in progress is not lost;
// it is discarded on a successful flush and on terminal failure. With
// a positive retry count, flush timeouts are retried before being
// surfaced through the behavior.
func (w *StableWriter) Flush(ctx context.Context) (FlushResult, error) {
	w.mu.Lock()
	if w.buf.Len() == 0 {
		res := FlushResult{IsCompleted: w.completed}
		w.mu.Unlock()
		return res, nil
	}
	w.mu.Unlock()

	if !w.writing.CompareAndSwap(opIdle, opActive) {
		if w.writing.Load() == opCompleted {
			return FlushResult{IsCompleted: true}, nil
		}
		return FlushResult{}, ErrAlreadyWriting
	}
	res, err := w.flushLoop(ctx)
	if !w.writing.CompareAndSwap(opActive, opIdle) {
		// Completed while the flush was in flight.
		if err == nil {
			res.IsCompleted = true
		}
	}
	return res, err
}

func (w *StableWriter) flushLoop(ctx context.Context) (FlushResult, error) {
	for {
		w.mu.Lock()
		if w.completed {
			w.mu.Unlock()
			return FlushResult{IsCompleted: true}, nil
		}
		inner := w.inner
		wake := w.stateChange
		timeout := w.defaultTimeout
		retries := w.retryWriteCount
		w.mu.Unlock()

		if inner == nil {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return FlushResult{}, ctx.Err()
			}
		}

		w.mu.Lock()
		data := w.buf.Bytes()
		start := 0
		if inner == w.flushedSink && w.flushedPos <= len(data) {
			start = w.flushedPos
		}
		w.mu.Unlock()

		if start < len(data) {
			if _, werr := inner.Write(data[start:]); werr != nil {
				// The sink was completed by a third party.
				w.behavior().OnSwallowed(werr)
				res, err, done := w.innerCompleted(inner)
				if done {
					return res, err
				}
				continue
			}
		}
		w.mu.Lock()
		w.flushedSink = inner
		w.flushedPos = len(data)
		w.mu.Unlock()

		fres, ferr := w.flushInner(ctx, inner, timeout, retries)
		if ferr != nil {
			var terr *TimeoutError
			if errors.As(ferr, &terr) {
				switch w.behavior().OnError(terr) {
				case ErrorRetry:
					continue
				case ErrorCancel:
					if w.IsCompleted() {
						return FlushResult{IsCompleted: true}, nil
					}
					return FlushResult{IsCanceled: true}, nil
				default:
					return FlushResult{}, terr
				}
			}
			if isCancellation(ferr) {
				w.behavior().OnCancel()
				return FlushResult{}, ferr
			}
			if w.currentInner() != inner {
				w.behavior().OnSwallowed(ferr)
				continue
			}
			switch w.behavior().OnError(ferr) {
			case ErrorRetry:
				continue
			case ErrorCancel:
				if w.IsCompleted() {
					return FlushResult{IsCompleted: true}, nil
				}
				return FlushResult{IsCanceled: true}, nil
			default:
				return FlushResult{}, ferr
			}
		}

		if w.IsCompleted() {
			return FlushResult{IsCompleted: true}, nil
		}
		if fres.IsCompleted {
			res, err, done := w.innerCompleted(inner)
			if done {
				return res, err
			}
			continue
		}
		if !fres.IsCanceled {
			w.mu.Lock()
			cb := w.onDataWritten
			w.mu.Unlock()
			if cb != nil {
				cb(data, w)
			}
			// Only the flushed prefix is discarded: bytes written
			// while the flush was in flight stay pending.
			w.mu.Lock()
			w.buf.DropFirst(len(data))
			w.flushedPos = 0
			w.mu.Unlock()
			return fres, nil
		}
		// Canceled: the buffer is kept so the caller may retry.
		if w.behavior().ReturnInnerCanceled() {
			return fres, nil
		}
	}
}

// innerCompleted consults the behavior about an inner sink that
// reported completion. done is false when the flush loop must retry
// with a fresh inner.
func (w *StableWriter) innerCompleted(inner Sink) (FlushResult, error, bool) {
	switch w.behavior().OnInnerCompleted() {
	case CompletionRetry:
		w.detachIf(inner)
		return FlushResult{}, nil, false
	case CompletionThrow:
		return FlushResult{}, ErrWriterCompletedOutside, true
	default:
		w.Complete(nil)
		return FlushResult{IsCompleted: true}, nil, true
	}
}

// flushInner runs one flush with the timeout strategy: with no retry
// budget, a cancellable caller context owns the timeout; otherwise the
// default timeout is combined with the caller context and expiries are
// retried before being synthesized into *TimeoutError.
func (w *StableWriter) flushInner(ctx context.Context, inner Sink, timeout time.Duration, retries int) (FlushResult, error) {
	if retries <= 0 {
		if ctx.Done() != nil || timeout <= 0 {
			return inner.Flush(ctx)
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := inner.Flush(flushCtx)
		if err != nil && isCancellation(err) {
			return res, &TimeoutError{Op: "flush", After: timeout}
		}
		return res, err
	}

	attempt := 0
	for {
		parent := ctx
		if parent.Done() == nil {
			parent = context.Background()
		}
		flushCtx := parent
		var cancel context.CancelFunc
		if timeout > 0 {
			flushCtx, cancel = context.WithTimeout(parent, timeout)
		}
		res, err := inner.Flush(flushCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil || !isCancellation(err) {
			return res, err
		}
		if ctx.Err() != nil || timeout <= 0 {
			// The caller's own cancellation, not our timer.
			return res, err
		}
		if attempt < retries {
			attempt++
			continue
		}
		return res, &TimeoutError{Op: "flush", After: timeout}
	}
}
