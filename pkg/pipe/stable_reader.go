package pipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	opIdle      int32 = 0
	opActive    int32 = 1
	opCompleted int32 = -1
)

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// StableReader decorates a byte Source so that the inner source can be
// swapped or closed atomically while a read is in flight. Errors and
// completions of the inner source are routed through a Behavior which
// decides whether the pending read retries (waiting for a fresh
// inner), returns a canceled result, or fails.
//
// StableReader itself implements Source, so framing layers compose on
// top of it without knowing about transport replacement.
type StableReader struct {
	mu               sync.Mutex
	behaviorVal      Behavior
	inner            Source
	completeWhenDone bool
	stateChange      chan struct{}
	completed        bool
	completeErr      error
	readerForAdvance Source
	defaultTimeout   time.Duration

	// drain is a detached inner that still holds delivered data: its
	// confirmed bytes are served before the fresh inner is read, so a
	// transport replacement does not lose what already arrived.
	drain        Source
	drainLastLen int

	// reading excludes concurrent reads and conveys a completion that
	// happened while a read was in flight.
	reading atomic.Int32
}

// NewStableReader creates a detached stable reader. A nil behavior
// means DefaultBehavior.
func NewStableReader(behavior Behavior) *StableReader {
	if behavior == nil {
		behavior = DefaultBehavior{}
	}
	return &StableReader{
		behaviorVal: behavior,
		stateChange: make(chan struct{}),
	}
}

func (r *StableReader) behavior() Behavior {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.behaviorVal
}

// Behavior returns the current behavior.
func (r *StableReader) Behavior() Behavior {
	return r.behavior()
}

// SetBehavior replaces the behavior.
func (r *StableReader) SetBehavior(b Behavior) {
	if b == nil {
		b = DefaultBehavior{}
	}
	r.mu.Lock()
	r.behaviorVal = b
	r.mu.Unlock()
}

// DefaultTimeout returns the timeout applied to reads whose context
// carries no cancellation of its own. Zero or negative disables it.
func (r *StableReader) DefaultTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultTimeout
}

// SetDefaultTimeout sets the default read timeout.
func (r *StableReader) SetDefaultTimeout(d time.Duration) {
	r.mu.Lock()
	r.defaultTimeout = d
	r.mu.Unlock()
}

// IsCompleted reports whether the reader reached its terminal state.
func (r *StableReader) IsCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// CompleteError returns the error Complete was first called with.
func (r *StableReader) CompleteError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeErr
}

func (r *StableReader) currentInner() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inner
}

func (r *StableReader) signalLocked() {
	close(r.stateChange)
	r.stateChange = make(chan struct{})
}

// SetInner attaches src as the inner source. A previously attached
// source has its pending read canceled and, if it was set with
// completeWhenDone, is completed. Setting the same source again only
// updates completeWhenDone. Returns false if the reader is completed.
func (r *StableReader) SetInner(src Source, completeWhenDone bool) bool {
	if src == nil {
		return r.Close(false)
	}
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return false
	}
	if r.inner == src {
		r.completeWhenDone = completeWhenDone
		r.mu.Unlock()
		return true
	}
	prev, prevDone := r.inner, r.completeWhenDone
	r.inner = src
	r.completeWhenDone = completeWhenDone
	r.signalLocked()
	r.mu.Unlock()

	if prev != nil {
		prev.CancelPendingRead()
		if prevDone {
			prev.Complete(nil)
		}
	}
	return true
}

// Close detaches the inner source. With complete set, the reader
// transitions to its terminal state and any pending read wakes up with
// a completed result. Returns true when a state change occurred.
func (r *StableReader) Close(complete bool) bool {
	if complete {
		return r.completeInternal(nil)
	}
	r.mu.Lock()
	if r.completed || r.inner == nil {
		r.mu.Unlock()
		return false
	}
	prev, prevDone := r.inner, r.completeWhenDone
	r.inner = nil
	r.completeWhenDone = false
	r.signalLocked()
	r.mu.Unlock()

	prev.CancelPendingRead()
	if prevDone {
		prev.Complete(nil)
	}
	return true
}

// detachIf closes non-terminally only while src is still the current
// inner, so a concurrent re-attach is left alone.
func (r *StableReader) detachIf(src Source) {
	r.mu.Lock()
	if r.completed || r.inner != src {
		r.mu.Unlock()
		return
	}
	prevDone := r.completeWhenDone
	r.inner = nil
	r.completeWhenDone = false
	r.signalLocked()
	r.mu.Unlock()

	src.CancelPendingRead()
	if prevDone {
		src.Complete(nil)
	}
}

// Complete moves the reader to its terminal state.
func (r *StableReader) Complete(err error) {
	r.completeInternal(err)
}

func (r *StableReader) completeInternal(err error) bool {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return false
	}
	r.completed = true
	r.completeErr = err
	prev, prevDone := r.inner, r.completeWhenDone
	r.inner = nil
	r.drain = nil
	// Terminal transition: the signal stays closed forever.
	close(r.stateChange)
	r.mu.Unlock()

	r.reading.Store(opCompleted)
	if prev != nil {
		prev.CancelPendingRead()
		if prevDone {
			prev.Complete(err)
		}
	}
	return true
}

// CancelPendingRead forwards the cancel to the attached inner source
// when a read is in flight, so that the awaiting read returns a
// canceled result instead of failing.
func (r *StableReader) CancelPendingRead() {
	r.mu.Lock()
	inner := r.inner
	completed := r.completed
	r.mu.Unlock()
	if !completed && r.reading.Load() == opActive && inner != nil {
		inner.CancelPendingRead()
	}
}

// TryRead forwards to the attached inner source without blocking.
func (r *StableReader) TryRead() (ReadResult, bool) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return ReadResult{IsCompleted: true}, true
	}
	inner := r.inner
	if inner != nil {
		r.readerForAdvance = inner
	}
	r.mu.Unlock()
	if inner == nil {
		return ReadResult{}, false
	}
	return inner.TryRead()
}

// AdvanceTo forwards to the source that produced the last read result.
// If that source has been swapped out since, a failing advance is
// swallowed through the behavior: the window the caller examined no
// longer exists and there is nothing left to corrupt.
func (r *StableReader) AdvanceTo(consumed, examined int) error {
	r.mu.Lock()
	forAdvance := r.readerForAdvance
	current := r.inner
	r.mu.Unlock()
	if forAdvance == nil {
		return nil
	}
	if err := forAdvance.AdvanceTo(consumed, examined); err != nil {
		if forAdvance == current {
			return err
		}
		r.behavior().OnSwallowed(err)
	}
	return nil
}

// Read returns the next window of unconsumed bytes.
//
// A context carrying its own cancellation owns timeout responsibility;
// otherwise a positive default timeout arms an internal timer whose
// expiry is synthesized into *TimeoutError and routed through the
// behavior. Concurrent reads fail with ErrAlreadyReading. Once the
// reader is completed every call returns a completed result.
func (r *StableReader) Read(ctx context.Context) (ReadResult, error) {
	if !r.reading.CompareAndSwap(opIdle, opActive) {
		if r.reading.Load() == opCompleted {
			return ReadResult{IsCompleted: true}, nil
		}
		return ReadResult{}, ErrAlreadyReading
	}
	res, err := r.readLoop(ctx)
	if !r.reading.CompareAndSwap(opActive, opIdle) {
		// Completed while the read was in flight.
		if err == nil {
			res.IsCompleted = true
		}
	}
	return res, err
}

func (r *StableReader) readLoop(ctx context.Context) (ReadResult, error) {
	for {
		r.mu.Lock()
		if r.completed {
			r.mu.Unlock()
			return ReadResult{IsCompleted: true}, nil
		}
		drain := r.drain
		lastLen := r.drainLastLen
		if drain != nil {
			r.mu.Unlock()
			dres, ok := drain.TryRead()
			// Progress means the caller consumed something since the
			// last window; a stuck remainder is dropped.
			if ok && len(dres.Buffer) > 0 && len(dres.Buffer) < lastLen {
				r.mu.Lock()
				r.readerForAdvance = drain
				r.drainLastLen = len(dres.Buffer)
				r.mu.Unlock()
				return ReadResult{Buffer: dres.Buffer}, nil
			}
			r.mu.Lock()
			if r.drain == drain {
				r.drain = nil
			}
			r.mu.Unlock()
			continue
		}
		inner := r.inner
		wake := r.stateChange
		if inner != nil {
			r.readerForAdvance = inner
		}
		timeout := r.defaultTimeout
		r.mu.Unlock()

		if inner == nil {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return ReadResult{}, ctx.Err()
			}
		}

		readCtx := ctx
		internalTimeout := false
		var cancel context.CancelFunc
		if ctx.Done() == nil && timeout > 0 {
			readCtx, cancel = context.WithTimeout(context.Background(), timeout)
			internalTimeout = true
		}
		res, err := inner.Read(readCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if isCancellation(err) {
				if !internalTimeout || ctx.Err() != nil {
					r.behavior().OnCancel()
					return ReadResult{}, err
				}
				terr := &TimeoutError{Op: "read", After: timeout}
				switch r.behavior().OnError(terr) {
				case ErrorRetry:
					continue
				case ErrorCancel:
					if r.IsCompleted() {
						return ReadResult{IsCompleted: true}, nil
					}
					return ReadResult{IsCanceled: true}, nil
				default:
					return ReadResult{}, terr
				}
			}
			if r.currentInner() != inner {
				// The inner changed concurrently; the error belongs to
				// a source we no longer use.
				r.behavior().OnSwallowed(err)
				continue
			}
			switch r.behavior().OnError(err) {
			case ErrorRetry:
				continue
			case ErrorCancel:
				if r.IsCompleted() {
					return ReadResult{IsCompleted: true}, nil
				}
				return ReadResult{IsCanceled: true}, nil
			default:
				return ReadResult{}, err
			}
		}

		if r.IsCompleted() {
			return ReadResult{Buffer: res.Buffer, IsCompleted: true}, nil
		}
		if res.IsCompleted {
			switch r.behavior().OnInnerCompleted() {
			case CompletionRetry:
				if len(res.Buffer) > 0 {
					// Deliver the final window now and keep draining
					// the dead source on the next calls before the
					// fresh inner takes over.
					r.mu.Lock()
					r.drain = inner
					r.drainLastLen = len(res.Buffer)
					r.mu.Unlock()
					r.detachIf(inner)
					return ReadResult{Buffer: res.Buffer}, nil
				}
				r.detachIf(inner)
				continue
			case CompletionThrow:
				return ReadResult{}, ErrReaderCompletedOutside
			default:
				r.Complete(nil)
				return ReadResult{Buffer: res.Buffer, IsCompleted: true}, nil
			}
		}
		if len(res.Buffer) == 0 && (!res.IsCanceled || !r.behavior().ReturnInnerCanceled()) {
			continue
		}
		return res, nil
	}
}
