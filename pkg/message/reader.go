package message

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// Framer isolates one frame at a time from a byte window and
// materializes the caller-visible message.
type Framer[T any] interface {
	// TryParse looks for one frame in buf. When found, frame holds the
	// frame bytes and consumed how many bytes of buf the parse used
	// (frame and any leading noise). When not found, ok is false and
	// consumed may still be positive when a prefix of buf was
	// recognized as discardable noise.
	TryParse(buf []byte) (frame []byte, consumed int, ok bool)

	// Convert materializes the message from frame bytes.
	Convert(frame []byte) T
}

const (
	recvIdle int32 = iota
	recvActive
	recvCancelArmed
)

// Reader pulls framed messages out of a stable reader. The empty
// message is the sentinel returned when the underlying read was
// canceled, when the reader is completed, or when a pending-read
// cancel was consumed.
type Reader[T comparable] struct {
	inner  *pipe.StableReader
	framer Framer[T]
	empty  T

	mu             sync.Mutex
	defaultTimeout time.Duration
	logTag         string
	log            logger.Logger

	receiving atomic.Int32
	completed atomic.Bool
}

// NewReader creates a message reader over inner using framer. empty is
// the sentinel message.
func NewReader[T comparable](inner *pipe.StableReader, framer Framer[T], empty T) *Reader[T] {
	return &Reader[T]{inner: inner, framer: framer, empty: empty}
}

// Inner returns the underlying stable reader.
func (r *Reader[T]) Inner() *pipe.StableReader { return r.inner }

// Empty returns the empty-message sentinel.
func (r *Reader[T]) Empty() T { return r.empty }

// IsCompleted reports whether no more messages will be produced.
func (r *Reader[T]) IsCompleted() bool {
	return r.completed.Load() || r.inner.IsCompleted()
}

// DefaultTimeout returns the receive timeout applied when a call does
// not override it.
func (r *Reader[T]) DefaultTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultTimeout
}

// SetDefaultTimeout sets the default receive timeout.
func (r *Reader[T]) SetDefaultTimeout(d time.Duration) {
	r.mu.Lock()
	r.defaultTimeout = d
	r.mu.Unlock()
}

// EnableLog dumps each received frame to l under tag.
func (r *Reader[T]) EnableLog(tag string, l logger.Logger) {
	r.mu.Lock()
	r.logTag = tag
	r.log = l
	r.mu.Unlock()
}

// CancelPendingRead cancels the read in flight, or arms so that the
// next ReadNext returns the empty message exactly once.
func (r *Reader[T]) CancelPendingRead() {
	if r.receiving.CompareAndSwap(recvIdle, recvCancelArmed) {
		return
	}
	if r.receiving.Load() == recvActive {
		r.inner.CancelPendingRead()
	}
}

// ReadNext returns the next message, using the default timeout and no
// filter.
func (r *Reader[T]) ReadNext(ctx context.Context) (T, error) {
	return r.ReadNextFiltered(ctx, DefaultTimeout, nil)
}

// ReadNextFiltered returns the next message admitted by filter.
//
// timeout overrides the default receive timeout (NoTimeout disables
// it); it only applies when ctx carries no cancellation of its own. A
// missed timeout is routed as *FrameTimeoutError through the stable
// reader's behavior. The empty message is returned on cancellation and
// on completion.
func (r *Reader[T]) ReadNextFiltered(ctx context.Context, timeout time.Duration, filter func(T) bool) (T, error) {
	if r.completed.Load() {
		return r.empty, nil
	}
	if r.receiving.CompareAndSwap(recvCancelArmed, recvIdle) {
		return r.empty, nil
	}
	if !r.receiving.CompareAndSwap(recvIdle, recvActive) {
		return r.empty, pipe.ErrAlreadyReading
	}
	defer r.receiving.CompareAndSwap(recvActive, recvIdle)

	if timeout == DefaultTimeout {
		timeout = r.DefaultTimeout()
	}

	for {
		readCtx := ctx
		internal := false
		var cancel context.CancelFunc
		if ctx.Done() == nil && timeout > 0 {
			readCtx, cancel = context.WithTimeout(context.Background(), timeout)
			internal = true
		}
		res, err := r.inner.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if internal && isCancellation(err) && ctx.Err() == nil {
				terr := newFrameTimeout("read message", timeout)
				switch r.inner.Behavior().OnError(terr) {
				case pipe.ErrorRetry:
					continue
				case pipe.ErrorCancel:
					return r.empty, nil
				default:
					return r.empty, terr
				}
			}
			return r.empty, err
		}

		buf := res.Buffer
		frame, consumed, ok := r.framer.TryParse(buf)
		if ok {
			msg := r.framer.Convert(frame)
			r.logFrame(frame)
			if aerr := r.inner.AdvanceTo(consumed, consumed); aerr != nil {
				return r.empty, aerr
			}
			if res.IsCompleted {
				r.completed.Store(true)
				if filter != nil && !filter(msg) {
					return r.empty, nil
				}
				return msg, nil
			}
			if filter != nil && !filter(msg) {
				continue
			}
			return msg, nil
		}

		// No frame yet: everything was examined, noise was consumed.
		if aerr := r.inner.AdvanceTo(consumed, len(buf)); aerr != nil {
			return r.empty, aerr
		}
		if res.IsCompleted {
			r.completed.Store(true)
			return r.empty, nil
		}
		if res.IsCanceled {
			return r.empty, nil
		}
	}
}

func (r *Reader[T]) logFrame(frame []byte) {
	r.mu.Lock()
	l, tag := r.log, r.logTag
	r.mu.Unlock()
	if l != nil {
		l.Debug("%s <= %s", tag, Dump(frame))
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
