package message

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// Formatter renders one message as one frame into buf. Returning
// (false, nil) aborts the write without error: the frame is rolled
// back and Write reports false.
type Formatter[T any] interface {
	WriteMessage(msg T, buf io.Writer) (bool, error)
}

// Writer sends one frame per call over a stable writer. Concurrent
// calls fail with pipe.ErrAlreadyWriting unless EnableMultipleWriters
// was called, in which case a semaphore serializes them while
// honoring each caller's cancellation and timeout.
type Writer[T any] struct {
	inner     *pipe.StableWriter
	formatter Formatter[T]

	mu             sync.Mutex
	defaultTimeout time.Duration
	logTag         string
	log            logger.Logger

	sem          *semaphore.Weighted
	writing      atomic.Bool
	lastSentTick atomic.Int64
}

// NewWriter creates a message writer over inner using formatter.
func NewWriter[T any](inner *pipe.StableWriter, formatter Formatter[T]) *Writer[T] {
	return &Writer[T]{inner: inner, formatter: formatter}
}

// Inner returns the underlying stable writer.
func (w *Writer[T]) Inner() *pipe.StableWriter { return w.inner }

// IsCompleted reports whether the writer will accept no more messages.
func (w *Writer[T]) IsCompleted() bool { return w.inner.IsCompleted() }

// DefaultTimeout returns the send timeout applied when a call does not
// override it.
func (w *Writer[T]) DefaultTimeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.defaultTimeout
}

// SetDefaultTimeout sets the default send timeout.
func (w *Writer[T]) SetDefaultTimeout(d time.Duration) {
	w.mu.Lock()
	w.defaultTimeout = d
	w.mu.Unlock()
}

// EnableMultipleWriters lets concurrent Write calls wait for each
// other instead of failing. Must be called before first use.
func (w *Writer[T]) EnableMultipleWriters() {
	w.sem = semaphore.NewWeighted(1)
}

// EnableLog dumps each sent frame to l under tag.
func (w *Writer[T]) EnableLog(tag string, l logger.Logger) {
	w.mu.Lock()
	w.logTag = tag
	w.log = l
	w.mu.Unlock()
}

// LastSent returns the time of the last successful send, or the zero
// time when nothing was sent yet.
func (w *Writer[T]) LastSent() time.Time {
	tick := w.lastSentTick.Load()
	if tick == 0 {
		return time.Time{}
	}
	return time.Unix(0, tick)
}

// Write formats msg into one frame and flushes it, using the default
// timeout. It reports false when the message was not sent because the
// writer is completed or the formatter aborted.
func (w *Writer[T]) Write(ctx context.Context, msg T) (bool, error) {
	return w.WriteTimeout(ctx, msg, DefaultTimeout)
}

// WriteTimeout is Write with a per-call timeout override (NoTimeout
// disables the internal timer). Formatter errors propagate unchanged;
// a missed timeout is routed as *FrameTimeoutError through the stable
// writer's behavior.
func (w *Writer[T]) WriteTimeout(ctx context.Context, msg T, timeout time.Duration) (bool, error) {
	if w.inner.IsCompleted() {
		return false, nil
	}
	if timeout == DefaultTimeout {
		timeout = w.DefaultTimeout()
	}

	if w.sem != nil {
		if err := w.acquire(ctx, timeout); err != nil {
			return false, err
		}
		defer w.sem.Release(1)
	} else {
		if !w.writing.CompareAndSwap(false, true) {
			return false, pipe.ErrAlreadyWriting
		}
		defer w.writing.Store(false)
	}

	pos := w.inner.Buffered()
	ok, err := w.formatMessage(msg)
	if err != nil || !ok {
		w.inner.TruncateBuffered(pos)
		return false, err
	}

	for {
		flushCtx := ctx
		internal := false
		var cancel context.CancelFunc
		if ctx.Done() == nil && timeout > 0 {
			flushCtx, cancel = context.WithTimeout(context.Background(), timeout)
			internal = true
		}
		res, ferr := w.inner.Flush(flushCtx)
		if cancel != nil {
			cancel()
		}
		if ferr != nil {
			if internal && isCancellation(ferr) && ctx.Err() == nil {
				terr := newFrameTimeout("write message", timeout)
				switch w.inner.Behavior().OnError(terr) {
				case pipe.ErrorRetry:
					continue
				case pipe.ErrorCancel:
					return !w.inner.IsCompleted(), nil
				default:
					return false, terr
				}
			}
			return false, ferr
		}
		if res.IsCanceled {
			// The frame stays buffered; a later flush delivers it.
			return false, nil
		}
		w.lastSentTick.Store(time.Now().UnixNano())
		return !res.IsCompleted, nil
	}
}

func (w *Writer[T]) acquire(ctx context.Context, timeout time.Duration) error {
	acquireCtx := ctx
	var cancel context.CancelFunc
	if ctx.Done() == nil && timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(context.Background(), timeout)
		defer cancel()
	}
	if err := w.sem.Acquire(acquireCtx, 1); err != nil {
		if cancel != nil && ctx.Err() == nil {
			return newFrameTimeout("write message", timeout)
		}
		return err
	}
	return nil
}

func (w *Writer[T]) formatMessage(msg T) (bool, error) {
	w.mu.Lock()
	l, tag := w.log, w.logTag
	w.mu.Unlock()
	if l == nil {
		return w.formatter.WriteMessage(msg, w.inner)
	}
	var scratch bytes.Buffer
	ok, err := w.formatter.WriteMessage(msg, &scratch)
	if err != nil || !ok {
		return ok, err
	}
	l.Debug("%s => %s", tag, Dump(scratch.Bytes()))
	_, err = w.inner.Write(scratch.Bytes())
	return err == nil, err
}
