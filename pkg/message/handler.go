package message

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// StopReason tells why the handler loop exited.
type StopReason int

const (
	StopNone StopReason = iota
	StopLoop
	StopProcessMessage
	StopMaxMessageNumber
	StopReaderComplete
	StopReadTimeout
	StopUnhandledError
)

// String returns string representation of StopReason
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "None"
	case StopLoop:
		return "StoppedLoop"
	case StopProcessMessage:
		return "ProcessMessage"
	case StopMaxMessageNumber:
		return "MaxMessageNumber"
	case StopReaderComplete:
		return "OnReaderComplete"
	case StopReadTimeout:
		return "ReadTimeout"
	case StopUnhandledError:
		return "UnhandledError"
	default:
		return "Unknown"
	}
}

// Handler adapts the pull-based Reader to a push callback: a loop
// reads the next message and hands it to the handle function, with a
// dynamically adjustable idle-read timeout and an optional per-message
// handling timeout.
//
// The optional hook fields default to "continue"; they must be set
// before Start.
type Handler[T comparable] struct {
	reader *Reader[T]
	handle func(ctx context.Context, msg T) bool

	// OnReadLoopStart runs before the first read of a loop.
	OnReadLoopStart func()
	// OnReadLoopStop runs after the loop exited, with its reason.
	OnReadLoopStop func(reason StopReason)
	// OnReadTimeout decides whether a missed idle-read timeout keeps
	// the loop alive. Returning false stops with StopReadTimeout.
	OnReadTimeout func() bool
	// OnHandlingTimeout decides whether a missed handling timeout
	// keeps the loop alive.
	OnHandlingTimeout func() bool
	// OnUnhandledError decides whether a read error keeps the loop
	// alive. Returning false stops with StopUnhandledError.
	OnUnhandledError func(err error) bool

	defaultReadTimeout   time.Duration
	handlingTimeout      time.Duration
	autoApplyTimeout     bool
	handleCancelMessages bool

	running   atomic.Bool
	runCancel context.CancelFunc
	runMu     sync.Mutex

	lastStop    atomic.Int32
	stopReasons chan StopReason

	// Fine-grained timeout adjustment state.
	timeoutMu     sync.Mutex
	activeTimeout time.Duration
	timer         *time.Timer
	timerFired    bool
	cancelActive  context.CancelFunc
}

// NewHandler creates a handler over reader. handle returns false to
// stop the loop with StopProcessMessage.
func NewHandler[T comparable](reader *Reader[T], handle func(ctx context.Context, msg T) bool) *Handler[T] {
	return &Handler[T]{
		reader:           reader,
		handle:           handle,
		autoApplyTimeout: true,
		stopReasons:      make(chan StopReason, 8),
	}
}

// Reader returns the underlying message reader.
func (h *Handler[T]) Reader() *Reader[T] { return h.reader }

// IsRunning reports whether the loop is active.
func (h *Handler[T]) IsRunning() bool { return h.running.Load() }

// SetDefaultReadTimeout sets the idle-read timeout applied at each
// cycle when auto-apply is on.
func (h *Handler[T]) SetDefaultReadTimeout(d time.Duration) {
	h.timeoutMu.Lock()
	h.defaultReadTimeout = d
	h.timeoutMu.Unlock()
}

// SetHandlingTimeout bounds each handle call. Zero disables it.
func (h *Handler[T]) SetHandlingTimeout(d time.Duration) {
	h.timeoutMu.Lock()
	h.handlingTimeout = d
	h.timeoutMu.Unlock()
}

// SetAutoApplyTimeout controls whether each new read starts with the
// default read timeout applied (the default) or with whatever
// SetReadTimeout last armed.
func (h *Handler[T]) SetAutoApplyTimeout(enabled bool) {
	h.timeoutMu.Lock()
	h.autoApplyTimeout = enabled
	h.timeoutMu.Unlock()
}

// SetHandleCancelMessages controls whether empty messages reach the
// handle callback.
func (h *Handler[T]) SetHandleCancelMessages(enabled bool) {
	h.handleCancelMessages = enabled
}

// SetReadTimeout arms the idle-read timeout: zero applies the default,
// negative suspends it. Adjusting while a read is in flight restarts
// the running timer.
func (h *Handler[T]) SetReadTimeout(d time.Duration) {
	h.timeoutMu.Lock()
	if d == 0 {
		d = h.defaultReadTimeout
	}
	h.activeTimeout = d
	if h.cancelActive != nil {
		h.rearmTimerLocked(d)
	}
	h.timeoutMu.Unlock()
}

// SuspendReadTimeout clears the armed timeout. The loop calls it as
// soon as a frame is received: the handling step is not bounded by the
// read timeout.
func (h *Handler[T]) SuspendReadTimeout() {
	h.timeoutMu.Lock()
	h.activeTimeout = NoTimeout
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.cancelActive = nil
	h.timeoutMu.Unlock()
}

// rearmTimerLocked replaces the running timer. A timer that already
// fired cannot be reset and is replaced.
func (h *Handler[T]) rearmTimerLocked(d time.Duration) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if d > 0 {
		h.timer = time.AfterFunc(d, h.fireTimeout)
	}
}

func (h *Handler[T]) fireTimeout() {
	h.timeoutMu.Lock()
	h.timerFired = true
	cancel := h.cancelActive
	h.timeoutMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// armRead builds the context of one read cycle. The returned cancel
// must be called once the read finished, releasing the child context;
// the timer path may also fire it early.
func (h *Handler[T]) armRead(ctx context.Context) (context.Context, context.CancelFunc) {
	readCtx, cancel := context.WithCancel(ctx)
	h.timeoutMu.Lock()
	h.cancelActive = cancel
	h.timerFired = false
	d := h.activeTimeout
	if h.autoApplyTimeout {
		d = h.defaultReadTimeout
		h.activeTimeout = d
	}
	h.rearmTimerLocked(d)
	h.timeoutMu.Unlock()
	return readCtx, cancel
}

func (h *Handler[T]) readTimedOut() bool {
	h.timeoutMu.Lock()
	defer h.timeoutMu.Unlock()
	return h.timerFired
}

// Start launches the loop. max bounds the number of handled messages
// (zero means unbounded). Returns false if already running.
func (h *Handler[T]) Start(max int) bool {
	if !h.running.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.runMu.Lock()
	h.runCancel = cancel
	h.runMu.Unlock()
	go h.loop(ctx, max)
	return true
}

// Stop terminates the loop by canceling its context, which also ends
// the read in flight. With cancelPendingRead, the reader's
// CancelPendingRead is called as well. Returns false if not running.
func (h *Handler[T]) Stop(cancelPendingRead bool) bool {
	if !h.running.CompareAndSwap(true, false) {
		return false
	}
	h.runMu.Lock()
	cancel := h.runCancel
	h.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cancelPendingRead {
		h.reader.CancelPendingRead()
	}
	return true
}

// StoppedReason yields one StopReason each time the loop exits.
func (h *Handler[T]) StoppedReason() <-chan StopReason { return h.stopReasons }

// LastStopReason returns the reason of the most recent loop exit.
func (h *Handler[T]) LastStopReason() StopReason {
	return StopReason(h.lastStop.Load())
}

func (h *Handler[T]) loop(ctx context.Context, max int) {
	if h.OnReadLoopStart != nil {
		h.OnReadLoopStart()
	}
	// A loop that drains out because running flipped was stopped from
	// the outside.
	reason := StopLoop
	count := 0

	for h.running.Load() {
		readCtx, cancelRead := h.armRead(ctx)
		m, err := h.reader.ReadNextFiltered(readCtx, NoTimeout, nil)
		h.SuspendReadTimeout()
		cancelRead()

		if err != nil {
			if isCancellation(err) {
				if ctx.Err() != nil || !h.running.Load() {
					reason = StopLoop
					break
				}
				if h.readTimedOut() {
					if h.OnReadTimeout != nil && h.OnReadTimeout() {
						continue
					}
					reason = StopReadTimeout
					break
				}
				continue
			}
			if h.OnUnhandledError != nil && h.OnUnhandledError(err) {
				continue
			}
			reason = StopUnhandledError
			break
		}

		if m == h.reader.Empty() {
			if h.reader.IsCompleted() {
				reason = StopReaderComplete
				break
			}
			if !h.handleCancelMessages || !h.running.Load() {
				continue
			}
		}

		h.timeoutMu.Lock()
		handling := h.handlingTimeout
		h.timeoutMu.Unlock()
		hctx := ctx
		var hcancel context.CancelFunc
		if handling > 0 {
			hctx, hcancel = context.WithTimeout(ctx, handling)
		}
		ok, herr := h.safeHandle(hctx, m)
		handlingExpired := handling > 0 && isCancellation(hctx.Err()) && ctx.Err() == nil
		if hcancel != nil {
			hcancel()
		}
		if herr != nil {
			if h.OnUnhandledError != nil && h.OnUnhandledError(herr) {
				continue
			}
			reason = StopUnhandledError
			break
		}
		if handlingExpired && h.OnHandlingTimeout != nil && !h.OnHandlingTimeout() {
			reason = StopProcessMessage
			break
		}
		if !ok {
			reason = StopProcessMessage
			break
		}
		count++
		if max > 0 && count >= max {
			reason = StopMaxMessageNumber
			break
		}
	}

	h.running.Store(false)
	h.runMu.Lock()
	if h.runCancel != nil {
		h.runCancel()
		h.runCancel = nil
	}
	h.runMu.Unlock()

	h.lastStop.Store(int32(reason))
	select {
	case h.stopReasons <- reason:
	default:
	}
	if h.OnReadLoopStop != nil {
		h.OnReadLoopStop(reason)
	}
}

func (h *Handler[T]) safeHandle(ctx context.Context, m T) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message handler panicked: %v", r)
		}
	}()
	return h.handle(ctx, m), nil
}
