package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// initialOpenTimeout bounds every InitialOpen call.
const initialOpenTimeout = 5 * time.Second

var (
	// ErrDisposed is returned by operations on a disposed channel.
	ErrDisposed = errors.New("the channel is disposed")

	errOpenWithoutPipes = errors.New("initial open provided no input/output pipes")
)

var channelCounter atomic.Uint64

// Channel is the supervisor of a durable byte stream: it owns a
// transport Impl, exposes a stable reader and writer whose inner pipes
// it re-attaches across transport replacements, tracks connection
// availability and drives automatic reconnection with a back-off
// schedule.
//
// All state transitions (open, close, reconfigure, pipe errors,
// reconnector ticks, dispose) serialize through one async lock.
// Fire-and-forget entry points never propagate errors; their safety
// net is a log record.
type Channel struct {
	name    uint64
	baseLog logger.Logger
	log     logger.Logger
	capture *logCapture

	reader *pipe.StableReader
	writer *pipe.StableWriter
	stats  *Statistics

	readerBehavior *channelBehavior
	writerBehavior *channelBehavior

	lock          *semaphore.Weighted
	status        atomic.Int32
	autoReconnect atomic.Bool
	disposed      atomic.Bool
	generation    atomic.Uint64

	// Guarded by lock.
	cfg         Configuration
	impl        Impl
	reconnector *Reconnector

	subsMu  sync.Mutex
	subs    map[int]func(StatusChangedEvent)
	nextSub int
}

// New creates a channel for cfg and performs the first open. A failed
// first open does not fail the constructor: the channel comes back in
// a degraded status and, unless auto-reconnect is off, keeps trying in
// the background.
func New(ctx context.Context, cfg Configuration, log logger.Logger) (*Channel, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	if err := cfg.CheckValid(log); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	startDispatcher()

	c := &Channel{
		name:    channelCounter.Add(1),
		baseLog: log,
		capture: &logCapture{},
		stats:   NewStatistics(),
		lock:    semaphore.NewWeighted(1),
		subs:    make(map[int]func(StatusChangedEvent)),
	}
	c.log = newCaptureLogger(log, c.capture, fmt.Sprintf("channel-%d", c.name))
	c.readerBehavior = newChannelBehavior(c, "reader")
	c.writerBehavior = newChannelBehavior(c, "writer")
	c.reader = pipe.NewStableReader(c.readerBehavior)
	c.writer = pipe.NewStableWriter(c.writerBehavior)
	c.writer.SetOnDataWritten(func(data []byte, _ *pipe.StableWriter) {
		c.stats.AddBytesSent(uint64(len(data)))
		c.stats.FlushDone()
	})
	c.status.Store(int32(StatusNone))
	c.autoReconnect.Store(cfg.Base().AutoReconnect())
	c.applyKnobs(cfg.Base())

	impl, err := cfg.CreateImpl(c.log, true)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	c.impl = impl

	if err := c.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.reopenLocked(ctx, nil)
	c.lock.Release(1)
	return c, nil
}

// Name returns the unique numeric id of the channel.
func (c *Channel) Name() uint64 { return c.name }

// Reader returns the stable reader of the channel.
func (c *Channel) Reader() *pipe.StableReader { return c.reader }

// Writer returns the stable writer of the channel.
func (c *Channel) Writer() *pipe.StableWriter { return c.writer }

// Statistics returns the channel statistics.
func (c *Channel) Statistics() *Statistics { return c.stats }

// Status returns the current connection availability.
func (c *Channel) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// AutoReconnect reports whether the channel reconnects on its own.
func (c *Channel) AutoReconnect() bool { return c.autoReconnect.Load() }

// SetAutoReconnect toggles automatic reconnection.
func (c *Channel) SetAutoReconnect(enabled bool) { c.autoReconnect.Store(enabled) }

// IsDisposed reports whether Dispose ran.
func (c *Channel) IsDisposed() bool { return c.disposed.Load() }

// OnStatusChanged subscribes to status transitions. Events are raised
// in observation order from a dedicated background loop; subscriber
// panics are logged, not propagated. The returned function
// unsubscribes.
func (c *Channel) OnStatusChanged(fn func(StatusChangedEvent)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Channel) subscribers() []func(StatusChangedEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]func(StatusChangedEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		out = append(out, fn)
	}
	return out
}

func (c *Channel) applyKnobs(b *ConfigurationBase) {
	c.reader.SetDefaultTimeout(b.DefaultReadTimeout)
	c.writer.SetDefaultTimeout(b.DefaultWriteTimeout)
	if b.DefaultWriteTimeout > 0 {
		c.writer.SetRetryWriteCount(b.DefaultRetryWriteCount)
	} else {
		c.writer.SetRetryWriteCount(0)
	}
}

// setStatusLocked records the transition and emits the event with the
// capture payload. Equal consecutive statuses emit nothing.
func (c *Channel) setStatusLocked(s ConnectionStatus) {
	old := ConnectionStatus(c.status.Swap(int32(s)))
	if old == s {
		return
	}
	c.stats.StatusChange()
	var errCtx []logger.Entry
	if s == StatusConnected {
		c.capture.StopCapture()
	} else {
		if old == StatusConnected {
			c.capture.StartCapture()
		}
		errCtx = c.capture.Snapshot()
	}
	postStatusEvent(StatusChangedEvent{Channel: c, Status: s, ErrorContext: errCtx}, c.subscribers())
}

func (c *Channel) decayStatusLocked() {
	s := ConnectionStatus(c.status.Load())
	if s > StatusNone {
		c.setStatusLocked(s - 1)
	}
}

// logFailure records an entry carrying the error into the capture
// window and logs it.
func (c *Channel) logFailure(err error, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	c.capture.Append(logger.Entry{
		Tags:      fmt.Sprintf("channel-%d", c.name),
		Level:     logger.LevelError,
		Text:      text,
		Timestamp: time.Now(),
		Err:       err,
	})
	c.baseLog.Error("%s: %v", text, err)
}

// reopenLocked tears any current attachment down and retries the
// initial open. rec is non-nil when the call comes from a reconnector
// tick, in which case a failure plans the next attempt instead of
// spawning a new reconnector.
func (c *Channel) reopenLocked(ctx context.Context, rec *Reconnector) {
	if c.disposed.Load() || c.impl == nil {
		return
	}
	c.stats.OpenAttempt()
	c.reader.Close(false)
	c.writer.Close(false)

	openCtx, cancel := context.WithTimeout(ctx, initialOpenTimeout)
	res, err := c.impl.InitialOpen(openCtx, c.log)
	cancel()
	if err == nil && (res.Input == nil || res.Output == nil) {
		err = errOpenWithoutPipes
	}
	if err == nil {
		c.readerBehavior.setInner(res.ReaderBehavior)
		c.writerBehavior.setInner(res.WriterBehavior)
		c.reader.SetInner(res.Input, true)
		c.writer.SetInner(res.Output, true)
		if c.reconnector != nil {
			c.reconnector.Dispose()
			c.reconnector = nil
		}
		c.stats.Opened()
		c.setStatusLocked(StatusConnected)
		c.log.Info("channel %d connected", c.name)
		return
	}

	c.logFailure(err, "channel %d open failed", c.name)
	c.closeLocked(ctx, false)
	c.decayStatusLocked()
	if rec != nil {
		rec.PlanNext()
		return
	}
	if c.autoReconnect.Load() && c.reconnector == nil {
		c.reconnector = newReconnector(c, initialReconnectDelay)
	}
}

// closeLocked detaches (or completes) the stable pipes, disposes the
// impl and, unless completing, materializes a fresh unopened impl so
// the next reopen has a clean target.
func (c *Channel) closeLocked(ctx context.Context, complete bool) {
	c.generation.Add(1)
	c.reader.Close(complete)
	c.writer.Close(complete)
	if ConnectionStatus(c.status.Load()) == StatusConnected {
		c.setStatusLocked(StatusLow)
	}
	if c.impl != nil {
		if err := c.impl.Dispose(ctx, c.log); err != nil {
			c.logFailure(err, "channel %d transport dispose failed", c.name)
		}
	}
	if complete {
		c.impl = nil
		return
	}
	impl, err := c.cfg.CreateImpl(c.log, false)
	if err != nil {
		c.logFailure(err, "channel %d could not recreate transport", c.name)
		c.impl = nil
		return
	}
	c.impl = impl
}

// Reconfigure applies newCfg: generic knobs always, the transport
// either in place (dynamic) or through a close and a one-shot reopen
// that challenges the new configuration even when auto-reconnect is
// off.
func (c *Channel) Reconfigure(ctx context.Context, newCfg Configuration) error {
	if err := newCfg.CheckValid(c.log); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)
	if c.disposed.Load() {
		return ErrDisposed
	}

	c.applyKnobs(newCfg.Base())
	c.autoReconnect.Store(newCfg.Base().AutoReconnect())

	r := c.cfg.CanDynamicReconfigureWith(newCfg)
	if r == ReconfigureIdentical && !c.cfg.Base().SameKnobs(newCfg.Base()) {
		// Only the generic knobs differ: no transport work needed.
		r = ReconfigureDynamic
	}
	old := c.cfg
	c.cfg = newCfg
	switch r {
	case ReconfigureIdentical:
		return nil
	case ReconfigureDynamic:
		if c.impl == nil {
			return nil
		}
		if old.CanDynamicReconfigureWith(newCfg) != ReconfigureDynamic {
			// Knob-only change, the transport is untouched.
			return nil
		}
		return c.impl.DynamicReconfigure(ctx, c.log, newCfg)
	default:
		c.closeLocked(ctx, false)
		c.reopenLocked(ctx, nil)
		return nil
	}
}

// Dispose closes the channel terminally: the stable pipes complete,
// the transport is disposed, the reconnector stops.
func (c *Channel) Dispose(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if c.reconnector != nil {
		c.reconnector.Dispose()
		c.reconnector = nil
	}
	c.closeLocked(ctx, true)
	c.log.Info("channel %d disposed", c.name)
	return nil
}

// firePipeError is the fire-and-forget escalation path of the behavior
// wrappers: tear the transport down and retry the open. It never
// propagates.
func (c *Channel) firePipeError(origin string, err error) {
	c.stats.TransportError()
	c.logFailure(err, "channel %d %s pipe error", c.name, origin)
	gen := c.generation.Load()
	go c.runGuarded(func(ctx context.Context) {
		if c.generation.Load() != gen {
			// A reconnect already replaced the faulted transport.
			return
		}
		c.closeLocked(ctx, false)
		c.reopenLocked(ctx, nil)
	})
}

// fireInnerCompleted handles a transport that completed its pipes (the
// peer closed): same teardown as a pipe error.
func (c *Channel) fireInnerCompleted(origin string) {
	postDeferredLog(c.log, logger.LevelWarn,
		"channel %d %s inner pipe completed", c.name, origin)
	gen := c.generation.Load()
	go c.runGuarded(func(ctx context.Context) {
		if c.generation.Load() != gen {
			return
		}
		c.closeLocked(ctx, false)
		c.reopenLocked(ctx, nil)
	})
}

// onReconnectorTick runs on the reconnector's timer goroutine.
func (c *Channel) onReconnectorTick(rec *Reconnector) {
	c.runGuarded(func(ctx context.Context) {
		if c.reconnector != rec {
			// A successful open or a reconfigure replaced it.
			return
		}
		c.reopenLocked(ctx, rec)
	})
}

// runGuarded serializes fn under the channel lock and never lets
// anything escape a fire-and-forget path.
func (c *Channel) runGuarded(fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.baseLog.Error("to be investigated: channel %d background task panicked: %v", c.name, r)
		}
	}()
	ctx := context.Background()
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.lock.Release(1)
	if c.disposed.Load() {
		return
	}
	fn(ctx)
}
