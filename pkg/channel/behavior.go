package channel

import (
	"sync"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// channelBehavior decorates the impl-supplied behavior so that errors
// and completions of the inner pipes escalate into reconnect requests.
// It carries a non-owning handle to the channel, for dispatch only:
// the channel owns both stable pipes and the wrappers.
type channelBehavior struct {
	ch   *Channel
	name string // "reader" or "writer", for diagnostics

	mu    sync.Mutex
	inner pipe.Behavior
}

func newChannelBehavior(ch *Channel, name string) *channelBehavior {
	return &channelBehavior{ch: ch, name: name, inner: pipe.DefaultBehavior{}}
}

func (b *channelBehavior) setInner(inner pipe.Behavior) {
	if inner == nil {
		inner = pipe.DefaultBehavior{}
	}
	b.mu.Lock()
	b.inner = inner
	b.mu.Unlock()
}

func (b *channelBehavior) implBehavior() pipe.Behavior {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inner
}

// OnError lets the impl behavior speak first. Timeouts stay visible to
// the caller; any other error triggers a reconnect and tells the
// stable pipe to wait for a fresh inner, unless the channel is
// disposed or auto-reconnect is off.
func (b *channelBehavior) OnError(err error) pipe.ErrorAction {
	if a := b.implBehavior().OnError(err); a != pipe.ErrorThrow {
		return a
	}
	if pipe.IsTimeout(err) {
		return pipe.ErrorThrow
	}
	if b.ch.IsDisposed() || !b.ch.AutoReconnect() {
		return pipe.ErrorThrow
	}
	b.ch.firePipeError(b.name, err)
	return pipe.ErrorRetry
}

func (b *channelBehavior) OnSwallowed(err error) {
	b.implBehavior().OnSwallowed(err)
	// Deferred: behaviors run on paths that must not block.
	postDeferredLog(b.ch.log, logger.LevelDebug,
		"channel %d %s swallowed concurrent error: %v", b.ch.Name(), b.name, err)
}

func (b *channelBehavior) OnCancel() {
	b.implBehavior().OnCancel()
}

// OnInnerCompleted closes both stable pipes non-terminally and lets a
// reconnect re-attach them, unless the impl behavior or the channel
// configuration decides otherwise.
func (b *channelBehavior) OnInnerCompleted() pipe.CompletionAction {
	if a := b.implBehavior().OnInnerCompleted(); a != pipe.CompletionComplete {
		return a
	}
	ch := b.ch
	if ch.IsDisposed() {
		return pipe.CompletionComplete
	}
	ch.reader.Close(false)
	ch.writer.Close(false)
	ch.fireInnerCompleted(b.name)
	if ch.AutoReconnect() {
		return pipe.CompletionRetry
	}
	return pipe.CompletionComplete
}

func (b *channelBehavior) ReturnInnerCanceled() bool {
	return b.implBehavior().ReturnInnerCanceled()
}
