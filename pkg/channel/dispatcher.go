package channel

import (
	"context"
	"sync"

	"github.com/signature-opensource/commchannel-go/pkg/internal/queue"
	"github.com/signature-opensource/commchannel-go/pkg/logger"
)

// The process-wide dispatcher owns two single-consumer queues: status
// change events are raised to subscribers one at a time and in order,
// and deferred log entries are written off the caller's goroutine.
// Behaviors run on paths that must never block on a subscriber or on
// the channel lock, so both queues are fed fire-and-forget.
//
// The loops are started lazily at first channel construction and live
// until process exit.

type statusDispatch struct {
	event StatusChangedEvent
	subs  []func(StatusChangedEvent)
}

type deferredLog struct {
	log    logger.Logger
	level  logger.Level
	format string
	args   []interface{}
}

var (
	dispatcherOnce sync.Once
	statusQueue    *queue.Queue[statusDispatch]
	logQueue       *queue.Queue[deferredLog]
)

func startDispatcher() {
	dispatcherOnce.Do(func() {
		statusQueue = queue.New[statusDispatch]()
		logQueue = queue.New[deferredLog]()
		go statusLoop()
		go logLoop()
	})
}

func statusLoop() {
	for {
		item, ok := statusQueue.Pop(context.Background())
		if !ok {
			return
		}
		for _, sub := range item.subs {
			safeRaise(sub, item.event)
		}
	}
}

// safeRaise shields the dispatcher from subscribers.
func safeRaise(sub func(StatusChangedEvent), e StatusChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetDefault().Error("to be investigated: status subscriber panicked: %v", r)
		}
	}()
	sub(e)
}

func logLoop() {
	for {
		item, ok := logQueue.Pop(context.Background())
		if !ok {
			return
		}
		switch item.level {
		case logger.LevelDebug:
			item.log.Debug(item.format, item.args...)
		case logger.LevelInfo:
			item.log.Info(item.format, item.args...)
		case logger.LevelWarn:
			item.log.Warn(item.format, item.args...)
		default:
			item.log.Error(item.format, item.args...)
		}
	}
}

func postStatusEvent(e StatusChangedEvent, subs []func(StatusChangedEvent)) {
	statusQueue.Push(statusDispatch{event: e, subs: subs})
}

func postDeferredLog(log logger.Logger, level logger.Level, format string, args ...interface{}) {
	logQueue.Push(deferredLog{log: log, level: level, format: format, args: args})
}
