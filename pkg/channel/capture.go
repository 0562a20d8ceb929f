package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
)

const (
	captureRingSize  = 5
	captureArraySize = 20
)

// logCapture keeps a short window of recent log entries per channel.
// While connected, entries roll through a small ring; when the
// connection is lost the ring is drained into the capture array
// (oldest first) and subsequent entries append to it until full, so a
// status event carries a short prologue plus the follow-on entries.
type logCapture struct {
	mu        sync.Mutex
	ring      [captureRingSize]logger.Entry
	ringLen   int
	ringNext  int
	capture   []logger.Entry
	capturing bool
}

func (c *logCapture) Append(e logger.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		if len(c.capture) < captureArraySize {
			c.capture = append(c.capture, e)
		}
		return
	}
	c.ring[c.ringNext] = e
	c.ringNext = (c.ringNext + 1) % captureRingSize
	if c.ringLen < captureRingSize {
		c.ringLen++
	}
}

// StartCapture switches to capture mode, seeding the capture array
// with the ring content in chronological order.
func (c *logCapture) StartCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		return
	}
	c.capture = make([]logger.Entry, 0, captureArraySize)
	first := c.ringNext - c.ringLen
	if first < 0 {
		first += captureRingSize
	}
	for i := 0; i < c.ringLen; i++ {
		c.capture = append(c.capture, c.ring[(first+i)%captureRingSize])
	}
	c.ringLen = 0
	c.ringNext = 0
	c.capturing = true
}

// StopCapture leaves capture mode, dropping the captured entries.
func (c *logCapture) StopCapture() {
	c.mu.Lock()
	c.capture = nil
	c.capturing = false
	c.mu.Unlock()
}

// Snapshot returns a copy of the captured entries.
func (c *logCapture) Snapshot() []logger.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]logger.Entry, len(c.capture))
	copy(out, c.capture)
	return out
}

// captureLogger tees every log line into a logCapture before
// forwarding it to the wrapped logger.
type captureLogger struct {
	inner   logger.Logger
	capture *logCapture
	tag     string
}

func newCaptureLogger(inner logger.Logger, capture *logCapture, tag string) *captureLogger {
	return &captureLogger{inner: inner, capture: capture, tag: tag}
}

func (l *captureLogger) record(level logger.Level, format string, args []interface{}) string {
	text := fmt.Sprintf(format, args...)
	l.capture.Append(logger.Entry{
		Tags:      l.tag,
		Level:     level,
		Text:      text,
		Timestamp: time.Now(),
	})
	return text
}

func (l *captureLogger) Debug(format string, args ...interface{}) {
	l.inner.Debug("%s", l.record(logger.LevelDebug, format, args))
}

func (l *captureLogger) Info(format string, args ...interface{}) {
	l.inner.Info("%s", l.record(logger.LevelInfo, format, args))
}

func (l *captureLogger) Warn(format string, args ...interface{}) {
	l.inner.Warn("%s", l.record(logger.LevelWarn, format, args))
}

func (l *captureLogger) Error(format string, args ...interface{}) {
	l.inner.Error("%s", l.record(logger.LevelError, format, args))
}

func (l *captureLogger) SetLevel(level logger.Level) {
	l.inner.SetLevel(level)
}
