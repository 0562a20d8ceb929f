package logger

import "time"

// Entry is a structured log record. The communication channel keeps a
// short window of recent entries per channel and attaches them to
// connection status events, so entries carry everything a subscriber
// needs to reconstruct the context of a failure.
type Entry struct {
	Tags      string
	Level     Level
	Depth     int
	Text      string
	Timestamp time.Time
	Err       error
}
