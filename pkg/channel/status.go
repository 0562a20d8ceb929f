package channel

import "github.com/signature-opensource/commchannel-go/pkg/logger"

// ConnectionStatus is the availability of a channel's connection. It
// decays one step per failed reconnect attempt and jumps straight to
// StatusConnected on a successful open.
type ConnectionStatus int32

const (
	StatusNone ConnectionStatus = iota
	StatusDangerZone
	StatusLow
	StatusConnected
)

// String returns string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusDangerZone:
		return "DangerZone"
	case StatusLow:
		return "Low"
	case StatusConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// StatusChangedEvent is delivered to subscribers on every status
// transition. ErrorContext is empty when the status is Connected;
// otherwise it holds the recent log entries around the failure.
type StatusChangedEvent struct {
	Channel      *Channel
	Status       ConnectionStatus
	ErrorContext []logger.Entry
}
