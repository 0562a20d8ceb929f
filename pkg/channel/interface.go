package channel

import (
	"context"
	"time"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// OpenResult is what a transport impl hands back from InitialOpen.
// Input and Output must both be set for the open to count as a
// success. The behaviors are optional replacements for the channel's
// defaults.
type OpenResult struct {
	Input          pipe.Source
	Output         pipe.Sink
	ReaderBehavior pipe.Behavior
	WriterBehavior pipe.Behavior
}

// Impl is the transport-specific component that owns the physical
// connection and produces the byte source and sink.
// This is THE KEY INTERFACE that enables pluggable transports.
type Impl interface {
	// InitialOpen establishes the connection. The channel bounds the
	// call with a deadline; an error or a result missing a pipe end is
	// a failed open.
	InitialOpen(ctx context.Context, log logger.Logger) (OpenResult, error)

	// DynamicReconfigure applies cfg without closing the transport.
	// There is no external deadline; the impl bounds itself.
	DynamicReconfigure(ctx context.Context, log logger.Logger, cfg Configuration) error

	// Dispose releases all transport resources. It must be safe to
	// call more than once.
	Dispose(ctx context.Context, log logger.Logger) error
}

// Reconfigurability is the outcome of comparing two configurations.
type Reconfigurability int

const (
	// ReconfigureIdentical means the configurations are equivalent.
	ReconfigureIdentical Reconfigurability = iota
	// ReconfigureDynamic means the change applies without a restart.
	ReconfigureDynamic
	// ReconfigureRestart means the transport must be rebuilt.
	ReconfigureRestart
)

// String returns string representation of Reconfigurability
func (r Reconfigurability) String() string {
	switch r {
	case ReconfigureIdentical:
		return "Identical"
	case ReconfigureDynamic:
		return "Dynamic"
	case ReconfigureRestart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// Configuration describes how to reach an endpoint and how the channel
// should behave around it.
type Configuration interface {
	// CheckValid validates the configuration.
	CheckValid(log logger.Logger) error

	// CanDynamicReconfigureWith compares with other. The channel
	// upgrades Identical to Dynamic on its own when only the generic
	// knobs differ.
	CanDynamicReconfigureWith(other Configuration) Reconfigurability

	// CreateImpl materializes the transport. With canOpenConnection
	// false the impl must come back unopened.
	CreateImpl(log logger.Logger, canOpenConnection bool) (Impl, error)

	// Base exposes the generic knobs.
	Base() *ConfigurationBase
}

// ConfigurationBase carries the generic knobs shared by every
// transport configuration. The zero value means: no timeouts, no
// flush retries, auto-reconnect enabled.
type ConfigurationBase struct {
	// DefaultReadTimeout bounds reads whose context carries no
	// cancellation of its own. Zero disables it.
	DefaultReadTimeout time.Duration

	// DefaultWriteTimeout bounds flushes the same way.
	DefaultWriteTimeout time.Duration

	// DefaultRetryWriteCount is the number of extra flush attempts on
	// timeout. Effective only with a positive write timeout.
	DefaultRetryWriteCount int

	// DisableAutoReconnect turns off automatic reconnection.
	DisableAutoReconnect bool
}

// AutoReconnect reports whether the channel reconnects on its own.
func (b *ConfigurationBase) AutoReconnect() bool { return !b.DisableAutoReconnect }

// SameKnobs reports whether the generic knobs are identical.
func (b *ConfigurationBase) SameKnobs(o *ConfigurationBase) bool {
	return b.DefaultReadTimeout == o.DefaultReadTimeout &&
		b.DefaultWriteTimeout == o.DefaultWriteTimeout &&
		b.DefaultRetryWriteCount == o.DefaultRetryWriteCount &&
		b.DisableAutoReconnect == o.DisableAutoReconnect
}
