package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// TCPConfiguration configures a channel over a client TCP connection.
// Channels dial; accepting connections is the host application's
// business.
type TCPConfiguration struct {
	ConfigurationBase

	// Address is the "host:port" to dial.
	Address string

	// DialTimeout bounds the dial (default 10s; the channel's own
	// 5-second open deadline usually wins).
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive period (0 uses the stack
	// default, negative disables it).
	KeepAlive time.Duration
}

// CheckValid implements Configuration
func (c *TCPConfiguration) CheckValid(log logger.Logger) error {
	if c.Address == "" {
		return errors.New("Address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid Address %q: %w", c.Address, err)
	}
	return nil
}

// CanDynamicReconfigureWith implements Configuration
func (c *TCPConfiguration) CanDynamicReconfigureWith(other Configuration) Reconfigurability {
	o, ok := other.(*TCPConfiguration)
	if !ok || o.Address != c.Address {
		return ReconfigureRestart
	}
	if o.DialTimeout != c.DialTimeout || o.KeepAlive != c.KeepAlive {
		// Dial parameters only matter at the next connect.
		return ReconfigureDynamic
	}
	return ReconfigureIdentical
}

// CreateImpl implements Configuration
func (c *TCPConfiguration) CreateImpl(log logger.Logger, canOpenConnection bool) (Impl, error) {
	dialTimeout := c.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	return &tcpImpl{
		address:     c.Address,
		dialTimeout: dialTimeout,
		keepAlive:   c.KeepAlive,
	}, nil
}

// Base implements Configuration
func (c *TCPConfiguration) Base() *ConfigurationBase { return &c.ConfigurationBase }

type tcpImpl struct {
	address     string
	dialTimeout time.Duration
	keepAlive   time.Duration

	mu       sync.Mutex
	conn     net.Conn
	inbound  *pipe.Pipe
	outbound *pipe.Pipe
	pumpStop context.CancelFunc
	disposed bool
}

func (t *tcpImpl) InitialOpen(ctx context.Context, log logger.Logger) (OpenResult, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout, KeepAlive: t.keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return OpenResult{}, fmt.Errorf("failed to connect to %s: %w", t.address, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	inbound := pipe.New()
	outbound := pipe.New()
	go readPump(conn, inbound.Sink())
	go writePump(pumpCtx, outbound.Source(), conn)

	t.mu.Lock()
	t.conn = conn
	t.inbound = inbound
	t.outbound = outbound
	t.pumpStop = cancel
	t.mu.Unlock()

	log.Debug("tcp transport connected to %s", t.address)
	return OpenResult{Input: inbound.Source(), Output: outbound.Sink()}, nil
}

func (t *tcpImpl) DynamicReconfigure(ctx context.Context, log logger.Logger, cfg Configuration) error {
	o, ok := cfg.(*TCPConfiguration)
	if !ok {
		return fmt.Errorf("expected *TCPConfiguration, got %T", cfg)
	}
	t.mu.Lock()
	t.dialTimeout = o.DialTimeout
	if t.dialTimeout == 0 {
		t.dialTimeout = 10 * time.Second
	}
	t.keepAlive = o.KeepAlive
	t.mu.Unlock()
	return nil
}

func (t *tcpImpl) Dispose(ctx context.Context, log logger.Logger) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	conn, inbound, outbound, stop := t.conn, t.inbound, t.outbound, t.pumpStop
	t.conn = nil
	t.inbound = nil
	t.outbound = nil
	t.pumpStop = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
	if inbound != nil {
		inbound.Sink().Complete(nil)
	}
	if outbound != nil {
		outbound.Sink().Complete(nil)
	}
	return nil
}
