package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// WebSocketConfiguration configures a channel over a client WebSocket
// connection. Binary messages are concatenated into the byte stream;
// framing stays the business of the message layer.
type WebSocketConfiguration struct {
	ConfigurationBase

	// URL is the ws:// or wss:// endpoint.
	URL string

	// HandshakeTimeout bounds the WebSocket handshake (default 5s).
	HandshakeTimeout time.Duration

	// Header is sent with the handshake request.
	Header http.Header
}

// CheckValid implements Configuration
func (c *WebSocketConfiguration) CheckValid(log logger.Logger) error {
	if c.URL == "" {
		return errors.New("URL is required")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("invalid URL %q: scheme must be ws or wss", c.URL)
	}
	return nil
}

// CanDynamicReconfigureWith implements Configuration
func (c *WebSocketConfiguration) CanDynamicReconfigureWith(other Configuration) Reconfigurability {
	o, ok := other.(*WebSocketConfiguration)
	if !ok || o.URL != c.URL {
		return ReconfigureRestart
	}
	return ReconfigureIdentical
}

// CreateImpl implements Configuration
func (c *WebSocketConfiguration) CreateImpl(log logger.Logger, canOpenConnection bool) (Impl, error) {
	handshake := c.HandshakeTimeout
	if handshake == 0 {
		handshake = 5 * time.Second
	}
	return &websocketImpl{url: c.URL, handshake: handshake, header: c.Header}, nil
}

// Base implements Configuration
func (c *WebSocketConfiguration) Base() *ConfigurationBase { return &c.ConfigurationBase }

type websocketImpl struct {
	url       string
	handshake time.Duration
	header    http.Header

	mu       sync.Mutex
	conn     *websocket.Conn
	inbound  *pipe.Pipe
	outbound *pipe.Pipe
	pumpStop context.CancelFunc
	disposed bool
}

func (w *websocketImpl) InitialOpen(ctx context.Context, log logger.Logger) (OpenResult, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.handshake}
	conn, _, err := dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return OpenResult{}, fmt.Errorf("failed to connect to %s: %w", w.url, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	inbound := pipe.New()
	outbound := pipe.New()
	go wsReadPump(conn, inbound.Sink())
	go wsWritePump(pumpCtx, outbound.Source(), conn)

	w.mu.Lock()
	w.conn = conn
	w.inbound = inbound
	w.outbound = outbound
	w.pumpStop = cancel
	w.mu.Unlock()

	log.Debug("websocket transport connected to %s", w.url)
	return OpenResult{Input: inbound.Source(), Output: outbound.Sink()}, nil
}

func (w *websocketImpl) DynamicReconfigure(ctx context.Context, log logger.Logger, cfg Configuration) error {
	return nil
}

func (w *websocketImpl) Dispose(ctx context.Context, log logger.Logger) error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return nil
	}
	w.disposed = true
	conn, inbound, outbound, stop := w.conn, w.inbound, w.outbound, w.pumpStop
	w.conn = nil
	w.inbound = nil
	w.outbound = nil
	w.pumpStop = nil
	w.mu.Unlock()

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

func wsReadPump(conn *websocket.Conn, sink pipe.Sink) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sink.Complete(nil)
			} else {
				sink.Complete(pipe.NewTransportError(err))
			}
			return
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if _, werr := sink.Write(data); werr != nil {
			return
		}
		if _, ferr := sink.Flush(context.Background()); ferr != nil {
			sink.Complete(pipe.NewTransportError(ferr))
			return
		}
	}
}

func wsWritePump(ctx context.Context, source pipe.Source, conn *websocket.Conn) {
	for {
		res, err := source.Read(ctx)
		if err != nil {
			source.Complete(err)
			return
		}
		if len(res.Buffer) > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, res.Buffer); werr != nil {
				source.Complete(pipe.NewTransportError(werr))
				return
			}
			if aerr := source.AdvanceTo(len(res.Buffer), len(res.Buffer)); aerr != nil {
				return
			}
		}
		if res.IsCompleted {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
