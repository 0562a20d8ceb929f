package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

const quicALPN = "commchannel"

// QUICConfiguration configures a channel over a client QUIC
// connection carrying one bidirectional stream.
type QUICConfiguration struct {
	ConfigurationBase

	// Address is the "host:port" to dial.
	Address string

	// TLSConfig is the client TLS configuration. When nil, certificate
	// verification is skipped (development peers with self-signed
	// certificates).
	TLSConfig *tls.Config
}

// CheckValid implements Configuration
func (c *QUICConfiguration) CheckValid(log logger.Logger) error {
	if c.Address == "" {
		return errors.New("Address is required")
	}
	return nil
}

// CanDynamicReconfigureWith implements Configuration
func (c *QUICConfiguration) CanDynamicReconfigureWith(other Configuration) Reconfigurability {
	o, ok := other.(*QUICConfiguration)
	if !ok || o.Address != c.Address || o.TLSConfig != c.TLSConfig {
		return ReconfigureRestart
	}
	return ReconfigureIdentical
}

// CreateImpl implements Configuration
func (c *QUICConfiguration) CreateImpl(log logger.Logger, canOpenConnection bool) (Impl, error) {
	tlsConf := c.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{quicALPN}
	}
	return &quicImpl{address: c.Address, tlsConf: tlsConf}, nil
}

// Base implements Configuration
func (c *QUICConfiguration) Base() *ConfigurationBase { return &c.ConfigurationBase }

type quicImpl struct {
	address string
	tlsConf *tls.Config

	mu       sync.Mutex
	conn     *quic.Conn
	stream   *quic.Stream
	inbound  *pipe.Pipe
	outbound *pipe.Pipe
	pumpStop context.CancelFunc
	disposed bool
}

func (q *quicImpl) InitialOpen(ctx context.Context, log logger.Logger) (OpenResult, error) {
	conn, err := quic.DialAddr(ctx, q.address, q.tlsConf, nil)
	if err != nil {
		return OpenResult{}, fmt.Errorf("failed to connect to %s: %w", q.address, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return OpenResult{}, fmt.Errorf("failed to open stream: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	inbound := pipe.New()
	outbound := pipe.New()
	go readPump(stream, inbound.Sink())
	go writePump(pumpCtx, outbound.Source(), stream)

	q.mu.Lock()
	q.conn = conn
	q.stream = stream
	q.inbound = inbound
	q.outbound = outbound
	q.pumpStop = cancel
	q.mu.Unlock()

	log.Debug("quic transport connected to %s", q.address)
	return OpenResult{Input: inbound.Source(), Output: outbound.Sink()}, nil
}

func (q *quicImpl) DynamicReconfigure(ctx context.Context, log logger.Logger, cfg Configuration) error {
	return nil
}

func (q *quicImpl) Dispose(ctx context.Context, log logger.Logger) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return nil
	}
	q.disposed = true
	conn, stream, inbound, outbound, stop := q.conn, q.stream, q.inbound, q.outbound, q.pumpStop
	q.conn = nil
	q.stream = nil
	q.inbound = nil
	q.outbound = nil
	q.pumpStop = nil
	q.mu.Unlock()

	if stop != nil {
		stop()
	}
	if stream != nil {
		stream.CancelRead(0)
		stream.Close()
	}
	if conn != nil {
		conn.CloseWithError(0, "channel closed")
	}
	if inbound != nil {
		inbound.Sink().Complete(nil)
	}
	if outbound != nil {
		outbound.Sink().Complete(nil)
	}
	return nil
}

// GenerateServerTLSConfig builds a self-signed TLS configuration a
// test peer can listen with.
func GenerateServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicALPN},
	}, nil
}
