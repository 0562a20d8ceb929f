package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

// The in-memory transport connects two channels through a named
// endpoint in a process-wide directory. It is the loopback medium used
// by tests and by anything that wants channel semantics without a
// network.

var (
	errEndPointDeallocated = errors.New("the memory endpoint was deallocated")
	errEndPointPeerGone    = errors.New("the memory endpoint peer disconnected")
)

// memory endpoint directory, explicitly process-wide.
var memoryEndPoints sync.Map // name -> *MemoryEndPoint

// AllocateEndPoint creates and registers an endpoint under name.
func AllocateEndPoint(name string) (*MemoryEndPoint, error) {
	if name == "" {
		return nil, errors.New("endpoint name is required")
	}
	ep := &MemoryEndPoint{name: name}
	if _, loaded := memoryEndPoints.LoadOrStore(name, ep); loaded {
		return nil, fmt.Errorf("memory endpoint %q is already allocated", name)
	}
	return ep, nil
}

// DeallocateEndPoint removes the endpoint and kills the connection
// pair riding on it; both peers observe a completed pipe.
func DeallocateEndPoint(name string) bool {
	v, loaded := memoryEndPoints.LoadAndDelete(name)
	if !loaded {
		return false
	}
	v.(*MemoryEndPoint).close()
	return true
}

// MemoryEndPoint pairs up to two peers and cross-connects their
// pipes: what one flushes, the other reads.
type MemoryEndPoint struct {
	name string

	mu     sync.Mutex
	pair   *memoryPair
	closed bool
}

type memoryPair struct {
	ab    *pipe.Pipe // peer 0 writes, peer 1 reads
	ba    *pipe.Pipe // peer 1 writes, peer 0 reads
	sides int
}

func (p *memoryPair) complete(err error) {
	p.ab.Sink().Complete(err)
	p.ba.Sink().Complete(err)
}

// Name returns the endpoint name.
func (e *MemoryEndPoint) Name() string { return e.name }

func (e *MemoryEndPoint) connect() (pipe.Source, pipe.Sink, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, nil, errEndPointDeallocated
	}
	if e.pair == nil {
		e.pair = &memoryPair{ab: pipe.New(), ba: pipe.New()}
	}
	p := e.pair
	if p.sides >= 2 {
		return nil, nil, nil, fmt.Errorf("memory endpoint %q already has two peers", e.name)
	}
	side := p.sides
	p.sides++

	var src pipe.Source
	var sink pipe.Sink
	if side == 0 {
		src, sink = p.ba.Source(), p.ab.Sink()
	} else {
		src, sink = p.ab.Source(), p.ba.Sink()
	}
	// Any peer leaving kills the pair; the survivor reconnects into a
	// fresh one.
	release := func() {
		e.mu.Lock()
		if e.pair == p {
			e.pair = nil
		}
		e.mu.Unlock()
		p.complete(pipe.NewTransportError(errEndPointPeerGone))
	}
	return src, sink, release, nil
}

func (e *MemoryEndPoint) close() {
	e.mu.Lock()
	p := e.pair
	e.pair = nil
	e.closed = true
	e.mu.Unlock()
	if p != nil {
		p.complete(pipe.NewTransportError(errEndPointDeallocated))
	}
}

// MemoryConfiguration configures a channel over a memory endpoint.
type MemoryConfiguration struct {
	ConfigurationBase

	// EndPointName is the directory name both peers share.
	EndPointName string
}

// CheckValid implements Configuration
func (c *MemoryConfiguration) CheckValid(log logger.Logger) error {
	if c.EndPointName == "" {
		return errors.New("EndPointName is required")
	}
	return nil
}

// CanDynamicReconfigureWith implements Configuration
func (c *MemoryConfiguration) CanDynamicReconfigureWith(other Configuration) Reconfigurability {
	o, ok := other.(*MemoryConfiguration)
	if !ok || o.EndPointName != c.EndPointName {
		return ReconfigureRestart
	}
	return ReconfigureIdentical
}

// CreateImpl implements Configuration
func (c *MemoryConfiguration) CreateImpl(log logger.Logger, canOpenConnection bool) (Impl, error) {
	return &memoryImpl{name: c.EndPointName}, nil
}

// Base implements Configuration
func (c *MemoryConfiguration) Base() *ConfigurationBase { return &c.ConfigurationBase }

type memoryImpl struct {
	name string

	mu      sync.Mutex
	release func()
}

func (m *memoryImpl) InitialOpen(ctx context.Context, log logger.Logger) (OpenResult, error) {
	v, ok := memoryEndPoints.Load(m.name)
	if !ok {
		return OpenResult{}, fmt.Errorf("memory endpoint %q is not allocated", m.name)
	}
	src, sink, release, err := v.(*MemoryEndPoint).connect()
	if err != nil {
		return OpenResult{}, err
	}
	m.mu.Lock()
	m.release = release
	m.mu.Unlock()
	return OpenResult{Input: src, Output: sink}, nil
}

func (m *memoryImpl) DynamicReconfigure(ctx context.Context, log logger.Logger, cfg Configuration) error {
	return nil
}

func (m *memoryImpl) Dispose(ctx context.Context, log logger.Logger) error {
	m.mu.Lock()
	release := m.release
	m.release = nil
	m.mu.Unlock()
	// release runs at most once, whatever Dispose is called.
	if release != nil {
		release()
	}
	return nil
}
