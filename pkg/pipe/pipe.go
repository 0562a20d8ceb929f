package pipe

import (
	"context"
	"fmt"
	"sync"
)

// Pipe is a unidirectional in-memory byte pipe: bytes written and
// flushed on the Sink end become readable on the Source end. It is the
// conduit every transport pumps its connection into, and the loopback
// medium of the memory transport.
type Pipe struct {
	mu          sync.Mutex
	buf         []byte // flushed, unconsumed bytes
	examined    int    // prefix of buf already examined by the reader
	staged      []byte // written, not yet flushed
	wake        chan struct{}
	completed   bool
	completeErr error
	readCancel  bool
	flushCancel bool
}

// New creates an empty pipe.
func New() *Pipe {
	return &Pipe{wake: make(chan struct{})}
}

// Source returns the read end of the pipe.
func (p *Pipe) Source() Source { return (*pipeSource)(p) }

// Sink returns the write end of the pipe.
func (p *Pipe) Sink() Sink { return (*pipeSink)(p) }

func (p *Pipe) wakeLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pipe) readResultLocked() ReadResult {
	return ReadResult{Buffer: p.buf, IsCompleted: p.completed}
}

func (p *Pipe) read(ctx context.Context) (ReadResult, error) {
	for {
		p.mu.Lock()
		if p.readCancel {
			p.readCancel = false
			res := p.readResultLocked()
			res.IsCanceled = true
			p.mu.Unlock()
			return res, nil
		}
		if p.examined < len(p.buf) || p.completed {
			res := p.readResultLocked()
			p.mu.Unlock()
			return res, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ReadResult{}, ctx.Err()
		}
	}
}

func (p *Pipe) tryRead() (ReadResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readCancel {
		p.readCancel = false
		res := p.readResultLocked()
		res.IsCanceled = true
		return res, true
	}
	if p.examined < len(p.buf) || p.completed {
		return p.readResultLocked(), true
	}
	return ReadResult{}, false
}

func (p *Pipe) advanceTo(consumed, examined int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed && len(p.buf) == 0 {
		return ErrSourceCompleted
	}
	if consumed < 0 || consumed > examined || examined > len(p.buf) {
		return fmt.Errorf("pipe: invalid advance (consumed=%d examined=%d len=%d)", consumed, examined, len(p.buf))
	}
	p.buf = p.buf[consumed:]
	p.examined = examined - consumed
	return nil
}

func (p *Pipe) cancelPendingRead() {
	p.mu.Lock()
	p.readCancel = true
	p.wakeLocked()
	p.mu.Unlock()
}

func (p *Pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return 0, ErrSinkCompleted
	}
	p.staged = append(p.staged, b...)
	return len(b), nil
}

func (p *Pipe) flush(ctx context.Context) (FlushResult, error) {
	if err := ctx.Err(); err != nil {
		return FlushResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushCancel {
		p.flushCancel = false
		return FlushResult{IsCanceled: true, IsCompleted: p.completed}, nil
	}
	if p.completed {
		return FlushResult{IsCompleted: true}, nil
	}
	if len(p.staged) > 0 {
		p.buf = append(p.buf, p.staged...)
		p.staged = p.staged[:0]
		p.wakeLocked()
	}
	return FlushResult{}, nil
}

func (p *Pipe) cancelPendingFlush() {
	p.mu.Lock()
	p.flushCancel = true
	p.mu.Unlock()
}

// completeSink marks the writing side done. Staged bytes that were
// never flushed are dropped: an unconfirmed write must not become
// readable, the sender re-delivers it on its next sink. Flushed bytes
// stay readable until consumed.
func (p *Pipe) completeSink(err error) {
	p.mu.Lock()
	if !p.completed {
		p.completed = true
		p.completeErr = err
		p.staged = nil
		p.wakeLocked()
	}
	p.mu.Unlock()
}

// completeSource marks the reading side done: remaining data is
// abandoned.
func (p *Pipe) completeSource(err error) {
	p.mu.Lock()
	if !p.completed {
		p.completed = true
		p.completeErr = err
		p.staged = nil
		p.buf = nil
		p.examined = 0
		p.wakeLocked()
	}
	p.mu.Unlock()
}

// CompleteError returns the error the pipe was completed with, if any.
func (p *Pipe) CompleteError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completeErr
}

type pipeSource Pipe

func (s *pipeSource) Read(ctx context.Context) (ReadResult, error) { return (*Pipe)(s).read(ctx) }
func (s *pipeSource) TryRead() (ReadResult, bool)                  { return (*Pipe)(s).tryRead() }
func (s *pipeSource) AdvanceTo(consumed, examined int) error {
	return (*Pipe)(s).advanceTo(consumed, examined)
}
func (s *pipeSource) CancelPendingRead() { (*Pipe)(s).cancelPendingRead() }
func (s *pipeSource) Complete(err error) { (*Pipe)(s).completeSource(err) }

type pipeSink Pipe

func (s *pipeSink) Write(b []byte) (int, error) { return (*Pipe)(s).write(b) }
func (s *pipeSink) Flush(ctx context.Context) (FlushResult, error) {
	return (*Pipe)(s).flush(ctx)
}
func (s *pipeSink) CancelPendingFlush() { (*Pipe)(s).cancelPendingFlush() }
func (s *pipeSink) Complete(err error)  { (*Pipe)(s).completeSink(err) }
