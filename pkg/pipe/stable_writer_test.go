package pipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptSink records writes and blocks flushes on demand.
type scriptSink struct {
	mu         sync.Mutex
	written    []byte
	flushCalls int
	blockNext  int // number of flush calls that block until ctx is done
	completed  bool
}

func (s *scriptSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return 0, ErrSinkCompleted
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *scriptSink) Flush(ctx context.Context) (FlushResult, error) {
	s.mu.Lock()
	s.flushCalls++
	block := s.blockNext > 0
	if block {
		s.blockNext--
	}
	completed := s.completed
	s.mu.Unlock()
	if completed {
		return FlushResult{IsCompleted: true}, nil
	}
	if block {
		<-ctx.Done()
		return FlushResult{}, ctx.Err()
	}
	return FlushResult{}, nil
}

func (s *scriptSink) CancelPendingFlush() {}
func (s *scriptSink) Complete(err error) {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
}

func (s *scriptSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

func (s *scriptSink) flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCalls
}

func TestStableWriterBufferedFlush(t *testing.T) {
	w := NewStableWriter(nil)
	p := New()
	require.True(t, w.SetInner(p.Sink(), false))

	var sent []byte
	w.SetOnDataWritten(func(data []byte, _ *StableWriter) {
		sent = append(sent, data...)
	})

	w.WriteString("first ")
	w.WriteString("second")
	assert.Equal(t, 12, w.Buffered())

	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsCompleted)
	assert.Equal(t, 0, w.Buffered())
	assert.Equal(t, []byte("first second"), sent)

	got, err := p.Source().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first second"), got.Buffer)
}

func TestStableWriterEmptyFlushIsNoOp(t *testing.T) {
	w := NewStableWriter(nil)
	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsCompleted)

	w.Complete(nil)
	res, err = w.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
}

func TestStableWriterSwapDeliversWholeFrame(t *testing.T) {
	w := NewStableWriter(nil)
	first := &scriptSink{}
	w.SetInner(first, false)
	w.WriteString("frame in progress")

	// Swap before any flush: the buffer survives and reaches the new
	// sink entirely.
	p := New()
	w.SetInner(p.Sink(), false)
	_, err := w.Flush(context.Background())
	require.NoError(t, err)

	got, err := p.Source().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("frame in progress"), got.Buffer)
	assert.Empty(t, first.bytes())
}

func TestStableWriterTimeoutPreservesBuffer(t *testing.T) {
	w := NewStableWriter(nil)
	sink := &scriptSink{blockNext: 1}
	w.SetInner(sink, false)
	w.SetDefaultTimeout(50 * time.Millisecond)

	w.WriteString("payload")
	_, err := w.Flush(context.Background())
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 7, w.Buffered())

	// The same sink is still attached: a retry flush resumes without
	// re-delivering the bytes already written.
	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsCanceled)
	assert.Equal(t, []byte("payload"), sink.bytes())
	assert.Equal(t, 0, w.Buffered())
}

func TestStableWriterRetryCountRecovers(t *testing.T) {
	w := NewStableWriter(nil)
	sink := &scriptSink{blockNext: 2}
	w.SetInner(sink, false)
	w.SetDefaultTimeout(30 * time.Millisecond)
	w.SetRetryWriteCount(2)

	w.WriteString("retried")
	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsCanceled)
	assert.Equal(t, []byte("retried"), sink.bytes())
	assert.Equal(t, 3, sink.flushes())
}

func TestStableWriterInnerCompletedDefault(t *testing.T) {
	w := NewStableWriter(nil)
	sink := &scriptSink{}
	sink.Complete(nil)
	w.SetInner(sink, false)

	w.WriteString("lost")
	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
	assert.True(t, w.IsCompleted())
	assert.Equal(t, 0, w.Buffered())
}

func TestStableWriterInnerCompletedRetryWaitsForFreshInner(t *testing.T) {
	b := &recordingBehavior{completionAction: CompletionRetry, returnCanceled: true}
	w := NewStableWriter(b)
	sink := &scriptSink{}
	sink.Complete(nil)
	w.SetInner(sink, false)
	w.WriteString("survivor")

	done := make(chan error, 1)
	go func() {
		_, err := w.Flush(context.Background())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("flush finished although the behavior asked to retry")
	case <-time.After(50 * time.Millisecond):
	}

	p := New()
	w.SetInner(p.Sink(), false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush did not resume on the fresh inner")
	}

	got, err := p.Source().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("survivor"), got.Buffer)
}

func TestStableWriterAlreadyWriting(t *testing.T) {
	w := NewStableWriter(nil)
	sink := &scriptSink{blockNext: 1}
	w.SetInner(sink, false)
	w.WriteString("slow")

	started := make(chan struct{})
	go func() {
		close(started)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		w.Flush(ctx)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := w.Flush(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyWriting)
}

func TestStableWriterCompleteDiscardsBuffer(t *testing.T) {
	w := NewStableWriter(nil)
	w.WriteString("doomed")
	w.Complete(nil)
	assert.Equal(t, 0, w.Buffered())
	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSinkCompleted)
}

func TestStableWriterTruncateBuffered(t *testing.T) {
	w := NewStableWriter(nil)
	w.WriteString("keep")
	pos := w.Buffered()
	w.WriteString("drop")
	w.TruncateBuffered(pos)
	assert.Equal(t, 4, w.Buffered())
}
