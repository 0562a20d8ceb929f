package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeWriteFlushRead(t *testing.T) {
	p := New()
	_, err := p.Sink().Write([]byte("hello"))
	require.NoError(t, err)
	_, err = p.Sink().Flush(context.Background())
	require.NoError(t, err)

	res, err := p.Source().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Buffer)
	assert.False(t, res.IsCompleted)
	assert.False(t, res.IsCanceled)
}

func TestPipeReadBlocksUntilFlush(t *testing.T) {
	p := New()
	_, err := p.Sink().Write([]byte("staged"))
	require.NoError(t, err)

	// Not flushed yet: nothing to read.
	_, ok := p.Source().TryRead()
	assert.False(t, ok)

	done := make(chan ReadResult, 1)
	go func() {
		res, _ := p.Source().Read(context.Background())
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("read returned before flush")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = p.Sink().Flush(context.Background())
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, []byte("staged"), res.Buffer)
	case <-time.After(time.Second):
		t.Fatal("read did not wake up after flush")
	}
}

func TestPipeAdvanceTo(t *testing.T) {
	p := New()
	p.Sink().Write([]byte("abcdef"))
	p.Sink().Flush(context.Background())

	res, err := p.Source().Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), res.Buffer)

	// Consume "abc", examine everything.
	require.NoError(t, p.Source().AdvanceTo(3, 6))

	// Everything examined: the read blocks until more data arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Source().Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Sink().Write([]byte("gh"))
	p.Sink().Flush(context.Background())

	res, err = p.Source().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("defgh"), res.Buffer)
}

func TestPipeAdvanceToInvalid(t *testing.T) {
	p := New()
	p.Sink().Write([]byte("ab"))
	p.Sink().Flush(context.Background())
	p.Source().Read(context.Background())

	assert.Error(t, p.Source().AdvanceTo(3, 3))
	assert.Error(t, p.Source().AdvanceTo(2, 1))
	assert.NoError(t, p.Source().AdvanceTo(2, 2))
}

func TestPipeCancelPendingRead(t *testing.T) {
	p := New()
	done := make(chan ReadResult, 1)
	go func() {
		res, _ := p.Source().Read(context.Background())
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	p.Source().CancelPendingRead()

	select {
	case res := <-done:
		assert.True(t, res.IsCanceled)
		assert.False(t, res.IsCompleted)
	case <-time.After(time.Second):
		t.Fatal("canceled read did not return")
	}

	// The cancel was a one-shot: the next read blocks again.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Source().Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeCompleteKeepsFlushedDropsStaged(t *testing.T) {
	p := New()
	p.Sink().Write([]byte("flushed"))
	p.Sink().Flush(context.Background())
	p.Sink().Write([]byte("staged"))
	p.Sink().Complete(nil)

	res, err := p.Source().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("flushed"), res.Buffer)
	assert.True(t, res.IsCompleted)
}

func TestPipeWriteAfterComplete(t *testing.T) {
	p := New()
	p.Sink().Complete(nil)
	_, err := p.Sink().Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSinkCompleted)

	res, err := p.Sink().Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
}
