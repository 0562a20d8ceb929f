package message

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/commchannel-go/pkg/pipe"
)

func waitStop[T comparable](t *testing.T, h *Handler[T]) StopReason {
	t.Helper()
	select {
	case r := <-h.StoppedReason():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("handler loop did not stop")
		return StopNone
	}
}

func TestHandlerDeliversMessages(t *testing.T) {
	sw, sr := loopback(t)
	writer, err := NewStringLineWriter(sw, "\n")
	require.NoError(t, err)
	reader, err := NewStringLineReader(sr, "\n")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	h := NewHandler[*string](reader, func(_ context.Context, m *string) bool {
		mu.Lock()
		got = append(got, *m)
		mu.Unlock()
		return true
	})
	require.True(t, h.Start(3))
	assert.False(t, h.Start(0))

	for _, m := range []string{"a", "b", "c"} {
		_, err = writer.Write(context.Background(), m)
		require.NoError(t, err)
	}

	assert.Equal(t, StopMaxMessageNumber, waitStop(t, h))
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()
	assert.False(t, h.IsRunning())
}

func TestHandlerStopsOnHandlerFalse(t *testing.T) {
	sw, sr := loopback(t)
	writer, err := NewStringLineWriter(sw, "\n")
	require.NoError(t, err)
	reader, err := NewStringLineReader(sr, "\n")
	require.NoError(t, err)

	h := NewHandler[*string](reader, func(_ context.Context, m *string) bool {
		return false
	})
	require.True(t, h.Start(0))
	_, err = writer.Write(context.Background(), "poison")
	require.NoError(t, err)

	assert.Equal(t, StopProcessMessage, waitStop(t, h))
}

func TestHandlerStopsOnReaderComplete(t *testing.T) {
	p := pipe.New()
	sr := pipe.NewStableReader(nil)
	require.True(t, sr.SetInner(p.Source(), false))
	reader, err := NewStringLineReader(sr, "\n")
	require.NoError(t, err)

	h := NewHandler[*string](reader, func(_ context.Context, m *string) bool { return true })
	require.True(t, h.Start(0))

	p.Sink().Write([]byte("tail\n"))
	p.Sink().Flush(context.Background())
	p.Sink().Complete(nil)

	assert.Equal(t, StopReaderComplete, waitStop(t, h))
}

func TestHandlerReadTimeout(t *testing.T) {
	_, sr := loopback(t)
	reader, err := NewStringLineReader(sr, "\n")
	require.NoError(t, err)

	h := NewHandler[*string](reader, func(_ context.Context, m *string) bool { return true })
	h.SetDefaultReadTimeout(80 * time.Millisecond)
	require.True(t, h.Start(0))

	assert.Equal(t, StopReadTimeout, waitStop(t, h))
}

func TestHandlerReadTimeoutHookKeepsRunning(t *testing.T) {
	sw, sr := loopback(t)
	writer, err := NewStringLineWriter(sw, "\n")
	require.NoError(t, err)
	reader, err := NewStringLineReader(sr, "\n")
	require.NoError(t, err)

	timeouts := make(chan struct{}, 16)
	delivered := make(chan string, 1)
	h := NewHandler[*string](reader, func(_ context.Context, m *string) bool {
		delivered <- *m
		return true
	})
	h.OnReadTimeout = func() bool {
		select {
		case timeouts <- struct{}{}:
		default:
		}
		return true
	}
	h.SetDefaultReadTimeout(50 * time.Millisecond)
	require.True(t, h.Start(0))

	// Let a couple of idle timeouts pass, then deliver.
	time.Sleep(150 * time.Millisecond)
	_, err = writer.Write(context.Background(), "after idle")
	require.NoError(t, err)

	select {
	case got := <-delivered:
		assert.Equal(t, "after idle", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered after idle timeouts")
	}
	assert.NotEmpty(t, timeouts)

	require.True(t, h.Stop(true))
	assert.Equal(t, StopLoop, waitStop(t, h))
}

func TestHandlerExternalStop(t *testing.T) {
	_, sr := loopback(t)
	reader, err := NewStringLineReader(sr, "\n")
	require.NoError(t, err)

	h := NewHandler[*string](reader, func(_ context.Context, m *string) bool { return true })
	require.True(t, h.Start(0))
	time.Sleep(30 * time.Millisecond)
	require.True(t, h.Stop(true))
	assert.False(t, h.Stop(true))

	assert.Equal(t, StopLoop, waitStop(t, h))
	assert.Equal(t, StopLoop, h.LastStopReason())
}
