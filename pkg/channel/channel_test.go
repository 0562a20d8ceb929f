package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
	"github.com/signature-opensource/commchannel-go/pkg/message"
)

func waitForStatus(t *testing.T, ch *Channel, want ConnectionStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ch.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %d did not reach %s (still %s)", ch.Name(), want, ch.Status())
}

func newMemoryChannel(t *testing.T, endpoint string, base ConfigurationBase) *Channel {
	t.Helper()
	cfg := &MemoryConfiguration{ConfigurationBase: base, EndPointName: endpoint}
	ch, err := New(context.Background(), cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Dispose(context.Background()) })
	return ch
}

func TestChannelMemoryLineRoundTrip(t *testing.T) {
	_, err := AllocateEndPoint("e2e-roundtrip")
	require.NoError(t, err)
	defer DeallocateEndPoint("e2e-roundtrip")

	a := newMemoryChannel(t, "e2e-roundtrip", ConfigurationBase{})
	b := newMemoryChannel(t, "e2e-roundtrip", ConfigurationBase{})
	waitForStatus(t, a, StatusConnected, 2*time.Second)
	waitForStatus(t, b, StatusConnected, 2*time.Second)

	writer, err := message.NewStringLineWriter(a.Writer(), "\r\n")
	require.NoError(t, err)
	reader, err := message.NewStringLineReader(b.Reader(), "\r\n")
	require.NoError(t, err)

	messages := []string{"Message 1", "Message 2", "Message 3", "Message 4", "Message 5"}
	for _, m := range messages {
		ok, werr := writer.Write(context.Background(), m)
		require.NoError(t, werr)
		require.True(t, ok)
	}
	for _, want := range messages {
		got, rerr := reader.ReadNext(context.Background())
		require.NoError(t, rerr)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)
	}

	// The other direction works over the same pair.
	back, err := message.NewStringLineWriter(b.Writer(), "\r\n")
	require.NoError(t, err)
	front, err := message.NewStringLineReader(a.Reader(), "\r\n")
	require.NoError(t, err)
	_, err = back.Write(context.Background(), "pong")
	require.NoError(t, err)
	got, err := front.ReadNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pong", *got)

	assert.Greater(t, a.Statistics().GetBytesSent(), uint64(0))
}

// pumpReader keeps a read pending on the channel so that transport
// completions are observed promptly, the way a message handler would.
func pumpReader(t *testing.T, ch *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			res, err := ch.Reader().Read(ctx)
			if err != nil {
				return
			}
			if res.IsCompleted {
				return
			}
			if len(res.Buffer) > 0 {
				ch.Reader().AdvanceTo(len(res.Buffer), len(res.Buffer))
			}
		}
	}()
}

func TestChannelStatusEventsOrderedAndDistinct(t *testing.T) {
	const endpoint = "e2e-status"

	a := newMemoryChannel(t, endpoint, ConfigurationBase{})
	assert.Equal(t, StatusNone, a.Status())
	pumpReader(t, a)

	var mu sync.Mutex
	var seen []StatusChangedEvent
	unsubscribe := a.OnStatusChanged(func(e StatusChangedEvent) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := AllocateEndPoint(endpoint)
	require.NoError(t, err)
	defer DeallocateEndPoint(endpoint)
	waitForStatus(t, a, StatusConnected, 3*time.Second)

	DeallocateEndPoint(endpoint)
	waitForStatus(t, a, StatusNone, 3*time.Second)

	_, err = AllocateEndPoint(endpoint)
	require.NoError(t, err)
	waitForStatus(t, a, StatusConnected, 5*time.Second)
	time.Sleep(100 * time.Millisecond) // let the dispatcher drain

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, StatusConnected, seen[0].Status, "first emission is Connected")
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1].Status, seen[i].Status, "consecutive emissions differ")
	}
	assert.Equal(t, StatusConnected, seen[len(seen)-1].Status)
	for _, e := range seen {
		if e.Status == StatusConnected {
			assert.Empty(t, e.ErrorContext)
		}
		assert.Same(t, a, e.Channel)
	}
}

func TestChannelReconnectAcrossReallocation(t *testing.T) {
	const endpoint = "e2e-chaos"
	const count = 30

	_, err := AllocateEndPoint(endpoint)
	require.NoError(t, err)
	defer DeallocateEndPoint(endpoint)

	a := newMemoryChannel(t, endpoint, ConfigurationBase{})
	b := newMemoryChannel(t, endpoint, ConfigurationBase{})
	waitForStatus(t, a, StatusConnected, 2*time.Second)
	waitForStatus(t, b, StatusConnected, 2*time.Second)

	writerA, err := message.NewStringLineWriter(a.Writer(), "\r\n")
	require.NoError(t, err)
	readerA, err := message.NewStringLineReader(a.Reader(), "\r\n")
	require.NoError(t, err)
	writerB, err := message.NewStringLineWriter(b.Writer(), "\r\n")
	require.NoError(t, err)
	readerB, err := message.NewStringLineReader(b.Reader(), "\r\n")
	require.NoError(t, err)

	var statusChanges atomic.Int32
	unsubscribe := a.OnStatusChanged(func(StatusChangedEvent) { statusChanges.Add(1) })
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	readAll := func(reader *message.Reader[*string], out *[]string, done chan<- error) {
		for len(*out) < count {
			m, rerr := reader.ReadNextFiltered(ctx, message.NoTimeout, nil)
			if rerr != nil {
				done <- rerr
				return
			}
			if m == nil {
				continue
			}
			*out = append(*out, *m)
		}
		done <- nil
	}

	var gotA, gotB []string
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go readAll(readerA, &gotA, doneA)
	go readAll(readerB, &gotB, doneB)

	for i := 0; i < count; i++ {
		okA, werr := writerA.WriteTimeout(ctx, fmt.Sprintf("Message %d", i), message.NoTimeout)
		require.NoError(t, werr)
		require.True(t, okA)
		okB, werr := writerB.WriteTimeout(ctx, fmt.Sprintf("Message %d", i), message.NoTimeout)
		require.NoError(t, werr)
		require.True(t, okB)

		// Periodically yank the endpoint away mid-stream.
		if i%10 == 9 {
			DeallocateEndPoint(endpoint)
			time.Sleep(30 * time.Millisecond)
			_, aerr := AllocateEndPoint(endpoint)
			require.NoError(t, aerr)
			waitForStatus(t, a, StatusConnected, 5*time.Second)
			waitForStatus(t, b, StatusConnected, 5*time.Second)
		}
	}

	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)

	want := make([]string, count)
	for i := range want {
		want[i] = fmt.Sprintf("Message %d", i)
	}
	assert.Equal(t, want, gotA, "every message exactly once, in order")
	assert.Equal(t, want, gotB, "every message exactly once, in order")
	assert.Greater(t, statusChanges.Load(), int32(0))
}

func TestChannelBackoffOnUnreachableEndpoint(t *testing.T) {
	a := newMemoryChannel(t, "e2e-unreachable", ConfigurationBase{})
	assert.Equal(t, StatusNone, a.Status())

	time.Sleep(700 * time.Millisecond)
	attempts := a.Statistics().GetOpenAttempts()
	assert.GreaterOrEqual(t, attempts, uint64(3), "reconnector keeps trying")
	assert.Equal(t, StatusNone, a.Status(), "availability clamped at None")
	assert.Equal(t, uint64(0), a.Statistics().GetOpens())

	require.NoError(t, a.Dispose(context.Background()))
	after := a.Statistics().GetOpenAttempts()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, after, a.Statistics().GetOpenAttempts(), "dispose stops the reconnector")
}

func TestChannelAutoReconnectDisabled(t *testing.T) {
	a := newMemoryChannel(t, "e2e-no-auto", ConfigurationBase{DisableAutoReconnect: true})
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, uint64(1), a.Statistics().GetOpenAttempts(), "one shot, no retries")
	assert.False(t, a.AutoReconnect())
}

func TestChannelDisposeCompletesPipes(t *testing.T) {
	_, err := AllocateEndPoint("e2e-dispose")
	require.NoError(t, err)
	defer DeallocateEndPoint("e2e-dispose")

	a := newMemoryChannel(t, "e2e-dispose", ConfigurationBase{})
	waitForStatus(t, a, StatusConnected, 2*time.Second)
	require.NoError(t, a.Dispose(context.Background()))
	assert.True(t, a.IsDisposed())

	res, err := a.Reader().Read(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
	assert.True(t, a.Writer().IsCompleted())

	// Dispose is idempotent.
	require.NoError(t, a.Dispose(context.Background()))
}

func TestChannelReconfigureKnobsIsDynamic(t *testing.T) {
	_, err := AllocateEndPoint("e2e-knobs")
	require.NoError(t, err)
	defer DeallocateEndPoint("e2e-knobs")

	a := newMemoryChannel(t, "e2e-knobs", ConfigurationBase{})
	waitForStatus(t, a, StatusConnected, 2*time.Second)
	require.Equal(t, uint64(1), a.Statistics().GetOpens())

	newCfg := &MemoryConfiguration{
		ConfigurationBase: ConfigurationBase{
			DefaultReadTimeout:  200 * time.Millisecond,
			DefaultWriteTimeout: 300 * time.Millisecond,
		},
		EndPointName: "e2e-knobs",
	}
	require.NoError(t, a.Reconfigure(context.Background(), newCfg))

	assert.Equal(t, 200*time.Millisecond, a.Reader().DefaultTimeout())
	assert.Equal(t, 300*time.Millisecond, a.Writer().DefaultTimeout())
	assert.Equal(t, StatusConnected, a.Status())
	assert.Equal(t, uint64(1), a.Statistics().GetOpens(), "knob changes do not restart the transport")
}

func TestChannelReconfigureRestart(t *testing.T) {
	_, err := AllocateEndPoint("e2e-restart-1")
	require.NoError(t, err)
	defer DeallocateEndPoint("e2e-restart-1")
	_, err = AllocateEndPoint("e2e-restart-2")
	require.NoError(t, err)
	defer DeallocateEndPoint("e2e-restart-2")

	a := newMemoryChannel(t, "e2e-restart-1", ConfigurationBase{})
	waitForStatus(t, a, StatusConnected, 2*time.Second)

	newCfg := &MemoryConfiguration{EndPointName: "e2e-restart-2"}
	require.NoError(t, a.Reconfigure(context.Background(), newCfg))
	waitForStatus(t, a, StatusConnected, 2*time.Second)
	assert.Equal(t, uint64(2), a.Statistics().GetOpens())
}

func TestChannelInvalidConfiguration(t *testing.T) {
	_, err := New(context.Background(), &MemoryConfiguration{}, logger.NewNoOpLogger())
	assert.Error(t, err)
}

func TestChannelTimeoutsStayCallerVisible(t *testing.T) {
	_, err := AllocateEndPoint("e2e-timeout")
	require.NoError(t, err)
	defer DeallocateEndPoint("e2e-timeout")

	a := newMemoryChannel(t, "e2e-timeout", ConfigurationBase{
		DefaultReadTimeout: 100 * time.Millisecond,
	})
	waitForStatus(t, a, StatusConnected, 2*time.Second)

	// Nothing arrives: the read times out instead of triggering a
	// reconnect.
	_, err = a.Reader().Read(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusConnected, a.Status())
	assert.Equal(t, uint64(1), a.Statistics().GetOpens())
}
