package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelaySchedule(t *testing.T) {
	want := []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		250 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
		1000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, ReconnectDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 1000*time.Millisecond, ReconnectDelay(100))
}
