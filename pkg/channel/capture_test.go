package channel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/commchannel-go/pkg/logger"
)

func entry(text string) logger.Entry {
	return logger.Entry{Level: logger.LevelInfo, Text: text}
}

func texts(entries []logger.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestCaptureRingKeepsMostRecentFive(t *testing.T) {
	c := &logCapture{}
	for i := 0; i < 8; i++ {
		c.Append(entry(fmt.Sprintf("e%d", i)))
	}
	c.StartCapture()
	assert.Equal(t, []string{"e3", "e4", "e5", "e6", "e7"}, texts(c.Snapshot()))
}

func TestCaptureRingPartialFill(t *testing.T) {
	c := &logCapture{}
	c.Append(entry("a"))
	c.Append(entry("b"))
	c.StartCapture()
	assert.Equal(t, []string{"a", "b"}, texts(c.Snapshot()))
}

func TestCaptureModeAppendsUntilFull(t *testing.T) {
	c := &logCapture{}
	c.Append(entry("prologue"))
	c.StartCapture()
	for i := 0; i < captureArraySize+10; i++ {
		c.Append(entry(fmt.Sprintf("f%d", i)))
	}
	snap := c.Snapshot()
	require.Len(t, snap, captureArraySize)
	assert.Equal(t, "prologue", snap[0].Text)
	assert.Equal(t, "f0", snap[1].Text)
	assert.Equal(t, fmt.Sprintf("f%d", captureArraySize-2), snap[captureArraySize-1].Text)
}

func TestCaptureStopClearsAndResumesRing(t *testing.T) {
	c := &logCapture{}
	c.Append(entry("before"))
	c.StartCapture()
	c.Append(entry("during"))
	c.StopCapture()
	assert.Empty(t, c.Snapshot())

	c.Append(entry("after"))
	c.StartCapture()
	assert.Equal(t, []string{"after"}, texts(c.Snapshot()))
}

func TestCaptureStartTwiceKeepsCapture(t *testing.T) {
	c := &logCapture{}
	c.Append(entry("x"))
	c.StartCapture()
	c.Append(entry("y"))
	c.StartCapture()
	assert.Equal(t, []string{"x", "y"}, texts(c.Snapshot()))
}
