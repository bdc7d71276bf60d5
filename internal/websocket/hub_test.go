package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtile/upscaler/internal/model"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		require.True(t, ok, "client channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_BroadcastToJobSubscribers(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := &Client{JobID: "job-a", Send: make(chan []byte, 4)}
	b := &Client{JobID: "job-b", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)
	require.Eventually(t, func() bool { return h.Subscribers("job-a") == 1 }, time.Second, 10*time.Millisecond)

	h.BroadcastBatch("job-a", 1, []model.UpscaledItem{{Batch: 0, Seed: 1}, {Batch: 1, Seed: 2}})

	var msg model.WSBatchMessage
	require.NoError(t, json.Unmarshal(receive(t, a), &msg))
	assert.Equal(t, model.WSMessageTypeBatch, msg.Type)
	assert.Equal(t, 1, msg.Batch)
	assert.Len(t, msg.Images, 2)

	h.BroadcastProgress("job-a", 50, model.JobStatusRunning, "Running upscaler job", 1, 2)
	var progress model.WSProgressMessage
	require.NoError(t, json.Unmarshal(receive(t, a), &progress))
	assert.Equal(t, 2, progress.TotalBatches)

	select {
	case <-b.Send:
		t.Fatal("subscriber of another job received a message")
	default:
	}
}

func TestHub_UnregisterClosesClient(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	c := &Client{JobID: "job", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)

	require.Eventually(t, func() bool { return h.Subscribers("job") == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-c.Send
	assert.False(t, ok)
	assert.False(t, c.trySend([]byte("late")))
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	c := &Client{JobID: "job", Send: make(chan []byte, 1)}
	h.Register(c)
	require.Eventually(t, func() bool { return h.Subscribers("job") == 1 }, time.Second, 10*time.Millisecond)

	h.BroadcastError("job", "UPSCALE_FAILED", "first")
	h.BroadcastError("job", "UPSCALE_FAILED", "second")

	require.Eventually(t, func() bool { return h.Subscribers("job") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_SendAfterStopDoesNotBlock(t *testing.T) {
	h := NewHub()
	h.Stop()

	done := make(chan struct{})
	go func() {
		for range 300 {
			h.BroadcastComplete("job", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked after Stop")
	}
}
