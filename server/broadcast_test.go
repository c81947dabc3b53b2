package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tessera/pulse/job"
)

func newTestClient(h *Hub, filter string, buffer int) *Client {
	return &Client{hub: h, send: make(chan job.Event, buffer), id: "c-" + filter, job: filter}
}

func TestHubFiltersByJob(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t).Sugar())
	all := newTestClient(h, "", 4)
	billing := newTestClient(h, "billing", 4)
	require.True(t, h.register(all))
	require.True(t, h.register(billing))

	h.Publish(job.Event{Type: job.EventFired, Job: "digest"})
	h.Publish(job.Event{Type: job.EventFired, Job: "billing"})

	assert.Len(t, all.send, 2)
	require.Len(t, billing.send, 1)
	assert.Equal(t, "billing", (<-billing.send).Job)
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t).Sugar())
	c := newTestClient(h, "", 1)
	require.True(t, h.register(c))

	h.Publish(job.Event{Type: job.EventFired, Job: "billing"})
	h.Publish(job.Event{Type: job.EventItemStarted, Job: "billing"})

	ev, ok := <-c.send
	require.True(t, ok)
	assert.Equal(t, job.EventFired, ev.Type)
	_, ok = <-c.send
	assert.False(t, ok, "send channel closed after overflow")
	assert.Equal(t, 0, h.Clients())
	assert.EqualValues(t, 1, h.Drops())

	// A second unregister is a no-op
	h.unregister(c)
}

func TestHubRefusesWhenFullOrClosed(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t).Sugar())
	for i := 0; i < MaxClients; i++ {
		require.True(t, h.register(newTestClient(h, "", 1)))
	}
	assert.False(t, h.register(newTestClient(h, "", 1)))

	h.Close()
	assert.Equal(t, 0, h.Clients())
	assert.False(t, h.register(newTestClient(h, "", 1)))
	h.Publish(job.Event{Type: job.EventFired})
}
