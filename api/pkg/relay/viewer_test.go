package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewerMatches(t *testing.T) {
	router := newTestRouter(t, testRelayConfig(), "instance-a", nil, nil)
	v := newViewerSession("view-1", nil, router)

	assert.False(t, v.Matches("desktop-1", "0"))

	v.Subscribe("desktop-1", "0")
	assert.True(t, v.Matches("desktop-1", "0"))
	assert.False(t, v.Matches("desktop-1", "1"))
	assert.False(t, v.Matches("desktop-2", "0"))

	// subscribing with no monitor means every monitor of that producer
	v.Subscribe("desktop-2", "")
	assert.True(t, v.Matches("desktop-2", "0"))
	assert.True(t, v.Matches("desktop-2", "1"))

	// wildcard covers producers that do not exist yet
	v.Subscribe("", "")
	assert.True(t, v.Matches("desktop-3", "2"))

	v.Unsubscribe("", "")
	assert.False(t, v.Matches("desktop-3", "2"))
	// explicit subscriptions are gone too, the wildcard unsubscribe resets
	assert.False(t, v.Matches("desktop-1", "0"))
}

func TestViewerSubscriptionsCoalesce(t *testing.T) {
	router := newTestRouter(t, testRelayConfig(), "instance-a", nil, nil)
	v := newViewerSession("view-1", nil, router)

	v.Subscribe("desktop-1", "0")
	v.Subscribe("desktop-1", "0")
	v.Subscribe("desktop-1", "1")

	v.Unsubscribe("desktop-1", "0")
	assert.False(t, v.Matches("desktop-1", "0"))
	assert.True(t, v.Matches("desktop-1", "1"))

	v.Unsubscribe("desktop-1", "1")
	assert.False(t, v.Matches("desktop-1", "1"))
}

func TestViewerFrameQueueDropsOldest(t *testing.T) {
	cfg := testRelayConfig()
	cfg.FrameQueueLen = 3
	router := newTestRouter(t, cfg, "instance-a", nil, nil)
	v := newViewerSession("view-1", nil, router)

	key := frameKey{producerID: "desktop-1", monitorID: "0"}
	for i := int64(1); i <= 5; i++ {
		v.EnqueueFrame(key, i, []byte{byte(i)})
	}

	// frames 1 and 2 were displaced by 4 and 5
	var got []int64
	for {
		f, ok := v.popFrame()
		if !ok {
			break
		}
		got = append(got, f.frameNumber)
	}
	assert.Equal(t, []int64{3, 4, 5}, got)
}

func TestViewerFrameQueueIsPerStream(t *testing.T) {
	cfg := testRelayConfig()
	cfg.FrameQueueLen = 2
	router := newTestRouter(t, cfg, "instance-a", nil, nil)
	v := newViewerSession("view-1", nil, router)

	keyA := frameKey{producerID: "desktop-1", monitorID: "0"}
	keyB := frameKey{producerID: "desktop-2", monitorID: "0"}

	for i := int64(1); i <= 4; i++ {
		v.EnqueueFrame(keyA, i, nil)
	}
	v.EnqueueFrame(keyB, 1, nil)

	// one saturated stream never costs another stream its frames
	streams := map[frameKey][]int64{}
	for {
		f, ok := v.popFrame()
		if !ok {
			break
		}
		streams[f.key] = append(streams[f.key], f.frameNumber)
	}
	assert.Equal(t, []int64{3, 4}, streams[keyA])
	assert.Equal(t, []int64{1}, streams[keyB])
}

func TestNextIdempotencyKeyUnique(t *testing.T) {
	router := newTestRouter(t, testRelayConfig(), "instance-a", nil, nil)
	v := newViewerSession("view-1", nil, router)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := v.NextIdempotencyKey()
		require.False(t, seen[key], "duplicate idempotency key %s", key)
		seen[key] = true
	}
}
