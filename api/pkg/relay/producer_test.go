package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/screenrelay/api/pkg/pubsub"
)

func TestDeclaredStreamingStartsIdleClock(t *testing.T) {
	db := newTestStore(t)
	bus := pubsub.NewInMemory()
	router := newTestRouter(t, testRelayConfig(), "instance-a", db, bus)

	p := registerTestProducer(t, router, "desktop-1")

	// streaming declared via stream_status before any frame arrived
	p.setStreaming(context.Background(), true)
	assert.Equal(t, ProducerStreaming, p.State())

	// the idle sweep predicate must not fire until the idle window has
	// elapsed without frames, counted from the declaration
	cutoff := time.Now().Add(-router.cfg.StreamIdleWindow)
	assert.False(t, p.LastFrameAt().Before(cutoff),
		"producer that just declared streaming already counts as idle")

	client, err := db.GetDesktopClient(context.Background(), "desktop-1")
	require.NoError(t, err)
	assert.True(t, client.IsStreaming)
}

func TestRedeclaredStreamingResetsStaleFrameClock(t *testing.T) {
	db := newTestStore(t)
	bus := pubsub.NewInMemory()
	router := newTestRouter(t, testRelayConfig(), "instance-a", db, bus)

	p := registerTestProducer(t, router, "desktop-1")

	// a previous streaming phase ended long ago
	p.lastFrameAt.Store(time.Now().Add(-time.Hour).UnixNano())
	p.state.Store(int32(ProducerIdle))

	// re-declaring streaming starts a fresh idle window
	env := mustEnvelope(t, `{"type":"stream_status","streaming":true}`)
	p.handleMessage(context.Background(), env)

	assert.Equal(t, ProducerStreaming, p.State())
	cutoff := time.Now().Add(-router.cfg.StreamIdleWindow)
	assert.False(t, p.LastFrameAt().Before(cutoff),
		"stale frame clock survived the stream_status re-declaration")
}

func TestMarkIdleOnlyFlipsStreamingProducers(t *testing.T) {
	db := newTestStore(t)
	bus := pubsub.NewInMemory()
	router := newTestRouter(t, testRelayConfig(), "instance-a", db, bus)

	p := registerTestProducer(t, router, "desktop-1")
	p.state.Store(int32(ProducerRegistered))

	p.MarkIdle(context.Background())
	assert.Equal(t, ProducerRegistered, p.State())

	p.setStreaming(context.Background(), true)
	p.MarkIdle(context.Background())
	assert.Equal(t, ProducerIdle, p.State())

	client, err := db.GetDesktopClient(context.Background(), "desktop-1")
	require.NoError(t, err)
	assert.False(t, client.IsStreaming)
}
