package janitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/screenrelay/api/pkg/config"
	"github.com/helixml/screenrelay/api/pkg/pubsub"
	"github.com/helixml/screenrelay/api/pkg/relay"
	"github.com/helixml/screenrelay/api/pkg/store"
	"github.com/helixml/screenrelay/api/pkg/system"
	"github.com/helixml/screenrelay/api/pkg/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", system.GenerateUUID())
	db, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSweepPrunesStaleCatalogRows(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	bus := pubsub.NewInMemory()

	cfg := config.Relay{
		GraceWindow:         10 * time.Millisecond,
		HeartbeatTimeout:    time.Minute,
		StreamIdleWindow:    time.Minute,
		CommandTTLStreaming: time.Minute,
		CommandTTLAction:    time.Minute,
		IdempotencyWindow:   time.Minute,
	}
	router := relay.NewRouter(cfg, "instance-a", db, bus)
	require.NoError(t, router.Start(ctx))
	t.Cleanup(router.Stop)

	j, err := New(cfg, config.Janitor{Interval: time.Hour}, db, router)
	require.NoError(t, err)

	require.NoError(t, db.RegisterDesktopClient(ctx, &types.DesktopClient{
		ID:               "desktop-1",
		OwningInstanceID: "instance-crashed",
	}))

	// the disappearance must be announced on the bus
	changes := make(chan []byte, 1)
	sub, err := bus.Subscribe(ctx, pubsub.TopicCatalogChange, func(payload []byte) error {
		changes <- payload
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	time.Sleep(50 * time.Millisecond)
	j.sweep(ctx)

	_, err = db.GetDesktopClient(ctx, "desktop-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected a catalog change announcement")
	}
}

func TestSweepExpiresOverdueCommands(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	bus := pubsub.NewInMemory()

	cfg := config.Relay{
		GraceWindow:         time.Minute,
		HeartbeatTimeout:    time.Minute,
		StreamIdleWindow:    time.Minute,
		CommandTTLStreaming: 10 * time.Millisecond,
		CommandTTLAction:    10 * time.Millisecond,
		IdempotencyWindow:   time.Minute,
	}
	router := relay.NewRouter(cfg, "instance-a", db, bus)
	require.NoError(t, router.Start(ctx))
	t.Cleanup(router.Stop)

	j, err := New(cfg, config.Janitor{Interval: time.Hour}, db, router)
	require.NoError(t, err)

	cmd, err := db.EnqueueCommand(ctx, &types.DesktopCommand{
		DesktopClientID: "desktop-1",
		CommandType:     types.CommandMouseClick,
		IdempotencyKey:  "view-1-1-1",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	j.sweep(ctx)

	got, err := db.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusFailed, got.Status)
	assert.Equal(t, "expired", got.ErrorMessage)
}
