package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestNats(t *testing.T) (*Nats, func()) {
	nats, err := NewInMemoryNats()
	require.NoError(t, err)

	cleanup := func() {
		nats.Close()
	}

	return nats, cleanup
}

func TestNatsPubsub(t *testing.T) {
	t.Run("Subscribe", func(t *testing.T) {
		pubsub, cleanup := setupTestNats(t)
		defer cleanup()

		ctx := context.Background()

		receivedCh := make(chan string, 1)

		consumer, err := pubsub.Subscribe(ctx, TopicCommand, func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() {
			err := consumer.Unsubscribe()
			require.NoError(t, err)
		}()

		// Wait for subscription to be established
		time.Sleep(100 * time.Millisecond)

		err = pubsub.Publish(ctx, TopicCommand, []byte("hello"))
		require.NoError(t, err)

		select {
		case result := <-receivedCh:
			require.Equal(t, "hello", result)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("EveryInstanceReceivesBroadcast", func(t *testing.T) {
		pubsub, cleanup := setupTestNats(t)
		defer cleanup()

		ctx := context.Background()

		first := make(chan string, 1)
		second := make(chan string, 1)

		subA, err := pubsub.Subscribe(ctx, TopicFrameData, func(payload []byte) error {
			first <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = subA.Unsubscribe() }()

		subB, err := pubsub.Subscribe(ctx, TopicFrameData, func(payload []byte) error {
			second <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = subB.Unsubscribe() }()

		time.Sleep(100 * time.Millisecond)

		err = pubsub.Publish(ctx, TopicFrameData, []byte("frame"))
		require.NoError(t, err)

		for _, ch := range []chan string{first, second} {
			select {
			case result := <-ch:
				require.Equal(t, "frame", result)
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for message")
			}
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		pubsub, cleanup := setupTestNats(t)
		defer cleanup()

		ctx := context.Background()

		receivedCh := make(chan string, 1)

		consumer, err := pubsub.Subscribe(ctx, TopicCatalogChange, func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, consumer.Unsubscribe())

		err = pubsub.Publish(ctx, TopicCatalogChange, []byte("gone"))
		require.NoError(t, err)

		select {
		case <-receivedCh:
			t.Fatal("received message after unsubscribe")
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func TestInMemoryPubsub(t *testing.T) {
	pubsub := NewInMemory()

	ctx := context.Background()
	receivedCh := make(chan string, 1)

	consumer, err := pubsub.Subscribe(ctx, TopicFrameAck, func(payload []byte) error {
		receivedCh <- string(payload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, pubsub.Publish(ctx, TopicFrameAck, []byte("ack")))

	select {
	case result := <-receivedCh:
		require.Equal(t, "ack", result)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	require.NoError(t, consumer.Unsubscribe())
	require.NoError(t, pubsub.Publish(ctx, TopicFrameAck, []byte("dropped")))

	select {
	case <-receivedCh:
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
