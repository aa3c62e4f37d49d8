package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := NewService(client)

	t.Cleanup(func() {
		_ = svc.Close()
		mr.Close()
	})

	return svc, mr
}

func TestPublishSubscribe_DeliversInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 10)
	svc.Subscribe(ctx, "room-1", func(msg Message) {
		received <- msg
	})

	// Give the subscribe goroutine a moment to establish the subscription.
	time.Sleep(50 * time.Millisecond)

	for i := uint64(1); i <= 3; i++ {
		payload, _ := json.Marshal(map[string]any{"n": i})
		err := svc.Publish(ctx, "room-1", Message{EventID: i, Envelope: payload})
		require.NoError(t, err)
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, i, msg.EventID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Subscribe(ctx, "room-1", func(Message) {})
	svc.Subscribe(ctx, "room-1", func(Message) {}) // second call is a no-op

	assert.Equal(t, []string{"room-1"}, svc.ActiveRooms())
}

func TestUnsubscribe_RemovesFromActiveRooms(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Subscribe(ctx, "room-1", func(Message) {})
	svc.Unsubscribe("room-1")

	assert.Empty(t, svc.ActiveRooms())
}

func TestPing_Succeeds(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPing_FailsWhenRedisDown(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()
	assert.Error(t, svc.Ping(context.Background()))
}

func TestPublish_FailsWhenRedisDown(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	err := svc.Publish(context.Background(), "room-1", Message{EventID: 1})
	assert.Error(t, err)
}
