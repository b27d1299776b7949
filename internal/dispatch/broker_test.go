package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/store/storetest"
)

func TestBrokerFansOutAcrossSubscribers(t *testing.T) {
	s, _ := storetest.New(t)
	broker := NewRedisBroker(s.Client(), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan error, 1)
	go func() {
		done <- broker.Run(ctx, func(channel string, msg Message) {
			mu.Lock()
			received = append(received, channel+"|"+msg.Event)
			mu.Unlock()
		})
	}()

	// publish until the subscription is live
	assert.Eventually(t, func() bool {
		_ = PublishEvent(ctx, broker, RideChannel("r1"), EventRideStarted, RideUpdate{RideID: "r1"})
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "ride:r1|"+EventRideStarted, received[0])
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestBrokerSignals(t *testing.T) {
	s, _ := storetest.New(t)
	broker := NewRedisBroker(s.Client(), logging.Discard())
	ctx := context.Background()

	wake, stop, err := broker.Listen(ctx, "ack:r1")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, broker.Notify(ctx, "ack:r1"))
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up")
	}
}
