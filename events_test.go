package owlwhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFIFO(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	for i := 0; i < 100; i++ {
		bus.Publish(EventMessageReceived, MessagePayload{MessageID: fmt.Sprintf("msg-%d", i)})
	}

	ctx, cancel := createTestContext(5 * time.Second)
	defer cancel()

	for i := 0; i < 100; i++ {
		ev, err := bus.Next(ctx)
		require.NoError(t, err)
		payload, ok := ev.Payload.(MessagePayload)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), payload.MessageID, "events must come out in publication order")
	}
	assert.Equal(t, 0, bus.Len())
}

func TestEventBusNoDropUnderBurst(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	// Many producers, no consumer: everything must be buffered.
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish(EventPeerConnected, PeerEventPayload{
					PeerID: fmt.Sprintf("producer-%d-event-%d", p, i),
				})
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, bus.Len(), "no event may be dropped regardless of consumer lag")
}

func TestEventBusPerProducerOrdering(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish(EventPeerConnected, PeerEventPayload{
					PeerID:  fmt.Sprintf("p%d", p),
					Address: fmt.Sprintf("%d", i),
				})
			}
		}(p)
	}
	wg.Wait()

	ctx, cancel := createTestContext(5 * time.Second)
	defer cancel()

	// Events from each producer must preserve that producer's order even
	// when interleaved with others.
	lastSeen := make(map[string]int)
	for i := 0; i < producers*perProducer; i++ {
		ev, err := bus.Next(ctx)
		require.NoError(t, err)
		payload := ev.Payload.(PeerEventPayload)
		var seq int
		_, err = fmt.Sscanf(payload.Address, "%d", &seq)
		require.NoError(t, err)
		if prev, ok := lastSeen[payload.PeerID]; ok {
			require.Greater(t, seq, prev, "producer %s order violated", payload.PeerID)
		}
		lastSeen[payload.PeerID] = seq
	}
}

func TestEventBusNextTimeout(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bus.Next(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestEventBusNextWakesOnPublish(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish(EventPeerConnected, PeerEventPayload{PeerID: "late"})
	}()

	ctx, cancel := createTestContext(5 * time.Second)
	defer cancel()

	ev, err := bus.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventPeerConnected, ev.Type)
	assert.NotZero(t, ev.Timestamp)
}

func TestEventBusNextJSON(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	bus.Publish(EventProviderFound, ProviderFoundPayload{ContentID: "doc-1", PeerID: "peer-1"})

	ctx, cancel := createTestContext(time.Second)
	defer cancel()

	raw, err := bus.NextJSON(ctx)
	require.NoError(t, err)

	var decoded struct {
		Type    EventType `json:"type"`
		Payload struct {
			ContentID string `json:"content_id"`
			PeerID    string `json:"peer_id"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, EventProviderFound, decoded.Type)
	assert.Equal(t, "doc-1", decoded.Payload.ContentID)
}

func TestEventBusClosed(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(EventPeerConnected, PeerEventPayload{PeerID: "before-close"})
	bus.Close()

	ctx, cancel := createTestContext(time.Second)
	defer cancel()

	// Buffered events drain even after close.
	ev, err := bus.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventPeerConnected, ev.Type)

	// Then the bus reports it is no longer serving.
	_, err = bus.Next(ctx)
	require.ErrorIs(t, err, ErrNotStarted)

	// Publishing after close is a silent no-op.
	bus.Publish(EventPeerConnected, PeerEventPayload{PeerID: "after-close"})
	assert.Equal(t, 0, bus.Len())
}
