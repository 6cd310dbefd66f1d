package owlwhisper

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectEngines dials from a to b and waits until both sides report the
// connection.
func connectEngines(ctx context.Context, t *testing.T, a, b *Engine) {
	t.Helper()

	addrs, err := b.Addresses()
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx, addrs))

	require.Eventually(t, func() bool {
		ap, errA := a.ConnectedPeers()
		bp, errB := b.ConnectedPeers()
		return errA == nil && errB == nil && len(ap) > 0 && len(bp) > 0
	}, 10*time.Second, 50*time.Millisecond, "engines never saw each other")
}

// nextEventOfType drains events until one of the wanted type arrives.
func nextEventOfType(ctx context.Context, t *testing.T, e *Engine, want EventType) Event {
	t.Helper()
	for {
		ev, err := e.NextEvent(ctx)
		require.NoError(t, err, "waiting for %s event", want)
		if ev.Type == want {
			return ev
		}
	}
}

func TestIntegrationConnectAndDisconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")

	connectEngines(ctx, t, alice, bob)

	// Both sides observe the connection as an event.
	evA := nextEventOfType(ctx, t, alice, EventPeerConnected)
	assert.Equal(t, bob.MyPeerID().String(), evA.Payload.(PeerEventPayload).PeerID)
	evB := nextEventOfType(ctx, t, bob, EventPeerConnected)
	assert.Equal(t, alice.MyPeerID().String(), evB.Payload.(PeerEventPayload).PeerID)

	// Connecting again is a no-op.
	addrs, err := bob.Addresses()
	require.NoError(t, err)
	require.NoError(t, alice.Connect(ctx, addrs))

	require.NoError(t, alice.Disconnect(bob.MyPeerID()))
	evA = nextEventOfType(ctx, t, alice, EventPeerDisconnected)
	assert.Equal(t, bob.MyPeerID().String(), evA.Payload.(PeerEventPayload).PeerID)

	// Disconnecting a peer that is already gone is a no-op.
	require.NoError(t, alice.Disconnect(bob.MyPeerID()))
}

func TestIntegrationMessageRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	connectEngines(ctx, t, alice, bob)

	payload := []byte("hello over an encrypted session")
	msgID, err := alice.SendMessage(ctx, bob.MyPeerID(), payload)
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	// Bob receives the decrypted payload as an event.
	ev := nextEventOfType(ctx, t, bob, EventMessageReceived)
	msg := ev.Payload.(MessagePayload)
	assert.Equal(t, msgID, msg.MessageID)
	assert.Equal(t, alice.MyPeerID().String(), msg.From)
	assert.Equal(t, payload, msg.Payload)

	// Both sides recorded the exchange.
	sent, err := alice.History(bob.MyPeerID(), 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, DeliveryDelivered, sent[0].State)
	assert.True(t, sent[0].Outbound)
	assert.Equal(t, payload, sent[0].Payload)

	require.Eventually(t, func() bool {
		received, err := bob.History(alice.MyPeerID(), 10)
		return err == nil && len(received) == 1
	}, 10*time.Second, 50*time.Millisecond)

	received, err := bob.History(alice.MyPeerID(), 10)
	require.NoError(t, err)
	assert.Equal(t, payload, received[0].Payload)
	assert.False(t, received[0].Outbound)
}

func TestIntegrationBidirectionalMessaging(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	connectEngines(ctx, t, alice, bob)

	// Both directions at once: each side establishes its own sending
	// session, so concurrent handshakes must not collide.
	_, err := alice.SendMessage(ctx, bob.MyPeerID(), []byte("from alice"))
	require.NoError(t, err)
	_, err = bob.SendMessage(ctx, alice.MyPeerID(), []byte("from bob"))
	require.NoError(t, err)

	evBob := nextEventOfType(ctx, t, bob, EventMessageReceived)
	assert.Equal(t, []byte("from alice"), evBob.Payload.(MessagePayload).Payload)
	evAlice := nextEventOfType(ctx, t, alice, EventMessageReceived)
	assert.Equal(t, []byte("from bob"), evAlice.Payload.(MessagePayload).Payload)
}

func TestIntegrationBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	carol := createTestEngine(ctx, t, "carol")

	connectEngines(ctx, t, alice, bob)
	connectEngines(ctx, t, alice, carol)

	results, err := alice.Broadcast(ctx, []byte("to everyone"))
	require.NoError(t, err)
	require.Len(t, results, 2, "broadcast targets every connected peer")

	assert.NoError(t, results[bob.MyPeerID()])
	assert.NoError(t, results[carol.MyPeerID()])

	// The per-peer result surface reports individual failures: a peer that
	// drops between enumeration and send fails alone.
	offline := newTestPeerID(t)
	direct := alice.messaging.Broadcast(ctx, []peer.ID{bob.MyPeerID(), offline}, []byte("again"))
	assert.NoError(t, direct[bob.MyPeerID()])
	assert.ErrorIs(t, direct[offline], ErrNotConnected)

	evBob := nextEventOfType(ctx, t, bob, EventMessageReceived)
	assert.Equal(t, []byte("to everyone"), evBob.Payload.(MessagePayload).Payload)
	evCarol := nextEventOfType(ctx, t, carol, EventMessageReceived)
	assert.Equal(t, []byte("to everyone"), evCarol.Payload.(MessagePayload).Payload)
}

func TestIntegrationProvideAndFindProviders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(120 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	connectEngines(ctx, t, alice, bob)

	// Wait for the DHTs to learn about each other before publishing
	// provider records.
	require.Eventually(t, func() bool {
		a, errA := alice.RoutingTableSize()
		b, errB := bob.RoutingTableSize()
		return errA == nil && errB == nil && a > 0 && b > 0
	}, 30*time.Second, 100*time.Millisecond, "DHT routing tables never populated")

	const contentID = "owlwhisper-test-document"
	require.NoError(t, alice.ProvideContent(ctx, contentID))

	require.Eventually(t, func() bool {
		providers, err := bob.FindProviders(ctx, contentID, 10)
		if err != nil || len(providers) == 0 {
			return false
		}
		return providers[0].ID == alice.MyPeerID()
	}, 30*time.Second, time.Second, "provider record never surfaced")

	// The provider lookup excludes the querying node itself.
	providers, err := alice.FindProviders(ctx, contentID, 10)
	require.NoError(t, err)
	for _, info := range providers {
		assert.NotEqual(t, alice.MyPeerID(), info.ID)
	}

	require.NoError(t, alice.StopProviding(contentID))
}

func TestIntegrationFindPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	connectEngines(ctx, t, alice, bob)

	info, err := alice.FindPeer(ctx, bob.MyPeerID())
	require.NoError(t, err)
	assert.Equal(t, bob.MyPeerID(), info.ID)
	assert.NotEmpty(t, info.Addrs)
}

func TestIntegrationPeerCacheSeedsReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	bob := createTestEngine(ctx, t, "bob")

	// First run: alice connects to bob and persists him in her peer cache.
	cfg := createTestConfig(t, "alice")
	cfg.EnablePeerCache = true
	alice, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, alice.Start(ctx))
	setupEngineCleanup(t, alice, "alice")

	bobAddrs, err := bob.Addresses()
	require.NoError(t, err)
	require.NoError(t, alice.Connect(ctx, bobAddrs))
	require.Eventually(t, func() bool {
		cached, err := alice.CachedPeers(10)
		return err == nil && len(cached) == 1
	}, 10*time.Second, 50*time.Millisecond, "connection never reached the cache")
	require.NoError(t, alice.Stop())

	// Second run on the same data dir, no explicit Connect: the cache seeds
	// the redial.
	restarted, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	setupEngineCleanup(t, restarted, "alice-restarted")

	require.Eventually(t, func() bool {
		peers, err := restarted.ConnectedPeers()
		if err != nil {
			return false
		}
		for _, p := range peers {
			if p == bob.MyPeerID() {
				return true
			}
		}
		return false
	}, 20*time.Second, 100*time.Millisecond, "cached peer was never redialed after restart")
}

func TestIntegrationLookupWarmsIndexedPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")

	// Alice has bob indexed and knows his addresses, but holds no live
	// connection. A lookup must dial him before walking the DHT.
	bobAddrs, err := bob.Addresses()
	require.NoError(t, err)
	for _, s := range bobAddrs {
		info, err := peer.AddrInfoFromString(s)
		require.NoError(t, err)
		alice.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	}
	require.True(t, alice.index.Update(bob.MyPeerID()))

	alice.dht.warmClosest(ctx, contentKey("warm-lookup-content"))

	peers, err := alice.ConnectedPeers()
	require.NoError(t, err)
	assert.Contains(t, peers, bob.MyPeerID())
}

func TestIntegrationInboundKeyReadyOnExchangeCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	connectEngines(ctx, t, alice, bob)

	// The moment the initiator's exchange returns, the responder must hold
	// the inbound key: the very next frame may already be a chat message.
	_, err := alice.sessions.sendKey(ctx, bob.MyPeerID())
	require.NoError(t, err)

	_, ok := bob.sessions.recvKey(alice.MyPeerID())
	assert.True(t, ok, "responder had no inbound key when the exchange completed")
}

func TestIntegrationConnectRetriesThroughDialBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")

	// Reserve a port and dial it while nothing listens, putting the address
	// in the swarm's dial backoff.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ident, err := NewIdentity()
	require.NoError(t, err)
	addr := mustMultiaddr(t, fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
	require.Error(t, alice.transport.Connect(ctx, ident.PeerID(), []ma.Multiaddr{addr}))

	cfg := createTestConfig(t, "bob")
	cfg.Port = port
	bob, err := NewEngineWithIdentity(createTestLogger(t), cfg, ident)
	require.NoError(t, err)
	require.NoError(t, bob.Start(ctx))
	setupEngineCleanup(t, bob, "bob")

	// The backoff window is still open; the retry must dial through it and
	// reach the now-listening peer.
	require.NoError(t, alice.transport.Connect(ctx, ident.PeerID(), []ma.Multiaddr{addr}))
}

func TestIntegrationProtectedReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := createTestContext(60 * time.Second)
	defer cancel()

	alice := createTestEngine(ctx, t, "alice")
	bob := createTestEngine(ctx, t, "bob")
	connectEngines(ctx, t, alice, bob)

	require.NoError(t, alice.AddProtectedPeer(bob.MyPeerID()))
	require.NoError(t, alice.SetAutoReconnect(true))

	require.NoError(t, alice.Disconnect(bob.MyPeerID()))

	// The reconciler must bring the connection back on its own.
	require.Eventually(t, func() bool {
		peers, err := alice.ConnectedPeers()
		if err != nil {
			return false
		}
		for _, p := range peers {
			if p == bob.MyPeerID() {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond, "protected peer was never redialed")
}
