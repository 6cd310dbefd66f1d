package owlwhisper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineLifecycle(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e, err := NewEngine(createTestLogger(t), createTestConfig(t, "lifecycle"))
	require.NoError(t, err)

	// The identity exists before Start.
	assert.NotEmpty(t, e.MyPeerID())

	require.NoError(t, e.Start(ctx))
	require.ErrorIs(t, e.Start(ctx), ErrAlreadyStarted)

	addrs, err := e.Addresses()
	require.NoError(t, err)
	assert.NotEmpty(t, addrs)

	require.NoError(t, e.Stop())
	require.ErrorIs(t, e.Stop(), ErrNotStarted)
}

func TestEngineOperationsRequireStart(t *testing.T) {
	ctx := context.Background()

	e, err := NewEngine(createTestLogger(t), createTestConfig(t, "not-started"))
	require.NoError(t, err)
	p := newTestPeerID(t)

	_, err = e.ConnectedPeers()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, e.Connect(ctx, []string{"/ip4/127.0.0.1/tcp/1/p2p/" + p.String()}), ErrNotStarted)
	assert.ErrorIs(t, e.Disconnect(p), ErrNotStarted)
	assert.ErrorIs(t, e.AddProtectedPeer(p), ErrNotStarted)
	assert.ErrorIs(t, e.RemoveProtectedPeer(p), ErrNotStarted)
	_, err = e.IsProtectedPeer(p)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.SendMessage(ctx, p, []byte("payload"))
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.Broadcast(ctx, []byte("payload"))
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.History(p, 10)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.FindPeer(ctx, p)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, e.ProvideContent(ctx, "content"), ErrNotStarted)
	_, err = e.FindProviders(ctx, "content", 10)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.RoutingTableSize()
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.NextEvent(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.NetworkStatsJSON()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngineIdentityPersistsAcrossRestart(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	cfg := createTestConfig(t, "restart")

	first, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	id := first.MyPeerID()
	require.NoError(t, first.Stop())

	second, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, id, second.MyPeerID(), "identity file must keep the peer ID stable")
}

func TestEngineWithExplicitKey(t *testing.T) {
	ident, err := NewIdentity()
	require.NoError(t, err)
	hexKey, err := ident.Hex()
	require.NoError(t, err)

	cfg := createTestConfig(t, "explicit-key")
	cfg.PrivateKeyHex = hexKey

	e, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, ident.PeerID(), e.MyPeerID())

	cfg.PrivateKeyHex = "definitely not hex"
	_, err = NewEngine(createTestLogger(t), cfg)
	require.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func TestEngineWithIdentity(t *testing.T) {
	ident, err := NewIdentity()
	require.NoError(t, err)

	e, err := NewEngineWithIdentity(createTestLogger(t), createTestConfig(t, "with-identity"), ident)
	require.NoError(t, err)
	assert.Equal(t, ident.PeerID(), e.MyPeerID())

	_, err = NewEngineWithIdentity(createTestLogger(t), createTestConfig(t, "nil-identity"), nil)
	require.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func TestEngineProtectedPeerOps(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "protected-ops")
	p := newTestPeerID(t)

	ok, err := e.IsProtectedPeer(p)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.AddProtectedPeer(p))
	// Idempotent.
	require.NoError(t, e.AddProtectedPeer(p))

	ok, err = e.IsProtectedPeer(p)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := e.ProtectedPeers()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p, list[0])

	attempts, err := e.ReconnectAttempts(p)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	require.NoError(t, e.RemoveProtectedPeer(p))
	// No-op on a non-member.
	require.NoError(t, e.RemoveProtectedPeer(p))

	list, err = e.ProtectedPeers()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEngineProtectedPeersPersist(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	cfg := createTestConfig(t, "protected-persist")
	p := newTestPeerID(t)

	first, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.AddProtectedPeer(p))
	require.NoError(t, first.Stop())

	second, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer func() {
		require.NoError(t, second.Stop())
	}()

	ok, err := second.IsProtectedPeer(p)
	require.NoError(t, err)
	assert.True(t, ok, "protected set must survive restarts")
}

func TestEngineSendToUnconnectedPeer(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "send-unconnected")
	p := newTestPeerID(t)

	_, err := e.SendMessage(ctx, p, []byte("hello"))
	require.ErrorIs(t, err, ErrNotConnected)

	// Nothing may be recorded for a rejected send.
	msgs, err := e.History(p, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEngineQualityRequiresConnection(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "quality-unconnected")

	_, err := e.ConnectionQuality(newTestPeerID(t))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestEngineNetworkStatsJSON(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "stats")

	raw, err := e.NetworkStatsJSON()
	require.NoError(t, err)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &stats))
	assert.Equal(t, e.MyPeerID().String(), stats["peer_id"])
	assert.Contains(t, stats, "connected_peers")
	assert.Contains(t, stats, "routing_table_size")
}

func TestEngineConnectionLimitsJSON(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "limits")

	raw, err := e.ConnectionLimitsJSON()
	require.NoError(t, err)

	var limits map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &limits))
	assert.EqualValues(t, connLowWater, limits["low_water"])
	assert.EqualValues(t, connHighWater, limits["high_water"])
	assert.Contains(t, limits, "grace_period")
}

func TestEngineAutoReconnectToggle(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "auto-reconnect")

	require.NoError(t, e.SetAutoReconnect(true))
	assert.True(t, e.protected.AutoReconnect())

	require.NoError(t, e.SetAutoReconnect(false))
	assert.False(t, e.protected.AutoReconnect())
}

func TestEngineStopConcurrentWithOperations(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	e := createTestEngine(ctx, t, "stop-race")

	// Operations racing a Stop must settle to ErrNotStarted or a subsystem
	// error, never a panic on a torn-down field.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, _ = e.RoutingTableSize()
				_, _ = e.Addresses()
				_, _ = e.NetworkStatsJSON()
				_, _ = e.ConnectedPeersJSON()
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.Stop())
	time.Sleep(100 * time.Millisecond)
	close(done)
	wg.Wait()

	_, err := e.RoutingTableSize()
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.Addresses()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngineRecordsDialFailuresInCache(t *testing.T) {
	ctx, cancel := createTestContext(30 * time.Second)
	defer cancel()

	cfg := createTestConfig(t, "dial-failures")
	cfg.EnablePeerCache = true
	cfg.DialTimeout = 2 * time.Second
	e, err := NewEngine(createTestLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	setupEngineCleanup(t, e, "dial-failures")

	// Nothing listens on port 1; the dial fails and the cache keeps score.
	ghost := newTestPeerID(t)
	dead := mustMultiaddr(t, "/ip4/127.0.0.1/tcp/1")
	require.Error(t, e.transport.Connect(ctx, ghost, []ma.Multiaddr{dead}))

	cached, err := e.CachedPeers(10)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, ghost.String(), cached[0].ID)
	assert.Positive(t, cached[0].Failures)
}
