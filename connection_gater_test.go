package owlwhisper

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaterBlockAndUnblock(t *testing.T) {
	cg := NewConnectionGater(createTestLogger(t), 0, nil)
	p := newTestPeerID(t)

	assert.True(t, cg.InterceptPeerDial(p))

	cg.BlockPeer(p, time.Minute)
	assert.False(t, cg.InterceptPeerDial(p))
	assert.False(t, cg.InterceptSecured(0, p, nil))

	cg.UnblockPeer(p)
	assert.True(t, cg.InterceptPeerDial(p))
}

func TestGaterBlockExpiry(t *testing.T) {
	cg := NewConnectionGater(createTestLogger(t), 0, nil)
	p := newTestPeerID(t)

	cg.BlockPeer(p, 10*time.Millisecond)
	assert.False(t, cg.InterceptPeerDial(p))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cg.InterceptPeerDial(p), "expired blocks lift automatically")
}

func TestGaterProtectedExemption(t *testing.T) {
	protected := map[peer.ID]bool{}
	cg := NewConnectionGater(createTestLogger(t), 1, func(p peer.ID) bool { return protected[p] })

	p := newTestPeerID(t)
	protected[p] = true

	// Blocking a protected peer has no effect.
	cg.BlockPeer(p, time.Hour)
	assert.True(t, cg.InterceptPeerDial(p))
	assert.True(t, cg.InterceptSecured(0, p, nil))

	// Protected peers are exempt from the per-peer connection cap too.
	assert.True(t, cg.InterceptSecured(0, p, nil))
	assert.True(t, cg.InterceptSecured(0, p, nil))
}

func TestGaterSubnetBlocking(t *testing.T) {
	cg := NewConnectionGater(createTestLogger(t), 0, nil)
	require.NoError(t, cg.BlockSubnet("10.0.0.0/8"))
	require.Error(t, cg.BlockSubnet("not-a-cidr"))

	p := newTestPeerID(t)
	blocked := mustMultiaddr(t, "/ip4/10.1.2.3/tcp/4001")
	allowed := mustMultiaddr(t, "/ip4/192.0.2.1/tcp/4001")

	assert.False(t, cg.InterceptAddrDial(p, blocked))
	assert.True(t, cg.InterceptAddrDial(p, allowed))
}

func TestGaterConnectionCap(t *testing.T) {
	cg := NewConnectionGater(createTestLogger(t), 2, nil)
	p := newTestPeerID(t)

	assert.True(t, cg.InterceptSecured(0, p, nil))
	assert.True(t, cg.InterceptSecured(0, p, nil))
	assert.False(t, cg.InterceptSecured(0, p, nil), "third connection exceeds the cap")

	// Releasing a slot admits the next connection.
	cg.connectionClosed(p)
	assert.True(t, cg.InterceptSecured(0, p, nil))
}

func TestGaterCapSurvivesSimultaneousConnections(t *testing.T) {
	cg := NewConnectionGater(createTestLogger(t), 3, nil)
	p := newTestPeerID(t)

	// A peer holding two connections at once (simultaneous dial, hole
	// punching) must get both slots back once both close, cycle after
	// cycle, or the count leaks until the peer is locked out for good.
	for cycle := 0; cycle < 5; cycle++ {
		require.True(t, cg.InterceptSecured(0, p, nil), "cycle %d: first connection refused", cycle)
		require.True(t, cg.InterceptSecured(0, p, nil), "cycle %d: second connection refused", cycle)
		cg.connectionClosed(p)
		cg.connectionClosed(p)
	}

	cg.mu.RLock()
	leaked := cg.conns[p]
	cg.mu.RUnlock()
	assert.Zero(t, leaked, "slots leaked across connect cycles")
	assert.True(t, cg.InterceptSecured(0, p, nil))
}
