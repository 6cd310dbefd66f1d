package owlwhisper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
)

// peerRecord tracks the connection lifecycle of a single remote peer.
type peerRecord struct {
	state        ConnState
	addrs        []ma.Multiaddr
	lastSeen     time.Time
	missedProbes int

	// latency ring buffer, qualityWindow samples
	samples []float64
	next    int
	filled  bool
}

func (pr *peerRecord) recordLatency(ms float64) {
	if pr.samples == nil {
		pr.samples = make([]float64, qualityWindow)
	}
	pr.samples[pr.next] = ms
	pr.next = (pr.next + 1) % qualityWindow
	if pr.next == 0 {
		pr.filled = true
	}
}

func (pr *peerRecord) metrics() Metrics {
	n := pr.next
	if pr.filled {
		n = qualityWindow
	}
	if n == 0 {
		return Metrics{}
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += pr.samples[i]
	}
	avg := sum / float64(n)
	m := Metrics{LatencyMS: avg, Samples: n}
	if avg > 0 {
		// Rough throughput proxy from round-trip time; a real transfer
		// benchmark is out of scope for quality probing.
		m.ThroughputBps = 8 * 1024 / (avg / 1000)
	}
	return m
}

// transportManager owns connection state: dialing, disconnecting, liveness
// probing, and per-peer quality metrics. Connection state transitions are
// driven by libp2p network notifications so they stay consistent whether a
// connection was initiated locally or by the remote side.
type transportManager struct {
	host   host.Host
	pinger *ping.PingService
	events *EventBus
	logger Logger
	config *Config

	mu    sync.RWMutex
	peers map[peer.ID]*peerRecord

	// onDisconnected lets the engine drop session keys and notify the
	// protected registry without transport knowing about either. It fires
	// once, when the last connection to a peer closes. onConnClosed fires
	// for every individual connection close, so per-connection accounting
	// (the gater's slot counts) stays balanced even while other connections
	// to the same peer remain up. onDialFailed fires when a dial gives up.
	onDisconnected func(peer.ID)
	onConnected    func(peer.ID)
	onConnClosed   func(peer.ID)
	onDialFailed   func(peer.ID)

	cancelProbes context.CancelFunc
	probesDone   chan struct{}
}

func newTransportManager(h host.Host, events *EventBus, logger Logger, cfg *Config) *transportManager {
	tm := &transportManager{
		host:   h,
		pinger: ping.NewPingService(h),
		events: events,
		logger: logger,
		config: cfg,
		peers:  make(map[peer.ID]*peerRecord),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    tm.handleConnected,
		DisconnectedF: tm.handleDisconnected,
	})
	return tm
}

// start launches the liveness probe loop.
func (tm *transportManager) start(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	tm.cancelProbes = cancel
	tm.probesDone = make(chan struct{})
	go tm.probeLoop(probeCtx)
}

// stop halts probing and waits for the loop to exit.
func (tm *transportManager) stop() {
	if tm.cancelProbes != nil {
		tm.cancelProbes()
		<-tm.probesDone
	}
}

// Connect dials p at the given addresses. A first failure gets one immediate
// retry before the error is classified and returned. Connecting to an
// already connected peer is a no-op.
func (tm *transportManager) Connect(ctx context.Context, p peer.ID, addrs []ma.Multiaddr) error {
	if p == tm.host.ID() {
		return fmt.Errorf("%w: cannot connect to self", ErrUnreachable)
	}
	if tm.host.Network().Connectedness(p) == network.Connected {
		return nil
	}

	tm.mu.Lock()
	rec := tm.record(p)
	rec.state = StateConnecting
	if len(addrs) > 0 {
		rec.addrs = addrs
	}
	tm.mu.Unlock()

	info := peer.AddrInfo{ID: p, Addrs: addrs}
	dialCtx, cancel := context.WithTimeout(ctx, tm.config.DialTimeout)
	defer cancel()

	err := tm.host.Connect(dialCtx, info)
	if err != nil {
		tm.logger.Debugf("[Transport] dial to %s failed, retrying once: %v", p.ShortString(), err)
		// The failed attempt put these addresses in the swarm's dial
		// backoff; force the retry through it so it actually re-dials.
		err = tm.host.Connect(network.WithForceDirectDial(dialCtx, "immediate retry"), info)
	}
	if err != nil {
		tm.mu.Lock()
		tm.record(p).state = StateFailed
		tm.mu.Unlock()
		if tm.onDialFailed != nil {
			tm.onDialFailed(p)
		}
		return classifyDialError(ctx, err)
	}
	return nil
}

// Disconnect closes all connections with p. Disconnecting a peer that is not
// connected is a no-op.
func (tm *transportManager) Disconnect(p peer.ID) error {
	if tm.host.Network().Connectedness(p) != network.Connected {
		return nil
	}
	if err := tm.host.Network().ClosePeer(p); err != nil {
		return fmt.Errorf("closing connections with %s: %w", p, err)
	}
	return nil
}

// ListConnected returns the currently connected peers.
func (tm *transportManager) ListConnected() []peer.ID {
	return tm.host.Network().Peers()
}

// IsConnected reports whether p has a live connection.
func (tm *transportManager) IsConnected(p peer.ID) bool {
	return tm.host.Network().Connectedness(p) == network.Connected
}

// State returns the tracked lifecycle state for p.
func (tm *transportManager) State(p peer.ID) ConnState {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if rec, ok := tm.peers[p]; ok {
		return rec.state
	}
	return StateDisconnected
}

// Quality returns rolling connection metrics for p, or ErrNotConnected when
// there is no live connection.
func (tm *transportManager) Quality(p peer.ID) (Metrics, error) {
	if !tm.IsConnected(p) {
		return Metrics{}, fmt.Errorf("%w: %s", ErrNotConnected, p)
	}
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if rec, ok := tm.peers[p]; ok {
		return rec.metrics(), nil
	}
	return Metrics{}, nil
}

// LastSeen returns the time p was last observed alive.
func (tm *transportManager) LastSeen(p peer.ID) time.Time {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if rec, ok := tm.peers[p]; ok {
		return rec.lastSeen
	}
	return time.Time{}
}

func (tm *transportManager) handleConnected(_ network.Network, conn network.Conn) {
	p := conn.RemotePeer()

	tm.mu.Lock()
	rec := tm.record(p)
	rec.state = StateConnected
	rec.lastSeen = time.Now()
	rec.missedProbes = 0
	tm.mu.Unlock()

	tm.logger.Infof("[Transport] connected to %s via %s", p.ShortString(), conn.RemoteMultiaddr())
	tm.events.Publish(EventPeerConnected, PeerEventPayload{
		PeerID:  p.String(),
		Address: conn.RemoteMultiaddr().String(),
	})
	if tm.onConnected != nil {
		tm.onConnected(p)
	}
}

func (tm *transportManager) handleDisconnected(n network.Network, conn network.Conn) {
	p := conn.RemotePeer()
	if tm.onConnClosed != nil {
		tm.onConnClosed(p)
	}
	if n.Connectedness(p) == network.Connected {
		// Another connection to the same peer is still up.
		return
	}

	tm.mu.Lock()
	rec := tm.record(p)
	if rec.state != StateFailed {
		rec.state = StateDisconnected
	}
	tm.mu.Unlock()

	tm.logger.Infof("[Transport] disconnected from %s", p.ShortString())
	tm.events.Publish(EventPeerDisconnected, PeerEventPayload{PeerID: p.String()})
	if tm.onDisconnected != nil {
		tm.onDisconnected(p)
	}
}

// probeLoop pings every connected peer each probe interval. Probe timeouts
// escalate exponentially per consecutive miss; after maxMissedProbes the
// connection is declared dead and closed, which surfaces through the normal
// disconnect path.
func (tm *transportManager) probeLoop(ctx context.Context) {
	defer close(tm.probesDone)

	ticker := time.NewTicker(tm.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range tm.ListConnected() {
				tm.probe(ctx, p)
			}
		}
	}
}

func (tm *transportManager) probe(ctx context.Context, p peer.ID) {
	tm.mu.RLock()
	missed := 0
	if rec, ok := tm.peers[p]; ok {
		missed = rec.missedProbes
	}
	tm.mu.RUnlock()

	timeout := tm.config.ProbeTimeout << missed
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-tm.pinger.Ping(probeCtx, p):
		if res.Error == nil {
			tm.mu.Lock()
			rec := tm.record(p)
			rec.missedProbes = 0
			rec.lastSeen = time.Now()
			rec.recordLatency(float64(res.RTT.Microseconds()) / 1000)
			tm.mu.Unlock()
			return
		}
		tm.recordMiss(p)
	case <-probeCtx.Done():
		tm.recordMiss(p)
	}
}

func (tm *transportManager) recordMiss(p peer.ID) {
	tm.mu.Lock()
	rec := tm.record(p)
	rec.missedProbes++
	missed := rec.missedProbes
	if missed >= maxMissedProbes {
		rec.state = StateFailed
	}
	tm.mu.Unlock()

	if missed < maxMissedProbes {
		tm.logger.Debugf("[Transport] missed probe %d/%d for %s", missed, maxMissedProbes, p.ShortString())
		return
	}

	tm.logger.Warnf("[Transport] peer %s missed %d probes, closing connection", p.ShortString(), missed)
	if err := tm.host.Network().ClosePeer(p); err != nil {
		tm.logger.Errorf("[Transport] closing dead connection to %s: %v", p.ShortString(), err)
	}
}

// record returns the tracking record for p, creating it if needed.
// Caller must hold tm.mu.
func (tm *transportManager) record(p peer.ID) *peerRecord {
	rec, ok := tm.peers[p]
	if !ok {
		rec = &peerRecord{state: StateDisconnected}
		tm.peers[p] = rec
	}
	return rec
}

// classifyDialError maps libp2p dial failures onto the error taxonomy.
func classifyDialError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case isAuthError(err):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "peer id mismatch") ||
		strings.Contains(msg, "handshake") ||
		strings.Contains(msg, "security")
}
