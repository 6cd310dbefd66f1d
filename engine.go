package owlwhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
)

// Engine is the single entry point to the messaging core. It owns the
// libp2p host and every subsystem: identity, transport, protected peers,
// DHT, messaging, and the event queue. Multiple engines can coexist in one
// process; nothing here is global.
//
// An Engine is inert until Start and unusable after Stop. Every operation on
// a stopped engine returns ErrNotStarted.
type Engine struct {
	logger Logger
	config Config

	mu       sync.RWMutex
	started  bool
	identity *Identity

	host      host.Host
	events    *EventBus
	index     *routingIndex
	transport *transportManager
	sessions  *sessionManager
	history   *HistoryStore
	protected *protectedRegistry
	dht       *dhtModule
	messaging *messagingService
	presence  *presenceService
	cache     *PeerCache
	gater     *ConnectionGater

	cancel context.CancelFunc
}

// NewEngine builds an engine from config. The identity is resolved here so
// MyPeerID works before Start: PrivateKeyHex wins over IdentityFile, and with
// neither set a fresh identity is generated (and persisted if IdentityFile
// names a path).
func NewEngine(logger Logger, config Config) (*Engine, error) {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	config.applyDefaults()

	if config.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		config.DataDir = filepath.Join(home, ".owlwhisper")
	}

	var ident *Identity
	var err error
	switch {
	case config.PrivateKeyHex != "":
		ident, err = IdentityFromHex(config.PrivateKeyHex)
	case config.IdentityFile != "":
		ident, err = LoadOrCreateIdentity(config.IdentityFile)
	default:
		ident, err = LoadOrCreateIdentity(filepath.Join(config.DataDir, "identity.key"))
	}
	if err != nil {
		return nil, err
	}

	return &Engine{
		logger:   logger,
		config:   config,
		identity: ident,
	}, nil
}

// NewEngineWithIdentity builds an engine around an existing identity,
// ignoring the key material fields of config.
func NewEngineWithIdentity(logger Logger, config Config, ident *Identity) (*Engine, error) {
	if ident == nil {
		return nil, fmt.Errorf("%w: nil identity", ErrInvalidKeyMaterial)
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}
	config.applyDefaults()
	if config.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		config.DataDir = filepath.Join(home, ".owlwhisper")
	}
	return &Engine{logger: logger, config: config, identity: ident}, nil
}

// Start brings the node online: builds the host, joins the DHT, restores
// protected peers and the peer cache, and launches the background loops.
// Starting a started engine returns ErrAlreadyStarted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	if err := os.MkdirAll(e.config.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	ok := false
	defer func() {
		if !ok {
			cancel()
			e.teardownLocked()
		}
	}()

	e.events = NewEventBus()
	e.index = newRoutingIndex(
		e.identity.PeerID(),
		e.config.BucketCapacity,
		func(p peer.ID) bool { return e.protected != nil && e.protected.Is(p) },
	)
	e.index.onEvictionFault = func(op, msg string) {
		e.events.Publish(EventError, ErrorPayload{Op: op, Message: msg})
	}
	e.cache = NewPeerCache()
	if e.config.EnablePeerCache {
		loaded, err := LoadPeerCache(e.peerCachePath())
		if err != nil {
			e.logger.Warnf("[Engine] loading peer cache: %v", err)
		} else {
			e.cache = loaded
		}
	}

	h, err := e.buildHost(ctx)
	if err != nil {
		return err
	}
	e.host = h

	history, err := NewHistoryStore(filepath.Join(e.config.DataDir, "history.db"), e.config.HistoryRetention, e.logger)
	if err != nil {
		return err
	}
	e.history = history

	e.transport = newTransportManager(h, e.events, e.logger, &e.config)
	e.sessions = newSessionManager(h, e.identity, e.logger)
	e.protected = newProtectedRegistry(e.transport, e.events, e.logger, &e.config)
	e.protected.index = e.index
	e.protected.SetAutoReconnect(e.config.AutoReconnect)
	if err := e.protected.load(e.protectedPath()); err != nil {
		e.logger.Warnf("[Engine] loading protected peers: %v", err)
	}
	for _, p := range e.protected.List() {
		e.index.Update(p)
	}

	e.transport.onConnected = func(p peer.ID) {
		e.protected.peerConnected(p)
		e.index.Update(p)
		addrs := make([]string, 0)
		for _, a := range h.Peerstore().Addrs(p) {
			addrs = append(addrs, a.String())
		}
		e.cache.Observe(p, addrs, true)
	}
	e.transport.onDisconnected = func(p peer.ID) {
		e.sessions.drop(p)
	}
	e.transport.onConnClosed = func(p peer.ID) {
		if e.gater != nil {
			e.gater.connectionClosed(p)
		}
	}
	e.transport.onDialFailed = func(p peer.ID) {
		e.cache.Observe(p, nil, false)
	}

	dhtMod, err := newDHTModule(ctx, h, e.index, e.events, e.logger, &e.config)
	if err != nil {
		return err
	}
	e.dht = dhtMod
	if err := e.dht.bootstrap(ctx); err != nil {
		return err
	}

	e.messaging = newMessagingService(h, e.sessions, e.transport, e.history, e.events, e.logger)

	if e.config.EnablePresence {
		pres, err := newPresenceService(runCtx, h, e.index, e.cache, e.logger, &e.config)
		if err != nil {
			return fmt.Errorf("starting presence: %w", err)
		}
		e.presence = pres
		e.presence.start(runCtx)
	}

	e.transport.start(runCtx)
	e.protected.start(runCtx)
	e.dht.start(runCtx)

	if e.config.EnablePeerCache {
		go e.seedFromCache(runCtx)
	}

	e.started = true
	ok = true
	e.logger.Infof("[Engine] %s started as %s, listening on %v", e.config.ProcessName, e.identity.PeerID(), h.Addrs())
	return nil
}

// Stop takes the node offline, persisting protected peers and the peer
// cache, and closes the event queue. Stopping a stopped engine returns
// ErrNotStarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotStarted
	}
	e.started = false

	if err := e.protected.save(e.protectedPath()); err != nil {
		e.logger.Warnf("[Engine] saving protected peers: %v", err)
	}
	if e.config.EnablePeerCache {
		e.cache.Prune(e.config.MaxCachedPeers, e.config.PeerCacheTTL)
		if err := e.cache.Save(e.peerCachePath()); err != nil {
			e.logger.Warnf("[Engine] saving peer cache: %v", err)
		}
	}

	e.cancel()
	e.teardownLocked()
	e.logger.Infof("[Engine] %s stopped", e.config.ProcessName)
	return nil
}

// cacheSeedLimit is how many cached peers get redialed on startup.
const cacheSeedLimit = 10

// seedFromCache redials the best-ranked cached peers so a restarted node
// rejoins its previous neighborhood without waiting for fresh discovery.
// Failures feed back into the cache through the transport's dial hook.
func (e *Engine) seedFromCache(ctx context.Context) {
	for _, cp := range e.cache.BestPeers(cacheSeedLimit, e.config.PeerCacheTTL) {
		if ctx.Err() != nil {
			return
		}
		info, err := cp.AddrInfo()
		if err != nil {
			e.logger.Debugf("[Engine] skipping cached peer %s: %v", cp.ID, err)
			continue
		}
		if info.ID == e.identity.PeerID() || e.transport.IsConnected(info.ID) {
			continue
		}
		if err := e.transport.Connect(ctx, info.ID, info.Addrs); err != nil {
			e.logger.Debugf("[Engine] cached peer %s not reachable: %v", info.ID.ShortString(), err)
		}
	}
}

// teardownLocked stops loops and releases resources. Caller holds e.mu.
func (e *Engine) teardownLocked() {
	if e.presence != nil {
		e.presence.stop()
		e.presence = nil
	}
	if e.protected != nil {
		e.protected.stop()
	}
	if e.transport != nil {
		e.transport.stop()
	}
	if e.dht != nil {
		if err := e.dht.stop(); err != nil {
			e.logger.Warnf("[Engine] closing DHT: %v", err)
		}
		e.dht = nil
	}
	if e.host != nil {
		if err := e.host.Close(); err != nil {
			e.logger.Warnf("[Engine] closing host: %v", err)
		}
		e.host = nil
	}
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			e.logger.Warnf("[Engine] closing history: %v", err)
		}
		e.history = nil
	}
	if e.events != nil {
		e.events.Close()
	}
}

func (e *Engine) buildHost(ctx context.Context) (host.Host, error) {
	listenAddrs := make([]ma.Multiaddr, 0, len(e.config.ListenAddresses))
	for _, ip := range e.config.ListenAddresses {
		addr, err := ma.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, ip, e.config.Port))
		if err != nil {
			return nil, fmt.Errorf("building listen address for %q: %w", ip, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}

	mgr, err := connmgr.NewConnManager(connLowWater, connHighWater, connmgr.WithGracePeriod(connGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("creating connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(e.identity.privKey()),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(mgr),
	}

	if len(e.config.AdvertiseAddresses) > 0 {
		advertise := e.config.AdvertiseAddresses[0]
		opts = append(opts, libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
			return buildAdvertiseAddrs(addrs, advertise)
		}))
	}
	if e.config.EnableConnGater {
		e.gater = NewConnectionGater(e.logger, e.config.MaxConnsPerPeer, func(p peer.ID) bool {
			e.mu.RLock()
			defer e.mu.RUnlock()
			return e.protected != nil && e.protected.Is(p)
		})
		opts = append(opts, libp2p.ConnectionGater(e.gater))
	}
	if e.config.EnableAutoRelay && len(e.config.StaticRelays) > 0 {
		relays := make([]peer.AddrInfo, 0, len(e.config.StaticRelays))
		for _, s := range e.config.StaticRelays {
			info, err := peer.AddrInfoFromString(s)
			if err != nil {
				return nil, fmt.Errorf("parsing static relay %q: %w", s, err)
			}
			relays = append(relays, *info)
		}
		opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays(relays))
	}
	if e.config.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	if e.config.EnableNATPortMap {
		opts = append(opts, libp2p.NATPortMap())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating host: %w", err)
	}
	return h, nil
}

func (e *Engine) protectedPath() string {
	return filepath.Join(e.config.DataDir, "protected.json")
}

func (e *Engine) peerCachePath() string {
	if e.config.PeerCacheFile != "" {
		return e.config.PeerCacheFile
	}
	return filepath.Join(e.config.DataDir, "peers.json")
}

// guard returns ErrNotStarted unless the engine is running. Operations that
// dereference a subsystem torn down by Stop must not rely on guard alone: a
// concurrent Stop can nil the field right after guard returns. Those use
// runningDHT/runningHost, which snapshot the pointer under the same lock
// that checks started, the way NextEvent snapshots the event bus.
func (e *Engine) guard() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// runningDHT returns the DHT module iff the engine is running.
func (e *Engine) runningDHT() (*dhtModule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started || e.dht == nil {
		return nil, ErrNotStarted
	}
	return e.dht, nil
}

// runningHost returns the libp2p host iff the engine is running.
func (e *Engine) runningHost() (host.Host, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started || e.host == nil {
		return nil, ErrNotStarted
	}
	return e.host, nil
}

// MyPeerID returns this engine's stable peer identifier. Available before
// Start because the identity is resolved at construction.
func (e *Engine) MyPeerID() peer.ID {
	return e.identity.PeerID()
}

// PublicKey returns the identity's public key in libp2p wire form.
func (e *Engine) PublicKey() ([]byte, error) {
	return crypto.MarshalPublicKey(e.identity.PublicKey())
}

// Addresses returns the multiaddrs the node is listening on, including the
// peer ID component.
func (e *Engine) Addresses() ([]string, error) {
	h, err := e.runningHost()
	if err != nil {
		return nil, err
	}
	info := peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil, fmt.Errorf("building addresses: %w", err)
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out, nil
}

// Connect dials a peer given its multiaddrs (all must carry the same /p2p
// component).
func (e *Engine) Connect(ctx context.Context, addrs []string) error {
	if err := e.guard(); err != nil {
		return err
	}
	p, maddrs, err := parsePeerAddrs(addrs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return e.transport.Connect(ctx, p, maddrs)
}

// ConnectPeer dials a peer by ID, resolving addresses through the peerstore
// or the DHT.
func (e *Engine) ConnectPeer(ctx context.Context, p peer.ID) error {
	dht, err := e.runningDHT()
	if err != nil {
		return err
	}
	info, err := dht.FindPeer(ctx, p)
	if err != nil {
		return err
	}
	return e.transport.Connect(ctx, p, info.Addrs)
}

// Disconnect closes all connections with p. No-op when not connected.
func (e *Engine) Disconnect(p peer.ID) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.transport.Disconnect(p)
}

// ConnectedPeers returns the peers with live connections.
func (e *Engine) ConnectedPeers() ([]peer.ID, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.transport.ListConnected(), nil
}

// ConnectionState returns the lifecycle state tracked for p.
func (e *Engine) ConnectionState(p peer.ID) (ConnState, error) {
	if err := e.guard(); err != nil {
		return StateDisconnected, err
	}
	return e.transport.State(p), nil
}

// ConnectionQuality returns rolling latency/throughput metrics for p.
func (e *Engine) ConnectionQuality(p peer.ID) (Metrics, error) {
	if err := e.guard(); err != nil {
		return Metrics{}, err
	}
	return e.transport.Quality(p)
}

// AddProtectedPeer pins p: it is exempt from routing index eviction and
// connection pruning and, while auto-reconnect is on, redialed after drops.
func (e *Engine) AddProtectedPeer(p peer.ID) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.protected.Add(p)
	e.index.Update(p)
	return nil
}

// RemoveProtectedPeer unpins p. No-op for non-members.
func (e *Engine) RemoveProtectedPeer(p peer.ID) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.protected.Remove(p)
	return nil
}

// IsProtectedPeer reports whether p is pinned.
func (e *Engine) IsProtectedPeer(p peer.ID) (bool, error) {
	if err := e.guard(); err != nil {
		return false, err
	}
	return e.protected.Is(p), nil
}

// ProtectedPeers lists the pinned peers.
func (e *Engine) ProtectedPeers() ([]peer.ID, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.protected.List(), nil
}

// SetAutoReconnect toggles reconciliation of disconnected protected peers.
func (e *Engine) SetAutoReconnect(on bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.protected.SetAutoReconnect(on)
	return nil
}

// ReconnectAttempts returns the consecutive failed reconnect count for p.
func (e *Engine) ReconnectAttempts(p peer.ID) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.protected.Attempts(p), nil
}

// SendMessage encrypts and delivers payload to p, recording it in history.
// Returns the message ID.
func (e *Engine) SendMessage(ctx context.Context, p peer.ID, payload []byte) (string, error) {
	if err := e.guard(); err != nil {
		return "", err
	}
	return e.messaging.Send(ctx, p, payload)
}

// Broadcast sends payload to every connected peer and reports the per-peer
// outcome. A nil map entry means that peer's send succeeded.
func (e *Engine) Broadcast(ctx context.Context, payload []byte) (map[peer.ID]error, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.messaging.Broadcast(ctx, e.transport.ListConnected(), payload), nil
}

// History returns up to limit most recent messages exchanged with p,
// chronologically ordered.
func (e *Engine) History(p peer.ID, limit int) ([]ChatMessage, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.messaging.History(p, limit)
}

// FindPeer resolves the current addresses of p via peerstore or DHT lookup.
func (e *Engine) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	dht, err := e.runningDHT()
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return dht.FindPeer(ctx, p)
}

// ProvideContent announces this node as a provider of contentID and keeps
// re-announcing it until the TTL lapses or StopProviding is called.
func (e *Engine) ProvideContent(ctx context.Context, contentID string) error {
	dht, err := e.runningDHT()
	if err != nil {
		return err
	}
	return dht.Provide(ctx, contentID)
}

// StopProviding ends re-announcement of contentID.
func (e *Engine) StopProviding(contentID string) error {
	dht, err := e.runningDHT()
	if err != nil {
		return err
	}
	dht.StopProviding(contentID)
	return nil
}

// FindProviders looks up peers providing contentID, excluding this node.
func (e *Engine) FindProviders(ctx context.Context, contentID string, limit int) ([]peer.AddrInfo, error) {
	dht, err := e.runningDHT()
	if err != nil {
		return nil, err
	}
	return dht.FindProviders(ctx, contentID, limit)
}

// RoutingTableSize returns the DHT routing table population.
func (e *Engine) RoutingTableSize() (int, error) {
	dht, err := e.runningDHT()
	if err != nil {
		return 0, err
	}
	return dht.RoutingTableSize(), nil
}

// SetupAutoRelay eagerly connects to the configured static relays so relay
// reservations can form without waiting for discovery. Best effort.
func (e *Engine) SetupAutoRelay(ctx context.Context) error {
	h, err := e.runningHost()
	if err != nil {
		return err
	}
	for _, s := range e.config.StaticRelays {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			e.logger.Warnf("[Engine] skipping invalid relay %q: %v", s, err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			e.logger.Warnf("[Engine] connecting to relay %s: %v", info.ID.ShortString(), err)
		}
	}
	return nil
}

// NextEvent blocks until an event is available or ctx expires. Events come
// out in publication order and are never dropped.
func (e *Engine) NextEvent(ctx context.Context) (Event, error) {
	e.mu.RLock()
	bus := e.events
	started := e.started
	e.mu.RUnlock()
	if !started || bus == nil {
		return Event{}, ErrNotStarted
	}
	return bus.Next(ctx)
}

// NextEventJSON is NextEvent serialized for embedding callers.
func (e *Engine) NextEventJSON(ctx context.Context) (string, error) {
	ev, err := e.NextEvent(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return "", fmt.Errorf("marshaling event: %w", err)
	}
	return string(data), nil
}

// BlockPeer temporarily refuses connections with p. Requires the gater.
func (e *Engine) BlockPeer(p peer.ID, d time.Duration) error {
	if err := e.guard(); err != nil {
		return err
	}
	if e.gater == nil {
		return fmt.Errorf("connection gater not enabled")
	}
	e.gater.BlockPeer(p, d)
	return nil
}

// UnblockPeer lifts a temporary block early.
func (e *Engine) UnblockPeer(p peer.ID) error {
	if err := e.guard(); err != nil {
		return err
	}
	if e.gater == nil {
		return fmt.Errorf("connection gater not enabled")
	}
	e.gater.UnblockPeer(p)
	return nil
}

// CachedPeers returns the best-ranked peers remembered across restarts.
func (e *Engine) CachedPeers(limit int) ([]CachedPeer, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.cache.BestPeers(limit, e.config.PeerCacheTTL), nil
}

// ClearPeerCache empties the peer cache.
func (e *Engine) ClearPeerCache() error {
	if err := e.guard(); err != nil {
		return err
	}
	e.cache.Clear()
	return nil
}

// Connection manager watermarks: pruning starts above the high water mark and
// trims down to the low one, sparing tagged (protected) peers. New connections
// are exempt for the grace period.
const (
	connLowWater    = 64
	connHighWater   = 256
	connGracePeriod = time.Minute
)

// connectionLimits is the JSON shape returned by ConnectionLimitsJSON.
type connectionLimits struct {
	LowWater        int    `json:"low_water"`
	HighWater       int    `json:"high_water"`
	GracePeriod     string `json:"grace_period"`
	MaxConnsPerPeer int    `json:"max_conns_per_peer"`
	GaterEnabled    bool   `json:"gater_enabled"`
}

// ConnectionLimitsJSON describes the connection pruning policy in effect.
func (e *Engine) ConnectionLimitsJSON() (string, error) {
	if err := e.guard(); err != nil {
		return "", err
	}
	limits := connectionLimits{
		LowWater:        connLowWater,
		HighWater:       connHighWater,
		GracePeriod:     connGracePeriod.String(),
		MaxConnsPerPeer: e.config.MaxConnsPerPeer,
		GaterEnabled:    e.gater != nil,
	}
	data, err := json.Marshal(&limits)
	if err != nil {
		return "", fmt.Errorf("marshaling limits: %w", err)
	}
	return string(data), nil
}

// networkStats is the JSON shape returned by NetworkStatsJSON.
type networkStats struct {
	PeerID           string `json:"peer_id"`
	ConnectedPeers   int    `json:"connected_peers"`
	ProtectedPeers   int    `json:"protected_peers"`
	RoutingTableSize int    `json:"routing_table_size"`
	IndexedPeers     int    `json:"indexed_peers"`
	ProvidedContent  int    `json:"provided_content"`
	CachedPeers      int    `json:"cached_peers"`
	AutoReconnect    bool   `json:"auto_reconnect"`
}

// NetworkStatsJSON summarizes the node state for embedding callers.
func (e *Engine) NetworkStatsJSON() (string, error) {
	dht, err := e.runningDHT()
	if err != nil {
		return "", err
	}
	stats := networkStats{
		PeerID:           e.MyPeerID().String(),
		ConnectedPeers:   len(e.transport.ListConnected()),
		ProtectedPeers:   len(e.protected.List()),
		RoutingTableSize: dht.RoutingTableSize(),
		IndexedPeers:     e.index.Size(),
		ProvidedContent:  len(dht.Provided()),
		CachedPeers:      e.cache.Count(),
		AutoReconnect:    e.protected.AutoReconnect(),
	}
	data, err := json.Marshal(&stats)
	if err != nil {
		return "", fmt.Errorf("marshaling stats: %w", err)
	}
	return string(data), nil
}

// connectedPeerView is one entry of ConnectedPeersJSON.
type connectedPeerView struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
	Protected bool     `json:"protected"`
	LastSeen  string   `json:"last_seen,omitempty"`
}

// ConnectedPeersJSON lists live connections for embedding callers.
func (e *Engine) ConnectedPeersJSON() (string, error) {
	h, err := e.runningHost()
	if err != nil {
		return "", err
	}
	peers := e.transport.ListConnected()
	views := make([]connectedPeerView, 0, len(peers))
	for _, p := range peers {
		v := connectedPeerView{
			PeerID:    p.String(),
			Protected: e.protected.Is(p),
		}
		for _, a := range h.Peerstore().Addrs(p) {
			v.Addresses = append(v.Addresses, a.String())
		}
		if ls := e.transport.LastSeen(p); !ls.IsZero() {
			v.LastSeen = ls.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	data, err := json.Marshal(views)
	if err != nil {
		return "", fmt.Errorf("marshaling peers: %w", err)
	}
	return string(data), nil
}

// ConnectionQualityJSON returns quality metrics for p as JSON.
func (e *Engine) ConnectionQualityJSON(p peer.ID) (string, error) {
	m, err := e.ConnectionQuality(p)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("marshaling quality: %w", err)
	}
	return string(data), nil
}

// HistoryJSON returns the conversation with p as JSON.
func (e *Engine) HistoryJSON(p peer.ID, limit int) (string, error) {
	msgs, err := e.History(p, limit)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshaling history: %w", err)
	}
	return string(data), nil
}
