package owlwhisper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/sync/errgroup"
)

const (
	// lookupWarmPeers is how many indexed peers nearest a lookup target get
	// a connection attempt before the query runs.
	lookupWarmPeers = 3
	// warmDialTimeout bounds each warm dial.
	warmDialTimeout = 5 * time.Second
)

// contentRecord is a locally provided content ID awaiting re-announcement.
type contentRecord struct {
	id        cid.Cid
	announced time.Time
	expires   time.Time
}

// dhtModule wraps the Kademlia DHT: peer lookup, provider records, and the
// local provide table with TTL and periodic re-announcement. The interval
// between announcements stays below the record TTL so records on remote
// nodes never lapse while we still provide the content.
type dhtModule struct {
	host   host.Host
	kad    *dht.IpfsDHT
	index  *routingIndex
	events *EventBus
	logger Logger
	config *Config

	mu       sync.Mutex
	provided map[string]*contentRecord

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newDHTModule(ctx context.Context, h host.Host, index *routingIndex, events *EventBus, logger Logger, cfg *Config) (*dhtModule, error) {
	mode := dht.Mode(dht.ModeAuto)
	switch cfg.DHTMode {
	case "server":
		mode = dht.Mode(dht.ModeServer)
	case "client":
		mode = dht.Mode(dht.ModeClient)
	}
	kad, err := dht.New(ctx, h, mode)
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}
	return &dhtModule{
		host:     h,
		kad:      kad,
		index:    index,
		events:   events,
		logger:   logger,
		config:   cfg,
		provided: make(map[string]*contentRecord),
	}, nil
}

// bootstrap seeds the routing table from the configured bootstrap peers.
// Dials run concurrently; the DHT is usable as long as at least one peer
// answered. With no bootstrap peers configured the node simply starts
// isolated and waits for inbound connections.
func (dm *dhtModule) bootstrap(ctx context.Context) error {
	if err := dm.kad.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping DHT: %w", err)
	}

	if len(dm.config.BootstrapAddresses) == 0 {
		dm.logger.Infof("[DHT] no bootstrap peers configured, starting isolated")
		return nil
	}

	var wg sync.WaitGroup
	okCh := make(chan struct{}, len(dm.config.BootstrapAddresses))

	for _, addr := range dm.config.BootstrapAddresses {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			dm.logger.Warnf("[DHT] skipping invalid bootstrap address %q: %v", addr, err)
			continue
		}
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()
			dialCtx, cancel := context.WithTimeout(ctx, dm.config.DialTimeout)
			defer cancel()
			if err := dm.host.Connect(dialCtx, info); err != nil {
				dm.logger.Warnf("[DHT] bootstrap dial to %s failed: %v", info.ID.ShortString(), err)
				return
			}
			dm.index.Update(info.ID)
			okCh <- struct{}{}
		}(*info)
	}
	wg.Wait()
	close(okCh)

	reached := 0
	for range okCh {
		reached++
	}
	dm.logger.Infof("[DHT] bootstrap complete, reached %d/%d peers", reached, len(dm.config.BootstrapAddresses))
	return nil
}

// start launches the re-announcement loop.
func (dm *dhtModule) start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	dm.cancelLoop = cancel
	dm.loopDone = make(chan struct{})
	go dm.announceLoop(loopCtx)
}

// stop halts re-announcement and shuts the DHT down.
func (dm *dhtModule) stop() error {
	if dm.cancelLoop != nil {
		dm.cancelLoop()
		<-dm.loopDone
	}
	return dm.kad.Close()
}

// FindPeer resolves the addresses of p, preferring what the peerstore
// already knows before querying the network.
func (dm *dhtModule) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	if addrs := dm.host.Peerstore().Addrs(p); len(addrs) > 0 {
		return peer.AddrInfo{ID: p, Addrs: addrs}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dm.config.LookupTimeout)
	defer cancel()

	dm.warmClosest(lookupCtx, peerKey(p))
	info, err := dm.kad.FindPeer(lookupCtx, p)
	if err != nil {
		if errors.Is(err, routing.ErrNotFound) {
			return peer.AddrInfo{}, fmt.Errorf("%w: peer %s", ErrNotFound, p)
		}
		if errors.Is(lookupCtx.Err(), context.DeadlineExceeded) {
			return peer.AddrInfo{}, fmt.Errorf("%w: looking up %s", ErrTimeout, p)
		}
		return peer.AddrInfo{}, classifyRoutingError(err, p.String())
	}
	dm.index.Update(info.ID)
	return info, nil
}

// Provide announces this node as a provider of contentID and records it
// locally for periodic re-announcement until the TTL lapses.
func (dm *dhtModule) Provide(ctx context.Context, contentID string) error {
	c, err := cidForContent(contentID)
	if err != nil {
		return err
	}

	announceCtx, cancel := context.WithTimeout(ctx, dm.config.LookupTimeout)
	defer cancel()

	if err := dm.kad.Provide(announceCtx, c, true); err != nil {
		return classifyRoutingError(err, contentID)
	}

	now := time.Now()
	dm.mu.Lock()
	dm.provided[contentID] = &contentRecord{
		id:        c,
		announced: now,
		expires:   now.Add(dm.config.ProvideTTL),
	}
	dm.mu.Unlock()

	dm.logger.Infof("[DHT] providing %s as %s", contentID, c)
	return nil
}

// StopProviding drops the local record so the content stops being
// re-announced. Remote provider records lapse on their own TTL.
func (dm *dhtModule) StopProviding(contentID string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.provided, contentID)
}

// Provided lists the content IDs currently being announced.
func (dm *dhtModule) Provided() []string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	out := make([]string, 0, len(dm.provided))
	for id := range dm.provided {
		out = append(out, id)
	}
	return out
}

// FindProviders queries the network for providers of contentID, up to limit.
// The local node is excluded from the results. Each provider found is also
// published as a ProviderFound event.
func (dm *dhtModule) FindProviders(ctx context.Context, contentID string, limit int) ([]peer.AddrInfo, error) {
	c, err := cidForContent(contentID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dm.config.LookupTimeout)
	defer cancel()

	dm.warmClosest(lookupCtx, contentKey(contentID))
	var out []peer.AddrInfo
	for info := range dm.kad.FindProvidersAsync(lookupCtx, c, limit) {
		if info.ID == dm.host.ID() || info.ID == "" {
			continue
		}
		dm.index.Update(info.ID)
		out = append(out, info)
		dm.events.Publish(EventProviderFound, ProviderFoundPayload{
			ContentID: contentID,
			PeerID:    info.ID.String(),
		})
	}

	if len(out) == 0 && errors.Is(lookupCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// The async query drains silently on timeout; report it.
		return nil, fmt.Errorf("%w: finding providers for %s", ErrTimeout, contentID)
	}
	return out, nil
}

// warmClosest dials the indexed peers nearest target so the query walk
// starts from live connections instead of cold routing table entries. Best
// effort: dial failures only cost the timeout.
func (dm *dhtModule) warmClosest(ctx context.Context, target routingKey) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range dm.index.Closest(target, lookupWarmPeers) {
		if dm.host.Network().Connectedness(p) == network.Connected {
			continue
		}
		addrs := dm.host.Peerstore().Addrs(p)
		if len(addrs) == 0 {
			continue
		}
		info := peer.AddrInfo{ID: p, Addrs: addrs}
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, warmDialTimeout)
			defer cancel()
			if err := dm.host.Connect(dialCtx, info); err != nil {
				dm.logger.Debugf("[DHT] warm dial to %s failed: %v", info.ID.ShortString(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RoutingTableSize returns the number of peers in the DHT routing table.
func (dm *dhtModule) RoutingTableSize() int {
	return dm.kad.RoutingTable().Size()
}

// announceLoop re-announces provided content and expires lapsed records.
func (dm *dhtModule) announceLoop(ctx context.Context) {
	defer close(dm.loopDone)

	ticker := time.NewTicker(dm.config.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.reannounce(ctx)
		}
	}
}

func (dm *dhtModule) reannounce(ctx context.Context) {
	now := time.Now()

	dm.mu.Lock()
	due := make(map[string]*contentRecord, len(dm.provided))
	for id, rec := range dm.provided {
		if now.After(rec.expires) {
			dm.logger.Debugf("[DHT] provide record for %s expired", id)
			delete(dm.provided, id)
			continue
		}
		due[id] = rec
	}
	dm.mu.Unlock()

	for id, rec := range due {
		announceCtx, cancel := context.WithTimeout(ctx, dm.config.LookupTimeout)
		err := dm.kad.Provide(announceCtx, rec.id, true)
		cancel()
		if err != nil {
			dm.logger.Warnf("[DHT] re-announcing %s failed: %v", id, err)
			continue
		}
		dm.mu.Lock()
		if cur, ok := dm.provided[id]; ok {
			cur.announced = time.Now()
		}
		dm.mu.Unlock()
	}
}

// cidForContent accepts either a valid CID string or an arbitrary
// application identifier, which is hashed into a CIDv1 raw codec.
func cidForContent(contentID string) (cid.Cid, error) {
	if contentID == "" {
		return cid.Undef, fmt.Errorf("%w: empty content ID", ErrNotFound)
	}
	if c, err := cid.Decode(contentID); err == nil {
		return c, nil
	}
	h, err := mh.Sum([]byte(contentID), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing content ID: %w", err)
	}
	return cid.NewCidV1(cid.Raw, h), nil
}

// classifyRoutingError maps DHT query failures onto the error taxonomy.
func classifyRoutingError(err error, subject string) error {
	msg := err.Error()
	if strings.Contains(msg, "failed to find any peer in table") ||
		strings.Contains(msg, "no addresses") {
		return fmt.Errorf("%w: %s: %v", ErrNoRoute, subject, err)
	}
	if errors.Is(err, routing.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, subject)
	}
	return fmt.Errorf("%w: %s: %v", ErrNoRoute, subject, err)
}
