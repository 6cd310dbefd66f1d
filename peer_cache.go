package owlwhisper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// peerCacheVersion guards the on-disk cache format.
	peerCacheVersion = 2

	// DefaultCacheTTL is how long a cached peer stays eligible without
	// being seen again.
	DefaultCacheTTL = 30 * 24 * time.Hour

	// DefaultMaxCachedPeers caps the cache size after pruning.
	DefaultMaxCachedPeers = 100
)

// CachedPeer is a peer remembered across restarts, with enough bookkeeping to
// rank it for reconnection.
type CachedPeer struct {
	ID            string    `json:"id"`
	Addresses     []string  `json:"addresses"`
	LastSeen      time.Time `json:"last_seen"`
	LastConnected time.Time `json:"last_connected"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	Healthy       bool      `json:"healthy"`
}

// AddrInfo converts the cached entry back into a dialable peer.AddrInfo.
// Entries with an unparseable ID or no valid addresses return an error.
func (cp *CachedPeer) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(cp.ID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("decoding cached peer ID: %w", err)
	}
	addrs := make([]ma.Multiaddr, 0, len(cp.Addresses))
	for _, s := range cp.Addresses {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return peer.AddrInfo{}, fmt.Errorf("cached peer %s has no valid addresses", cp.ID)
	}
	return peer.AddrInfo{ID: id, Addrs: addrs}, nil
}

// PeerCache persists known peers so a restarted engine can rejoin the network
// without waiting on fresh discovery.
type PeerCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedPeer
}

// peerCacheFile is the serialized form of the cache.
type peerCacheFile struct {
	Version int          `json:"version"`
	Peers   []CachedPeer `json:"peers"`
}

// NewPeerCache returns an empty cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{entries: make(map[string]*CachedPeer)}
}

// LoadPeerCache reads a cache from disk. A missing file or a version
// mismatch yields an empty cache rather than an error.
func LoadPeerCache(path string) (*PeerCache, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if os.IsNotExist(err) {
		return NewPeerCache(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading peer cache: %w", err)
	}

	var file peerCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing peer cache: %w", err)
	}
	if file.Version != peerCacheVersion {
		return NewPeerCache(), nil
	}

	pc := NewPeerCache()
	for i := range file.Peers {
		cp := file.Peers[i]
		pc.entries[cp.ID] = &cp
	}
	return pc, nil
}

// Save writes the cache atomically (temp file then rename).
func (pc *PeerCache) Save(path string) error {
	pc.mu.RLock()
	file := peerCacheFile{Version: peerCacheVersion, Peers: make([]CachedPeer, 0, len(pc.entries))}
	for _, cp := range pc.entries {
		file.Peers = append(file.Peers, *cp)
	}
	pc.mu.RUnlock()

	sort.Slice(file.Peers, func(i, j int) bool { return file.Peers[i].ID < file.Peers[j].ID })

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating peer cache directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling peer cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing peer cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming peer cache: %w", err)
	}
	return nil
}

// Observe records an encounter with a peer. connected marks whether the
// encounter was a successful connection; a success resets the failure count.
func (pc *PeerCache) Observe(p peer.ID, addrs []string, connected bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	id := p.String()
	now := time.Now()

	cp, ok := pc.entries[id]
	if !ok {
		cp = &CachedPeer{ID: id}
		pc.entries[id] = cp
	}
	cp.LastSeen = now
	if len(addrs) > 0 {
		cp.Addresses = addrs
	}
	if connected {
		cp.LastConnected = now
		cp.Successes++
		cp.Failures = 0
		cp.Healthy = true
	} else {
		cp.Failures++
		if cp.Failures >= 5 {
			cp.Healthy = false
		}
	}
}

// Seen refreshes last-seen bookkeeping for a peer observed passively, with
// no connection attempt involved.
func (pc *PeerCache) Seen(p peer.ID, addrs []string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	id := p.String()
	cp, ok := pc.entries[id]
	if !ok {
		cp = &CachedPeer{ID: id}
		pc.entries[id] = cp
	}
	cp.LastSeen = time.Now()
	if len(addrs) > 0 {
		cp.Addresses = addrs
	}
}

// BestPeers returns up to limit entries ranked by reliability and recency,
// skipping entries older than ttl or with too many consecutive failures.
func (pc *PeerCache) BestPeers(limit int, ttl time.Duration) []CachedPeer {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	ranked := make([]CachedPeer, 0, len(pc.entries))
	for _, cp := range pc.entries {
		if cp.LastSeen.After(cutoff) && cp.Failures < 5 {
			ranked = append(ranked, *cp)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if (ranked[i].Successes > 0) != (ranked[j].Successes > 0) {
			return ranked[i].Successes > 0
		}
		ri := float64(ranked[i].Successes) / float64(ranked[i].Successes+ranked[i].Failures+1)
		rj := float64(ranked[j].Successes) / float64(ranked[j].Successes+ranked[j].Failures+1)
		if ri != rj {
			return ri > rj
		}
		return ranked[i].LastConnected.After(ranked[j].LastConnected)
	})

	if limit < len(ranked) {
		ranked = ranked[:limit]
	}
	return ranked
}

// HealthyPeers returns the entries currently marked healthy.
func (pc *PeerCache) HealthyPeers() []CachedPeer {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	out := make([]CachedPeer, 0, len(pc.entries))
	for _, cp := range pc.entries {
		if cp.Healthy {
			out = append(out, *cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune drops stale and persistently failing entries, then trims the cache
// to maxPeers keeping the best-ranked ones.
func (pc *PeerCache) Prune(maxPeers int, ttl time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for id, cp := range pc.entries {
		if !cp.LastSeen.After(cutoff) || cp.Failures >= 10 {
			delete(pc.entries, id)
		}
	}

	if len(pc.entries) <= maxPeers {
		return
	}
	ranked := make([]*CachedPeer, 0, len(pc.entries))
	for _, cp := range pc.entries {
		ranked = append(ranked, cp)
	}
	sort.Slice(ranked, func(i, j int) bool {
		ri := float64(ranked[i].Successes) / float64(ranked[i].Successes+ranked[i].Failures+1)
		rj := float64(ranked[j].Successes) / float64(ranked[j].Successes+ranked[j].Failures+1)
		if ri != rj {
			return ri > rj
		}
		return ranked[i].LastConnected.After(ranked[j].LastConnected)
	})
	for _, cp := range ranked[maxPeers:] {
		delete(pc.entries, cp.ID)
	}
}

// Count returns the number of cached entries.
func (pc *PeerCache) Count() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.entries)
}

// Remove drops a single entry.
func (pc *PeerCache) Remove(p peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.entries, p.String())
}

// Clear empties the cache.
func (pc *PeerCache) Clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.entries = make(map[string]*CachedPeer)
}
