package owlwhisper

import (
	"time"
)

const (
	// chatProtocolID identifies the direct-message protocol.
	chatProtocolID = "/owlwhisper/chat/1.0.0"
	// keyExchangeProtocolID identifies the per-connection session key
	// exchange protocol.
	keyExchangeProtocolID = "/owlwhisper/keyx/1.0.0"
	// presenceTopic is the gossip topic used for liveness announcements.
	presenceTopic = "owlwhisper.presence.v1"

	multiAddrIPTemplate = "/ip4/%s/tcp/%d"
)

const (
	// DefaultProbeInterval is the base interval between liveness probes.
	DefaultProbeInterval = 15 * time.Second
	// DefaultProbeTimeout is the timeout for the first probe; it doubles for
	// each consecutive miss.
	DefaultProbeTimeout = 5 * time.Second
	// maxMissedProbes is the number of consecutive failed probes after which
	// a connected peer is considered failed.
	maxMissedProbes = 3
	// qualityWindow is the number of round-trip samples in the rolling
	// quality average.
	qualityWindow = 20

	// DefaultReconcileInterval is how often the protected-peer reconciliation
	// loop wakes up.
	DefaultReconcileInterval = 10 * time.Second
	// DefaultBackoffBase is the first reconnect backoff interval.
	DefaultBackoffBase = 5 * time.Second
	// DefaultBackoffMax caps the reconnect backoff.
	DefaultBackoffMax = 5 * time.Minute

	// DefaultProvideTTL is how long a provider record is considered valid.
	DefaultProvideTTL = 15 * time.Minute
	// DefaultAnnounceInterval is how often local provider records are
	// re-announced. Must stay below DefaultProvideTTL to tolerate churn.
	DefaultAnnounceInterval = 5 * time.Minute

	// DefaultLookupTimeout bounds DHT lookups that were given no deadline.
	DefaultLookupTimeout = 30 * time.Second
	// DefaultDialTimeout bounds connection attempts that were given no
	// deadline.
	DefaultDialTimeout = 20 * time.Second

	// DefaultBucketCapacity is the per-bucket capacity of the local routing
	// index.
	DefaultBucketCapacity = 20

	// DefaultHistoryRetention is the per-peer message count kept in history
	// before the oldest delivered entries get truncated.
	DefaultHistoryRetention = 1000

	// DefaultPresenceInterval is how often a presence announcement is
	// published.
	DefaultPresenceInterval = 30 * time.Second
)

// ConnState describes the connection state of a known peer.
type ConnState string

// Connection states. Transitions drive PeerConnected/PeerDisconnected events.
const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// Config defines the configuration parameters for an engine instance.
// Zero values are replaced by the documented defaults on Start.
type Config struct {
	ProcessName        string        // Identifier for this engine in logs
	ListenAddresses    []string      // IPs to listen on for incoming connections
	Port               int           // TCP port for incoming connections (0 picks a random port)
	AdvertiseAddresses []string      // Addresses advertised to other peers, "host[:port]" form
	BootstrapAddresses []string      // Multiaddrs of bootstrap peers; defaults to the public DHT bootstrap set
	PrivateKeyHex      string        // Hex-encoded identity key; generated when empty and no IdentityFile exists
	IdentityFile       string        // Path for identity persistence; ignored when PrivateKeyHex is set
	DataDir            string        // Directory for history and cache files (default: os.UserHomeDir()/.owlwhisper)

	DHTMode            string        // "server", "client" or "" (auto)
	BucketCapacity     int           // Routing index bucket capacity (default: DefaultBucketCapacity)
	ProvideTTL         time.Duration // Provider record TTL (default: DefaultProvideTTL)
	AnnounceInterval   time.Duration // Provider re-announce interval (default: DefaultAnnounceInterval)
	LookupTimeout      time.Duration // Default DHT lookup timeout (default: DefaultLookupTimeout)

	DialTimeout        time.Duration // Default connect timeout (default: DefaultDialTimeout)
	ProbeInterval      time.Duration // Liveness probe interval (default: DefaultProbeInterval)
	ProbeTimeout       time.Duration // First-probe timeout (default: DefaultProbeTimeout)

	ReconcileInterval  time.Duration // Protected-peer reconciliation tick (default: DefaultReconcileInterval)
	BackoffBase        time.Duration // First reconnect backoff (default: DefaultBackoffBase)
	BackoffMax         time.Duration // Reconnect backoff cap (default: DefaultBackoffMax)
	AutoReconnect      bool          // Start with auto-reconnect enabled

	HistoryRetention   int           // Per-peer history cap (default: DefaultHistoryRetention)

	EnablePresence     bool          // Publish and consume gossip presence announcements
	PresenceInterval   time.Duration // Presence announce interval (default: DefaultPresenceInterval)

	EnableAutoRelay    bool          // Maintain relay reservations through static relays for NAT'd peers
	StaticRelays       []string      // Multiaddrs of relays used when EnableAutoRelay is set
	EnableHolePunching bool          // Attempt NAT hole punching on dials
	EnableNATPortMap   bool          // Request NAT port mappings (UPnP/NAT-PMP)

	EnableConnGater    bool          // Install the connection gater
	MaxConnsPerPeer    int           // Connection gater per-peer connection cap (default: 3)

	EnablePeerCache    bool          // Persist known peers across restarts
	PeerCacheFile      string        // Peer cache path (default: DataDir/peers.json)
	MaxCachedPeers     int           // Peer cache size cap (default: 100)
	PeerCacheTTL       time.Duration // Cached peer TTL (default: 30 days)
}

// applyDefaults fills in zero-valued knobs.
func (c *Config) applyDefaults() {
	if c.ProcessName == "" {
		c.ProcessName = "owlwhisper"
	}
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = []string{"0.0.0.0"}
	}
	if c.BucketCapacity <= 0 {
		c.BucketCapacity = DefaultBucketCapacity
	}
	if c.ProvideTTL <= 0 {
		c.ProvideTTL = DefaultProvideTTL
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = DefaultHistoryRetention
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.MaxConnsPerPeer <= 0 {
		c.MaxConnsPerPeer = 3
	}
	if c.MaxCachedPeers <= 0 {
		c.MaxCachedPeers = DefaultMaxCachedPeers
	}
	if c.PeerCacheTTL <= 0 {
		c.PeerCacheTTL = DefaultCacheTTL
	}
}

// Logger defines the interface for logging within the engine.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Metrics is a rolling view of connection quality to a peer, averaged over
// the last qualityWindow round-trip samples.
type Metrics struct {
	LatencyMS     float64 `json:"latency_ms"`
	ThroughputBps float64 `json:"throughput_bps"`
	Samples       int     `json:"samples"`
}
