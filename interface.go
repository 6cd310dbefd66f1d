package owlwhisper

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// EngineI abstracts the engine for consumers and mocks.
type EngineI interface {
	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// Identity
	MyPeerID() peer.ID
	PublicKey() ([]byte, error)
	Addresses() ([]string, error)

	// Connections
	Connect(ctx context.Context, addrs []string) error
	ConnectPeer(ctx context.Context, p peer.ID) error
	Disconnect(p peer.ID) error
	ConnectedPeers() ([]peer.ID, error)
	ConnectionState(p peer.ID) (ConnState, error)
	ConnectionQuality(p peer.ID) (Metrics, error)

	// Protected peers
	AddProtectedPeer(p peer.ID) error
	RemoveProtectedPeer(p peer.ID) error
	IsProtectedPeer(p peer.ID) (bool, error)
	ProtectedPeers() ([]peer.ID, error)
	SetAutoReconnect(on bool) error
	ReconnectAttempts(p peer.ID) (int, error)

	// Messaging
	SendMessage(ctx context.Context, p peer.ID, payload []byte) (string, error)
	Broadcast(ctx context.Context, payload []byte) (map[peer.ID]error, error)
	History(p peer.ID, limit int) ([]ChatMessage, error)

	// DHT
	FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error)
	ProvideContent(ctx context.Context, contentID string) error
	StopProviding(contentID string) error
	FindProviders(ctx context.Context, contentID string, limit int) ([]peer.AddrInfo, error)
	RoutingTableSize() (int, error)
	SetupAutoRelay(ctx context.Context) error

	// Events
	NextEvent(ctx context.Context) (Event, error)
	NextEventJSON(ctx context.Context) (string, error)

	// Gating and cache
	BlockPeer(p peer.ID, d time.Duration) error
	UnblockPeer(p peer.ID) error
	CachedPeers(limit int) ([]CachedPeer, error)
	ClearPeerCache() error

	// Introspection
	NetworkStatsJSON() (string, error)
	ConnectedPeersJSON() (string, error)
	ConnectionQualityJSON(p peer.ID) (string, error)
	ConnectionLimitsJSON() (string, error)
	HistoryJSON(p peer.ID, limit int) (string, error)
}

var _ EngineI = (*Engine)(nil)
