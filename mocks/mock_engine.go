// Package mocks provides mock implementations of the engine interfaces used
// in testing.
package mocks

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/mock"

	owlwhisper "github.com/ZenonEl/OwlWhisper"
)

// MockEngine is a mock implementation of the EngineI interface
type MockEngine struct {
	mock.Mock
}

// Start mocks the Start method
func (m *MockEngine) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockEngine) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MyPeerID mocks the MyPeerID method
func (m *MockEngine) MyPeerID() peer.ID {
	args := m.Called()
	return args.Get(0).(peer.ID)
}

// PublicKey mocks the PublicKey method
func (m *MockEngine) PublicKey() ([]byte, error) {
	args := m.Called()
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// Addresses mocks the Addresses method
func (m *MockEngine) Addresses() ([]string, error) {
	args := m.Called()
	if a := args.Get(0); a != nil {
		return a.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// Connect mocks the Connect method
func (m *MockEngine) Connect(ctx context.Context, addrs []string) error {
	args := m.Called(ctx, addrs)
	return args.Error(0)
}

// ConnectPeer mocks the ConnectPeer method
func (m *MockEngine) ConnectPeer(ctx context.Context, p peer.ID) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

// Disconnect mocks the Disconnect method
func (m *MockEngine) Disconnect(p peer.ID) error {
	args := m.Called(p)
	return args.Error(0)
}

// ConnectedPeers mocks the ConnectedPeers method
func (m *MockEngine) ConnectedPeers() ([]peer.ID, error) {
	args := m.Called()
	if p := args.Get(0); p != nil {
		return p.([]peer.ID), args.Error(1)
	}
	return nil, args.Error(1)
}

// ConnectionState mocks the ConnectionState method
func (m *MockEngine) ConnectionState(p peer.ID) (owlwhisper.ConnState, error) {
	args := m.Called(p)
	return args.Get(0).(owlwhisper.ConnState), args.Error(1)
}

// ConnectionQuality mocks the ConnectionQuality method
func (m *MockEngine) ConnectionQuality(p peer.ID) (owlwhisper.Metrics, error) {
	args := m.Called(p)
	return args.Get(0).(owlwhisper.Metrics), args.Error(1)
}

// AddProtectedPeer mocks the AddProtectedPeer method
func (m *MockEngine) AddProtectedPeer(p peer.ID) error {
	args := m.Called(p)
	return args.Error(0)
}

// RemoveProtectedPeer mocks the RemoveProtectedPeer method
func (m *MockEngine) RemoveProtectedPeer(p peer.ID) error {
	args := m.Called(p)
	return args.Error(0)
}

// IsProtectedPeer mocks the IsProtectedPeer method
func (m *MockEngine) IsProtectedPeer(p peer.ID) (bool, error) {
	args := m.Called(p)
	return args.Bool(0), args.Error(1)
}

// ProtectedPeers mocks the ProtectedPeers method
func (m *MockEngine) ProtectedPeers() ([]peer.ID, error) {
	args := m.Called()
	if p := args.Get(0); p != nil {
		return p.([]peer.ID), args.Error(1)
	}
	return nil, args.Error(1)
}

// SetAutoReconnect mocks the SetAutoReconnect method
func (m *MockEngine) SetAutoReconnect(on bool) error {
	args := m.Called(on)
	return args.Error(0)
}

// ReconnectAttempts mocks the ReconnectAttempts method
func (m *MockEngine) ReconnectAttempts(p peer.ID) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

// SendMessage mocks the SendMessage method
func (m *MockEngine) SendMessage(ctx context.Context, p peer.ID, payload []byte) (string, error) {
	args := m.Called(ctx, p, payload)
	return args.String(0), args.Error(1)
}

// Broadcast mocks the Broadcast method
func (m *MockEngine) Broadcast(ctx context.Context, payload []byte) (map[peer.ID]error, error) {
	args := m.Called(ctx, payload)
	if r := args.Get(0); r != nil {
		return r.(map[peer.ID]error), args.Error(1)
	}
	return nil, args.Error(1)
}

// History mocks the History method
func (m *MockEngine) History(p peer.ID, limit int) ([]owlwhisper.ChatMessage, error) {
	args := m.Called(p, limit)
	if h := args.Get(0); h != nil {
		return h.([]owlwhisper.ChatMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

// FindPeer mocks the FindPeer method
func (m *MockEngine) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(peer.AddrInfo), args.Error(1)
}

// ProvideContent mocks the ProvideContent method
func (m *MockEngine) ProvideContent(ctx context.Context, contentID string) error {
	args := m.Called(ctx, contentID)
	return args.Error(0)
}

// StopProviding mocks the StopProviding method
func (m *MockEngine) StopProviding(contentID string) error {
	args := m.Called(contentID)
	return args.Error(0)
}

// FindProviders mocks the FindProviders method
func (m *MockEngine) FindProviders(ctx context.Context, contentID string, limit int) ([]peer.AddrInfo, error) {
	args := m.Called(ctx, contentID, limit)
	if p := args.Get(0); p != nil {
		return p.([]peer.AddrInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

// RoutingTableSize mocks the RoutingTableSize method
func (m *MockEngine) RoutingTableSize() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

// SetupAutoRelay mocks the SetupAutoRelay method
func (m *MockEngine) SetupAutoRelay(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// NextEvent mocks the NextEvent method
func (m *MockEngine) NextEvent(ctx context.Context) (owlwhisper.Event, error) {
	args := m.Called(ctx)
	return args.Get(0).(owlwhisper.Event), args.Error(1)
}

// NextEventJSON mocks the NextEventJSON method
func (m *MockEngine) NextEventJSON(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// BlockPeer mocks the BlockPeer method
func (m *MockEngine) BlockPeer(p peer.ID, d time.Duration) error {
	args := m.Called(p, d)
	return args.Error(0)
}

// UnblockPeer mocks the UnblockPeer method
func (m *MockEngine) UnblockPeer(p peer.ID) error {
	args := m.Called(p)
	return args.Error(0)
}

// CachedPeers mocks the CachedPeers method
func (m *MockEngine) CachedPeers(limit int) ([]owlwhisper.CachedPeer, error) {
	args := m.Called(limit)
	if p := args.Get(0); p != nil {
		return p.([]owlwhisper.CachedPeer), args.Error(1)
	}
	return nil, args.Error(1)
}

// ClearPeerCache mocks the ClearPeerCache method
func (m *MockEngine) ClearPeerCache() error {
	args := m.Called()
	return args.Error(0)
}

// NetworkStatsJSON mocks the NetworkStatsJSON method
func (m *MockEngine) NetworkStatsJSON() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// ConnectedPeersJSON mocks the ConnectedPeersJSON method
func (m *MockEngine) ConnectedPeersJSON() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// ConnectionQualityJSON mocks the ConnectionQualityJSON method
func (m *MockEngine) ConnectionQualityJSON(p peer.ID) (string, error) {
	args := m.Called(p)
	return args.String(0), args.Error(1)
}

// ConnectionLimitsJSON mocks the ConnectionLimitsJSON method
func (m *MockEngine) ConnectionLimitsJSON() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// HistoryJSON mocks the HistoryJSON method
func (m *MockEngine) HistoryJSON(p peer.ID, limit int) (string, error) {
	args := m.Called(p, limit)
	return args.String(0), args.Error(1)
}
