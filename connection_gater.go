package owlwhisper

import (
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ConnectionGater filters dials and inbound connections: temporary peer
// blocks, CIDR blocklists, and a per-peer connection cap. Protected peers
// bypass every check so an accidental block can never sever a pinned
// relationship.
type ConnectionGater struct {
	mu             sync.RWMutex
	blockedPeers   map[peer.ID]time.Time
	blockedSubnets []*net.IPNet
	maxPerPeer     int
	conns          map[peer.ID]int

	isProtected func(peer.ID) bool
	logger      Logger
}

// NewConnectionGater builds a gater. isProtected may be nil, in which case
// no peer is exempt.
func NewConnectionGater(logger Logger, maxPerPeer int, isProtected func(peer.ID) bool) *ConnectionGater {
	if isProtected == nil {
		isProtected = func(peer.ID) bool { return false }
	}
	return &ConnectionGater{
		blockedPeers: make(map[peer.ID]time.Time),
		maxPerPeer:   maxPerPeer,
		conns:        make(map[peer.ID]int),
		isProtected:  isProtected,
		logger:       logger,
	}
}

// BlockPeer blocks p for the given duration. Blocking a protected peer has
// no effect until it is unprotected.
func (cg *ConnectionGater) BlockPeer(p peer.ID, d time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedPeers[p] = time.Now().Add(d)
}

// UnblockPeer lifts a block early.
func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	delete(cg.blockedPeers, p)
}

// BlockSubnet blocks a CIDR range, e.g. "10.0.0.0/8".
func (cg *ConnectionGater) BlockSubnet(cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedSubnets = append(cg.blockedSubnets, ipnet)
	return nil
}

func (cg *ConnectionGater) peerBlocked(p peer.ID) bool {
	if cg.isProtected(p) {
		return false
	}
	cg.mu.Lock()
	defer cg.mu.Unlock()
	expiry, ok := cg.blockedPeers[p]
	if !ok {
		return false
	}
	if time.Now().Before(expiry) {
		return true
	}
	delete(cg.blockedPeers, p)
	return false
}

func (cg *ConnectionGater) addrBlocked(addr ma.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}
	cg.mu.RLock()
	defer cg.mu.RUnlock()
	for _, subnet := range cg.blockedSubnets {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}

// InterceptPeerDial implements connmgr.ConnectionGater.
func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) bool {
	if cg.peerBlocked(p) {
		cg.logger.Debugf("[Gater] refusing dial to blocked peer %s", p.ShortString())
		return false
	}
	return true
}

// InterceptAddrDial implements connmgr.ConnectionGater.
func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr ma.Multiaddr) bool {
	if cg.peerBlocked(p) {
		return false
	}
	if !cg.isProtected(p) && cg.addrBlocked(addr) {
		cg.logger.Debugf("[Gater] refusing dial to blocked subnet address %s", addr)
		return false
	}
	return true
}

// InterceptAccept implements connmgr.ConnectionGater.
func (cg *ConnectionGater) InterceptAccept(conn network.ConnMultiaddrs) bool {
	if cg.addrBlocked(conn.RemoteMultiaddr()) {
		cg.logger.Debugf("[Gater] refusing inbound from blocked subnet %s", conn.RemoteMultiaddr())
		return false
	}
	return true
}

// InterceptSecured implements connmgr.ConnectionGater. Runs after the
// handshake, so the peer identity is authenticated and the protected
// exemption can apply to inbound connections too.
func (cg *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if cg.peerBlocked(p) {
		cg.logger.Debugf("[Gater] refusing secured connection from blocked peer %s", p.ShortString())
		return false
	}
	if cg.maxPerPeer > 0 && !cg.isProtected(p) {
		cg.mu.Lock()
		defer cg.mu.Unlock()
		if cg.conns[p] >= cg.maxPerPeer {
			cg.logger.Debugf("[Gater] peer %s exceeded connection cap %d", p.ShortString(), cg.maxPerPeer)
			return false
		}
		cg.conns[p]++
	}
	return true
}

// InterceptUpgraded implements connmgr.ConnectionGater.
func (cg *ConnectionGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// connectionClosed releases a slot counted in InterceptSecured. Wired to the
// transport's per-connection close notifications, so a peer holding several
// simultaneous connections gets every slot back.
func (cg *ConnectionGater) connectionClosed(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	if cg.conns[p] > 0 {
		cg.conns[p]--
	}
	if cg.conns[p] == 0 {
		delete(cg.conns, p)
	}
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
