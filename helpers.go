package owlwhisper

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// GetPublicIP fetches this node's public IPv4 address from ifconfig.me.
// Used when building advertise addresses for nodes behind NAT.
func GetPublicIP(ctx context.Context) (string, error) {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			// IPv4 only; the advertise address set is v4.
			return (&net.Dialer{}).DialContext(ctx, "tcp4", addr)
		},
		TLSHandshakeTimeout: 10 * time.Second,
	}
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://ifconfig.me/ip", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), resp.Body.Close()
}

// buildAdvertiseAddrs rewrites listen addresses for external reachability:
// private listen IPs are replaced with the advertised IP while loopback and
// already-public addresses pass through untouched.
func buildAdvertiseAddrs(listenAddrs []ma.Multiaddr, advertiseIP string) []ma.Multiaddr {
	if advertiseIP == "" {
		return listenAddrs
	}
	out := make([]ma.Multiaddr, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		ip := extractIP(addr)
		if ip == nil || ip.IsLoopback() || !isPrivateIP(ip) {
			out = append(out, addr)
			continue
		}
		rewritten, err := ma.NewMultiaddr(strings.Replace(addr.String(), "/ip4/"+ip.String(), "/ip4/"+advertiseIP, 1))
		if err != nil {
			out = append(out, addr)
			continue
		}
		out = append(out, rewritten)
	}
	return out
}

// extractIP pulls the IPv4 or IPv6 component out of a multiaddr, if any.
func extractIP(addr ma.Multiaddr) net.IP {
	if v, err := addr.ValueForProtocol(ma.P_IP4); err == nil {
		return net.ParseIP(v)
	}
	if v, err := addr.ValueForProtocol(ma.P_IP6); err == nil {
		return net.ParseIP(v)
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// parsePeerAddrs converts multiaddr strings into a peer ID and its dial
// addresses. All addresses must agree on the embedded peer ID.
func parsePeerAddrs(addrs []string) (peer.ID, []ma.Multiaddr, error) {
	if len(addrs) == 0 {
		return "", nil, fmt.Errorf("no addresses given")
	}
	var id peer.ID
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			return "", nil, fmt.Errorf("parsing address %q: %w", s, err)
		}
		if id == "" {
			id = info.ID
		} else if id != info.ID {
			return "", nil, fmt.Errorf("addresses reference different peers: %s and %s", id, info.ID)
		}
		out = append(out, info.Addrs...)
	}
	return id, out, nil
}
