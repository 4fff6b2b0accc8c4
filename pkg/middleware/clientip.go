package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/platinummonkey/sharehub/pkg/contextkeys"
)

// TrustedProxies is the set of peers allowed to report the client address
// through X-Forwarded-For and X-Real-IP. The zero value trusts nobody.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies accepts IP addresses and CIDR ranges
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var proxies TrustedProxies
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			proxies = append(proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		proxies = append(proxies, network)
	}
	return proxies, nil
}

// Contains reports whether ip belongs to a trusted proxy
func (p TrustedProxies) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range p {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the address a request is accounted to. Forwarding
// headers are read only when the peer is trusted, and the right-most hop
// that is not itself a trusted proxy wins.
func (p TrustedProxies) ClientIP(r *http.Request) string {
	peer := peerHost(r)
	if !p.Contains(net.ParseIP(peer)) {
		return peer
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(header, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(hops[i])
		if ip == nil {
			// unparseable hop, fall back to the proxy itself
			return peer
		}
		if !p.Contains(ip) {
			return ip.String()
		}
	}
	if len(hops) > 0 {
		return net.ParseIP(hops[0]).String()
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

// getClientIP returns the address resolved by the limiter, or the peer host
func getClientIP(r *http.Request) string {
	if ip := contextkeys.GetClientIP(r.Context()); ip != "" {
		return ip
	}
	return peerHost(r)
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
