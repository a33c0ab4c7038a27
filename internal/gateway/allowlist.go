package gateway

import (
	"net"
	"strings"
)

// ipAllowed evaluates a peer IP against an agent's allow-list. Entries may be
// literal IPv4/IPv6 addresses, CIDR ranges, or the wildcard "*". An empty
// list rejects every peer; an unparsable entry is skipped.
func ipAllowed(allowList []string, peer net.IP) bool {
	if peer == nil {
		return false
	}

	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "*":
			return true
		case strings.Contains(entry, "/"):
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(peer) {
				return true
			}
		default:
			if ip := net.ParseIP(entry); ip != nil && ip.Equal(peer) {
				return true
			}
		}
	}
	return false
}

// peerIP extracts the IP portion of a host:port remote address. A bare IP
// (no port) is accepted too.
func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}
