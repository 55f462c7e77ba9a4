// Package addrutil provides the small set of pure helpers the address
// manager needs to key and group endpoints: routability checks and network
// group derivation (/16 for IPv4, /32 for IPv6), mirroring the role
// PKT-FullNode's addrmgr/addrutil package plays for its AddrManager.
package addrutil

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is the minimal (host, port) pair addrutil operates on. It is
// defined here rather than imported from addrmgr to keep this package free
// of a dependency on its own caller.
type Endpoint struct {
	Host string
	Port uint16
}

// Key returns the canonical string key for an endpoint, suitable for use as
// a map key and for persistence ("host:port"), matching PKT-FullNode's
// addrutil.NetAddressKey.
func Key(e Endpoint) string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// IsRoutable reports whether host is a publicly routable unicast address.
// Non-routable hosts (unspecified, loopback, link-local, multicast, and
// RFC1918/RFC4193 private ranges) are rejected, matching PKT-FullNode's
// addrutil.IsRoutable used to filter updateAddress input.
func IsRoutable(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP (a DNS name); treated as routable here and
		// resolved later via the injected lookup function.
		return true
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return false
		case ip4[0] == 172 && ip4[1]&0xf0 == 16:
			return false
		case ip4[0] == 192 && ip4[1] == 168:
			return false
		case ip4[0] == 169 && ip4[1] == 254:
			return false
		case ip4[0] == 127:
			return false
		case ip4[0] == 0:
			return false
		}
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	return true
}

// Group returns the NetworkGroup a host belongs to: the /16 CIDR for IPv4,
// the /32 CIDR for IPv6, or the bare host string itself for unresolved DNS
// names (so distinct hostnames are never coalesced into one group).
func Group(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		return "name:" + host
	}
	if ip4 := ip.To4(); ip4 != nil {
		return fmt.Sprintf("v4:%d.%d", ip4[0], ip4[1])
	}
	ip6 := ip.To16()
	return fmt.Sprintf("v6:%x", ip6[:4])
}
