package addrmgr

import (
	"github.com/coredaemon/peerbook/addrmgr/addrutil"
)

// PeerEndpoint is a (host, port) pair identifying a candidate peer,
// generalizing PKT-FullNode's *wire.NetAddress into a transport-agnostic
// shape.
type PeerEndpoint struct {
	Host string
	Port uint16
}

// Key returns the canonical "host:port" string used to index AddrInfos,
// matching PKT-FullNode's addrutil.NetAddressKey.
func (p PeerEndpoint) Key() string {
	return addrutil.Key(addrutil.Endpoint{Host: p.Host, Port: p.Port})
}

// Group returns the NetworkGroup (/16 for IPv4, /32 for IPv6) used to
// enforce diversity, matching PKT-FullNode's addrutil.GroupKey.
func (p PeerEndpoint) Group() string {
	return addrutil.Group(p.Host)
}

// TimestampedPeer is a PeerEndpoint with the epoch-seconds it was last seen
// advertised, the wire shape exchanged in respond_peers_full_node messages.
type TimestampedPeer struct {
	PeerEndpoint
	LastSeen uint64
}

// SourceKind identifies who advertised an AddrInfo.
type SourceKind uint8

const (
	// SourceNone means the address was learned with no attributable
	// advertiser (e.g. a wallet-only peer response).
	SourceNone SourceKind = iota
	// SourcePeer means a specific remote peer advertised this address.
	SourcePeer
	// SourceSelf means the node learned the address about itself.
	SourceSelf
	// SourceIntroducer means the bootstrap introducer supplied it.
	SourceIntroducer
)

// Source records who advertised an AddrInfo, used to derive the
// source-group bucket hashing input.
type Source struct {
	Kind     SourceKind
	Endpoint PeerEndpoint // valid only when Kind == SourcePeer
}

// Group returns the NetworkGroup attributed to this source for bucket
// hashing purposes.
func (s Source) Group() string {
	switch s.Kind {
	case SourcePeer:
		return s.Endpoint.Group()
	case SourceSelf:
		return "source:self"
	case SourceIntroducer:
		return "source:introducer"
	default:
		return "source:none"
	}
}

// Key returns a string uniquely identifying this source, used only for
// logging/debugging.
func (s Source) Key() string {
	switch s.Kind {
	case SourcePeer:
		return s.Endpoint.Key()
	case SourceSelf:
		return "self"
	case SourceIntroducer:
		return "introducer"
	default:
		return "none"
	}
}
