// Package transport declares the interfaces this module consumes from and
// produces to the session-establishment layer. It contains no concrete
// implementation: transport/session establishment, the connection
// registry, UPnP, and protocol codecs beyond the two relay message shapes
// are external collaborators.
package transport

import (
	"context"

	"github.com/coredaemon/peerbook/addrmgr"
)

// PeerInfo identifies one established session's remote endpoint and
// full-node/wallet classification, as returned by GetFullNodePeerInfos.
type PeerInfo struct {
	Endpoint addrmgr.PeerEndpoint
	IsFull   bool
	// SessionID is empty for sessions without a finalized identifier; the
	// relay loop ignores such neighbors.
	SessionID string
}

// Conn is one established session, as handed to a connect callback.
type Conn interface {
	// RemoteEndpoint is the peer this session is connected to.
	RemoteEndpoint() addrmgr.PeerEndpoint
	// IsOutbound reports whether this node initiated the session. The
	// request_peers fingerprinting-attack mitigation (relay.Loop.RequestPeers)
	// does not call it; it checks membership in GetOutboundConnections.
	IsOutbound() bool
	// SessionID returns a finalized identifier, or "" before handshake
	// completes.
	SessionID() string
}

// RequestPeers is the request_peers outbound message (to the introducer
// and to new outbound neighbors on connect).
type RequestPeers struct{}

// RespondPeersFullNode is the respond_peers_full_node outbound message,
// sent both as a response to request_peers and as relay gossip.
type RespondPeersFullNode struct {
	PeerList []addrmgr.TimestampedPeer
}

// Outbound is anything pushable through Transport.PushMessage: one of
// RequestPeers or RespondPeersFullNode.
type Outbound interface{}

// HandshakeFilter decides, during session setup, whether a candidate
// endpoint should be accepted — used by DiscoveryLoop to reject candidates
// that turn out to equal the local endpoint after resolution.
type HandshakeFilter func(remote addrmgr.PeerEndpoint) bool

// ConnectCallback is invoked once a dial either establishes a session or
// fails; conn is nil on failure.
type ConnectCallback func(conn Conn, err error)

// Transport is the set of operations this module consumes from the
// session-establishment layer.
//
// The inbound respond_peers/request_peers protocol messages (spec.md §6)
// are not modeled as Transport methods: they are handled by
// relay.Loop.RespondPeers and relay.Loop.RequestPeers, which the
// transport's protocol decoder is expected to call directly once it has
// parsed the corresponding wire message.
type Transport interface {
	// StartClient initiates an outbound session. If disconnectAfterHandshake
	// is set, the transport closes the session immediately once the
	// handshake completes (used for feelers and the introducer's one-shot
	// bootstrap).
	StartClient(ctx context.Context, endpoint addrmgr.PeerEndpoint, onConnect ConnectCallback, filter HandshakeFilter, disconnectAfterHandshake bool) error

	// PushMessage delivers msg per its own addressing (broadcast, response
	// to a specific request, or a specific connection).
	PushMessage(msg Outbound, conn Conn) error

	GetOutboundConnections() []Conn
	GetFullNodeConnections() []Conn
	GetConnections() []Conn
	GetFullNodePeerInfos() []PeerInfo
	GetLocalPeerInfo() addrmgr.PeerEndpoint
	CountOutboundConnections() int

	// Close terminates a session, used after the introducer handshake
	// completes.
	Close(conn Conn) error

	// SetFullNodePeersCallback registers the inbox's ingest function so the
	// transport can inject events as they arrive.
	SetFullNodePeersCallback(cb func(kind EventKind, endpoint addrmgr.PeerEndpoint))
	SetWalletCallback(cb func(kind EventKind, endpoint addrmgr.PeerEndpoint))
}

// EventKind enumerates the inbox event kinds delivered by the transport.
type EventKind int

const (
	EventMakeTried EventKind = iota
	EventMarkAttempted
	EventMarkAttemptedSoft
	EventUpdateConnectionTime
	EventNewInboundConnection
)
