package main

import (
	"context"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/transport"
)

// nullTransport is a no-op transport.Transport: this module defines only
// the transport interface (spec.md §1 — session establishment is an
// external collaborator), so the standalone entrypoint needs a stand-in
// implementation to start up and exercise the address manager, discovery
// loop, and debugstats server without a real network stack. A production
// deployment links this daemon against a real session-establishment layer
// instead of nullTransport.
type nullTransport struct {
	local addrmgr.PeerEndpoint
}

func (n *nullTransport) StartClient(ctx context.Context, endpoint addrmgr.PeerEndpoint, onConnect transport.ConnectCallback, filter transport.HandshakeFilter, disconnectAfterHandshake bool) error {
	return nil
}

func (n *nullTransport) PushMessage(msg transport.Outbound, conn transport.Conn) error { return nil }

func (n *nullTransport) GetOutboundConnections() []transport.Conn  { return nil }
func (n *nullTransport) GetFullNodeConnections() []transport.Conn { return nil }
func (n *nullTransport) GetConnections() []transport.Conn         { return nil }
func (n *nullTransport) GetFullNodePeerInfos() []transport.PeerInfo { return nil }
func (n *nullTransport) GetLocalPeerInfo() addrmgr.PeerEndpoint    { return n.local }
func (n *nullTransport) CountOutboundConnections() int             { return 0 }

func (n *nullTransport) Close(conn transport.Conn) error { return nil }

func (n *nullTransport) SetFullNodePeersCallback(cb func(kind transport.EventKind, endpoint addrmgr.PeerEndpoint)) {
}
func (n *nullTransport) SetWalletCallback(cb func(kind transport.EventKind, endpoint addrmgr.PeerEndpoint)) {
}
