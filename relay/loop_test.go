package relay

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/transport"
)

type fakeConn struct {
	ep        addrmgr.PeerEndpoint
	sessionID string
}

func (f fakeConn) RemoteEndpoint() addrmgr.PeerEndpoint { return f.ep }
func (f fakeConn) IsOutbound() bool                     { return true }
func (f fakeConn) SessionID() string                    { return f.sessionID }

type recordingTransport struct {
	fullNodeConns []transport.Conn
	outboundConns []transport.Conn
	pushedTo      []addrmgr.PeerEndpoint
}

func (r *recordingTransport) StartClient(ctx context.Context, endpoint addrmgr.PeerEndpoint, onConnect transport.ConnectCallback, filter transport.HandshakeFilter, disconnectAfterHandshake bool) error {
	return nil
}
func (r *recordingTransport) PushMessage(msg transport.Outbound, conn transport.Conn) error {
	r.pushedTo = append(r.pushedTo, conn.RemoteEndpoint())
	return nil
}
func (r *recordingTransport) GetOutboundConnections() []transport.Conn  { return r.outboundConns }
func (r *recordingTransport) GetFullNodeConnections() []transport.Conn { return r.fullNodeConns }
func (r *recordingTransport) GetConnections() []transport.Conn         { return r.fullNodeConns }
func (r *recordingTransport) GetFullNodePeerInfos() []transport.PeerInfo {
	return nil
}
func (r *recordingTransport) GetLocalPeerInfo() addrmgr.PeerEndpoint { return addrmgr.PeerEndpoint{} }
func (r *recordingTransport) CountOutboundConnections() int          { return len(r.outboundConns) }
func (r *recordingTransport) Close(conn transport.Conn) error        { return nil }
func (r *recordingTransport) SetFullNodePeersCallback(cb func(kind transport.EventKind, endpoint addrmgr.PeerEndpoint)) {
}
func (r *recordingTransport) SetWalletCallback(cb func(kind transport.EventKind, endpoint addrmgr.PeerEndpoint)) {
}

func fakeNeighbors(n int) []transport.Conn {
	out := make([]transport.Conn, n)
	for i := 0; i < n; i++ {
		ep := addrmgr.PeerEndpoint{Host: fmt.Sprintf("198.51.100.%d", i+1), Port: 8444}
		out[i] = fakeConn{ep: ep, sessionID: ep.Key()}
	}
	return out
}

func fixedKeyManager(clk clock.Clock) *addrmgr.AddressManager {
	mgr := addrmgr.New(nil, clk, rand.New(rand.NewSource(1)))
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcde!"))
	mgr.SetKey(key)
	return mgr
}

// TestRelayDeterminism is spec.md §8 scenario 5: with a fixed secret key,
// fixed cur_day, and 5 neighbors, relaying (relay_peer, 2) selects exactly
// the same two neighbors on every invocation; after cur_day changes, a pair
// is still selected (whether it differs is not asserted).
func TestRelayDeterminism(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := fixedKeyManager(clk)
	neighbors := fakeNeighbors(5)
	peer := addrmgr.PeerEndpoint{Host: "203.0.113.9", Port: 1}

	tr1 := &recordingTransport{fullNodeConns: neighbors}
	l1 := New(tr1, mgr, clk)
	l1.relayOne(relayJob{peer: peer, numPeers: 2})
	require.Len(t, tr1.pushedTo, 2)

	tr2 := &recordingTransport{fullNodeConns: neighbors}
	l2 := New(tr2, mgr, clk)
	l2.relayOne(relayJob{peer: peer, numPeers: 2})
	require.Len(t, tr2.pushedTo, 2)

	require.ElementsMatch(t, tr1.pushedTo, tr2.pushedTo, "the same (key, day, neighbors) must select the same pair")

	// Advance by exactly one day: cur_day changes, so the selection may
	// differ (not guaranteed disjoint, just not guaranteed identical).
	clk.Advance(24 * time.Hour)
	tr3 := &recordingTransport{fullNodeConns: neighbors}
	l3 := New(tr3, mgr, clk)
	l3.relayOne(relayJob{peer: peer, numPeers: 2})
	require.Len(t, tr3.pushedTo, 2)
}

// TestSafeCall_RecoversInvariantPanicAndResets covers spec.md §7's
// programming-invariant class for the relay loop: a panic out of a relay
// job or the self-advertise subtask must not take Run down, and must
// instead reset the address manager.
func TestSafeCall_RecoversInvariantPanicAndResets(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := fixedKeyManager(clk)
	now := clk.NowUnix()
	mgr.AddToNewTable([]addrmgr.TimestampedPeer{{
		PeerEndpoint: addrmgr.PeerEndpoint{Host: "203.0.113.90", Port: 1},
		LastSeen:     now,
	}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
	oldKey := mgr.Key()

	l := New(&recordingTransport{}, mgr, clk)
	require.NotPanics(t, func() {
		l.safeCall(func() { panic("simulated address-manager invariant violation") })
	})
	require.Equal(t, 0, mgr.Size(), "safeCall must reset the manager after recovering a panic")
	require.NotEqual(t, oldKey, mgr.Key())
}

// TestFingerprintingDefense is spec.md §8 scenario 6: request_peers from a
// non-outbound endpoint gets no response; from a known outbound endpoint
// it gets the gossip sample.
func TestFingerprintingDefense(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := fixedKeyManager(clk)
	now := clk.NowUnix()
	for i := 0; i < 10; i++ {
		mgr.AddToNewTable([]addrmgr.TimestampedPeer{{
			PeerEndpoint: addrmgr.PeerEndpoint{Host: fmt.Sprintf("198.51.100.%d", i+1), Port: 8444},
			LastSeen:     now,
		}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
	}

	outboundPeer := addrmgr.PeerEndpoint{Host: "203.0.113.1", Port: 1}
	inboundPeer := addrmgr.PeerEndpoint{Host: "203.0.113.2", Port: 1}

	tr := &recordingTransport{
		outboundConns: []transport.Conn{fakeConn{ep: outboundPeer, sessionID: "out"}},
	}
	l := New(tr, mgr, clk)

	require.Nil(t, l.RequestPeers(inboundPeer), "inbound-only requesters must receive no reply")

	sample := l.RequestPeers(outboundPeer)
	require.NotNil(t, sample)
	require.NotEmpty(t, sample)
}

// TestRespondPeers_SanitizesAndRelaysSingletonAdvertisement covers §6's
// respond_peers handler: an invalid timestamp is sanitized, and a
// single-peer full-node advertisement seen within the last 10 minutes is
// enqueued for relay with num_peers=2.
func TestRespondPeers_SanitizesAndRelaysSingletonAdvertisement(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := fixedKeyManager(clk)
	tr := &recordingTransport{}
	l := New(tr, mgr, clk)

	source := addrmgr.PeerEndpoint{Host: "198.51.100.50", Port: 8444}
	fresh := addrmgr.TimestampedPeer{
		PeerEndpoint: addrmgr.PeerEndpoint{Host: "203.0.113.77", Port: 8444},
		LastSeen:     clk.NowUnix() - 30,
	}
	l.RespondPeers([]addrmgr.TimestampedPeer{fresh}, source, true)

	require.Equal(t, 1, len(l.queue), "a fresh singleton advertisement must be enqueued for relay")
	job := <-l.queue
	require.Equal(t, 2, job.numPeers)
	require.Equal(t, fresh.PeerEndpoint, job.peer)

	// An out-of-range timestamp must be sanitized rather than rejected
	// outright.
	stale := addrmgr.TimestampedPeer{
		PeerEndpoint: addrmgr.PeerEndpoint{Host: "203.0.113.78", Port: 8444},
		LastSeen:     1, // far below the 10^8 validity floor
	}
	l.RespondPeers([]addrmgr.TimestampedPeer{stale}, source, true)
	found := false
	for _, a := range mgr.Export() {
		if a.Endpoint == stale.PeerEndpoint {
			found = true
			require.Equal(t, clk.NowUnix()-5*secondsPerDay-fullNodePenaltySeconds, a.LastSeen)
		}
	}
	require.True(t, found)
}
