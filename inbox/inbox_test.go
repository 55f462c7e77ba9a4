package inbox

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/transport"
)

type recordingRelay struct {
	enqueued []addrmgr.PeerEndpoint
}

func (r *recordingRelay) Enqueue(peer addrmgr.PeerEndpoint, numPeers int) {
	r.enqueued = append(r.enqueued, peer)
}

func newTestInbox(t *testing.T) (*Inbox, *addrmgr.AddressManager, *clock.Fake, *recordingRelay) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := addrmgr.New(nil, clk, rand.New(rand.NewSource(1)))
	relay := &recordingRelay{}
	return New(mgr, relay, clk), mgr, clk, relay
}

func TestApply_NewInboundConnection_AddsAndPromotesAndRelays(t *testing.T) {
	ib, mgr, _, relay := newTestInbox(t)
	ep := addrmgr.PeerEndpoint{Host: "203.0.113.100", Port: 1}

	ib.apply(Event{Kind: transport.EventNewInboundConnection, Endpoint: ep})

	found := false
	for _, a := range mgr.Export() {
		if a.Endpoint == ep {
			found = true
			require.True(t, a.InTried, "a new inbound connection is marked good immediately")
		}
	}
	require.True(t, found)
	require.Equal(t, []addrmgr.PeerEndpoint{ep}, relay.enqueued)
}

func TestApply_MakeTried_PromotesAndRefreshes(t *testing.T) {
	ib, mgr, clk, _ := newTestInbox(t)
	ep := addrmgr.PeerEndpoint{Host: "203.0.113.101", Port: 1}
	now := clk.NowUnix()
	mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: ep, LastSeen: now}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)

	ib.apply(Event{Kind: transport.EventMakeTried, Endpoint: ep})

	for _, a := range mgr.Export() {
		if a.Endpoint == ep {
			require.True(t, a.InTried)
			require.Equal(t, now, a.LastSuccess)
		}
	}
}

func TestApply_MarkAttempted_IncrementsAttempts(t *testing.T) {
	ib, mgr, clk, _ := newTestInbox(t)
	ep := addrmgr.PeerEndpoint{Host: "203.0.113.102", Port: 1}
	now := clk.NowUnix()
	mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: ep, LastSeen: now}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)

	ib.apply(Event{Kind: transport.EventMarkAttempted, Endpoint: ep})
	ib.apply(Event{Kind: transport.EventMarkAttemptedSoft, Endpoint: ep})

	for _, a := range mgr.Export() {
		if a.Endpoint == ep {
			// EventMarkAttempted counts toward numAttempts;
			// EventMarkAttemptedSoft only refreshes lastTry.
			require.Equal(t, 1, a.NumAttempts)
			require.Equal(t, now, a.LastTry)
		}
	}
}

func TestApply_UpdateConnectionTime_RateLimitedPerHost(t *testing.T) {
	ib, mgr, clk, _ := newTestInbox(t)
	ep := addrmgr.PeerEndpoint{Host: "203.0.113.103", Port: 1}
	now := clk.NowUnix()
	mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: ep, LastSeen: now}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)

	ib.apply(Event{Kind: transport.EventUpdateConnectionTime, Endpoint: ep})
	require.True(t, ib.shouldRateLimit(ep.Host), "a second contact within 60s of the same host must be rate-limited")

	clk.Advance(61 * time.Second)
	require.False(t, ib.shouldRateLimit(ep.Host), "the rate limit must lapse after 60 seconds")
}

// TestSafeApply_RecoversInvariantPanicAndResets confirms the recover
// wrapper wired into Run catches any panic raised while applying an event
// and resolves it by resetting the manager, matching the
// recover-log-reinitialize pattern spec.md §7 requires for the
// programming-invariant error class.
func TestSafeApply_RecoversInvariantPanicAndResets(t *testing.T) {
	ib, mgr, clk, _ := newTestInbox(t)
	ep := addrmgr.PeerEndpoint{Host: "203.0.113.104", Port: 1}
	mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: ep, LastSeen: clk.NowUnix()}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
	oldKey := mgr.Key()

	require.NotPanics(t, func() {
		ib.safeApply(func() { panic("simulated address-manager invariant violation") })
	})
	require.Equal(t, 0, mgr.Size(), "safeApply must reset the manager after recovering a panic")
	require.NotEqual(t, oldKey, mgr.Key())
}

func TestApply_UnknownEventKind_IsIgnored(t *testing.T) {
	ib, mgr, _, _ := newTestInbox(t)
	require.NotPanics(t, func() {
		ib.apply(Event{Kind: transport.EventKind(99), Endpoint: addrmgr.PeerEndpoint{Host: "203.0.113.105", Port: 1}})
	})
	require.Equal(t, 0, mgr.Size())
}
