package store

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
)

// TestSerializeLoad_RoundTrip is spec.md §8's persistence round-trip
// scenario: serialize then load reproduces the same secret key and the
// same set of known addresses with their table placement.
func TestSerializeLoad_RoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := addrmgr.New(nil, clk, rand.New(rand.NewSource(11)))
	now := clk.NowUnix()

	var tried []addrmgr.PeerEndpoint
	for i := 0; i < 20; i++ {
		ep := addrmgr.PeerEndpoint{Host: fmt.Sprintf("203.0.113.%d", i+1), Port: 8444}
		mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: ep, LastSeen: now}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
		if i%3 == 0 {
			mgr.MarkGood(ep, true)
			tried = append(tried, ep)
		}
		// Drive every entry's lastTry/numAttempts away from the
		// MarkGood-assigned values so the round trip below actually
		// exercises them rather than comparing zero to zero.
		clk.Advance(time.Second)
		mgr.Attempt(ep, true)
		mgr.Attempt(ep, true)
	}
	require.NotEmpty(t, tried)

	path := filepath.Join(t.TempDir(), "peers.dat")
	s := New(path)
	require.NoError(t, s.Serialize(mgr))

	loaded := s.Load(nil, clk)
	require.Equal(t, mgr.Key(), loaded.Key())
	require.Equal(t, mgr.Size(), loaded.Size())

	want := make(map[string]addrmgr.ExportedAddr)
	for _, a := range mgr.Export() {
		want[a.Endpoint.Key()] = a
	}
	got := make(map[string]addrmgr.ExportedAddr)
	for _, a := range loaded.Export() {
		got[a.Endpoint.Key()] = a
	}
	require.Equal(t, len(want), len(got))
	for key, w := range want {
		g, ok := got[key]
		require.True(t, ok, "missing endpoint %s after round trip", key)
		require.Equal(t, w.Endpoint, g.Endpoint)
		require.Equal(t, w.InTried, g.InTried)
		require.Equal(t, w.Source.Kind, g.Source.Kind)
		require.Equal(t, w.LastSeen, g.LastSeen)
		require.Equal(t, w.LastTry, g.LastTry, "lastTry must survive the round trip, not be reset by replaying MarkGood/Attempt")
		require.Equal(t, w.LastSuccess, g.LastSuccess, "lastSuccess must survive the round trip")
		require.Equal(t, w.NumAttempts, g.NumAttempts, "numAttempts must survive the round trip")
	}

	newOcc, triedOcc := mgr.Occupancy()
	loadedNewOcc, loadedTriedOcc := loaded.Occupancy()
	require.Equal(t, countOccupied(newOcc), countOccupied(loadedNewOcc))
	require.Equal(t, countOccupied(triedOcc), countOccupied(loadedTriedOcc))
}

// TestLoad_MissingFileReturnsEmptyManager covers Load's documented
// fallback: a missing snapshot yields a fresh, empty manager rather than a
// caller-visible error.
func TestLoad_MissingFileReturnsEmptyManager(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(filepath.Join(t.TempDir(), "does-not-exist.dat"))
	mgr := s.Load(nil, clk)
	require.Equal(t, 0, mgr.Size())
}

// TestLoad_CorruptFileReturnsEmptyManager covers the checksum-mismatch
// fallback path: a truncated/corrupt file must not crash Load, and must
// not silently load a partially-decoded manager.
func TestLoad_CorruptFileReturnsEmptyManager(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	mgr := addrmgr.New(nil, clk, rand.New(rand.NewSource(12)))
	mgr.AddToNewTable([]addrmgr.TimestampedPeer{{
		PeerEndpoint: addrmgr.PeerEndpoint{Host: "203.0.113.200", Port: 1},
		LastSeen:     clk.NowUnix(),
	}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)

	path := filepath.Join(t.TempDir(), "peers.dat")
	s := New(path)
	require.NoError(t, s.Serialize(mgr))

	// Corrupt the payload after the checksum prefix.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded := s.Load(nil, clk)
	require.Equal(t, 0, loaded.Size())
}

func countOccupied(occ []bool) int {
	n := 0
	for _, o := range occ {
		if o {
			n++
		}
	}
	return n
}
